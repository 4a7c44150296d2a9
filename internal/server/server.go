// Package server assembles the development server of record: the endpoints
// the sync engine calls, backed by an in-memory directory.
package server

import (
	"context"
	"net/http"

	"github.com/jwalitptl/carelink/internal/handler/caregiver"
	"github.com/jwalitptl/carelink/internal/handler/user"
	"github.com/jwalitptl/carelink/internal/model"
	"github.com/jwalitptl/carelink/internal/router"
	"github.com/jwalitptl/carelink/internal/service/directory"
	"github.com/jwalitptl/carelink/pkg/logger"
)

type Server struct {
	Directory *directory.Service
	router    *router.Router
}

func New(cfg router.RouterConfig, log *logger.Logger) *Server {
	dir := directory.NewService()
	r := router.NewRouter(user.NewHandler(dir), caregiver.NewHandler(dir), log, cfg)
	r.Setup()
	return &Server{Directory: dir, router: r}
}

func (s *Server) Handler() http.Handler {
	return s.router.Engine()
}

func (s *Server) Router() *router.Router {
	return s.router
}

// SetDown makes every client-facing route answer 503.
func (s *Server) SetDown(down bool) {
	s.router.SetDown(down)
}

// Seed creates an account directly.
func (s *Server) Seed(ctx context.Context, profile model.Profile, role model.Role) (model.Profile, error) {
	a, err := s.Directory.Upsert(ctx, directory.Account{Profile: profile, Role: role})
	return a.Profile, err
}
