package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/carelink/internal/connectivity"
	"github.com/jwalitptl/carelink/internal/model"
	"github.com/jwalitptl/carelink/internal/remote"
	"github.com/jwalitptl/carelink/internal/router"
	"github.com/jwalitptl/carelink/internal/session"
	apperrors "github.com/jwalitptl/carelink/pkg/errors"
)

type fixedToken string

func (t fixedToken) Token(context.Context) (string, error) { return string(t), nil }

type harness struct {
	srv    *Server
	url    string
	prober *connectivity.Prober
	client *remote.Client
}

func newHarness(t *testing.T, cfg router.RouterConfig, token string) *harness {
	t.Helper()
	srv := New(cfg, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	prober := connectivity.NewProber(connectivity.Config{PrimaryURL: ts.URL, Timeout: time.Second}, nil, nil, nil)
	client := remote.NewClient(remote.Config{Timeout: time.Second}, prober, fixedToken(token), nil, nil, nil)
	return &harness{srv: srv, url: ts.URL, prober: prober, client: client}
}

func TestHealthAndOutage(t *testing.T) {
	h := newHarness(t, router.RouterConfig{}, "")
	ctx := context.Background()

	assert.True(t, h.prober.IsReachable(ctx))

	h.srv.SetDown(true)
	h.prober.Invalidate()
	assert.False(t, h.prober.IsReachable(ctx))

	_, err := h.client.CheckPatient(ctx, "ann@example.org")
	assert.True(t, apperrors.IsUnavailable(err))

	h.srv.SetDown(false)
	h.prober.Invalidate()
	assert.True(t, h.prober.IsReachable(ctx))
}

func TestProfileEndpoints(t *testing.T) {
	h := newHarness(t, router.RouterConfig{}, "")
	ctx := context.Background()

	_, err := h.srv.Seed(ctx, model.Profile{Email: "Ann@Example.org", Name: "Ann", Phone: "555"}, model.RolePatient)
	require.NoError(t, err)

	p, err := h.client.LookupProfile(ctx, "ann@example.org")
	require.NoError(t, err)
	assert.Equal(t, "Ann", p.Name)
	assert.Equal(t, "555", p.Phone)
	assert.NotEmpty(t, p.ID)

	_, err = h.client.LookupProfile(ctx, "nobody@example.org")
	assert.True(t, apperrors.IsNotFound(err))

	exists, err := h.client.CheckPatient(ctx, "ann@example.org")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = h.client.CheckPatient(ctx, "nobody@example.org")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRegisterProfile(t *testing.T) {
	h := newHarness(t, router.RouterConfig{}, "")
	ctx := context.Background()

	require.NoError(t, h.client.RegisterProfile(ctx, model.Profile{Email: "bob@example.org", Name: "Bob"}))

	a, err := h.srv.Directory.Get(ctx, "bob@example.org")
	require.NoError(t, err)
	assert.Equal(t, "Bob", a.Profile.Name)
	assert.Equal(t, model.RolePatient, a.Role)

	// an older copy does not overwrite the server's
	require.NoError(t, h.client.RegisterProfile(ctx, model.Profile{
		Email:      "bob@example.org",
		Name:       "Robert",
		LastUpdate: a.Profile.LastUpdate.Add(-time.Hour),
	}))
	a, err = h.srv.Directory.Get(ctx, "bob@example.org")
	require.NoError(t, err)
	assert.Equal(t, "Bob", a.Profile.Name)

	// a newer one does, keeping the server's ID
	require.NoError(t, h.client.RegisterProfile(ctx, model.Profile{
		ID:         "client-id",
		Email:      "bob@example.org",
		Name:       "Robert",
		LastUpdate: a.Profile.LastUpdate.Add(time.Hour),
	}))
	b, err := h.srv.Directory.Get(ctx, "bob@example.org")
	require.NoError(t, err)
	assert.Equal(t, "Robert", b.Profile.Name)
	assert.Equal(t, a.Profile.ID, b.Profile.ID)
}

func TestConnectionLifecycle(t *testing.T) {
	h := newHarness(t, router.RouterConfig{}, "")
	ctx := context.Background()

	_, err := h.srv.Seed(ctx, model.Profile{Email: "ann@example.org", Name: "Ann"}, model.RolePatient)
	require.NoError(t, err)

	err = h.client.Connect(ctx, "cg-1", "nobody@example.org")
	assert.True(t, apperrors.IsNotFound(err))

	require.NoError(t, h.client.Connect(ctx, "cg-1", "ann@example.org"))
	connected, err := h.client.VerifyConnection(ctx, "cg-1", "ann@example.org")
	require.NoError(t, err)
	assert.True(t, connected)
	assert.Equal(t, []string{"ann@example.org"}, h.srv.Directory.Patients(ctx, "cg-1"))

	require.NoError(t, h.client.Disconnect(ctx, "cg-1", "ann@example.org"))
	connected, err = h.client.VerifyConnection(ctx, "cg-1", "ann@example.org")
	require.NoError(t, err)
	assert.False(t, connected)

	err = h.client.Disconnect(ctx, "cg-1", "ann@example.org")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestDeleteAccountDropsConnections(t *testing.T) {
	h := newHarness(t, router.RouterConfig{}, "")
	ctx := context.Background()

	_, err := h.srv.Seed(ctx, model.Profile{Email: "ann@example.org", Name: "Ann"}, model.RolePatient)
	require.NoError(t, err)
	require.NoError(t, h.client.Connect(ctx, "cg-1", "ann@example.org"))

	req, err := http.NewRequest(http.MethodDelete, h.url+"/admin/accounts/ann@example.org", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	exists, err := h.client.CheckPatient(ctx, "ann@example.org")
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Empty(t, h.srv.Directory.Patients(ctx, "cg-1"))
}

func TestBadConnectPayload(t *testing.T) {
	h := newHarness(t, router.RouterConfig{}, "")
	err := h.client.Connect(context.Background(), "", "ann@example.org")
	assert.True(t, apperrors.IsBadRequest(err))
}

func TestJWTRequired(t *testing.T) {
	const secret = "stub-secret"
	ctx := context.Background()

	anon := newHarness(t, router.RouterConfig{JWTSecret: secret}, "")
	assert.True(t, anon.prober.IsReachable(ctx), "health paths stay public")
	_, err := anon.client.CheckPatient(ctx, "ann@example.org")
	assert.True(t, apperrors.IsUnauthorized(err))

	token, err := session.Issue(secret, model.Identity{ID: "cg-1", Email: "carol@example.org"}, time.Hour)
	require.NoError(t, err)
	authed := newHarness(t, router.RouterConfig{JWTSecret: secret}, token)
	exists, err := authed.client.CheckPatient(ctx, "ann@example.org")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, router.RouterConfig{}, "")
	require.True(t, h.prober.IsReachable(context.Background()))

	resp, err := http.Get(h.url + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "carelink_stub_requests_total")
}
