package user

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/carelink/internal/handler"
	"github.com/jwalitptl/carelink/internal/model"
	"github.com/jwalitptl/carelink/internal/service/directory"
)

type Handler struct {
	service directory.DirectoryService
}

func NewHandler(service directory.DirectoryService) *Handler {
	return &Handler{service: service}
}

type registerRequest struct {
	model.Profile
	Email       string `json:"email" binding:"required,email"`
	ForceCreate bool   `json:"forceCreate"`
}

type accountRequest struct {
	Profile model.Profile `json:"profile" binding:"required"`
	Role    model.Role    `json:"role" binding:"omitempty,oneof=caregiver patient"`
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	users := r.Group("/users")
	{
		users.GET("/profile/:email", h.GetProfile)
		users.GET("/lookup/:email", h.LookupProfile)
		users.POST("/register/profile", h.RegisterProfile)
	}
}

// RegisterAdminRoutes exposes account seeding and deletion for development
// and tests.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	accounts := r.Group("/admin/accounts")
	{
		accounts.PUT("", h.PutAccount)
		accounts.DELETE("/:email", h.DeleteAccount)
	}
}

// GetProfile answers with the enveloped profile.
func (h *Handler) GetProfile(c *gin.Context) {
	a, err := h.service.Get(c.Request.Context(), c.Param("email"))
	if err != nil {
		handler.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(a.Profile))
}

// LookupProfile answers with the bare profile, as older deployments do.
func (h *Handler) LookupProfile(c *gin.Context) {
	a, err := h.service.Get(c.Request.Context(), c.Param("email"))
	if err != nil {
		handler.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, a.Profile)
}

func (h *Handler) RegisterProfile(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse(err.Error()))
		return
	}
	profile := req.Profile
	profile.Email = req.Email

	saved, created, err := h.service.Register(c.Request.Context(), profile, req.ForceCreate)
	if err != nil {
		handler.Fail(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, handler.NewSuccessResponse(saved))
}

func (h *Handler) PutAccount(c *gin.Context) {
	var req accountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse(err.Error()))
		return
	}
	a, err := h.service.Upsert(c.Request.Context(), directory.Account{Profile: req.Profile, Role: req.Role})
	if err != nil {
		handler.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(a))
}

func (h *Handler) DeleteAccount(c *gin.Context) {
	if err := h.service.Delete(c.Request.Context(), c.Param("email")); err != nil {
		handler.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(nil))
}
