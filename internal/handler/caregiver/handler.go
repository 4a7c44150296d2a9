package caregiver

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/carelink/internal/handler"
	"github.com/jwalitptl/carelink/internal/model"
	"github.com/jwalitptl/carelink/internal/service/directory"
	apperrors "github.com/jwalitptl/carelink/pkg/errors"
)

type Handler struct {
	service directory.DirectoryService
}

func NewHandler(service directory.DirectoryService) *Handler {
	return &Handler{service: service}
}

type connectRequest struct {
	CaregiverID  string `json:"caregiverId" binding:"required"`
	PatientEmail string `json:"patientEmail" binding:"required,email"`
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	caregivers := r.Group("/caregivers")
	{
		caregivers.GET("/check-patient/:email", h.CheckPatient)
		caregivers.GET("/verify-connection/:caregiverId/:email", h.VerifyConnection)
		caregivers.GET("/lookup/:email", h.LookupCaregiver)
		caregivers.POST("/connect", h.Connect)
		caregivers.POST("/disconnect", h.Disconnect)
	}
}

func (h *Handler) CheckPatient(c *gin.Context) {
	_, err := h.service.Get(c.Request.Context(), c.Param("email"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"exists": true})
	case apperrors.IsNotFound(err):
		c.JSON(http.StatusOK, gin.H{"exists": false})
	default:
		handler.Fail(c, err)
	}
}

func (h *Handler) VerifyConnection(c *gin.Context) {
	connected := h.service.Connected(c.Request.Context(), c.Param("caregiverId"), c.Param("email"))
	c.JSON(http.StatusOK, handler.NewSuccessResponse(gin.H{"connected": connected}))
}

// LookupCaregiver only answers for caregiver accounts.
func (h *Handler) LookupCaregiver(c *gin.Context) {
	a, err := h.service.Get(c.Request.Context(), c.Param("email"))
	if err == nil && a.Role != model.RoleCaregiver {
		err = apperrors.NotFound("caregiver "+a.Profile.Email, nil)
	}
	if err != nil {
		handler.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(a.Profile))
}

func (h *Handler) Connect(c *gin.Context) {
	var req connectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse(err.Error()))
		return
	}
	if err := h.service.Connect(c.Request.Context(), req.CaregiverID, req.PatientEmail); err != nil {
		handler.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(gin.H{"connected": true}))
}

func (h *Handler) Disconnect(c *gin.Context) {
	var req connectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse(err.Error()))
		return
	}
	if err := h.service.Disconnect(c.Request.Context(), req.CaregiverID, req.PatientEmail); err != nil {
		handler.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(gin.H{"connected": false}))
}
