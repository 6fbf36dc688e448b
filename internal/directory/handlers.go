package directory

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Handler exposes user classification updates.
type Handler struct {
	users *Cached
}

// NewHandler creates a directory handler writing through users.
func NewHandler(users *Cached) *Handler {
	return &Handler{users: users}
}

// RegisterRoutes sets up directory routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.PUT("/users/:id/classification", h.SetClassification)
}

// SetClassification handles PUT /v1/users/:id/classification
func (h *Handler) SetClassification(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("id"))
	var req struct {
		Senior *bool `json:"senior"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Senior == nil || userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Body must be {\"senior\": true|false}"})
		return
	}

	err := h.users.Upsert(c.Request.Context(), userID, *req.Senior)
	if errors.Is(err, ErrReadOnly) {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "read_only", "message": "User directory is configured statically"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "directory_error", "message": "Failed to update classification"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"userId": userID, "senior": *req.Senior})
}
