package ledger

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/txguard/internal/transaction"
)

// Handler provides HTTP endpoints for accounts and settlement
type Handler struct {
	service *Service
}

// NewHandler creates a new ledger handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up ledger routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/transactions/:id/settle", h.Settle)
	r.POST("/settlements/sweep", h.Sweep)

	r.POST("/accounts", h.OpenAccount)
	r.GET("/accounts/:id", h.GetAccount)
	r.PATCH("/accounts/:id", h.UpdateAccount)
	r.DELETE("/accounts/:id", h.CloseAccount)
}

// Settle handles POST /v1/transactions/:id/settle
func (h *Handler) Settle(c *gin.Context) {
	outcome, err := h.service.Settle(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, transaction.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Transaction not found"})
		return
	case errors.Is(err, ErrAlreadyClaimed):
		c.JSON(http.StatusConflict, gin.H{"error": "already_claimed", "message": "Transaction is not pending"})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "settlement_error", "message": "Failed to settle transaction"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"settlement": outcome})
}

// SweepRequest is the optional body of POST /v1/settlements/sweep.
type SweepRequest struct {
	MinAgeSeconds int `json:"minAgeSeconds"`
	Limit         int `json:"limit"`
	Concurrency   int `json:"concurrency"`
}

// Sweep handles POST /v1/settlements/sweep
func (h *Handler) Sweep(c *gin.Context) {
	var req SweepRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
			return
		}
	}
	if req.MinAgeSeconds < 0 || req.Limit < 0 || req.Concurrency < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "Values must not be negative"})
		return
	}

	res, err := h.service.SettlePending(c.Request.Context(), Filter{
		MinAge:      time.Duration(req.MinAgeSeconds) * time.Second,
		Limit:       req.Limit,
		Concurrency: req.Concurrency,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sweep_error", "message": "Failed to run settlement sweep"})
		return
	}
	c.JSON(http.StatusOK, res)
}

// OpenAccount handles POST /v1/accounts
func (h *Handler) OpenAccount(c *gin.Context) {
	var req OpenAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	acct, err := h.service.OpenAccount(c.Request.Context(), req)
	if errors.Is(err, ErrInvalidAccount) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "account_error", "message": "Failed to open account"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"account": acct})
}

// GetAccount handles GET /v1/accounts/:id
func (h *Handler) GetAccount(c *gin.Context) {
	acct, err := h.service.Account(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrAccountNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Account not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "account_error", "message": "Failed to get account"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acct})
}

// UpdateAccount handles PATCH /v1/accounts/:id
func (h *Handler) UpdateAccount(c *gin.Context) {
	var req struct {
		IsActive *bool `json:"isActive"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.IsActive == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "isActive is required"})
		return
	}

	id := c.Param("id")
	if err := h.service.SetActive(c.Request.Context(), id, *req.IsActive); err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Account not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "account_error", "message": "Failed to update account"})
		return
	}
	h.GetAccount(c)
}

// CloseAccount handles DELETE /v1/accounts/:id
func (h *Handler) CloseAccount(c *gin.Context) {
	err := h.service.CloseAccount(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, ErrAccountNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Account not found"})
	case errors.Is(err, ErrNonZeroBalance):
		c.JSON(http.StatusConflict, gin.H{"error": "nonzero_balance", "message": "Account balance must be zero"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "account_error", "message": "Failed to close account"})
	default:
		c.Status(http.StatusNoContent)
	}
}
