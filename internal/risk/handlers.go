package risk

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/txguard/internal/ledger"
	"github.com/mbd888/txguard/internal/logging"
	"github.com/mbd888/txguard/internal/pagination"
	"github.com/mbd888/txguard/internal/transaction"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Settler settles a single event right after evaluation.
type Settler interface {
	Settle(ctx context.Context, eventID string) (*ledger.Outcome, error)
}

// Handler provides HTTP endpoints for evaluation and profile lookups
type Handler struct {
	engine  *Engine
	settler Settler
}

// NewHandler creates a new risk handler. settler may be nil, in which case
// ?settle=immediate is rejected.
func NewHandler(engine *Engine, settler Settler) *Handler {
	return &Handler{engine: engine, settler: settler}
}

// RegisterRoutes sets up risk routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/transactions/evaluate", h.Evaluate)
	r.GET("/transactions/:id", h.GetTransaction)
	r.GET("/users/:id/profile", h.GetProfile)
	r.GET("/users/:id/transactions", h.ListTransactions)
}

// Evaluate handles POST /v1/transactions/evaluate
func (h *Handler) Evaluate(c *gin.Context) {
	immediate := c.Query("settle") == "immediate"
	if immediate && h.settler == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Immediate settlement is not enabled"})
		return
	}

	sub, err := transaction.DecodeSubmission(c.Request.Body)
	if err != nil {
		respondEvaluateError(c, err)
		return
	}

	ctx := c.Request.Context()
	eval, err := h.engine.Evaluate(ctx, sub)
	if err != nil {
		respondEvaluateError(c, err)
		return
	}

	resp := gin.H{"evaluation": eval}
	if immediate {
		outcome, err := h.settler.Settle(ctx, eval.EventID)
		if err != nil {
			// The evaluation is persisted; the sweep will retry settlement.
			logging.L(ctx).Warn("immediate settlement failed", "eventId", eval.EventID, "error", err)
			resp["settlementError"] = err.Error()
		} else {
			resp["settlement"] = outcome
		}
	}
	c.JSON(http.StatusOK, resp)
}

func respondEvaluateError(c *gin.Context, err error) {
	var verr *transaction.ValidationError
	if errors.As(err, &verr) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "Invalid transaction",
			"fields":  verr.Fields,
		})
		return
	}
	logging.L(c.Request.Context()).Error("evaluation failed", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "evaluation_error", "message": "Failed to evaluate transaction"})
}

// GetTransaction handles GET /v1/transactions/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	ev, err := h.engine.Event(c.Request.Context(), c.Param("id"))
	if errors.Is(err, transaction.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Transaction not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "transaction_error", "message": "Failed to get transaction"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": ev})
}

// GetProfile handles GET /v1/users/:id/profile
func (h *Handler) GetProfile(c *gin.Context) {
	p, err := h.engine.Profile(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrProfileNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Profile not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "profile_error", "message": "Failed to get profile"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"profile": p,
		"mean":    p.Mean(),
		"stdDev":  p.StdDev(),
	})
}

// ListTransactions handles GET /v1/users/:id/transactions
func (h *Handler) ListTransactions(c *gin.Context) {
	limit := defaultListLimit
	if l := c.Query("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxListLimit)
	}

	before, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid cursor"})
		return
	}

	events, err := h.engine.Events(c.Request.Context(), c.Param("id"), before, limit+1)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "transaction_error", "message": "Failed to list transactions"})
		return
	}
	events, next := pagination.Page(events, limit, func(ev *transaction.Event) (time.Time, string) {
		return ev.CreatedAt, ev.ID
	})
	if events == nil {
		events = []*transaction.Event{}
	}

	resp := gin.H{"transactions": events, "count": len(events), "hasMore": next != ""}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}
