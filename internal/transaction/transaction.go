// Package transaction defines the submitted transaction attempt shared by
// risk evaluation and settlement.
//
// An Event is created once per submission by the risk engine with status
// PENDING. Settlement later claims it and drives it to COMPLETED or FAILED:
//
//	PENDING -> PROCESSING -> COMPLETED
//	                      \-> FAILED
//
// COMPLETED and FAILED are terminal.
package transaction

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/txguard/internal/pagination"
)

var (
	ErrNotFound          = errors.New("transaction event not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Status is the settlement state of an event.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// IsTerminal reports whether no further transition exists.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

// Type is the direction of the balance effect.
type Type string

const (
	TypeDebit  Type = "debit"
	TypeCredit Type = "credit"
)

// Valid reports whether t is a recognised transaction type.
func (t Type) Valid() bool {
	return t == TypeDebit || t == TypeCredit
}

// Event is one submitted transaction attempt together with its risk scores
// and settlement state.
type Event struct {
	ID          string          `json:"id"`
	UserID      string          `json:"userId"`
	AccountID   *string         `json:"accountId,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Type        Type            `json:"type"`
	Channel     string          `json:"channel"`
	RecipientID *string         `json:"recipientId,omitempty"`
	Location    *string         `json:"location,omitempty"`
	Description string          `json:"description,omitempty"`

	Timestamp         time.Time `json:"timestamp"`
	TimestampFallback bool      `json:"timestampFallback,omitempty"`

	BalanceBefore *decimal.Decimal `json:"balanceBefore,omitempty"`
	BalanceAfter  *decimal.Decimal `json:"balanceAfter,omitempty"`

	Status        Status `json:"status"`
	FailureReason string `json:"failureReason,omitempty"`

	// Scores are written once at evaluation time.
	RiskLocal       float64  `json:"riskLocal"`
	RiskGlobal      *float64 `json:"riskGlobal,omitempty"`
	GlobalAvailable bool     `json:"globalAvailable"`
	GlobalSource    string   `json:"globalSource,omitempty"`
	RiskCombined    float64  `json:"riskCombined"`
	Flags           []string `json:"flags"`

	RawPayload json.RawMessage `json:"rawPayload,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	ProcessedAt *time.Time `json:"processedAt,omitempty"`
}

// RecipientKey returns the recipient id or "" when absent.
func (e *Event) RecipientKey() string {
	if e.RecipientID == nil {
		return ""
	}
	return *e.RecipientID
}

// LocationKey returns the location or "" when absent.
func (e *Event) LocationKey() string {
	if e.Location == nil {
		return ""
	}
	return *e.Location
}

// Clone returns a deep copy safe to hand out of a store.
func (e *Event) Clone() *Event {
	c := *e
	c.AccountID = cloneString(e.AccountID)
	c.RecipientID = cloneString(e.RecipientID)
	c.Location = cloneString(e.Location)
	if e.BalanceBefore != nil {
		v := *e.BalanceBefore
		c.BalanceBefore = &v
	}
	if e.BalanceAfter != nil {
		v := *e.BalanceAfter
		c.BalanceAfter = &v
	}
	if e.RiskGlobal != nil {
		v := *e.RiskGlobal
		c.RiskGlobal = &v
	}
	if e.ProcessedAt != nil {
		v := *e.ProcessedAt
		c.ProcessedAt = &v
	}
	c.Flags = append([]string(nil), e.Flags...)
	c.RawPayload = append(json.RawMessage(nil), e.RawPayload...)
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// Store is the read side over persisted events.
type Store interface {
	Get(ctx context.Context, id string) (*Event, error)
	// ListByUser returns userID's events newest first, starting after
	// before when it is non-nil.
	ListByUser(ctx context.Context, userID string, before *pagination.Cursor, limit int) ([]*Event, error)
	// ListPending returns PENDING events created at or before olderThan,
	// oldest first.
	ListPending(ctx context.Context, olderThan time.Time, limit int) ([]*Event, error)
}
