// Package risk implements online transaction risk evaluation.
//
// Each transaction is compared to the user's BehaviorProfile (amount
// z-score, unseen channel/location/recipient, off-hours activity, large
// balance drop) to produce a local score in [0,1]. A population-wide
// GlobalScorer supplies an independent probability. The two are blended
// with policy weights, compared to the alert threshold, and the scored
// event is persisted together with the profile update.
//
// Scoring never touches balances; settlement lives in package ledger.
package risk

import (
	"context"
	"errors"

	"github.com/mbd888/txguard/internal/transaction"
)

var ErrProfileNotFound = errors.New("behavior profile not found")

// Notifier receives evaluation results. Implementations must not block.
type Notifier interface {
	TransactionEvaluated(ev *Evaluation)
}

// Store persists behavior profiles and scored events.
type Store interface {
	// Commit runs fn with exclusive access to the user's profile, creating
	// an empty one when none exists. The profile as mutated by fn and the
	// event fn returns are persisted atomically; if fn fails, or the write
	// fails, neither lands.
	Commit(ctx context.Context, userID string, fn func(p *BehaviorProfile) (*transaction.Event, error)) (*transaction.Event, error)

	GetProfile(ctx context.Context, userID string) (*BehaviorProfile, error)

	// Events exposes the event table Commit writes to.
	Events() transaction.Store
}

// Evaluation is the result returned to callers of Engine.Evaluate.
type Evaluation struct {
	EventID         string             `json:"eventId"`
	UserID          string             `json:"userId"`
	Class           string             `json:"class"`
	Local           float64            `json:"local"`
	Global          *float64           `json:"global"`
	GlobalAvailable bool               `json:"globalAvailable"`
	GlobalSource    string             `json:"globalSource,omitempty"`
	Combined        float64            `json:"combined"`
	Threshold       float64            `json:"threshold"`
	Alert           bool               `json:"alert"`
	Flags           []string           `json:"flags"`
	Factors         map[string]float64 `json:"factors"`
	Status          transaction.Status `json:"status"`
	Amount          string             `json:"amount"`
}
