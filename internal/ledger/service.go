package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/txguard/internal/logging"
	"github.com/mbd888/txguard/internal/metrics"
	"github.com/mbd888/txguard/internal/traces"
	"github.com/mbd888/txguard/internal/transaction"
)

const (
	DefaultSweepLimit       = 100
	DefaultSweepConcurrency = 4
)

// Notifier receives settlement outcomes. Implementations must not block.
type Notifier interface {
	Settled(o *Outcome)
}

// Outcome is the result of settling one event.
type Outcome struct {
	EventID      string             `json:"eventId"`
	UserID       string             `json:"userId,omitempty"`
	AccountID    string             `json:"accountId,omitempty"`
	Status       transaction.Status `json:"status"`
	Reason       string             `json:"reason,omitempty"`
	BalanceAfter *decimal.Decimal   `json:"balanceAfter,omitempty"`
	Skipped      bool               `json:"skipped,omitempty"`
	Error        string             `json:"error,omitempty"`
}

// Filter selects the events a sweep settles.
type Filter struct {
	// MinAge skips events created more recently than now-MinAge.
	MinAge      time.Duration
	Limit       int
	Concurrency int
}

// SweepResult summarizes one SettlePending run.
type SweepResult struct {
	Outcomes  []*Outcome `json:"outcomes"`
	Completed int        `json:"completed"`
	Failed    int        `json:"failed"`
	Skipped   int        `json:"skipped"`
	Errors    int        `json:"errors"`
}

// OpenAccountRequest is the input to OpenAccount.
type OpenAccountRequest struct {
	UserID         string          `json:"userId"`
	AccountType    AccountType     `json:"accountType"`
	Currency       string          `json:"currency"`
	InitialBalance decimal.Decimal `json:"initialBalance"`
}

// Service settles transaction events against account balances.
type Service struct {
	store    Store
	events   transaction.Store
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a settlement service. events is the read side used to
// find PENDING work.
func NewService(store Store, events transaction.Store) *Service {
	return &Service{
		store:  store,
		events: events,
		logger: slog.Default(),
		now:    time.Now,
	}
}

// WithLogger sets the fallback logger used when the context carries none.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithNotifier publishes every settlement outcome to n.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithClock replaces time.Now (tests).
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// OpenAccount creates an active account with a fresh id and account number.
func (s *Service) OpenAccount(ctx context.Context, req OpenAccountRequest) (*Account, error) {
	now := s.now().UTC()
	acct := &Account{
		ID:          uuid.NewString(),
		UserID:      strings.TrimSpace(req.UserID),
		AccountType: AccountType(strings.ToUpper(string(req.AccountType))),
		Balance:     req.InitialBalance,
		Currency:    strings.ToUpper(strings.TrimSpace(req.Currency)),
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := validateAccount(acct); err != nil {
		return nil, err
	}

	for attempt := 0; attempt < 5; attempt++ {
		acct.AccountNumber = newAccountNumber()
		err := s.store.CreateAccount(ctx, acct)
		if errors.Is(err, ErrDuplicateAccountNumber) {
			continue
		}
		if err != nil {
			return nil, err
		}
		metrics.AccountsOpenedTotal.WithLabelValues(string(acct.AccountType)).Inc()
		return acct, nil
	}
	return nil, ErrDuplicateAccountNumber
}

// Account returns an account by id.
func (s *Service) Account(ctx context.Context, id string) (*Account, error) {
	return s.store.GetAccount(ctx, id)
}

// SetActive activates or deactivates an account.
func (s *Service) SetActive(ctx context.Context, id string, active bool) error {
	return s.store.SetActive(ctx, id, active)
}

// CloseAccount deletes an account with a zero balance.
func (s *Service) CloseAccount(ctx context.Context, id string) error {
	return s.store.DeleteAccount(ctx, id)
}

// Settle drives one event from PENDING to COMPLETED or FAILED. A business
// rejection is not an error: it returns a FAILED outcome. An event that is
// not PENDING yields ErrAlreadyClaimed and is left untouched.
//
// Once the claim succeeds the rest of the settlement ignores cancellation
// of ctx, so a dropped request or a shutdown cannot strand a funded event
// in PROCESSING or fail it spuriously.
func (s *Service) Settle(ctx context.Context, eventID string) (o *Outcome, err error) {
	start := time.Now()
	defer func() { observeSettlement(start, o, err) }()
	ctx, span := traces.StartSpan(ctx, "ledger.Settle", traces.EventID(eventID))
	defer span.End()
	log := s.log(ctx)

	claimed, err := s.store.Claim(ctx, eventID)
	if err != nil {
		if errors.Is(err, ErrAlreadyClaimed) {
			span.SetAttributes(attribute.Bool("settlement.skipped", true))
		} else {
			span.RecordError(err)
			span.SetStatus(codes.Error, "claim failed")
		}
		return nil, err
	}

	if claimed.AccountID != nil {
		span.SetAttributes(traces.AccountID(*claimed.AccountID))
	}

	claimedCtx := context.WithoutCancel(ctx)
	completed, applyErr := s.safeApply(claimedCtx, eventID)
	if applyErr == nil {
		o = outcomeOf(completed)
		s.record(o)
		log.Info("transaction settled", "eventId", eventID, "userId", o.UserID,
			"accountId", o.AccountID, "balanceAfter", o.BalanceAfter)
		return o, nil
	}

	reason := ReasonInternalError
	var rej *SettlementError
	if errors.As(applyErr, &rej) {
		reason = rej.Reason
	} else {
		span.RecordError(applyErr)
		log.Error("settlement apply failed", "eventId", eventID, "error", applyErr)
	}

	failed, err := s.store.Fail(claimedCtx, eventID, reason)
	if err != nil {
		span.SetStatus(codes.Error, "fail transition failed")
		log.Error("failed to mark event FAILED", "eventId", eventID, "reason", reason, "error", err)
		return nil, fmt.Errorf("mark %s failed: %w", eventID, err)
	}
	if failed.AccountID == nil && claimed.AccountID != nil {
		failed.AccountID = claimed.AccountID
	}

	o = outcomeOf(failed)
	s.record(o)
	log.Warn("transaction settlement failed", "eventId", eventID, "userId", o.UserID, "reason", reason)
	span.SetAttributes(attribute.String("settlement.reason", reason))
	return o, nil
}

// safeApply converts a panic in the rules or the store into an error so
// the event can still be failed.
func (s *Service) safeApply(ctx context.Context, eventID string) (ev *transaction.Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			ev = nil
			err = fmt.Errorf("panic during settlement: %v", r)
		}
	}()
	return s.store.Apply(ctx, eventID, applyRules)
}

// SettlePending settles PENDING events older than f.MinAge with bounded
// concurrency. Per-event failures are reported in the result and never
// abort the sweep. Rerunning it is safe: settled events are no longer
// PENDING and concurrent sweepers lose the claim.
func (s *Service) SettlePending(ctx context.Context, f Filter) (*SweepResult, error) {
	start := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	if f.Limit <= 0 {
		f.Limit = DefaultSweepLimit
	}
	if f.Concurrency <= 0 {
		f.Concurrency = DefaultSweepConcurrency
	}

	pending, err := s.events.ListPending(ctx, s.now().Add(-f.MinAge), f.Limit)
	if err != nil {
		return nil, fmt.Errorf("list pending events: %w", err)
	}
	metrics.PendingEvents.Set(float64(len(pending)))

	result := &SweepResult{Outcomes: make([]*Outcome, len(pending))}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.Concurrency)

	for i, ev := range pending {
		g.Go(func() error {
			result.Outcomes[i] = s.settleOne(gctx, ev)
			return nil
		})
	}
	_ = g.Wait()

	for _, o := range result.Outcomes {
		switch {
		case o.Skipped:
			result.Skipped++
		case o.Error != "":
			result.Errors++
		case o.Status == transaction.StatusCompleted:
			result.Completed++
		case o.Status == transaction.StatusFailed:
			result.Failed++
		}
	}
	return result, nil
}

func (s *Service) settleOne(ctx context.Context, ev *transaction.Event) (o *Outcome) {
	defer func() {
		if r := recover(); r != nil {
			o = &Outcome{EventID: ev.ID, UserID: ev.UserID, Status: ev.Status, Error: fmt.Sprint(r)}
		}
	}()

	o, err := s.Settle(ctx, ev.ID)
	switch {
	case err == nil:
		return o
	case errors.Is(err, ErrAlreadyClaimed):
		return &Outcome{EventID: ev.ID, UserID: ev.UserID, Status: ev.Status, Skipped: true}
	default:
		s.log(ctx).Warn("sweep: settle failed", "eventId", ev.ID, "error", err)
		return &Outcome{EventID: ev.ID, UserID: ev.UserID, Status: ev.Status, Error: err.Error()}
	}
}

// observeSettlement records how long one Settle call took, labelled by
// where it ended.
func observeSettlement(start time.Time, o *Outcome, err error) {
	result := "error"
	switch {
	case errors.Is(err, ErrAlreadyClaimed):
		result = "skipped"
	case err == nil && o != nil:
		result = string(o.Status)
	}
	metrics.SettlementDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
}

func (s *Service) record(o *Outcome) {
	metrics.SettlementsTotal.WithLabelValues(string(o.Status), o.Reason).Inc()
	if s.notifier != nil {
		s.notifier.Settled(o)
	}
}

func (s *Service) log(ctx context.Context) *slog.Logger {
	if logging.FromContextOrNil(ctx) != nil {
		return logging.L(ctx)
	}
	return s.logger
}

func outcomeOf(ev *transaction.Event) *Outcome {
	o := &Outcome{
		EventID: ev.ID,
		UserID:  ev.UserID,
		Status:  ev.Status,
		Reason:  ev.FailureReason,
	}
	if ev.AccountID != nil {
		o.AccountID = *ev.AccountID
	}
	if ev.Status == transaction.StatusCompleted && ev.BalanceAfter != nil {
		v := *ev.BalanceAfter
		o.BalanceAfter = &v
	}
	return o
}

// newAccountNumber returns a random 10-digit account number.
func newAccountNumber() string {
	return fmt.Sprintf("%010d", rand.Int64N(10_000_000_000))
}
