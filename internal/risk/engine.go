package risk

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/mbd888/txguard/internal/logging"
	"github.com/mbd888/txguard/internal/metrics"
	"github.com/mbd888/txguard/internal/pagination"
	"github.com/mbd888/txguard/internal/traces"
	"github.com/mbd888/txguard/internal/transaction"
)

// DefaultClassifierTimeout bounds a single global scorer call.
const DefaultClassifierTimeout = 2 * time.Second

// Engine is the evaluation orchestrator. It is safe for concurrent use;
// per-user serialization is delegated to the Store.
type Engine struct {
	store    Store
	scorer   GlobalScorer
	users    UserDirectory
	policies *PolicySet
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time

	classifierTimeout time.Duration
	strictTimestamps  bool
}

// NewEngine wires an engine. scorer and users may be nil: without a scorer
// every evaluation is local-only, without a directory every user gets the
// base policy.
func NewEngine(store Store, scorer GlobalScorer, users UserDirectory, policies *PolicySet) *Engine {
	if policies == nil {
		policies = NewPolicySet(DefaultPolicy())
	}
	return &Engine{
		store:             store,
		scorer:            scorer,
		users:             users,
		policies:          policies,
		logger:            slog.Default(),
		now:               time.Now,
		classifierTimeout: DefaultClassifierTimeout,
	}
}

// WithLogger sets the fallback logger used when the context carries none.
func (e *Engine) WithLogger(l *slog.Logger) *Engine {
	e.logger = l
	return e
}

// WithNotifier publishes every evaluation to n.
func (e *Engine) WithNotifier(n Notifier) *Engine {
	e.notifier = n
	return e
}

// WithClassifierTimeout overrides DefaultClassifierTimeout.
func (e *Engine) WithClassifierTimeout(d time.Duration) *Engine {
	if d > 0 {
		e.classifierTimeout = d
	}
	return e
}

// WithStrictTimestamps rejects unparseable timestamps instead of falling
// back to server time.
func (e *Engine) WithStrictTimestamps(strict bool) *Engine {
	e.strictTimestamps = strict
	return e
}

// WithClock replaces time.Now (tests).
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Evaluate scores a submission, updates the user's profile and persists
// the scored event as PENDING. Validation failures return a
// *transaction.ValidationError and persist nothing.
func (e *Engine) Evaluate(ctx context.Context, sub *transaction.Submission) (*Evaluation, error) {
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "risk.Evaluate", traces.UserID(sub.UserID))
	defer span.End()
	log := e.log(ctx)

	if err := sub.Validate(); err != nil {
		metrics.EvaluationsTotal.WithLabelValues("invalid").Inc()
		span.SetStatus(codes.Error, "validation failed")
		return nil, err
	}

	ev := sub.NewEvent(e.now().UTC())
	span.SetAttributes(traces.Amount(ev.Amount.String()))
	if ev.TimestampFallback {
		if e.strictTimestamps {
			metrics.EvaluationsTotal.WithLabelValues("invalid").Inc()
			return nil, &transaction.ValidationError{Fields: []string{"timestamp: unparseable"}}
		}
		log.Warn("unparseable transaction timestamp, using server time",
			"userId", ev.UserID, "timestamp", *sub.Timestamp)
	}

	class := e.classify(ctx, ev.UserID)
	pol := e.policies.Resolve(class)

	// The scorer only reads the submission, so it runs before the profile
	// lock is taken.
	g := e.scoreGlobal(ctx, ev)
	global, source := g.score(), g.Source
	if !g.Available && e.scorer != nil {
		log.Warn("global scorer unavailable, using local score only", "userId", ev.UserID)
	}

	features := Features{
		Amount:        ev.Amount.InexactFloat64(),
		Channel:       ev.Channel,
		Location:      ev.LocationKey(),
		RecipientID:   ev.RecipientKey(),
		Hour:          ev.Timestamp.Hour(),
		BalanceBefore: sub.BalanceBefore.InexactFloat64(),
		BalanceAfter:  sub.BalanceAfter.InexactFloat64(),
	}

	var local LocalScore
	saved, err := e.store.Commit(ctx, ev.UserID, func(p *BehaviorProfile) (*transaction.Event, error) {
		// Score against the profile as it was before this transaction.
		local = ScoreLocal(features, p, pol)
		p.Record(features.Amount, features.Channel, features.Location, features.RecipientID, features.Hour, ev.CreatedAt)

		out := ev.Clone()
		out.ID = uuid.NewString()
		out.RiskLocal = local.Score
		out.RiskGlobal = global
		out.GlobalAvailable = global != nil
		out.GlobalSource = source
		out.RiskCombined = Combine(local.Score, global, pol)
		out.Flags = eventFlags(local.Flags, out)
		return out, nil
	})
	if err != nil {
		metrics.EvaluationsTotal.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist failed")
		return nil, fmt.Errorf("persist evaluation: %w", err)
	}

	result := &Evaluation{
		EventID:         saved.ID,
		UserID:          saved.UserID,
		Class:           class,
		Local:           saved.RiskLocal,
		Global:          saved.RiskGlobal,
		GlobalAvailable: saved.GlobalAvailable,
		GlobalSource:    saved.GlobalSource,
		Combined:        saved.RiskCombined,
		Threshold:       pol.AlertThreshold,
		Alert:           saved.RiskCombined >= pol.AlertThreshold,
		Flags:           saved.Flags,
		Factors:         local.Factors,
		Status:          saved.Status,
		Amount:          saved.Amount.String(),
	}

	outcome := "clear"
	if result.Alert {
		outcome = "alert"
		log.Info("risk alert",
			"eventId", result.EventID,
			"userId", result.UserID,
			"combined", result.Combined,
			"threshold", result.Threshold,
			"flags", result.Flags,
		)
	}
	metrics.EvaluationsTotal.WithLabelValues(outcome).Inc()
	metrics.EvaluationDuration.Observe(time.Since(start).Seconds())
	metrics.CombinedScore.Observe(result.Combined)
	span.SetAttributes(
		traces.EventID(result.EventID),
		attribute.Float64("risk.combined", result.Combined),
		attribute.Bool("risk.alert", result.Alert),
	)

	if e.notifier != nil {
		e.notifier.TransactionEvaluated(result)
	}
	return result, nil
}

// Profile returns the stored profile for userID.
func (e *Engine) Profile(ctx context.Context, userID string) (*BehaviorProfile, error) {
	return e.store.GetProfile(ctx, userID)
}

// Event returns a persisted event by id.
func (e *Engine) Event(ctx context.Context, id string) (*transaction.Event, error) {
	return e.store.Events().Get(ctx, id)
}

// Events lists a user's events, newest first, resuming after before when
// it is non-nil.
func (e *Engine) Events(ctx context.Context, userID string, before *pagination.Cursor, limit int) ([]*transaction.Event, error) {
	return e.store.Events().ListByUser(ctx, userID, before, limit)
}

func (e *Engine) log(ctx context.Context) *slog.Logger {
	if l := logging.FromContextOrNil(ctx); l != nil {
		return logging.L(ctx)
	}
	return e.logger
}

func eventFlags(local []string, ev *transaction.Event) []string {
	flags := make([]string, 0, len(local)+2)
	flags = append(flags, local...)
	if !ev.GlobalAvailable {
		flags = append(flags, FlagGlobalUnavailable)
	}
	if ev.TimestampFallback {
		flags = append(flags, FlagTimestampFallback)
	}
	return flags
}
