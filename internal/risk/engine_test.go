package risk

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/mbd888/txguard/internal/transaction"
)

type stubScorer struct {
	score  float64
	err    error
	delay  time.Duration
	panics bool
	calls  int
	mu     sync.Mutex
}

func (s *stubScorer) Score(ctx context.Context, ev *transaction.Event) (float64, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.panics {
		panic("model exploded")
	}
	if s.delay > 0 {
		time.Sleep(s.delay) // ignores ctx on purpose
	}
	return s.score, s.err
}

func (s *stubScorer) Source() string { return "model" }

type sourcedStub struct {
	stubScorer
	source string
}

func (s *sourcedStub) ScoreWithSource(ctx context.Context, ev *transaction.Event) (float64, string, error) {
	v, err := s.Score(ctx, ev)
	return v, s.source, err
}

type stubDirectory struct {
	privileged map[string]bool
	err        error
}

func (d stubDirectory) IsPrivileged(ctx context.Context, userID string) (bool, error) {
	return d.privileged[userID], d.err
}

type recordingNotifier struct {
	mu    sync.Mutex
	evals []*Evaluation
}

func (n *recordingNotifier) TransactionEvaluated(ev *Evaluation) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.evals = append(n.evals, ev)
}

func newTestEngine(scorer GlobalScorer, users UserDirectory, policies *PolicySet) (*Engine, *MemoryStore) {
	store := NewMemoryStore(transaction.NewMemoryStore())
	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	e := NewEngine(store, scorer, users, policies).
		WithClock(func() time.Time { return fixed }).
		WithClassifierTimeout(200 * time.Millisecond)
	return e, store
}

func submission(userID, amount string) *transaction.Submission {
	str := func(s string) *string { return &s }
	amt := decimal.RequireFromString(amount)
	before := decimal.NewFromInt(5000)
	after := before.Sub(amt)
	return &transaction.Submission{
		UserID:        userID,
		Amount:        &amt,
		Currency:      "eur",
		Timestamp:     str("2025-03-01T14:05:00Z"),
		Type:          transaction.TypeDebit,
		Channel:       "online",
		RecipientID:   str("merchant-1"),
		Location:      str("Berlin"),
		BalanceBefore: &before,
		BalanceAfter:  &after,
	}
}

func TestEvaluate_PersistsPendingEventAndProfile(t *testing.T) {
	e, store := newTestEngine(nil, nil, nil)
	ctx := context.Background()

	res, err := e.Evaluate(ctx, submission("user-1", "120.50"))
	require.NoError(t, err)

	assert.NotEmpty(t, res.EventID)
	assert.Equal(t, ClassStandard, res.Class)
	assert.Equal(t, transaction.StatusPending, res.Status)
	assert.Equal(t, "120.5", res.Amount)
	assert.Nil(t, res.Global)
	assert.False(t, res.GlobalAvailable)
	assert.Equal(t, res.Local, res.Combined)
	assert.Contains(t, res.Flags, FlagGlobalUnavailable)
	assert.Equal(t, 0.7, res.Threshold)

	ev, err := e.Event(ctx, res.EventID)
	require.NoError(t, err)
	assert.Equal(t, "EUR", ev.Currency)
	assert.Equal(t, res.Combined, ev.RiskCombined)
	assert.Equal(t, res.Flags, ev.Flags)
	assert.Equal(t, 14, ev.Timestamp.Hour())
	assert.NotEmpty(t, ev.RawPayload)

	p, err := store.GetProfile(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, p.TxCount)
	assert.Equal(t, 1, p.Channels["online"])
	assert.Equal(t, 1, p.HourCount(14))
}

func TestEvaluate_ScoresAgainstProfileBeforeUpdate(t *testing.T) {
	e, _ := newTestEngine(nil, nil, nil)
	ctx := context.Background()

	first, err := e.Evaluate(ctx, submission("user-1", "100"))
	require.NoError(t, err)
	assert.Contains(t, first.Flags, FlagNewChannel)
	assert.Contains(t, first.Flags, FlagNewLocation)
	assert.Contains(t, first.Flags, FlagNewRecipient)

	second, err := e.Evaluate(ctx, submission("user-1", "100"))
	require.NoError(t, err)
	assert.NotContains(t, second.Flags, FlagNewChannel)
	assert.NotContains(t, second.Flags, FlagNewLocation)
	assert.NotContains(t, second.Flags, FlagNewRecipient)
	assert.Less(t, second.Local, first.Local)
}

func TestEvaluate_ValidationPersistsNothing(t *testing.T) {
	e, store := newTestEngine(nil, nil, nil)
	ctx := context.Background()

	sub := submission("user-1", "10")
	sub.Channel = ""
	sub.Location = nil
	zero := decimal.Zero
	sub.Amount = &zero

	_, err := e.Evaluate(ctx, sub)
	var verr *transaction.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Fields, 3)

	_, err = store.GetProfile(ctx, "user-1")
	assert.ErrorIs(t, err, ErrProfileNotFound)
	events, err := e.Events(ctx, "user-1", nil, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestEvaluate_TimestampFallback(t *testing.T) {
	e, _ := newTestEngine(nil, nil, nil)
	ctx := context.Background()

	sub := submission("user-1", "10")
	bad := "yesterday-ish"
	sub.Timestamp = &bad

	res, err := e.Evaluate(ctx, sub)
	require.NoError(t, err)
	assert.Contains(t, res.Flags, FlagTimestampFallback)

	ev, err := e.Event(ctx, res.EventID)
	require.NoError(t, err)
	assert.True(t, ev.TimestampFallback)
	assert.Equal(t, 12, ev.Timestamp.Hour(), "server clock used")
}

func TestEvaluate_StrictTimestampsReject(t *testing.T) {
	e, store := newTestEngine(nil, nil, nil)
	e.WithStrictTimestamps(true)
	ctx := context.Background()

	sub := submission("user-1", "10")
	bad := "not a time"
	sub.Timestamp = &bad

	_, err := e.Evaluate(ctx, sub)
	var verr *transaction.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.True(t, strings.HasPrefix(verr.Fields[0], "timestamp"))

	_, err = store.GetProfile(ctx, "user-1")
	assert.ErrorIs(t, err, ErrProfileNotFound)
}

func TestEvaluate_ConcurrentSameUserIncrementsOncePerEvent(t *testing.T) {
	e, store := newTestEngine(nil, nil, nil)
	ctx := context.Background()

	const n = 40
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.Evaluate(ctx, submission("user-1", "25")); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("evaluate: %v", err)
	}

	p, err := store.GetProfile(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, n, p.TxCount)
	assert.InDelta(t, 25*n, p.AmountSum, 1e-9)
	assert.Equal(t, n, p.Channels["online"])

	events, err := e.Events(ctx, "user-1", nil, 0)
	require.NoError(t, err)
	assert.Len(t, events, n)
}

func TestEvaluate_TwoConcurrentEvaluations(t *testing.T) {
	e, store := newTestEngine(nil, nil, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = e.Evaluate(ctx, submission("user-1", "10"))
		}()
	}
	wg.Wait()

	p, err := store.GetProfile(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 2, p.TxCount)
}

func TestEvaluate_BlendsGlobalScore(t *testing.T) {
	scorer := &stubScorer{score: 0.9}
	e, _ := newTestEngine(scorer, nil, nil)

	res, err := e.Evaluate(context.Background(), submission("user-1", "100"))
	require.NoError(t, err)

	// First transaction: amount 0.5 + channel 0.3 + location 0.3 + recipient 0.1, clamped.
	assert.Equal(t, 1.0, res.Local)
	require.NotNil(t, res.Global)
	assert.Equal(t, 0.9, *res.Global)
	assert.True(t, res.GlobalAvailable)
	assert.Equal(t, "model", res.GlobalSource)
	assert.InDelta(t, 0.6*1.0+0.4*0.9, res.Combined, 1e-12)
	assert.True(t, res.Alert)
	assert.NotContains(t, res.Flags, FlagGlobalUnavailable)
}

func TestEvaluate_ClampsGlobalScore(t *testing.T) {
	e, _ := newTestEngine(&stubScorer{score: 7}, nil, nil)

	res, err := e.Evaluate(context.Background(), submission("user-1", "100"))
	require.NoError(t, err)
	require.NotNil(t, res.Global)
	assert.Equal(t, 1.0, *res.Global)
}

func TestEvaluate_ClassifierTimeoutFallsBackToLocal(t *testing.T) {
	scorer := &stubScorer{score: 0.9, delay: 500 * time.Millisecond}
	e, _ := newTestEngine(scorer, nil, nil)
	e.WithClassifierTimeout(20 * time.Millisecond)

	start := time.Now()
	res, err := e.Evaluate(context.Background(), submission("user-1", "100"))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 400*time.Millisecond, "evaluation must not wait for a slow scorer")

	assert.Nil(t, res.Global)
	assert.False(t, res.GlobalAvailable)
	assert.Equal(t, res.Local, res.Combined)
	assert.Contains(t, res.Flags, FlagGlobalUnavailable)
}

func TestEvaluate_ClassifierErrorOrPanicFallsBackToLocal(t *testing.T) {
	for name, scorer := range map[string]*stubScorer{
		"error": {err: errors.New("503")},
		"panic": {panics: true},
	} {
		t.Run(name, func(t *testing.T) {
			e, _ := newTestEngine(scorer, nil, nil)
			res, err := e.Evaluate(context.Background(), submission("user-1", "100"))
			require.NoError(t, err)
			assert.False(t, res.GlobalAvailable)
			assert.Equal(t, res.Local, res.Combined)
			assert.Contains(t, res.Flags, FlagGlobalUnavailable)
		})
	}
}

func TestEvaluate_RecordsFallbackSource(t *testing.T) {
	scorer := &sourcedStub{stubScorer: stubScorer{score: 0.2}, source: "heuristic"}
	e, _ := newTestEngine(scorer, nil, nil)

	res, err := e.Evaluate(context.Background(), submission("user-1", "100"))
	require.NoError(t, err)
	assert.Equal(t, "heuristic", res.GlobalSource)

	ev, err := e.Event(context.Background(), res.EventID)
	require.NoError(t, err)
	assert.Equal(t, "heuristic", ev.GlobalSource)
}

func TestEvaluate_PrivilegedClassUsesOverrides(t *testing.T) {
	threshold := 0.5
	policies := NewPolicySet(DefaultPolicy()).
		WithClass(ClassPrivileged, Overrides{AlertThreshold: &threshold})
	users := stubDirectory{privileged: map[string]bool{"grandma": true}}
	// global 0 with local 1 gives combined 0.6
	e, _ := newTestEngine(&stubScorer{score: 0}, users, policies)
	ctx := context.Background()

	std, err := e.Evaluate(ctx, submission("regular", "100"))
	require.NoError(t, err)
	assert.Equal(t, ClassStandard, std.Class)
	assert.InDelta(t, 0.6, std.Combined, 1e-12)
	assert.False(t, std.Alert)

	senior, err := e.Evaluate(ctx, submission("grandma", "100"))
	require.NoError(t, err)
	assert.Equal(t, ClassPrivileged, senior.Class)
	assert.Equal(t, 0.5, senior.Threshold)
	assert.True(t, senior.Alert)
}

func TestEvaluate_DirectoryErrorUsesStandardPolicy(t *testing.T) {
	users := stubDirectory{privileged: map[string]bool{"grandma": true}, err: errors.New("db down")}
	e, _ := newTestEngine(nil, users, nil)

	res, err := e.Evaluate(context.Background(), submission("grandma", "10"))
	require.NoError(t, err)
	assert.Equal(t, ClassStandard, res.Class)
}

func TestEvaluate_Notifies(t *testing.T) {
	n := &recordingNotifier{}
	e, _ := newTestEngine(nil, nil, nil)
	e.WithNotifier(n)

	res, err := e.Evaluate(context.Background(), submission("user-1", "10"))
	require.NoError(t, err)

	require.Len(t, n.evals, 1)
	assert.Equal(t, res.EventID, n.evals[0].EventID)
}

func TestEvaluate_AmountOutlierAfterHistory(t *testing.T) {
	e, _ := newTestEngine(nil, nil, nil)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		amount := "95"
		if i%2 == 0 {
			amount = "105"
		}
		_, err := e.Evaluate(ctx, submission("user-1", amount))
		require.NoError(t, err)
	}

	res, err := e.Evaluate(ctx, submission("user-1", "500"))
	require.NoError(t, err)
	assert.Contains(t, res.Flags, FlagAmountOutlier)
	assert.InDelta(t, 0.5, res.Factors["amount"], 1e-12)
}

func TestEngine_EventsNewestFirstAndLimit(t *testing.T) {
	e, _ := newTestEngine(nil, nil, nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := e.Evaluate(ctx, submission("user-1", "10"))
		require.NoError(t, err)
	}
	_, err := e.Evaluate(ctx, submission("user-2", "10"))
	require.NoError(t, err)

	events, err := e.Events(ctx, "user-1", nil, 2)
	require.NoError(t, err)
	assert.Len(t, events, 2)
	for _, ev := range events {
		assert.Equal(t, "user-1", ev.UserID)
	}

	_, err = e.Event(ctx, "missing")
	assert.ErrorIs(t, err, transaction.ErrNotFound)
	_, err = e.Profile(ctx, "nobody")
	assert.ErrorIs(t, err, ErrProfileNotFound)
}

// failingCommitStore scores against the stored profile but never manages
// to write, like a database that drops the connection mid-commit.
type failingCommitStore struct {
	*MemoryStore
}

func (f failingCommitStore) Commit(ctx context.Context, userID string, fn func(p *BehaviorProfile) (*transaction.Event, error)) (*transaction.Event, error) {
	draft, err := f.GetProfile(ctx, userID)
	if errors.Is(err, ErrProfileNotFound) {
		draft = NewProfile(userID)
	} else if err != nil {
		return nil, err
	}
	if _, err := fn(draft); err != nil {
		return nil, err
	}
	return nil, errors.New("connection reset by peer")
}

func TestEvaluate_PersistenceFailureLeavesProfileAndEventsUntouched(t *testing.T) {
	e, store := newTestEngine(nil, nil, nil)
	ctx := context.Background()

	_, err := e.Evaluate(ctx, submission("user-1", "50"))
	require.NoError(t, err)
	before, err := store.GetProfile(ctx, "user-1")
	require.NoError(t, err)

	n := &recordingNotifier{}
	failing := NewEngine(failingCommitStore{store}, nil, nil, nil).WithNotifier(n)
	_, err = failing.Evaluate(ctx, submission("user-1", "900"))
	require.Error(t, err)
	var verr *transaction.ValidationError
	assert.False(t, errors.As(err, &verr))
	assert.Contains(t, err.Error(), "connection reset")
	assert.Empty(t, n.evals)

	after, err := store.GetProfile(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, before.TxCount, after.TxCount)
	assert.Equal(t, before.Channels, after.Channels)

	events, err := e.Events(ctx, "user-1", nil, 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	_, err = failing.Evaluate(ctx, submission("user-2", "10"))
	require.Error(t, err)
	_, err = store.GetProfile(ctx, "user-2")
	assert.ErrorIs(t, err, ErrProfileNotFound)
	events, err = e.Events(ctx, "user-2", nil, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestEvaluate_FallbackTimestampIsUTC(t *testing.T) {
	store := NewMemoryStore(transaction.NewMemoryStore())
	newYork := time.FixedZone("EST", -5*60*60)
	local := time.Date(2025, 3, 1, 7, 0, 0, 0, newYork)
	e := NewEngine(store, nil, nil, nil).WithClock(func() time.Time { return local })

	sub := submission("user-1", "10")
	bad := "not a timestamp"
	sub.Timestamp = &bad

	res, err := e.Evaluate(context.Background(), sub)
	require.NoError(t, err)
	ev, err := e.Event(context.Background(), res.EventID)
	require.NoError(t, err)
	assert.True(t, ev.TimestampFallback)
	assert.Equal(t, time.UTC, ev.Timestamp.Location())
	assert.Equal(t, 12, ev.Timestamp.Hour())
	assert.Equal(t, time.UTC, ev.CreatedAt.Location())
}

func TestEvaluate_SpanCarriesAmount(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	e, _ := newTestEngine(nil, nil, nil)
	_, err := e.Evaluate(context.Background(), submission("user-1", "42.10"))
	require.NoError(t, err)

	var found bool
	for _, span := range rec.Ended() {
		if span.Name() != "risk.Evaluate" {
			continue
		}
		for _, kv := range span.Attributes() {
			if kv.Key == "amount" {
				found = true
				assert.Equal(t, "42.1", kv.Value.AsString())
			}
		}
	}
	assert.True(t, found, "risk.Evaluate span has an amount attribute")
}
