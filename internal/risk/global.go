package risk

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbd888/txguard/internal/metrics"
	"github.com/mbd888/txguard/internal/transaction"
)

var errClassifierTimeout = errors.New("global scorer timed out")

// GlobalScorer returns a population-wide fraud probability in [0,1].
type GlobalScorer interface {
	Score(ctx context.Context, ev *transaction.Event) (float64, error)
	// Source names the scorer for audit ("model", "heuristic").
	Source() string
}

// SourcedScorer is implemented by scorers that delegate to more than one
// backend and can say which one produced a score.
type SourcedScorer interface {
	GlobalScorer
	ScoreWithSource(ctx context.Context, ev *transaction.Event) (float64, string, error)
}

// GlobalResult is the outcome of one global scorer call. Score is only
// meaningful when Available.
type GlobalResult struct {
	Score     float64
	Available bool
	Source    string
}

func (g GlobalResult) score() *float64 {
	if !g.Available {
		return nil
	}
	v := g.Score
	return &v
}

// scoreGlobal calls the global scorer with a hard deadline. The call runs
// on its own goroutine so a scorer that ignores its context still cannot
// stall the evaluation.
func (e *Engine) scoreGlobal(ctx context.Context, ev *transaction.Event) GlobalResult {
	if e.scorer == nil {
		metrics.ClassifierRequestsTotal.WithLabelValues("disabled").Inc()
		return GlobalResult{}
	}
	source := e.scorer.Source()

	ctx, cancel := context.WithTimeout(ctx, e.classifierTimeout)
	defer cancel()

	type result struct {
		score  float64
		source string
		err    error
	}
	ch := make(chan result, 1)
	input := ev.Clone()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("global scorer panic: %v", r)}
			}
		}()
		if ss, ok := e.scorer.(SourcedScorer); ok {
			s, src, err := ss.ScoreWithSource(ctx, input)
			ch <- result{score: s, source: src, err: err}
			return
		}
		s, err := e.scorer.Score(ctx, input)
		ch <- result{score: s, source: source, err: err}
	}()

	var r result
	select {
	case r = <-ch:
	case <-ctx.Done():
		r = result{err: errClassifierTimeout}
	}

	switch {
	case errors.Is(r.err, errClassifierTimeout), errors.Is(r.err, context.DeadlineExceeded):
		metrics.ClassifierRequestsTotal.WithLabelValues("timeout").Inc()
		return GlobalResult{Source: source}
	case r.err != nil:
		metrics.ClassifierRequestsTotal.WithLabelValues("error").Inc()
		e.log(ctx).Debug("global scorer failed", "error", r.err)
		return GlobalResult{Source: source}
	}
	metrics.ClassifierRequestsTotal.WithLabelValues("ok").Inc()
	if r.source != "" {
		source = r.source
	}
	return GlobalResult{Score: Clamp01(r.score), Available: true, Source: source}
}
