// Package classifier provides global fraud scorers: a hosted text
// classification model reached over HTTP and a deterministic heuristic used
// when no model is configured or the model is failing.
package classifier

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mbd888/txguard/internal/transaction"
)

const (
	SourceModel     = "model"
	SourceHeuristic = "heuristic"
)

var (
	heuristicScale = decimal.NewFromInt(5000)
	onlineBump     = 0.1
)

// Heuristic scores by amount alone, nudged up for online transactions.
type Heuristic struct{}

func (Heuristic) Source() string { return SourceHeuristic }

// Score returns min(amount/5000, 1), plus 0.1 (capped) when the channel is
// "online".
func (Heuristic) Score(_ context.Context, ev *transaction.Event) (float64, error) {
	base := ev.Amount.Div(heuristicScale).InexactFloat64()
	if base > 1 {
		base = 1
	}
	if base < 0 {
		base = 0
	}
	if strings.EqualFold(ev.Channel, "online") {
		base = min(base+onlineBump, 1)
	}
	return base, nil
}

// Scorer is the subset of risk.GlobalScorer used here; declared locally to
// avoid importing risk.
type Scorer interface {
	Score(ctx context.Context, ev *transaction.Event) (float64, error)
	Source() string
}

// Fallback tries Primary and uses Secondary when it fails.
type Fallback struct {
	Primary   Scorer
	Secondary Scorer
}

// NewFallback chains two scorers.
func NewFallback(primary, secondary Scorer) *Fallback {
	return &Fallback{Primary: primary, Secondary: secondary}
}

func (f *Fallback) Source() string { return f.Primary.Source() }

func (f *Fallback) Score(ctx context.Context, ev *transaction.Event) (float64, error) {
	s, _, err := f.ScoreWithSource(ctx, ev)
	return s, err
}

// ScoreWithSource reports which scorer produced the result.
func (f *Fallback) ScoreWithSource(ctx context.Context, ev *transaction.Event) (float64, string, error) {
	s, err := f.Primary.Score(ctx, ev)
	if err == nil {
		return s, f.Primary.Source(), nil
	}
	if ctx.Err() != nil {
		return 0, "", ctx.Err()
	}
	s, err2 := f.Secondary.Score(ctx, ev)
	if err2 != nil {
		return 0, "", fmt.Errorf("primary: %v; secondary: %w", err, err2)
	}
	return s, f.Secondary.Source(), nil
}

// FeatureText serializes the fields a text classifier sees.
func FeatureText(ev *transaction.Event) string {
	parts := []string{
		fmt.Sprintf("amount:%s %s", ev.Amount.String(), ev.Currency),
		"type:" + string(ev.Type),
		"channel:" + ev.Channel,
		"recipient:" + ev.RecipientKey(),
		"location:" + ev.LocationKey(),
	}
	if ev.BalanceBefore != nil && ev.BalanceAfter != nil {
		before, after := *ev.BalanceBefore, *ev.BalanceAfter
		parts = append(parts, "balance_delta:"+after.Sub(before).StringFixed(2))
		denom := before
		if denom.IsZero() {
			denom = decimal.NewFromInt(1)
		}
		parts = append(parts, "balance_ratio:"+after.Div(denom).StringFixed(3))
	}
	return strings.Join(parts, " | ")
}

// Prediction is one label/score pair returned by the model.
type Prediction struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// FraudProbability maps a top prediction to P(fraud). Models trained with
// a legitimate/non-fraud positive class report the complement.
func FraudProbability(p Prediction) float64 {
	score := p.Score
	label := strings.ToLower(p.Label)
	if strings.Contains(label, "non") || strings.Contains(label, "legit") || strings.Contains(label, "safe") {
		score = 1 - score
	}
	return max(0, min(1, score))
}
