package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/mbd888/txguard/internal/metrics"
	"github.com/mbd888/txguard/internal/retry"
	"github.com/mbd888/txguard/internal/traces"
	"github.com/mbd888/txguard/internal/transaction"
)

// ErrBadResponse is returned when the model answers with a body that holds
// no usable prediction.
var ErrBadResponse = errors.New("classifier returned no prediction")

// Config configures the hosted model client.
type Config struct {
	URL     string
	Token   string
	Timeout time.Duration

	// Attempts per Score call, including the first. Defaults to 2.
	Attempts  int
	BaseDelay time.Duration
}

// Client calls a hosted text-classification endpoint with retries behind a
// circuit breaker.
type Client struct {
	httpClient *http.Client
	cfg        Config
	cb         *gobreaker.CircuitBreaker
}

// NewClient creates a model client. httpClient may be nil.
func NewClient(httpClient *http.Client, cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 2
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 50 * time.Millisecond
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		httpClient: httpClient,
		cfg:        cfg,
		cb:         newCircuitBreaker("classifier"),
	}
}

func newCircuitBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,                // half-open probes
		Interval:    30 * time.Second, // closed: reset counters every 30s
		Timeout:     10 * time.Second, // open -> half-open after 10s
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		OnStateChange: func(_ string, _, to gobreaker.State) {
			metrics.ClassifierBreakerState.Set(float64(to))
		},
	})
}

func (c *Client) Source() string { return SourceModel }

// State reports the circuit breaker state.
func (c *Client) State() gobreaker.State { return c.cb.State() }

// Score sends the event's feature text to the model and returns P(fraud).
func (c *Client) Score(ctx context.Context, ev *transaction.Event) (float64, error) {
	ctx, span := traces.StartSpan(ctx, "classifier.Score", traces.UserID(ev.UserID))
	defer span.End()

	text := FeatureText(ev)
	result, err := c.cb.Execute(func() (any, error) {
		var pred Prediction
		err := retry.Do(ctx, c.cfg.Attempts, c.cfg.BaseDelay, func() error {
			p, err := c.predict(ctx, text)
			if err != nil {
				return err
			}
			pred = p
			return nil
		})
		if err != nil {
			return nil, err
		}
		return pred, nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "classifier failed")
		return 0, fmt.Errorf("classifier: %w", err)
	}

	pred := result.(Prediction)
	score := FraudProbability(pred)
	span.SetAttributes(
		attribute.String("classifier.label", pred.Label),
		attribute.Float64("classifier.score", score),
	)
	return score, nil
}

func (c *Client) predict(ctx context.Context, text string) (Prediction, error) {
	body, err := json.Marshal(map[string]string{"inputs": text})
	if err != nil {
		return Prediction{}, retry.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return Prediction{}, retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Prediction{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Prediction{}, err
	}

	switch {
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
		return Prediction{}, fmt.Errorf("classifier returned status %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return Prediction{}, retry.Permanent(fmt.Errorf("classifier returned status %d", resp.StatusCode))
	}

	pred, err := parsePredictions(raw)
	if err != nil {
		return Prediction{}, retry.Permanent(err)
	}
	return pred, nil
}

// parsePredictions accepts [{label,score}], [[{label,score}]] or a single
// {label,score} and returns the highest-scoring prediction.
func parsePredictions(raw []byte) (Prediction, error) {
	var flat []Prediction
	if err := json.Unmarshal(raw, &flat); err == nil && len(flat) > 0 {
		return top(flat), nil
	}

	var nested [][]Prediction
	if err := json.Unmarshal(raw, &nested); err == nil && len(nested) > 0 && len(nested[0]) > 0 {
		return top(nested[0]), nil
	}

	var single Prediction
	if err := json.Unmarshal(raw, &single); err == nil && single.Label != "" {
		return single, nil
	}
	return Prediction{}, ErrBadResponse
}

func top(preds []Prediction) Prediction {
	best := preds[0]
	for _, p := range preds[1:] {
		if p.Score > best.Score {
			best = p
		}
	}
	return best
}
