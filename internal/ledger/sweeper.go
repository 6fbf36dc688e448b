package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Sweeper periodically settles PENDING events.
type Sweeper struct {
	service  *Service
	interval time.Duration
	filter   Filter
	logger   *slog.Logger
	running  atomic.Bool

	mu       sync.Mutex
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewSweeper creates a settlement sweeper running every interval.
func NewSweeper(service *Service, interval time.Duration, filter Filter, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{
		service:  service,
		interval: interval,
		filter:   filter,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is actively running.
func (w *Sweeper) Running() bool {
	return w.running.Load()
}

// Start begins the sweep loop. Call in a goroutine. It returns at once if
// Stop was already called.
func (w *Sweeper) Start(ctx context.Context) {
	done := make(chan struct{})
	w.mu.Lock()
	select {
	case <-w.stop:
		w.mu.Unlock()
		return
	default:
	}
	w.done = done
	w.running.Store(true)
	w.mu.Unlock()
	defer func() {
		w.running.Store(false)
		close(done)
	}()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.safeSweep(ctx)
		}
	}
}

// Stop signals the sweeper to stop and waits for an in-flight sweep to
// finish, so the stores it uses can be closed afterwards.
func (w *Sweeper) Stop() {
	w.mu.Lock()
	w.stopOnce.Do(func() { close(w.stop) })
	done := w.done
	w.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (w *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic in settlement sweeper", "panic", fmt.Sprint(r))
		}
	}()
	w.sweep(ctx)
}

func (w *Sweeper) sweep(ctx context.Context) {
	res, err := w.service.SettlePending(ctx, w.filter)
	if err != nil {
		w.logger.Warn("settlement sweep failed", "error", err)
		return
	}
	if len(res.Outcomes) == 0 {
		return
	}
	for _, o := range res.Outcomes {
		if o.Error != "" {
			w.logger.Warn("settlement sweep: event not settled", "eventId", o.EventID, "error", o.Error)
		}
	}
	w.logger.Info("settlement sweep complete",
		"completed", res.Completed,
		"failed", res.Failed,
		"skipped", res.Skipped,
		"errors", res.Errors,
	)
}
