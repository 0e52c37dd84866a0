// Package worker runs allocation in the background: on a timer and whenever
// a case is created.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/dcaos/internal/allocation"
	"github.com/opensource-finance/dcaos/internal/bus"
	"github.com/opensource-finance/dcaos/internal/domain"
)

// RunLockKey names the cache lock that keeps instances from running
// allocation at the same time.
const RunLockKey = "allocation:run"

// Runner performs one allocation run.
type Runner interface {
	Run(ctx context.Context) (*allocation.RunResult, error)
}

// Allocator triggers allocation runs from a ticker and from case events.
type Allocator struct {
	bus    domain.EventBus
	cache  domain.Cache
	runner Runner

	cfg           Config
	trigger       chan struct{}
	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc

	runs          atomic.Int64
	skipped       atomic.Int64
	failed        atomic.Int64
	lastAllocated atomic.Int64
}

// Config holds worker configuration.
type Config struct {
	// Interval between runs; zero disables the ticker.
	Interval time.Duration

	// OnCreate runs allocation when a case created event arrives.
	OnCreate bool

	// LockTTL bounds how long a run holds the run lock.
	LockTTL time.Duration
}

// NewAllocator creates a background allocator. cache may be nil, in which
// case runs are not coordinated across instances.
func NewAllocator(eventBus domain.EventBus, cache domain.Cache, runner Runner) *Allocator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Allocator{
		bus:     eventBus,
		cache:   cache,
		runner:  runner,
		trigger: make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start subscribes to case events and starts the run loop.
func (w *Allocator) Start(cfg Config) error {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * time.Minute
	}
	w.cfg = cfg

	if cfg.OnCreate && w.bus != nil {
		sub, err := w.bus.Subscribe(w.ctx, domain.TopicCaseCreated, w.handleCaseCreated)
		if err != nil {
			return err
		}
		w.subscriptions = append(w.subscriptions, sub)
	}

	w.wg.Add(1)
	go w.loop()

	slog.Info("allocation worker started",
		"interval", cfg.Interval.String(),
		"on_create", cfg.OnCreate,
	)
	return nil
}

// handleCaseCreated requests a run. Bursts of events collapse into one run.
func (w *Allocator) handleCaseCreated(ctx context.Context, msg *domain.Message) error {
	var ev domain.CaseEvent
	if err := bus.DecodeEvent(msg, &ev); err != nil {
		return err
	}
	slog.Debug("case created, scheduling allocation", "case_id", ev.CaseID)
	w.Trigger()
	return nil
}

// Trigger schedules a run unless one is already pending.
func (w *Allocator) Trigger() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

func (w *Allocator) loop() {
	defer w.wg.Done()

	var tick <-chan time.Time
	if w.cfg.Interval > 0 {
		ticker := time.NewTicker(w.cfg.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-tick:
		case <-w.trigger:
		}
		w.RunOnce(w.ctx)
	}
}

// RunOnce runs allocation if the run lock can be taken. It reports whether
// a run happened.
func (w *Allocator) RunOnce(ctx context.Context) bool {
	if w.cache != nil {
		ok, err := w.cache.AcquireLock(ctx, RunLockKey, w.lockTTL())
		if err != nil {
			slog.Error("failed to take allocation lock", "error", err)
			w.failed.Add(1)
			return false
		}
		if !ok {
			slog.Debug("allocation already running elsewhere, skipping")
			w.skipped.Add(1)
			return false
		}
		defer func() {
			// Released on a fresh context so shutdown does not strand the lock.
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := w.cache.ReleaseLock(releaseCtx, RunLockKey); err != nil {
				slog.Warn("failed to release allocation lock", "error", err)
			}
		}()
	}

	start := time.Now()
	result, err := w.runner.Run(ctx)
	w.runs.Add(1)
	if err != nil {
		w.failed.Add(1)
		slog.Error("background allocation failed",
			"error", err,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return true
	}
	w.lastAllocated.Store(int64(result.Allocated))
	return true
}

func (w *Allocator) lockTTL() time.Duration {
	if w.cfg.LockTTL > 0 {
		return w.cfg.LockTTL
	}
	return 2 * time.Minute
}

// Stop gracefully stops the worker.
func (w *Allocator) Stop() error {
	w.cancel()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	slog.Info("allocation worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Runs              int64    `json:"runs"`
	Skipped           int64    `json:"skipped"`
	Failed            int64    `json:"failed"`
	LastAllocated     int64    `json:"lastAllocated"`
}

// GetStats returns current worker statistics.
func (w *Allocator) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Runs:              w.runs.Load(),
		Skipped:           w.skipped.Load(),
		Failed:            w.failed.Load(),
		LastAllocated:     w.lastAllocated.Load(),
	}
}
