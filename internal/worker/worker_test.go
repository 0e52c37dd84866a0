package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/dcaos/internal/allocation"
	"github.com/opensource-finance/dcaos/internal/bus"
	"github.com/opensource-finance/dcaos/internal/cache"
	"github.com/opensource-finance/dcaos/internal/domain"
	"github.com/opensource-finance/dcaos/internal/repository"
)

type countingRunner struct {
	calls atomic.Int32
	err   error
	hold  chan struct{}
}

func (r *countingRunner) Run(ctx context.Context) (*allocation.RunResult, error) {
	r.calls.Add(1)
	if r.hold != nil {
		<-r.hold
	}
	if r.err != nil {
		return nil, r.err
	}
	return &allocation.RunResult{Allocated: 1}, nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestAllocator(t *testing.T) {
	t.Run("StartAndStop", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()

		worker := NewAllocator(eventBus, nil, &countingRunner{})
		if err := worker.Start(Config{OnCreate: true}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		stats := worker.GetStats()
		if stats.SubscriptionCount != 1 {
			t.Errorf("expected 1 subscription, got %d", stats.SubscriptionCount)
		}
		if stats.Topics[0] != domain.TopicCaseCreated {
			t.Errorf("expected topic %s, got %s", domain.TopicCaseCreated, stats.Topics[0])
		}

		if err := worker.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}
		if stats := worker.GetStats(); stats.SubscriptionCount != 0 {
			t.Errorf("expected 0 subscriptions after stop, got %d", stats.SubscriptionCount)
		}
	})

	t.Run("RunsOnCaseCreated", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()

		runner := &countingRunner{}
		worker := NewAllocator(eventBus, cache.NewLRUCache(10), runner)
		if err := worker.Start(Config{OnCreate: true}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer worker.Stop()

		err := bus.PublishEvent(context.Background(), eventBus, domain.TopicCaseCreated, domain.CaseEvent{CaseID: "CASE-1", Status: domain.StatusNew})
		if err != nil {
			t.Fatalf("publish failed: %v", err)
		}

		waitFor(t, func() bool { return worker.GetStats().Runs == 1 })
		if got := worker.GetStats().LastAllocated; got != 1 {
			t.Errorf("expected last allocated 1, got %d", got)
		}
	})

	t.Run("RunsOnInterval", func(t *testing.T) {
		runner := &countingRunner{}
		worker := NewAllocator(nil, nil, runner)
		if err := worker.Start(Config{Interval: 10 * time.Millisecond}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer worker.Stop()

		waitFor(t, func() bool { return runner.calls.Load() >= 3 })
	})

	t.Run("IgnoresMalformedEvents", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()

		runner := &countingRunner{}
		worker := NewAllocator(eventBus, nil, runner)
		worker.Start(Config{OnCreate: true})
		defer worker.Stop()

		eventBus.Publish(context.Background(), domain.TopicCaseCreated, []byte("not json"))
		time.Sleep(50 * time.Millisecond)

		if runner.calls.Load() != 0 {
			t.Errorf("expected no run for malformed event, got %d", runner.calls.Load())
		}
	})
}

func TestRunOnceSkipsWhenLocked(t *testing.T) {
	ctx := context.Background()
	lru := cache.NewLRUCache(10)
	runner := &countingRunner{}
	worker := NewAllocator(nil, lru, runner)

	// Another instance holds the lock.
	ok, err := lru.AcquireLock(ctx, RunLockKey, time.Minute)
	if err != nil || !ok {
		t.Fatalf("failed to take lock: %v", err)
	}

	if worker.RunOnce(ctx) {
		t.Error("expected run to be skipped")
	}
	if runner.calls.Load() != 0 {
		t.Errorf("runner should not be called, got %d", runner.calls.Load())
	}
	if worker.GetStats().Skipped != 1 {
		t.Errorf("expected 1 skipped run, got %d", worker.GetStats().Skipped)
	}

	lru.ReleaseLock(ctx, RunLockKey)

	if !worker.RunOnce(ctx) {
		t.Error("expected run after the lock is released")
	}

	// The worker releases its own lock when done.
	ok, _ = lru.AcquireLock(ctx, RunLockKey, time.Minute)
	if !ok {
		t.Error("expected lock to be free after the run")
	}
}

func TestRunOnceSerializesInstances(t *testing.T) {
	ctx := context.Background()
	shared := cache.NewLRUCache(10)
	runner := &countingRunner{hold: make(chan struct{})}

	first := NewAllocator(nil, shared, runner)
	second := NewAllocator(nil, shared, runner)

	done := make(chan bool)
	go func() { done <- first.RunOnce(ctx) }()
	waitFor(t, func() bool { return runner.calls.Load() == 1 })

	if second.RunOnce(ctx) {
		t.Error("second instance should skip while the first holds the lock")
	}

	close(runner.hold)
	if !<-done {
		t.Error("first instance should have run")
	}
	if runner.calls.Load() != 1 {
		t.Errorf("expected exactly 1 run, got %d", runner.calls.Load())
	}
}

func TestRunOnceCountsFailures(t *testing.T) {
	worker := NewAllocator(nil, nil, &countingRunner{err: errors.New("store offline")})
	if !worker.RunOnce(context.Background()) {
		t.Error("failed runs still count as runs")
	}
	if stats := worker.GetStats(); stats.Failed != 1 || stats.Runs != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestAllocatorAssignsNewCases(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory(domain.DefaultCaseDefaults())
	if err := repo.SaveAgency(ctx, &domain.Agency{ID: "dca-1", Name: "Global Recovery Inc.", ReputationScore: 92, Capacity: 5}); err != nil {
		t.Fatalf("SaveAgency failed: %v", err)
	}

	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	engine := allocation.NewEngine(repo, allocation.Options{})
	worker := NewAllocator(eventBus, cache.NewLRUCache(10), engine)
	if err := worker.Start(Config{OnCreate: true}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer worker.Stop()

	c, err := repo.CreateCase(ctx, domain.NewCase{CustomerName: "Apex Innovations", Amount: 1200, AgingDays: 12})
	if err != nil {
		t.Fatalf("CreateCase failed: %v", err)
	}
	bus.PublishEvent(ctx, eventBus, domain.TopicCaseCreated, domain.CaseEvent{CaseID: c.ID, Status: c.Status})

	waitFor(t, func() bool {
		got, err := repo.GetCase(ctx, domain.SystemScope(), c.ID)
		return err == nil && got.Status == domain.StatusAssigned
	})

	a, _ := repo.GetAgency(ctx, "dca-1")
	if a.CurrentLoad != 1 {
		t.Errorf("expected load 1, got %d", a.CurrentLoad)
	}
}
