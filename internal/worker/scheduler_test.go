package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/claimsgate/claimsgate/internal/domain/claimjob"
	"github.com/claimsgate/claimsgate/internal/domain/provider"
	"github.com/claimsgate/claimsgate/internal/platform/auth"
	"github.com/claimsgate/claimsgate/internal/platform/db"
	"github.com/claimsgate/claimsgate/internal/platform/gateway"
	"github.com/claimsgate/claimsgate/internal/platform/lease"
)

// blockingProcessor holds every job until release is closed.
type blockingProcessor struct {
	mu        sync.Mutex
	processed []uuid.UUID
	release   chan struct{}
}

func (b *blockingProcessor) Process(_ context.Context, d claimjob.Due) (Outcome, error) {
	if b.release != nil {
		<-b.release
	}
	b.mu.Lock()
	b.processed = append(b.processed, d.ID)
	b.mu.Unlock()
	return OutcomeCompleted, nil
}

func (b *blockingProcessor) RecoverStale(context.Context, *claimjob.Job, time.Duration) (Outcome, error) {
	return OutcomeRetry, nil
}

type sweepCounter struct {
	sweeps   atomic.Int32
	started  atomic.Int32
	finished atomic.Int32
}

func (s *sweepCounter) ObserveSweep(time.Duration, int) { s.sweeps.Add(1) }
func (s *sweepCounter) JobStarted()                     { s.started.Add(1) }
func (s *sweepCounter) JobFinished()                    { s.finished.Add(1) }

func TestScheduler_RunProcessesDueJobs(t *testing.T) {
	h := newHarness(t)
	ids := make([]uuid.UUID, 5)
	for i := range ids {
		ids[i] = h.newJob(nil).ID
	}

	s := NewScheduler(SchedulerConfig{Interval: 10 * time.Millisecond, BatchSize: 10, Workers: 2, StaleAfter: time.Minute},
		h.store, h.proc, lease.NewLocalLocker(), zerolog.Nop())
	obs := &sweepCounter{}
	s.SetObserver(obs)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		all := true
		for _, id := range ids {
			if h.store.job(id).Status != claimjob.StatusAccepted {
				all = false
			}
		}
		if all {
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("jobs were not processed in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}

	if h.tr.count() != len(ids) {
		t.Errorf("expected %d transmissions, got %d", len(ids), h.tr.count())
	}
	if obs.sweeps.Load() == 0 {
		t.Error("expected sweeps to be observed")
	}
	if obs.started.Load() != obs.finished.Load() {
		t.Errorf("in-flight gauge unbalanced: %d started, %d finished", obs.started.Load(), obs.finished.Load())
	}
}

func TestScheduler_SweepSkippedWhileLeaseHeld(t *testing.T) {
	h := newHarness(t)
	h.newJob(nil)

	locker := lease.NewLocalLocker()
	release, ok, err := locker.Acquire(context.Background(), sweepLease, time.Minute)
	if err != nil || !ok {
		t.Fatalf("pre-acquire lease: ok=%v err=%v", ok, err)
	}
	defer release()

	s := NewScheduler(SchedulerConfig{Interval: time.Minute, Workers: 1}, h.store, &blockingProcessor{}, locker, zerolog.Nop())
	n, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 0 || len(s.queue) != 0 {
		t.Errorf("expected nothing dispatched while the lease is held, got %d", n)
	}
}

func TestScheduler_SweepStopsWhenPoolFull(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 3; i++ {
		h.newJob(nil)
	}

	s := NewScheduler(SchedulerConfig{Interval: time.Minute, BatchSize: 10, Workers: 1}, h.store, &blockingProcessor{}, lease.NewLocalLocker(), zerolog.Nop())

	n, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one dispatch into a pool of one, got %d", n)
	}

	n, err = s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("second Sweep: %v", err)
	}
	if n != 0 {
		t.Errorf("expected no dispatch while the pool is full, got %d", n)
	}
	if len(s.inFlight) != 1 {
		t.Errorf("expected one job in flight, got %d", len(s.inFlight))
	}
}

func TestScheduler_SweepOrdersByPriority(t *testing.T) {
	h := newHarness(t)
	low := h.newJob(func(j *claimjob.Job) { j.Priority = -5 })
	high := h.newJob(func(j *claimjob.Job) { j.Priority = 10 })

	s := NewScheduler(SchedulerConfig{Interval: time.Minute, BatchSize: 10, Workers: 1}, h.store, &blockingProcessor{}, lease.NewLocalLocker(), zerolog.Nop())
	if _, err := s.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	got := <-s.queue
	if got.ID != high.ID {
		t.Errorf("expected high priority job %s first, got %s (low is %s)", high.ID, got.ID, low.ID)
	}
}

func TestScheduler_SweepRecoversStaleJobs(t *testing.T) {
	h := newHarness(t)
	started := h.clock.Now()
	j := h.newJob(func(j *claimjob.Job) {
		j.Status = claimjob.StatusProcessing
		j.Attempts = 1
		j.ProcessedAt = &started
	})
	h.clock.Advance(20 * time.Minute)

	s := NewScheduler(SchedulerConfig{Interval: time.Minute, BatchSize: 10, Workers: 1, StaleAfter: 10 * time.Minute},
		h.store, h.proc, lease.NewLocalLocker(), zerolog.Nop())
	if _, err := s.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	got := h.store.job(j.ID)
	if got.Status != claimjob.StatusPending || got.NextRetryAt == nil {
		t.Fatalf("expected stale job rescheduled, got %s", got.Status)
	}
	if h.tr.count() != 0 {
		t.Error("recovery must not transmit")
	}
}

// =========== Health monitor ===========

type fakeHealth struct {
	providers []*provider.Provider
	inFlight  atomic.Int32
	peak      atomic.Int32
	mu        sync.Mutex
	tenants   map[string]string
	actors    map[string]string
}

func (f *fakeHealth) ListMonitored(context.Context) ([]*provider.Provider, error) {
	return f.providers, nil
}

func (f *fakeHealth) HealthCheck(ctx context.Context, p *provider.Provider) (*gateway.ProbeResult, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		peak := f.peak.Load()
		if n <= peak || f.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)

	f.mu.Lock()
	f.tenants[p.Code] = db.TenantFromContext(ctx)
	f.actors[p.Code] = auth.ActorFromContext(ctx)
	f.mu.Unlock()

	if p.Code == "BROKEN" {
		return nil, errors.New("record probe result: connection reset")
	}
	return &gateway.ProbeResult{Success: p.Code != "DOWN", TestedAt: time.Now()}, nil
}

func TestHealthMonitor_CheckAll(t *testing.T) {
	f := &fakeHealth{tenants: map[string]string{}, actors: map[string]string{}}
	for _, code := range []string{"A", "B", "C", "DOWN", "BROKEN"} {
		f.providers = append(f.providers, &provider.Provider{ID: uuid.New(), TenantID: "tenant_" + code, Code: code})
	}

	m := NewHealthMonitor(f, lease.NewLocalLocker(), time.Minute, 2, zerolog.Nop())
	healthy, err := m.CheckAll(context.Background())
	if err != nil {
		t.Fatalf("CheckAll: %v", err)
	}
	if healthy != 3 {
		t.Errorf("expected 3 healthy providers, got %d", healthy)
	}
	if peak := f.peak.Load(); peak > 2 {
		t.Errorf("expected at most 2 concurrent probes, got %d", peak)
	}
	for _, p := range f.providers {
		if f.tenants[p.Code] != p.TenantID {
			t.Errorf("%s probed under tenant %q", p.Code, f.tenants[p.Code])
		}
		if f.actors[p.Code] != ActorHealth {
			t.Errorf("%s probed as %q", p.Code, f.actors[p.Code])
		}
	}
}

func TestHealthMonitor_SkipsWhileLeaseHeld(t *testing.T) {
	f := &fakeHealth{tenants: map[string]string{}, actors: map[string]string{}}
	f.providers = []*provider.Provider{{ID: uuid.New(), TenantID: "acme", Code: "A"}}

	locker := lease.NewLocalLocker()
	release, _, _ := locker.Acquire(context.Background(), healthLease, time.Minute)
	defer release()

	m := NewHealthMonitor(f, locker, time.Minute, 2, zerolog.Nop())
	if _, err := m.CheckAll(context.Background()); err != nil {
		t.Fatalf("CheckAll: %v", err)
	}
	if len(f.tenants) != 0 {
		t.Error("expected no probes while another holder owns the lease")
	}
}

// =========== Retention ===========

type fakePruner struct {
	calls []int
}

func (f *fakePruner) Prune(_ context.Context, days int) (int64, error) {
	f.calls = append(f.calls, days)
	return 7, nil
}

func TestRetention_Disabled(t *testing.T) {
	p := &fakePruner{}
	r := NewRetention(p, lease.NewLocalLocker(), 0, time.Hour, zerolog.Nop())
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(p.calls) != 0 {
		t.Errorf("expected no prune when retention is disabled, got %v", p.calls)
	}
}

func TestRetention_PruneOnce(t *testing.T) {
	p := &fakePruner{}
	r := NewRetention(p, lease.NewLocalLocker(), 90, time.Hour, zerolog.Nop())
	if n := r.PruneOnce(context.Background()); n != 7 {
		t.Errorf("expected 7 deleted, got %d", n)
	}
	if len(p.calls) != 1 || p.calls[0] != 90 {
		t.Errorf("expected one prune with 90 days, got %v", p.calls)
	}
}
