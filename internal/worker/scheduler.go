package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/claimsgate/claimsgate/internal/domain/claimjob"
	"github.com/claimsgate/claimsgate/internal/platform/lease"
)

const sweepLease = "claims:sweep"

// DueSource lists work for a sweep. claimjob.Service implements it.
type DueSource interface {
	ListDue(ctx context.Context, limit int) ([]claimjob.Due, error)
	ListStale(ctx context.Context, olderThan time.Duration, limit int) ([]*claimjob.Job, error)
}

// JobProcessor is implemented by *Processor.
type JobProcessor interface {
	Process(ctx context.Context, due claimjob.Due) (Outcome, error)
	RecoverStale(ctx context.Context, job *claimjob.Job, staleAfter time.Duration) (Outcome, error)
}

// PoolObserver receives sweep and pool metrics. metrics.Metrics implements it.
type PoolObserver interface {
	ObserveSweep(d time.Duration, dispatched int)
	JobStarted()
	JobFinished()
}

type SchedulerConfig struct {
	Interval   time.Duration
	BatchSize  int
	Workers    int
	StaleAfter time.Duration
}

// Scheduler sweeps for due jobs on a fixed interval and hands them to a
// bounded pool of workers. The sweep itself never blocks on a provider.
type Scheduler struct {
	cfg       SchedulerConfig
	source    DueSource
	processor JobProcessor
	locker    lease.Locker
	observer  PoolObserver
	logger    zerolog.Logger

	queue    chan claimjob.Due
	mu       sync.Mutex
	inFlight map[uuid.UUID]struct{}
}

func NewScheduler(cfg SchedulerConfig, source DueSource, processor JobProcessor, locker lease.Locker, logger zerolog.Logger) *Scheduler {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 50
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Scheduler{
		cfg:       cfg,
		source:    source,
		processor: processor,
		locker:    locker,
		logger:    logger.With().Str("component", "scheduler").Logger(),
		queue:     make(chan claimjob.Due, cfg.Workers),
		inFlight:  make(map[uuid.UUID]struct{}),
	}
}

func (s *Scheduler) SetObserver(o PoolObserver) { s.observer = o }

// Run starts the workers and sweeps until ctx is cancelled, then waits for
// in-flight jobs to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info().
		Int("workers", s.cfg.Workers).
		Dur("interval", s.cfg.Interval).
		Int("batch_size", s.cfg.BatchSize).
		Msg("scheduler started")

	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			s.work(ctx, id)
		}(i)
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.sweepLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			close(s.queue)
			wg.Wait()
			s.logger.Info().Msg("scheduler stopped")
			return nil
		case <-ticker.C:
			s.sweepLogged(ctx)
		}
	}
}

func (s *Scheduler) sweepLogged(ctx context.Context) {
	n, err := s.Sweep(ctx)
	if err != nil && ctx.Err() == nil {
		s.logger.Error().Err(err).Msg("sweep failed")
		return
	}
	if n > 0 {
		s.logger.Debug().Int("dispatched", n).Msg("sweep dispatched jobs")
	}
}

// Sweep runs one pass under the sweep lease: recover stale jobs, then
// dispatch due jobs until the pool is full. It returns how many jobs were
// dispatched; a sweep that cannot take the lease dispatches nothing.
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	release, ok, err := s.locker.Acquire(ctx, sweepLease, s.cfg.Interval)
	if err != nil {
		return 0, fmt.Errorf("acquire sweep lease: %w", err)
	}
	if !ok {
		s.logger.Debug().Msg("sweep already running elsewhere")
		return 0, nil
	}
	defer release()

	start := time.Now()
	if s.cfg.StaleAfter > 0 {
		s.recoverStale(ctx)
	}

	due, err := s.source.ListDue(ctx, s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list due jobs: %w", err)
	}

	dispatched := 0
dispatch:
	for _, d := range due {
		if !s.markInFlight(d.ID) {
			continue
		}
		select {
		case s.queue <- d:
			dispatched++
		default:
			s.clearInFlight(d.ID)
			break dispatch
		}
	}

	if s.observer != nil {
		s.observer.ObserveSweep(time.Since(start), dispatched)
	}
	return dispatched, nil
}

func (s *Scheduler) recoverStale(ctx context.Context) {
	stale, err := s.source.ListStale(ctx, s.cfg.StaleAfter, s.cfg.BatchSize)
	if err != nil {
		s.logger.Error().Err(err).Msg("list stale jobs")
		return
	}
	for _, j := range stale {
		if s.isInFlight(j.ID) {
			continue
		}
		outcome, err := s.processor.RecoverStale(ctx, j, s.cfg.StaleAfter)
		if err != nil {
			s.logger.Error().Err(err).Str("job_id", j.ID.String()).Msg("recover stale job")
			continue
		}
		s.logger.Warn().Str("job_id", j.ID.String()).Str("tenant_id", j.TenantID).
			Str("outcome", string(outcome)).Msg("recovered stale job")
	}
}

func (s *Scheduler) work(ctx context.Context, id int) {
	log := s.logger.With().Int("worker", id).Logger()
	for d := range s.queue {
		s.process(ctx, log, d)
	}
}

// process runs one job. A panic is logged and leaves the job in PROCESSING
// for stale recovery.
func (s *Scheduler) process(ctx context.Context, log zerolog.Logger, d claimjob.Due) {
	defer s.clearInFlight(d.ID)
	if s.observer != nil {
		s.observer.JobStarted()
		defer s.observer.JobFinished()
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("job_id", d.ID.String()).Msg("job processing panicked")
		}
	}()

	if ctx.Err() != nil {
		return
	}
	outcome, err := s.processor.Process(ctx, d)
	if err != nil {
		log.Error().Err(err).Str("job_id", d.ID.String()).Str("tenant_id", d.TenantID).Msg("process job")
		return
	}
	log.Debug().Str("job_id", d.ID.String()).Str("outcome", string(outcome)).Msg("job processed")
}

func (s *Scheduler) markInFlight(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inFlight[id]; ok {
		return false
	}
	s.inFlight[id] = struct{}{}
	return true
}

func (s *Scheduler) clearInFlight(id uuid.UUID) {
	s.mu.Lock()
	delete(s.inFlight, id)
	s.mu.Unlock()
}

func (s *Scheduler) isInFlight(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inFlight[id]
	return ok
}
