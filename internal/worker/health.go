package worker

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/claimsgate/claimsgate/internal/domain/provider"
	"github.com/claimsgate/claimsgate/internal/platform/auth"
	"github.com/claimsgate/claimsgate/internal/platform/db"
	"github.com/claimsgate/claimsgate/internal/platform/gateway"
	"github.com/claimsgate/claimsgate/internal/platform/lease"
)

const (
	healthLease = "claims:health"
	// ActorHealth is recorded on status changes made by the monitor.
	ActorHealth = "system:health"
)

// HealthChecker is the part of provider.Registry the monitor uses.
type HealthChecker interface {
	ListMonitored(ctx context.Context) ([]*provider.Provider, error)
	HealthCheck(ctx context.Context, p *provider.Provider) (*gateway.ProbeResult, error)
}

type HealthObserver interface {
	ObserveHealthCheck(success bool)
}

// HealthMonitor probes the ACTIVE and TESTING providers on a fixed
// interval. It only updates providers; jobs read the resulting status when
// they are processed.
type HealthMonitor struct {
	providers   HealthChecker
	locker      lease.Locker
	interval    time.Duration
	concurrency int
	observer    HealthObserver
	logger      zerolog.Logger
}

func NewHealthMonitor(providers HealthChecker, locker lease.Locker, interval time.Duration, concurrency int, logger zerolog.Logger) *HealthMonitor {
	if concurrency < 1 {
		concurrency = 1
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &HealthMonitor{
		providers:   providers,
		locker:      locker,
		interval:    interval,
		concurrency: concurrency,
		logger:      logger.With().Str("component", "health_monitor").Logger(),
	}
}

func (m *HealthMonitor) SetObserver(o HealthObserver) { m.observer = o }

// Run checks all providers every interval until ctx is cancelled.
func (m *HealthMonitor) Run(ctx context.Context) error {
	m.logger.Info().Dur("interval", m.interval).Int("concurrency", m.concurrency).Msg("health monitor started")

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("health monitor stopped")
			return nil
		case <-ticker.C:
			if _, err := m.CheckAll(ctx); err != nil && ctx.Err() == nil {
				m.logger.Error().Err(err).Msg("health check round failed")
			}
		}
	}
}

// CheckAll probes every monitored provider with at most concurrency probes
// in flight and returns how many succeeded. A failing probe never stops the
// others.
func (m *HealthMonitor) CheckAll(ctx context.Context) (int, error) {
	release, ok, err := m.locker.Acquire(ctx, healthLease, m.interval)
	if err != nil {
		return 0, fmt.Errorf("acquire health lease: %w", err)
	}
	if !ok {
		m.logger.Debug().Msg("health round already running elsewhere")
		return 0, nil
	}
	defer release()

	providers, err := m.providers.ListMonitored(ctx)
	if err != nil {
		return 0, fmt.Errorf("list monitored providers: %w", err)
	}

	var healthy atomic.Int32
	g := new(errgroup.Group)
	g.SetLimit(m.concurrency)
	for _, p := range providers {
		p := p
		g.Go(func() error {
			pctx := auth.WithActor(db.WithTenant(ctx, p.TenantID), ActorHealth)
			res, err := m.providers.HealthCheck(pctx, p)
			if err != nil {
				m.logger.Error().Err(err).Str("provider_id", p.ID.String()).Str("tenant_id", p.TenantID).Msg("health check")
				return nil
			}
			if m.observer != nil {
				m.observer.ObserveHealthCheck(res.Success)
			}
			if res.Success {
				healthy.Add(1)
			} else {
				m.logger.Warn().Str("provider", p.Code).Str("tenant_id", p.TenantID).Str("message", res.Message).Msg("provider unhealthy")
			}
			return nil
		})
	}
	_ = g.Wait()

	m.logger.Debug().Int("checked", len(providers)).Int32("healthy", healthy.Load()).Msg("health round complete")
	return int(healthy.Load()), nil
}
