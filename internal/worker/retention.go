package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/claimsgate/claimsgate/internal/platform/lease"
)

const retentionLease = "claims:retention"

// Pruner deletes audit entries older than a number of days.
// auditlog.Service implements it.
type Pruner interface {
	Prune(ctx context.Context, retentionDays int) (int64, error)
}

// Retention prunes the audit log on a fixed interval. A zero Days keeps
// entries forever and Run returns immediately.
type Retention struct {
	pruner   Pruner
	locker   lease.Locker
	days     int
	interval time.Duration
	logger   zerolog.Logger
}

func NewRetention(pruner Pruner, locker lease.Locker, days int, interval time.Duration, logger zerolog.Logger) *Retention {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &Retention{
		pruner:   pruner,
		locker:   locker,
		days:     days,
		interval: interval,
		logger:   logger.With().Str("component", "retention").Logger(),
	}
}

func (r *Retention) Run(ctx context.Context) error {
	if r.days <= 0 {
		r.logger.Info().Msg("audit retention disabled")
		return nil
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.PruneOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.PruneOnce(ctx)
		}
	}
}

// PruneOnce runs one prune under the retention lease and returns the number
// of entries deleted.
func (r *Retention) PruneOnce(ctx context.Context) int64 {
	release, ok, err := r.locker.Acquire(ctx, retentionLease, r.interval)
	if err != nil {
		r.logger.Error().Err(err).Msg("acquire retention lease")
		return 0
	}
	if !ok {
		return 0
	}
	defer release()

	n, err := r.pruner.Prune(ctx, r.days)
	if err != nil {
		r.logger.Error().Err(err).Int("retention_days", r.days).Msg("prune audit log")
		return 0
	}
	return n
}
