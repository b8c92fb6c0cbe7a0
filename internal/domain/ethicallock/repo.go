package ethicallock

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, l *Lock) error
	GetByID(ctx context.Context, id uuid.UUID) (*Lock, error)
	List(ctx context.Context, f Filter, limit, offset int) ([]*Lock, int, error)
	// Resolve marks an unresolved lock resolved. It returns ErrAlreadyResolved
	// when the lock was resolved before.
	Resolve(ctx context.Context, id uuid.UUID, by, notes string, at time.Time) (*Lock, error)
	Waivers(ctx context.Context, jobID uuid.UUID) ([]Waiver, error)
	CountOpenForJob(ctx context.Context, jobID uuid.UUID) (int, error)
	CountOpen(ctx context.Context) (int, error)
}
