package auditlog

import (
	"context"
	"time"
)

type Repository interface {
	Append(ctx context.Context, e *Entry) error
	List(ctx context.Context, f Filter, limit, offset int) ([]*Entry, int, error)
	// DeleteBefore removes entries of every tenant created before cutoff.
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
