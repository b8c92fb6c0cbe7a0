package provider

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, p *Provider) error
	GetByID(ctx context.Context, id uuid.UUID) (*Provider, error)
	Update(ctx context.Context, p *Provider) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, f Filter, limit, offset int) ([]*Provider, int, error)
	// RecordTest stores a test outcome if the provider is still in status
	// from, and returns ErrStatusChanged otherwise.
	RecordTest(ctx context.Context, id uuid.UUID, from, status Status, result map[string]interface{}, at time.Time) error
	MarkSuccessful(ctx context.Context, id uuid.UUID, at time.Time) error
	Counts(ctx context.Context) (total, active int, err error)
	// ListMonitored returns the ACTIVE and TESTING providers of every
	// tenant. Providers an operator set INACTIVE or SUSPENDED are left alone.
	ListMonitored(ctx context.Context) ([]*Provider, error)
}
