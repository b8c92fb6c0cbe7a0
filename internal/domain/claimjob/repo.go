package claimjob

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/claimsgate/claimsgate/internal/domain/ethicallock"
)

type Repository interface {
	Create(ctx context.Context, j *Job) error
	GetByID(ctx context.Context, id uuid.UUID) (*Job, error)
	List(ctx context.Context, f Filter, limit, offset int) ([]*Job, int, error)

	// Claim moves a due PENDING job to PROCESSING and increments attempts in
	// one conditional update. It returns ErrNotClaimed when the job is not
	// pending and due, and ErrDuplicateActive when the billing event already
	// has a live submission.
	Claim(ctx context.Context, id uuid.UUID, now time.Time) (*Job, error)
	// Transition applies u if the job is still in status from. It returns
	// ErrStatusChanged otherwise.
	Transition(ctx context.Context, id uuid.UUID, from Status, u Update, now time.Time) (*Job, error)
	// StoreResponse records a late gateway response without touching status.
	StoreResponse(ctx context.Context, id uuid.UUID, response map[string]interface{}) error

	// ListDue and ListStale span every tenant.
	ListDue(ctx context.Context, now time.Time, limit int) ([]Due, error)
	ListStale(ctx context.Context, processedBefore time.Time, limit int) ([]*Job, error)

	// Priors returns the live submissions that may conflict with cand.
	Priors(ctx context.Context, cand ethicallock.Candidate, since time.Time) ([]ethicallock.Prior, error)
	CountActiveForProvider(ctx context.Context, providerID uuid.UUID) (int, error)
	CountByStatus(ctx context.Context) (map[Status]int, error)
	CountCreatedSince(ctx context.Context, since time.Time) (int, error)
}
