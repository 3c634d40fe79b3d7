package workflow

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/patientflow/pkg/pagination"
)

type Repository interface {
	// Insert writes a pending record. It reports false when the invoice
	// already has one.
	Insert(ctx context.Context, r *Record) (bool, error)
	Get(ctx context.Context, id uuid.UUID) (*Record, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Record, error)
	// ClaimDue locks up to limit pending records due at now, skipping rows
	// another instance already holds.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]*Record, error)
	Update(ctx context.Context, r *Record) error
	List(ctx context.Context, f Filter, p pagination.Params) ([]*Record, int, error)
	// ListOutstanding returns the ids of every pending or unresolved record.
	ListOutstanding(ctx context.Context) ([]uuid.UUID, error)
}
