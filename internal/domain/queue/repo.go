package queue

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/patientflow/pkg/pagination"
)

type Repository interface {
	// FindActive returns the waiting or serving entry of a patient at a
	// service point on day, or nil when there is none.
	FindActive(ctx context.Context, patientID uuid.UUID, sp ServicePoint, day time.Time) (*Entry, error)
	// Insert stores e unless the patient already holds an active entry for
	// the same service point and day, in which case it reports false.
	Insert(ctx context.Context, e *Entry) (bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Entry, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Entry, error)
	Update(ctx context.Context, e *Entry) error
	List(ctx context.Context, f Filter, p pagination.Params) ([]*Entry, int, error)
}
