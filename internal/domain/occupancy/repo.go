package occupancy

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/patientflow/pkg/pagination"
)

type WardRepository interface {
	InsertWard(ctx context.Context, w *Ward) error
	GetWard(ctx context.Context, id uuid.UUID) (*Ward, error)
	GetWardForUpdate(ctx context.Context, id uuid.UUID) (*Ward, error)
	ListWards(ctx context.Context, p pagination.Params) ([]*Ward, int, error)
	// DeactivateWard marks the ward and all of its beds inactive.
	DeactivateWard(ctx context.Context, id uuid.UUID, now time.Time) error
}

type BedRepository interface {
	InsertBed(ctx context.Context, b *Bed) error
	GetBed(ctx context.Context, id uuid.UUID) (*Bed, error)
	// LockBeds locks the given beds in id order and returns them keyed by id.
	LockBeds(ctx context.Context, ids ...uuid.UUID) (map[uuid.UUID]*Bed, error)
	// LockWardBeds locks every bed of a ward in id order and returns their ids.
	LockWardBeds(ctx context.Context, wardID uuid.UUID) ([]uuid.UUID, error)
	SetBedStatus(ctx context.Context, id uuid.UUID, status BedStatus, now time.Time) error
	DeactivateBed(ctx context.Context, id uuid.UUID, now time.Time) error
	ListBeds(ctx context.Context, f BedFilter, p pagination.Params) ([]*Bed, int, error)
}

type AdmissionRepository interface {
	InsertAdmission(ctx context.Context, a *Admission) error
	GetAdmission(ctx context.Context, id uuid.UUID) (*Admission, error)
	GetAdmissionForUpdate(ctx context.Context, id uuid.UUID) (*Admission, error)
	UpdateAdmission(ctx context.Context, a *Admission) error
	ListAdmissions(ctx context.Context, f AdmissionFilter, p pagination.Params) ([]*Admission, int, error)
	// CountActiveOnBed counts active admissions on a bed other than except.
	CountActiveOnBed(ctx context.Context, bedID, except uuid.UUID) (int, error)
	CountActiveInWard(ctx context.Context, wardID uuid.UUID) (int, error)
}

type AmbulanceRepository interface {
	InsertAmbulance(ctx context.Context, a *Ambulance) error
	GetAmbulance(ctx context.Context, id uuid.UUID) (*Ambulance, error)
	LockAmbulances(ctx context.Context, ids ...uuid.UUID) (map[uuid.UUID]*Ambulance, error)
	SetAmbulanceStatus(ctx context.Context, id uuid.UUID, status AmbulanceStatus, now time.Time) error
	ListAmbulances(ctx context.Context, p pagination.Params) ([]*Ambulance, int, error)
}

type TripRepository interface {
	InsertTrip(ctx context.Context, t *Trip) error
	GetTrip(ctx context.Context, id uuid.UUID) (*Trip, error)
	GetTripForUpdate(ctx context.Context, id uuid.UUID) (*Trip, error)
	UpdateTrip(ctx context.Context, t *Trip) error
	ListTrips(ctx context.Context, f TripFilter, p pagination.Params) ([]*Trip, int, error)
	// CountActiveForAmbulance counts active trips on an ambulance other than except.
	CountActiveForAmbulance(ctx context.Context, ambulanceID, except uuid.UUID) (int, error)
}

type Repository interface {
	WardRepository
	BedRepository
	AdmissionRepository
	AmbulanceRepository
	TripRepository
}
