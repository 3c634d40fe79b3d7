package occupancy

import (
	"time"

	"github.com/google/uuid"

	"github.com/ehr/patientflow/internal/platform/apperror"
)

// -- Wards and beds --

type Ward struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	WardType  string    `db:"ward_type" json:"ward_type"`
	Active    bool      `db:"active" json:"active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

type NewWard struct {
	Name     string `json:"name"`
	WardType string `json:"ward_type"`
}

func (n *NewWard) validate() error {
	if n.Name == "" {
		return apperror.Validation("name is required")
	}
	if n.WardType == "" {
		n.WardType = "general"
	}
	return nil
}

type BedStatus string

const (
	BedAvailable   BedStatus = "available"
	BedOccupied    BedStatus = "occupied"
	BedMaintenance BedStatus = "maintenance"
)

func (s BedStatus) Valid() bool {
	return s == BedAvailable || s == BedOccupied || s == BedMaintenance
}

type Bed struct {
	ID        uuid.UUID `db:"id" json:"id"`
	WardID    uuid.UUID `db:"ward_id" json:"ward_id"`
	BedNumber string    `db:"bed_number" json:"bed_number"`
	Status    BedStatus `db:"status" json:"status"`
	Active    bool      `db:"active" json:"active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

type NewBed struct {
	WardID    uuid.UUID `json:"ward_id"`
	BedNumber string    `json:"bed_number"`
}

func (n *NewBed) validate() error {
	if n.WardID == uuid.Nil {
		return apperror.Validation("ward_id is required")
	}
	if n.BedNumber == "" {
		return apperror.Validation("bed_number is required")
	}
	return nil
}

type BedFilter struct {
	WardID uuid.UUID
	Status BedStatus
	// IncludeInactive lists deactivated beds as well.
	IncludeInactive bool
}

// -- Admissions --

type AdmissionStatus string

const (
	AdmissionActive    AdmissionStatus = "active"
	AdmissionCompleted AdmissionStatus = "completed"
	AdmissionCancelled AdmissionStatus = "cancelled"
)

func (s AdmissionStatus) Valid() bool {
	return s == AdmissionActive || s == AdmissionCompleted || s == AdmissionCancelled
}

func (s AdmissionStatus) Terminal() bool {
	return s == AdmissionCompleted || s == AdmissionCancelled
}

// Admission owns a claim on one bed while active.
type Admission struct {
	ID              uuid.UUID       `db:"id" json:"id"`
	AdmissionNumber string          `db:"admission_number" json:"admission_number"`
	PatientID       uuid.UUID       `db:"patient_id" json:"patient_id"`
	BedID           uuid.UUID       `db:"bed_id" json:"bed_id"`
	Status          AdmissionStatus `db:"status" json:"status"`
	Reason          string          `db:"reason" json:"reason"`
	InvoiceID       *uuid.UUID      `db:"invoice_id" json:"invoice_id,omitempty"`
	AdmittedAt      time.Time       `db:"admitted_at" json:"admitted_at"`
	DischargedAt    *time.Time      `db:"discharged_at" json:"discharged_at,omitempty"`
	CreatedBy       string          `db:"created_by" json:"created_by"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
}

// NewAdmission admits a patient to an available bed. A positive Deposit is
// billed with the admission.
type NewAdmission struct {
	PatientID uuid.UUID `json:"patient_id"`
	BedID     uuid.UUID `json:"bed_id"`
	Reason    string    `json:"reason"`
	Deposit   float64   `json:"deposit"`
}

func (n *NewAdmission) validate() error {
	if n.PatientID == uuid.Nil {
		return apperror.Validation("patient_id is required")
	}
	if n.BedID == uuid.Nil {
		return apperror.Validation("bed_id is required")
	}
	if n.Deposit < 0 {
		return apperror.Validation("deposit must not be negative")
	}
	return nil
}

// AdmissionUpdate moves an admission to another bed or ends it. Nil fields
// are left unchanged.
type AdmissionUpdate struct {
	BedID  *uuid.UUID       `json:"bed_id,omitempty"`
	Status *AdmissionStatus `json:"status,omitempty"`
	Reason *string          `json:"reason,omitempty"`
}

type AdmissionFilter struct {
	Status    AdmissionStatus
	PatientID uuid.UUID
	BedID     uuid.UUID
}

// -- Ambulances and trips --

type AmbulanceStatus string

const (
	AmbulanceAvailable   AmbulanceStatus = "available"
	AmbulanceOnTrip      AmbulanceStatus = "on_trip"
	AmbulanceMaintenance AmbulanceStatus = "maintenance"
)

type Ambulance struct {
	ID            uuid.UUID       `db:"id" json:"id"`
	VehicleNumber string          `db:"vehicle_number" json:"vehicle_number"`
	Status        AmbulanceStatus `db:"status" json:"status"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
}

type NewAmbulance struct {
	VehicleNumber string `json:"vehicle_number"`
}

func (n *NewAmbulance) validate() error {
	if n.VehicleNumber == "" {
		return apperror.Validation("vehicle_number is required")
	}
	return nil
}

type TripStatus string

const (
	TripScheduled  TripStatus = "scheduled"
	TripDispatched TripStatus = "dispatched"
	TripInProgress TripStatus = "in_progress"
	TripCompleted  TripStatus = "completed"
	TripCancelled  TripStatus = "cancelled"
)

func (s TripStatus) Valid() bool {
	switch s {
	case TripScheduled, TripDispatched, TripInProgress, TripCompleted, TripCancelled:
		return true
	}
	return false
}

// Active reports whether a trip in this status holds its ambulance.
func (s TripStatus) Active() bool {
	return s == TripScheduled || s == TripDispatched || s == TripInProgress
}

var tripOrder = map[TripStatus]int{
	TripScheduled:  0,
	TripDispatched: 1,
	TripInProgress: 2,
	TripCompleted:  3,
}

// nextTrip checks a trip status change. Active trips only move forward and
// may be cancelled at any point; finished trips never change.
func nextTrip(from, to TripStatus) error {
	if !to.Valid() {
		return apperror.Validation("invalid trip status %q", to)
	}
	if !from.Active() {
		return apperror.Conflict("trip is already %s", from)
	}
	if to == TripCancelled || tripOrder[to] > tripOrder[from] {
		return nil
	}
	return apperror.Conflict("trip cannot go from %s to %s", from, to)
}

type Trip struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	TripNumber  string     `db:"trip_number" json:"trip_number"`
	AmbulanceID uuid.UUID  `db:"ambulance_id" json:"ambulance_id"`
	PatientID   *uuid.UUID `db:"patient_id" json:"patient_id,omitempty"`
	Pickup      string     `db:"pickup" json:"pickup"`
	Destination string     `db:"destination" json:"destination"`
	Status      TripStatus `db:"status" json:"status"`
	CreatedBy   string     `db:"created_by" json:"created_by"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
}

type NewTrip struct {
	AmbulanceID uuid.UUID  `json:"ambulance_id"`
	PatientID   *uuid.UUID `json:"patient_id,omitempty"`
	Pickup      string     `json:"pickup"`
	Destination string     `json:"destination"`
	Status      TripStatus `json:"status,omitempty"`
}

func (n *NewTrip) validate() error {
	if n.AmbulanceID == uuid.Nil {
		return apperror.Validation("ambulance_id is required")
	}
	if n.Pickup == "" {
		return apperror.Validation("pickup is required")
	}
	if n.Status == "" {
		n.Status = TripScheduled
	}
	if !n.Status.Active() {
		return apperror.Validation("a new trip must be scheduled, dispatched or in_progress")
	}
	return nil
}

type TripUpdate struct {
	AmbulanceID *uuid.UUID  `json:"ambulance_id,omitempty"`
	Status      *TripStatus `json:"status,omitempty"`
	Destination *string     `json:"destination,omitempty"`
}

type TripFilter struct {
	Status      TripStatus
	AmbulanceID uuid.UUID
}
