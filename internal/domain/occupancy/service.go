package occupancy

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ehr/patientflow/internal/domain/billing"
	"github.com/ehr/patientflow/internal/domain/sequence"
	"github.com/ehr/patientflow/internal/platform/apperror"
	"github.com/ehr/patientflow/internal/platform/auth"
	"github.com/ehr/patientflow/internal/platform/db"
	"github.com/ehr/patientflow/pkg/pagination"
)

// Invoicer raises the admission deposit invoice inside the admission's
// transaction.
type Invoicer interface {
	CreateInvoice(ctx context.Context, req billing.NewInvoice) (*billing.Invoice, error)
}

// Service keeps bed and ambulance status in step with the admissions and
// trips that hold them. Every status change happens in the transaction of
// the record that causes it, with the resource rows locked.
type Service struct {
	repo    Repository
	tx      db.TxRunner
	seq     *sequence.Sequencer
	billing Invoicer
	now     func() time.Time
}

func NewService(repo Repository, tx db.TxRunner, seq *sequence.Sequencer, inv Invoicer) *Service {
	return &Service{
		repo:    repo,
		tx:      tx,
		seq:     seq,
		billing: inv,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the wall clock.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// -- Wards --

func (s *Service) CreateWard(ctx context.Context, req NewWard) (*Ward, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	w := &Ward{
		ID:        uuid.New(),
		Name:      req.Name,
		WardType:  req.WardType,
		Active:    true,
		CreatedAt: s.now(),
	}
	if err := s.repo.InsertWard(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

func (s *Service) ListWards(ctx context.Context, p pagination.Params) ([]*Ward, int, error) {
	return s.repo.ListWards(ctx, p)
}

// DeleteWard deactivates a ward and its beds. It fails while any bed in the
// ward holds an active admission. The beds are locked before counting so an
// admission that claimed one of them has either committed or not started.
func (s *Service) DeleteWard(ctx context.Context, id uuid.UUID) error {
	return s.tx.InTx(ctx, func(ctx context.Context) error {
		w, err := s.repo.GetWardForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !w.Active {
			return nil
		}
		if _, err := s.repo.LockWardBeds(ctx, id); err != nil {
			return err
		}
		n, err := s.repo.CountActiveInWard(ctx, id)
		if err != nil {
			return err
		}
		if n > 0 {
			return apperror.ResourceInUse("ward %s has %d active admission(s)", w.Name, n)
		}
		return s.repo.DeactivateWard(ctx, id, s.now())
	})
}

// -- Beds --

func (s *Service) CreateBed(ctx context.Context, req NewBed) (*Bed, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	now := s.now()
	b := &Bed{
		ID:        uuid.New(),
		WardID:    req.WardID,
		BedNumber: req.BedNumber,
		Status:    BedAvailable,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		w, err := s.repo.GetWardForUpdate(ctx, req.WardID)
		if err != nil {
			return err
		}
		if !w.Active {
			return apperror.Conflict("ward %s is inactive", w.Name)
		}
		return s.repo.InsertBed(ctx, b)
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (s *Service) ListBeds(ctx context.Context, f BedFilter, p pagination.Params) ([]*Bed, int, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, apperror.Validation("invalid bed status %q", f.Status)
	}
	return s.repo.ListBeds(ctx, f, p)
}

// DeleteBed deactivates a bed that no active admission holds.
func (s *Service) DeleteBed(ctx context.Context, id uuid.UUID) error {
	return s.tx.InTx(ctx, func(ctx context.Context) error {
		beds, err := s.repo.LockBeds(ctx, id)
		if err != nil {
			return err
		}
		b, ok := beds[id]
		if !ok {
			return apperror.NotFound("bed %s not found", id)
		}
		n, err := s.repo.CountActiveOnBed(ctx, id, uuid.Nil)
		if err != nil {
			return err
		}
		if n > 0 {
			return apperror.ResourceInUse("bed %s is held by an active admission", b.BedNumber)
		}
		return s.repo.DeactivateBed(ctx, id, s.now())
	})
}

// claimBed marks a locked bed occupied. Only an active, available bed can be
// claimed.
func (s *Service) claimBed(ctx context.Context, beds map[uuid.UUID]*Bed, id uuid.UUID) error {
	b, ok := beds[id]
	if !ok {
		return apperror.NotFound("bed %s not found", id)
	}
	if !b.Active {
		return apperror.Conflict("bed %s is inactive", b.BedNumber)
	}
	if b.Status != BedAvailable {
		return apperror.Conflict("bed %s is %s", b.BedNumber, b.Status)
	}
	b.Status = BedOccupied
	return s.repo.SetBedStatus(ctx, id, BedOccupied, s.now())
}

// releaseBed frees a locked bed unless another active admission still
// references it.
func (s *Service) releaseBed(ctx context.Context, id, owner uuid.UUID) error {
	n, err := s.repo.CountActiveOnBed(ctx, id, owner)
	if err != nil {
		return err
	}
	if n > 0 {
		log.Ctx(ctx).Warn().
			Str("bed_id", id.String()).
			Int("other_admissions", n).
			Msg("bed still held by another admission, not releasing")
		return nil
	}
	return s.repo.SetBedStatus(ctx, id, BedAvailable, s.now())
}

// -- Admissions --

// CreateAdmission admits a patient and occupies the bed. A deposit is
// billed in the same transaction.
func (s *Service) CreateAdmission(ctx context.Context, req NewAdmission) (*Admission, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	now := s.now()
	day := s.seq.Today()
	a := &Admission{
		ID:         uuid.New(),
		PatientID:  req.PatientID,
		BedID:      req.BedID,
		Status:     AdmissionActive,
		Reason:     req.Reason,
		AdmittedAt: now,
		CreatedBy:  auth.UserIDFromContext(ctx),
		UpdatedAt:  now,
	}

	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		beds, err := s.repo.LockBeds(ctx, req.BedID)
		if err != nil {
			return err
		}
		if err := s.claimBed(ctx, beds, req.BedID); err != nil {
			return err
		}

		_, err = s.seq.AllocateAndInsert(ctx, sequence.ScopeAdmission, day,
			func(ctx context.Context, number string) error {
				a.AdmissionNumber = number
				return s.repo.InsertAdmission(ctx, a)
			})
		if err != nil {
			return err
		}

		if req.Deposit > 0 {
			inv, err := s.billing.CreateInvoice(ctx, billing.NewInvoice{
				PatientID:   a.PatientID,
				Origin:      billing.OtherOrigin(),
				TotalAmount: req.Deposit,
				Notes:       "Admission deposit: " + a.AdmissionNumber,
				Items: []billing.InvoiceItem{{
					Description: "Admission deposit",
					Quantity:    1,
					UnitPrice:   req.Deposit,
				}},
			})
			if err != nil {
				return err
			}
			a.InvoiceID = &inv.ID
			return s.repo.UpdateAdmission(ctx, a)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Ctx(ctx).Info().
		Str("admission", a.AdmissionNumber).
		Str("bed_id", a.BedID.String()).
		Msg("patient admitted")
	return a, nil
}

// UpdateAdmission moves an active admission to another bed or ends it. A
// move and an end cannot be combined in one request.
func (s *Service) UpdateAdmission(ctx context.Context, id uuid.UUID, req AdmissionUpdate) (*Admission, error) {
	if req.Status != nil && !req.Status.Valid() {
		return nil, apperror.Validation("invalid admission status %q", *req.Status)
	}
	if req.BedID != nil && *req.BedID == uuid.Nil {
		return nil, apperror.Validation("bed_id must not be empty")
	}
	if req.BedID != nil && req.Status != nil && req.Status.Terminal() {
		return nil, apperror.Validation("cannot change bed and end an admission together")
	}

	var a *Admission
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		a, err = s.repo.GetAdmissionForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if a.Status.Terminal() {
			return apperror.Conflict("admission %s is already %s", a.AdmissionNumber, a.Status)
		}
		now := s.now()

		if req.BedID != nil && *req.BedID != a.BedID {
			oldBed, newBed := a.BedID, *req.BedID
			beds, err := s.repo.LockBeds(ctx, oldBed, newBed)
			if err != nil {
				return err
			}
			if err := s.claimBed(ctx, beds, newBed); err != nil {
				return err
			}
			a.BedID = newBed
			if err := s.releaseBed(ctx, oldBed, a.ID); err != nil {
				return err
			}
		}

		if req.Status != nil && req.Status.Terminal() {
			if _, err := s.repo.LockBeds(ctx, a.BedID); err != nil {
				return err
			}
			a.Status = *req.Status
			a.DischargedAt = &now
			if err := s.releaseBed(ctx, a.BedID, a.ID); err != nil {
				return err
			}
		}
		if req.Reason != nil {
			a.Reason = *req.Reason
		}
		a.UpdatedAt = now
		return s.repo.UpdateAdmission(ctx, a)
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (s *Service) GetAdmission(ctx context.Context, id uuid.UUID) (*Admission, error) {
	return s.repo.GetAdmission(ctx, id)
}

func (s *Service) ListAdmissions(ctx context.Context, f AdmissionFilter, p pagination.Params) ([]*Admission, int, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, apperror.Validation("invalid admission status %q", f.Status)
	}
	return s.repo.ListAdmissions(ctx, f, p)
}

// -- Ambulances --

func (s *Service) CreateAmbulance(ctx context.Context, req NewAmbulance) (*Ambulance, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	now := s.now()
	a := &Ambulance{
		ID:            uuid.New(),
		VehicleNumber: req.VehicleNumber,
		Status:        AmbulanceAvailable,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.repo.InsertAmbulance(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *Service) ListAmbulances(ctx context.Context, p pagination.Params) ([]*Ambulance, int, error) {
	return s.repo.ListAmbulances(ctx, p)
}

func (s *Service) claimAmbulance(ctx context.Context, locked map[uuid.UUID]*Ambulance, id uuid.UUID) error {
	amb, ok := locked[id]
	if !ok {
		return apperror.NotFound("ambulance %s not found", id)
	}
	if amb.Status != AmbulanceAvailable {
		return apperror.Conflict("ambulance %s is %s", amb.VehicleNumber, amb.Status)
	}
	amb.Status = AmbulanceOnTrip
	return s.repo.SetAmbulanceStatus(ctx, id, AmbulanceOnTrip, s.now())
}

// releaseAmbulance frees an ambulance unless another active trip still
// uses it.
func (s *Service) releaseAmbulance(ctx context.Context, id, owner uuid.UUID) error {
	n, err := s.repo.CountActiveForAmbulance(ctx, id, owner)
	if err != nil {
		return err
	}
	if n > 0 {
		log.Ctx(ctx).Warn().
			Str("ambulance_id", id.String()).
			Int("other_trips", n).
			Msg("ambulance still on another trip, not releasing")
		return nil
	}
	return s.repo.SetAmbulanceStatus(ctx, id, AmbulanceAvailable, s.now())
}

// -- Trips --

func (s *Service) CreateTrip(ctx context.Context, req NewTrip) (*Trip, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	now := s.now()
	day := s.seq.Today()
	t := &Trip{
		ID:          uuid.New(),
		AmbulanceID: req.AmbulanceID,
		PatientID:   req.PatientID,
		Pickup:      req.Pickup,
		Destination: req.Destination,
		Status:      req.Status,
		CreatedBy:   auth.UserIDFromContext(ctx),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		locked, err := s.repo.LockAmbulances(ctx, req.AmbulanceID)
		if err != nil {
			return err
		}
		if err := s.claimAmbulance(ctx, locked, req.AmbulanceID); err != nil {
			return err
		}
		_, err = s.seq.AllocateAndInsert(ctx, sequence.ScopeTrip, day,
			func(ctx context.Context, number string) error {
				t.TripNumber = number
				return s.repo.InsertTrip(ctx, t)
			})
		return err
	})
	if err != nil {
		return nil, err
	}
	log.Ctx(ctx).Info().
		Str("trip", t.TripNumber).
		Str("ambulance_id", t.AmbulanceID.String()).
		Msg("ambulance trip created")
	return t, nil
}

// UpdateTrip advances a trip, reassigns its ambulance or both. Reassignment
// is only possible while the trip stays active.
func (s *Service) UpdateTrip(ctx context.Context, id uuid.UUID, req TripUpdate) (*Trip, error) {
	if req.AmbulanceID != nil && *req.AmbulanceID == uuid.Nil {
		return nil, apperror.Validation("ambulance_id must not be empty")
	}
	if req.AmbulanceID != nil && req.Status != nil && !req.Status.Active() {
		return nil, apperror.Validation("cannot reassign the ambulance and end a trip together")
	}

	var t *Trip
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		t, err = s.repo.GetTripForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !t.Status.Active() {
			return apperror.Conflict("trip %s is already %s", t.TripNumber, t.Status)
		}
		if req.Status != nil && *req.Status != t.Status {
			if err := nextTrip(t.Status, *req.Status); err != nil {
				return err
			}
		}

		if req.AmbulanceID != nil && *req.AmbulanceID != t.AmbulanceID {
			oldAmb, newAmb := t.AmbulanceID, *req.AmbulanceID
			locked, err := s.repo.LockAmbulances(ctx, oldAmb, newAmb)
			if err != nil {
				return err
			}
			if err := s.claimAmbulance(ctx, locked, newAmb); err != nil {
				return err
			}
			t.AmbulanceID = newAmb
			if err := s.releaseAmbulance(ctx, oldAmb, t.ID); err != nil {
				return err
			}
		}

		if req.Status != nil {
			t.Status = *req.Status
			if !t.Status.Active() {
				if _, err := s.repo.LockAmbulances(ctx, t.AmbulanceID); err != nil {
					return err
				}
				if err := s.releaseAmbulance(ctx, t.AmbulanceID, t.ID); err != nil {
					return err
				}
			}
		}
		if req.Destination != nil {
			t.Destination = *req.Destination
		}
		t.UpdatedAt = s.now()
		return s.repo.UpdateTrip(ctx, t)
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Service) GetTrip(ctx context.Context, id uuid.UUID) (*Trip, error) {
	return s.repo.GetTrip(ctx, id)
}

func (s *Service) ListTrips(ctx context.Context, f TripFilter, p pagination.Params) ([]*Trip, int, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, apperror.Validation("invalid trip status %q", f.Status)
	}
	return s.repo.ListTrips(ctx, f, p)
}
