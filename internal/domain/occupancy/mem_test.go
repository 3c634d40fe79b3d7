package occupancy

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/patientflow/internal/platform/apperror"
	"github.com/ehr/patientflow/pkg/pagination"
)

// memRepo is an in-memory Repository. Locks are no-ops; tests run one
// operation at a time.
type memRepo struct {
	// waitForWardBeds, when set, runs once as LockWardBeds starts, standing
	// in for a transaction that held a bed lock and commits first.
	waitForWardBeds func()

	mu         sync.Mutex
	wards      map[uuid.UUID]Ward
	beds       map[uuid.UUID]Bed
	admissions map[uuid.UUID]Admission
	ambulances map[uuid.UUID]Ambulance
	trips      map[uuid.UUID]Trip
}

func newMemRepo() *memRepo {
	return &memRepo{
		wards:      make(map[uuid.UUID]Ward),
		beds:       make(map[uuid.UUID]Bed),
		admissions: make(map[uuid.UUID]Admission),
		ambulances: make(map[uuid.UUID]Ambulance),
		trips:      make(map[uuid.UUID]Trip),
	}
}

func window[T any](items []*T, p pagination.Params) []*T {
	if p.Offset >= len(items) {
		return nil
	}
	end := p.Offset + p.Limit
	if p.Limit == 0 || end > len(items) {
		end = len(items)
	}
	return items[p.Offset:end]
}

func (m *memRepo) InsertWard(_ context.Context, w *Ward) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, other := range m.wards {
		if other.Name == w.Name {
			return apperror.Conflict("ward %s already exists", w.Name)
		}
	}
	m.wards[w.ID] = *w
	return nil
}

func (m *memRepo) GetWard(_ context.Context, id uuid.UUID) (*Ward, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wards[id]
	if !ok {
		return nil, apperror.NotFound("ward not found")
	}
	return &w, nil
}

func (m *memRepo) GetWardForUpdate(ctx context.Context, id uuid.UUID) (*Ward, error) {
	return m.GetWard(ctx, id)
}

func (m *memRepo) ListWards(_ context.Context, p pagination.Params) ([]*Ward, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Ward
	for _, w := range m.wards {
		if w.Active {
			cp := w
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return window(out, p), len(out), nil
}

func (m *memRepo) DeactivateWard(_ context.Context, id uuid.UUID, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := m.wards[id]
	w.Active = false
	m.wards[id] = w
	for bid, b := range m.beds {
		if b.WardID == id {
			b.Active = false
			b.UpdatedAt = now
			m.beds[bid] = b
		}
	}
	return nil
}

func (m *memRepo) InsertBed(_ context.Context, b *Bed) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, other := range m.beds {
		if other.WardID == b.WardID && other.BedNumber == b.BedNumber {
			return apperror.Conflict("bed %s already exists", b.BedNumber)
		}
	}
	m.beds[b.ID] = *b
	return nil
}

func (m *memRepo) GetBed(_ context.Context, id uuid.UUID) (*Bed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.beds[id]
	if !ok {
		return nil, apperror.NotFound("bed not found")
	}
	return &b, nil
}

func (m *memRepo) LockBeds(_ context.Context, ids ...uuid.UUID) (map[uuid.UUID]*Bed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[uuid.UUID]*Bed, len(ids))
	for _, id := range ids {
		if b, ok := m.beds[id]; ok {
			cp := b
			out[id] = &cp
		}
	}
	return out, nil
}

func (m *memRepo) LockWardBeds(_ context.Context, wardID uuid.UUID) ([]uuid.UUID, error) {
	if wait := m.waitForWardBeds; wait != nil {
		m.waitForWardBeds = nil
		wait()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []uuid.UUID
	for id, b := range m.beds {
		if b.WardID == wardID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, nil
}

func (m *memRepo) SetBedStatus(_ context.Context, id uuid.UUID, status BedStatus, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.beds[id]
	b.Status = status
	b.UpdatedAt = now
	m.beds[id] = b
	return nil
}

func (m *memRepo) DeactivateBed(_ context.Context, id uuid.UUID, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.beds[id]
	b.Active = false
	b.UpdatedAt = now
	m.beds[id] = b
	return nil
}

func (m *memRepo) ListBeds(_ context.Context, f BedFilter, p pagination.Params) ([]*Bed, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Bed
	for _, b := range m.beds {
		if f.WardID != uuid.Nil && b.WardID != f.WardID {
			continue
		}
		if f.Status != "" && b.Status != f.Status {
			continue
		}
		if !f.IncludeInactive && !b.Active {
			continue
		}
		cp := b
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BedNumber < out[j].BedNumber })
	return window(out, p), len(out), nil
}

func (m *memRepo) InsertAdmission(_ context.Context, a *Admission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.admissions[a.ID] = *a
	return nil
}

func (m *memRepo) GetAdmission(_ context.Context, id uuid.UUID) (*Admission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.admissions[id]
	if !ok {
		return nil, apperror.NotFound("admission not found")
	}
	return &a, nil
}

func (m *memRepo) GetAdmissionForUpdate(ctx context.Context, id uuid.UUID) (*Admission, error) {
	return m.GetAdmission(ctx, id)
}

func (m *memRepo) UpdateAdmission(_ context.Context, a *Admission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.admissions[a.ID] = *a
	return nil
}

func (m *memRepo) ListAdmissions(_ context.Context, f AdmissionFilter, p pagination.Params) ([]*Admission, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Admission
	for _, a := range m.admissions {
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		if f.PatientID != uuid.Nil && a.PatientID != f.PatientID {
			continue
		}
		if f.BedID != uuid.Nil && a.BedID != f.BedID {
			continue
		}
		cp := a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AdmissionNumber < out[j].AdmissionNumber })
	return window(out, p), len(out), nil
}

func (m *memRepo) CountActiveOnBed(_ context.Context, bedID, except uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.admissions {
		if a.BedID == bedID && a.Status == AdmissionActive && a.ID != except {
			n++
		}
	}
	return n, nil
}

func (m *memRepo) CountActiveInWard(_ context.Context, wardID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.admissions {
		if a.Status == AdmissionActive && m.beds[a.BedID].WardID == wardID {
			n++
		}
	}
	return n, nil
}

func (m *memRepo) InsertAmbulance(_ context.Context, a *Ambulance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ambulances[a.ID] = *a
	return nil
}

func (m *memRepo) GetAmbulance(_ context.Context, id uuid.UUID) (*Ambulance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.ambulances[id]
	if !ok {
		return nil, apperror.NotFound("ambulance not found")
	}
	return &a, nil
}

func (m *memRepo) LockAmbulances(_ context.Context, ids ...uuid.UUID) (map[uuid.UUID]*Ambulance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[uuid.UUID]*Ambulance, len(ids))
	for _, id := range ids {
		if a, ok := m.ambulances[id]; ok {
			cp := a
			out[id] = &cp
		}
	}
	return out, nil
}

func (m *memRepo) SetAmbulanceStatus(_ context.Context, id uuid.UUID, status AmbulanceStatus, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.ambulances[id]
	a.Status = status
	a.UpdatedAt = now
	m.ambulances[id] = a
	return nil
}

func (m *memRepo) ListAmbulances(_ context.Context, p pagination.Params) ([]*Ambulance, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Ambulance
	for _, a := range m.ambulances {
		cp := a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VehicleNumber < out[j].VehicleNumber })
	return window(out, p), len(out), nil
}

func (m *memRepo) InsertTrip(_ context.Context, t *Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trips[t.ID] = *t
	return nil
}

func (m *memRepo) GetTrip(_ context.Context, id uuid.UUID) (*Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[id]
	if !ok {
		return nil, apperror.NotFound("ambulance trip not found")
	}
	return &t, nil
}

func (m *memRepo) GetTripForUpdate(ctx context.Context, id uuid.UUID) (*Trip, error) {
	return m.GetTrip(ctx, id)
}

func (m *memRepo) UpdateTrip(_ context.Context, t *Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trips[t.ID] = *t
	return nil
}

func (m *memRepo) ListTrips(_ context.Context, f TripFilter, p pagination.Params) ([]*Trip, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Trip
	for _, t := range m.trips {
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.AmbulanceID != uuid.Nil && t.AmbulanceID != f.AmbulanceID {
			continue
		}
		cp := t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TripNumber < out[j].TripNumber })
	return window(out, p), len(out), nil
}

func (m *memRepo) CountActiveForAmbulance(_ context.Context, ambulanceID, except uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.trips {
		if t.AmbulanceID == ambulanceID && t.Status.Active() && t.ID != except {
			n++
		}
	}
	return n, nil
}

// seedTrip stores an active trip directly, bypassing the synchronizer.
func (m *memRepo) seedTrip(ambulanceID uuid.UUID, status TripStatus) *Trip {
	t := Trip{ID: uuid.New(), TripNumber: "TRP-SEED-" + uuid.NewString()[:4], AmbulanceID: ambulanceID, Status: status}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trips[t.ID] = t
	return &t
}
