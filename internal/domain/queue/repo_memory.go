package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ehr/patientflow/internal/platform/apperror"
	"github.com/ehr/patientflow/pkg/pagination"
)

// MemoryRepo keeps queue entries in process. It enforces the same two
// unique rules as the queue_entry table: one ticket number per service point
// and day, and one active entry per patient, service point and day.
type MemoryRepo struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*Entry
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{entries: make(map[uuid.UUID]*Entry)}
}

func sameDay(a, b time.Time) bool {
	return a.Format("2006-01-02") == b.Format("2006-01-02")
}

func (m *MemoryRepo) findActiveLocked(patientID uuid.UUID, sp ServicePoint, day time.Time) *Entry {
	for _, e := range m.entries {
		if e.PatientID == patientID && e.ServicePoint == sp && sameDay(e.QueueDate, day) && !e.Status.Terminal() {
			return e
		}
	}
	return nil
}

func (m *MemoryRepo) FindActive(_ context.Context, patientID uuid.UUID, sp ServicePoint, day time.Time) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.findActiveLocked(patientID, sp, day); e != nil {
		cp := *e
		return &cp, nil
	}
	return nil, nil
}

func (m *MemoryRepo) Insert(_ context.Context, e *Entry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, other := range m.entries {
		if other.ServicePoint == e.ServicePoint && sameDay(other.QueueDate, e.QueueDate) && other.TicketNumber == e.TicketNumber {
			return false, &pgconn.PgError{Code: "23505", ConstraintName: "uq_queue_entry_ticket"}
		}
	}
	if m.findActiveLocked(e.PatientID, e.ServicePoint, e.QueueDate) != nil {
		return false, nil
	}
	cp := *e
	m.entries[e.ID] = &cp
	return true, nil
}

func (m *MemoryRepo) GetByID(_ context.Context, id uuid.UUID) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, apperror.NotFound("queue entry not found")
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*Entry, error) {
	return m.GetByID(ctx, id)
}

func (m *MemoryRepo) Update(_ context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.entries[e.ID] = &cp
	return nil
}

func (m *MemoryRepo) List(_ context.Context, f Filter, p pagination.Params) ([]*Entry, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rank := map[Priority]int{Emergency: 0, Urgent: 1, Normal: 2}
	var out []*Entry
	for _, e := range m.entries {
		if f.ServicePoint != "" && e.ServicePoint != f.ServicePoint {
			continue
		}
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		if f.PatientID != uuid.Nil && e.PatientID != f.PatientID {
			continue
		}
		if !f.Date.IsZero() && !sameDay(e.QueueDate, f.Date) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if rank[out[i].Priority] != rank[out[j].Priority] {
			return rank[out[i].Priority] < rank[out[j].Priority]
		}
		return out[i].ArrivalTime.Before(out[j].ArrivalTime)
	})
	total := len(out)
	if p.Offset >= len(out) {
		return nil, total, nil
	}
	out = out[p.Offset:]
	if p.Limit > 0 && len(out) > p.Limit {
		out = out[:p.Limit]
	}
	return out, total, nil
}
