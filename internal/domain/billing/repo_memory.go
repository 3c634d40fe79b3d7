package billing

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ehr/patientflow/internal/platform/apperror"
	"github.com/ehr/patientflow/pkg/pagination"
)

// MemoryRepo is an in-process Repository. It copies values in and out so
// callers observe only what was written through the interface, and it keeps
// the unique rules on invoice and waiver numbers and pending waivers.
type MemoryRepo struct {
	mu       sync.Mutex
	invoices map[uuid.UUID]Invoice
	items    map[uuid.UUID][]InvoiceItem
	payments []Payment
	waivers  map[uuid.UUID]Waiver
	payables map[uuid.UUID]Payable
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		invoices: make(map[uuid.UUID]Invoice),
		items:    make(map[uuid.UUID][]InvoiceItem),
		waivers:  make(map[uuid.UUID]Waiver),
		payables: make(map[uuid.UUID]Payable),
	}
}

func uniqueViolation(constraint string) error {
	return apperror.FromDB(&pgconn.PgError{Code: "23505", ConstraintName: constraint}, "billing")
}

func (m *MemoryRepo) InsertInvoice(_ context.Context, inv *Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, other := range m.invoices {
		if other.InvoiceNumber == inv.InvoiceNumber {
			return uniqueViolation("uq_invoice_number")
		}
	}
	cp := *inv
	cp.Items = nil
	m.invoices[inv.ID] = cp
	return nil
}

func (m *MemoryRepo) InsertItems(_ context.Context, items []InvoiceItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range items {
		m.items[it.InvoiceID] = append(m.items[it.InvoiceID], it)
	}
	return nil
}

func (m *MemoryRepo) GetInvoice(_ context.Context, id uuid.UUID) (*Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[id]
	if !ok {
		return nil, apperror.NotFound("invoice not found")
	}
	inv.Items = append([]InvoiceItem(nil), m.items[id]...)
	return &inv, nil
}

func (m *MemoryRepo) GetInvoiceForUpdate(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	inv, err := m.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	inv.Items = nil
	return inv, nil
}

func (m *MemoryRepo) UpdateInvoiceAmounts(_ context.Context, inv *Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.invoices[inv.ID]
	cur.PaidAmount, cur.WaivedAmount, cur.Balance = inv.PaidAmount, inv.WaivedAmount, inv.Balance
	cur.Status, cur.UpdatedAt = inv.Status, inv.UpdatedAt
	m.invoices[inv.ID] = cur
	return nil
}

func (m *MemoryRepo) ListInvoices(_ context.Context, f InvoiceFilter, p pagination.Params) ([]*Invoice, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Invoice
	for _, inv := range m.invoices {
		if f.PatientID != uuid.Nil && inv.PatientID != f.PatientID {
			continue
		}
		if f.Status != "" && inv.Status != f.Status {
			continue
		}
		if f.OriginKind != "" && inv.Origin.Kind != f.OriginKind {
			continue
		}
		cp := inv
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InvoiceNumber > out[j].InvoiceNumber })
	return window(out, p), len(out), nil
}

func window[T any](items []T, p pagination.Params) []T {
	if p.Offset >= len(items) {
		return nil
	}
	items = items[p.Offset:]
	if p.Limit > 0 && len(items) > p.Limit {
		items = items[:p.Limit]
	}
	return items
}

func (m *MemoryRepo) InsertPayment(_ context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments = append(m.payments, *p)
	return nil
}

func (m *MemoryRepo) ListPayments(_ context.Context, invoiceID uuid.UUID) ([]*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Payment
	for i := range m.payments {
		if p := m.payments[i]; p.InvoiceID != nil && *p.InvoiceID == invoiceID {
			out = append(out, &p)
		}
	}
	return out, nil
}

func (m *MemoryRepo) ListPayablePayments(_ context.Context, payableID uuid.UUID) ([]*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Payment
	for i := range m.payments {
		if p := m.payments[i]; p.PayableID != nil && *p.PayableID == payableID {
			out = append(out, &p)
		}
	}
	return out, nil
}

func (m *MemoryRepo) InsertWaiver(_ context.Context, w *Waiver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, other := range m.waivers {
		if other.WaiverNumber == w.WaiverNumber {
			return uniqueViolation("uq_waiver_number")
		}
		if other.InvoiceID == w.InvoiceID && other.Status == WaiverPending {
			return uniqueViolation("uq_waiver_pending")
		}
	}
	m.waivers[w.ID] = *w
	return nil
}

func (m *MemoryRepo) GetWaiver(_ context.Context, id uuid.UUID) (*Waiver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.waivers[id]
	if !ok {
		return nil, apperror.NotFound("waiver not found")
	}
	return &w, nil
}

func (m *MemoryRepo) GetWaiverForUpdate(ctx context.Context, id uuid.UUID) (*Waiver, error) {
	return m.GetWaiver(ctx, id)
}

func (m *MemoryRepo) UpdateWaiver(_ context.Context, w *Waiver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.waivers[w.ID] = *w
	return nil
}

func (m *MemoryRepo) HasPendingWaiver(_ context.Context, invoiceID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.waivers {
		if w.InvoiceID == invoiceID && w.Status == WaiverPending {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryRepo) ListWaivers(_ context.Context, f WaiverFilter, p pagination.Params) ([]*Waiver, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Waiver
	for _, w := range m.waivers {
		if f.InvoiceID != uuid.Nil && w.InvoiceID != f.InvoiceID {
			continue
		}
		if f.Status != "" && w.Status != f.Status {
			continue
		}
		cp := w
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WaiverNumber < out[j].WaiverNumber })
	return window(out, p), len(out), nil
}

func (m *MemoryRepo) InsertPayable(_ context.Context, p *Payable) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payables[p.ID] = *p
	return nil
}

func (m *MemoryRepo) GetPayable(_ context.Context, id uuid.UUID) (*Payable, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payables[id]
	if !ok {
		return nil, apperror.NotFound("payable not found")
	}
	return &p, nil
}

func (m *MemoryRepo) GetPayableForUpdate(ctx context.Context, id uuid.UUID) (*Payable, error) {
	return m.GetPayable(ctx, id)
}

func (m *MemoryRepo) UpdatePayableAmounts(_ context.Context, p *Payable) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payables[p.ID] = *p
	return nil
}

func (m *MemoryRepo) ListPayables(_ context.Context, p pagination.Params) ([]*Payable, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Payable
	for _, pb := range m.payables {
		cp := pb
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PayableNumber < out[j].PayableNumber })
	return window(out, p), len(out), nil
}
