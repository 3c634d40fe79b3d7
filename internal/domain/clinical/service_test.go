package clinical

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/patientflow/internal/domain/billing"
	"github.com/ehr/patientflow/internal/domain/queue"
	"github.com/ehr/patientflow/internal/domain/sequence"
	"github.com/ehr/patientflow/internal/platform/apperror"
	"github.com/ehr/patientflow/internal/platform/db"
)

type memRepo struct {
	mu            sync.Mutex
	triage        map[uuid.UUID]TriageAssessment
	prescriptions map[uuid.UUID]Prescription
}

func newMemRepo() *memRepo {
	return &memRepo{
		triage:        make(map[uuid.UUID]TriageAssessment),
		prescriptions: make(map[uuid.UUID]Prescription),
	}
}

func (m *memRepo) InsertTriage(_ context.Context, t *TriageAssessment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.triage[t.ID] = *t
	return nil
}

func (m *memRepo) LinkTriage(_ context.Context, t *TriageAssessment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.triage[t.ID]
	if !ok {
		return apperror.NotFound("triage assessment not found")
	}
	cur.QueueEntryID, cur.InvoiceID = t.QueueEntryID, t.InvoiceID
	m.triage[t.ID] = cur
	return nil
}

func (m *memRepo) GetTriage(_ context.Context, id uuid.UUID) (*TriageAssessment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.triage[id]
	if !ok {
		return nil, apperror.NotFound("triage assessment not found")
	}
	return &t, nil
}

func (m *memRepo) InsertPrescription(_ context.Context, p *Prescription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	cp.Items = append([]PrescriptionItem(nil), p.Items...)
	m.prescriptions[p.ID] = cp
	return nil
}

func (m *memRepo) LinkPrescriptionInvoice(_ context.Context, p *Prescription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.prescriptions[p.ID]
	cur.InvoiceID = p.InvoiceID
	m.prescriptions[p.ID] = cur
	return nil
}

func (m *memRepo) GetPrescription(_ context.Context, id uuid.UUID) (*Prescription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prescriptions[id]
	if !ok {
		return nil, apperror.NotFound("prescription not found")
	}
	return &p, nil
}

type fakeBilling struct {
	invoices []billing.NewInvoice
	err      error
}

func (f *fakeBilling) CreateInvoice(_ context.Context, req billing.NewInvoice) (*billing.Invoice, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.invoices = append(f.invoices, req)
	total := req.TotalAmount
	if len(req.Items) > 0 {
		total = 0
		for _, it := range req.Items {
			total += float64(it.Quantity) * it.UnitPrice
		}
	}
	return &billing.Invoice{
		ID:            uuid.New(),
		InvoiceNumber: "INV-20240301-00001",
		PatientID:     req.PatientID,
		Origin:        req.Origin,
		TotalAmount:   total,
		Balance:       total,
		Status:        billing.InvoicePending,
	}, nil
}

type fakeQueue struct {
	entries []queue.NewEntry
}

func (f *fakeQueue) CreateIfAbsent(_ context.Context, req queue.NewEntry) (*queue.Entry, bool, error) {
	f.entries = append(f.entries, req)
	ticket := req.TicketNumber
	if ticket == "" {
		ticket = "C-001"
	}
	return &queue.Entry{
		ID:           uuid.New(),
		PatientID:    req.PatientID,
		ServicePoint: req.ServicePoint,
		Priority:     req.Priority,
		TicketNumber: ticket,
		Status:       queue.Waiting,
	}, true, nil
}

func newTestService(fee float64) (*Service, *memRepo, *fakeBilling, *fakeQueue) {
	repo := newMemRepo()
	seq := sequence.NewSequencer(sequence.NewMemoryRepo(), db.NoopTx{}, time.UTC)
	seq.SetClock(func() time.Time { return time.Date(2024, 3, 1, 8, 30, 0, 0, time.UTC) })
	bill, q := &fakeBilling{}, &fakeQueue{}
	return NewService(repo, db.NoopTx{}, seq, bill, q, fee), repo, bill, q
}

func TestTriage_QueuesAndBillsConsultation(t *testing.T) {
	svc, repo, bill, q := newTestService(150)
	ctx := context.Background()
	patient := uuid.New()

	res, err := svc.Triage(ctx, NewTriage{
		PatientID:          patient,
		Category:           Red,
		ChiefComplaint:     "chest pain",
		AssignedDepartment: "cardiology",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	a := res.Assessment
	if a.TriageNumber != "TRI-000001" {
		t.Errorf("expected TRI-000001, got %s", a.TriageNumber)
	}

	if len(q.entries) != 1 {
		t.Fatalf("expected one queue entry, got %d", len(q.entries))
	}
	entry := q.entries[0]
	if entry.ServicePoint != queue.Triage || entry.TicketNumber != a.TriageNumber {
		t.Errorf("expected triage entry with ticket %s, got %s/%s", a.TriageNumber, entry.ServicePoint, entry.TicketNumber)
	}
	if entry.Priority != queue.Emergency {
		t.Errorf("expected emergency priority for red, got %s", entry.Priority)
	}

	if len(bill.invoices) != 1 {
		t.Fatalf("expected one invoice, got %d", len(bill.invoices))
	}
	inv := bill.invoices[0]
	if inv.Origin.Kind != billing.OriginConsultation || inv.Origin.RefID == nil || *inv.Origin.RefID != a.ID {
		t.Errorf("expected consultation origin referencing %s, got %+v", a.ID, inv.Origin)
	}
	if inv.Items[0].UnitPrice != 150 {
		t.Errorf("expected configured fee 150, got %v", inv.Items[0].UnitPrice)
	}

	stored, err := repo.GetTriage(ctx, a.ID)
	if err != nil {
		t.Fatalf("stored triage: %v", err)
	}
	if stored.QueueEntryID == nil || stored.InvoiceID == nil {
		t.Error("expected queue entry and invoice linked to the assessment")
	}
}

func TestTriage_NumbersIncrease(t *testing.T) {
	svc, _, _, _ := newTestService(100)
	ctx := context.Background()
	for _, want := range []string{"TRI-000001", "TRI-000002"} {
		res, err := svc.Triage(ctx, NewTriage{PatientID: uuid.New(), Category: Green})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.Assessment.TriageNumber != want {
			t.Errorf("expected %s, got %s", want, res.Assessment.TriageNumber)
		}
		if res.Assessment.AssignedDepartment != "general" {
			t.Errorf("expected default department, got %q", res.Assessment.AssignedDepartment)
		}
	}
}

func TestTriage_FreeConsultationQueuesDirectly(t *testing.T) {
	svc, _, bill, q := newTestService(100)
	zero := 0.0
	res, err := svc.Triage(context.Background(), NewTriage{
		PatientID: uuid.New(), Category: Yellow, ConsultationFee: &zero,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Invoice != nil || len(bill.invoices) != 0 {
		t.Error("expected no invoice for a free consultation")
	}
	if len(q.entries) != 2 || q.entries[1].ServicePoint != queue.Consultation {
		t.Fatalf("expected triage then consultation entries, got %+v", q.entries)
	}
	if q.entries[1].Priority != queue.Urgent {
		t.Errorf("expected urgent for yellow, got %s", q.entries[1].Priority)
	}
}

func TestTriage_Validation(t *testing.T) {
	svc, _, _, _ := newTestService(100)
	ctx := context.Background()
	negative := -5.0
	cases := []NewTriage{
		{Category: Red},
		{PatientID: uuid.New(), Category: "blue"},
		{PatientID: uuid.New(), Category: Green, ConsultationFee: &negative},
	}
	for i, req := range cases {
		if _, err := svc.Triage(ctx, req); !apperror.Is(err, apperror.KindValidation) {
			t.Errorf("case %d: expected validation error, got %v", i, err)
		}
	}
}

func TestTriage_InvoiceFailureFails(t *testing.T) {
	svc, _, bill, _ := newTestService(100)
	bill.err = errors.New("billing down")
	if _, err := svc.Triage(context.Background(), NewTriage{PatientID: uuid.New(), Category: Green}); err == nil {
		t.Error("expected error when the invoice cannot be raised")
	}
}

func TestPrescribe_BillsDrugs(t *testing.T) {
	svc, repo, bill, q := newTestService(100)
	ctx := context.Background()

	res, err := svc.Prescribe(ctx, NewPrescription{
		PatientID: uuid.New(),
		Items: []PrescriptionItem{
			{DrugName: "Amoxicillin", Dosage: "500mg", Quantity: 21, UnitPrice: 2.5},
			{DrugName: "Paracetamol", Quantity: 10, UnitPrice: 0.8},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rx := res.Prescription
	if rx.PrescriptionNumber != "RX-0001" {
		t.Errorf("expected RX-0001, got %s", rx.PrescriptionNumber)
	}
	if got := rx.Total(); got != 60.5 {
		t.Errorf("expected total 60.5, got %v", got)
	}
	if len(bill.invoices) != 1 {
		t.Fatalf("expected one invoice, got %d", len(bill.invoices))
	}
	inv := bill.invoices[0]
	if inv.Origin.Kind != billing.OriginPrescription || *inv.Origin.RefID != rx.ID {
		t.Errorf("expected prescription origin, got %+v", inv.Origin)
	}
	if inv.Items[0].Description != "Amoxicillin 500mg" {
		t.Errorf("unexpected item description %q", inv.Items[0].Description)
	}
	if len(q.entries) != 0 {
		t.Error("pharmacy entry must wait for payment")
	}
	stored, _ := repo.GetPrescription(ctx, rx.ID)
	if stored.InvoiceID == nil || *stored.InvoiceID != res.Invoice.ID {
		t.Error("expected invoice linked to prescription")
	}
}

func TestPrescribe_FreeGoesToPharmacy(t *testing.T) {
	svc, _, bill, q := newTestService(100)
	res, err := svc.Prescribe(context.Background(), NewPrescription{
		PatientID: uuid.New(),
		Items:     []PrescriptionItem{{DrugName: "ORS sachet", Quantity: 4, UnitPrice: 0}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Invoice != nil || len(bill.invoices) != 0 {
		t.Error("expected no invoice")
	}
	if len(q.entries) != 1 || q.entries[0].ServicePoint != queue.Pharmacy {
		t.Fatalf("expected pharmacy entry, got %+v", q.entries)
	}
	if q.entries[0].ProvenanceNote != "Prescription: "+res.Prescription.PrescriptionNumber {
		t.Errorf("unexpected provenance %q", q.entries[0].ProvenanceNote)
	}
}

func TestPrescribe_Validation(t *testing.T) {
	svc, _, _, _ := newTestService(100)
	ctx := context.Background()
	cases := []NewPrescription{
		{Items: []PrescriptionItem{{DrugName: "x", Quantity: 1}}},
		{PatientID: uuid.New()},
		{PatientID: uuid.New(), Items: []PrescriptionItem{{Quantity: 1}}},
		{PatientID: uuid.New(), Items: []PrescriptionItem{{DrugName: "x", Quantity: 0}}},
		{PatientID: uuid.New(), Items: []PrescriptionItem{{DrugName: "x", Quantity: 1, UnitPrice: -1}}},
	}
	for i, req := range cases {
		if _, err := svc.Prescribe(ctx, req); !apperror.Is(err, apperror.KindValidation) {
			t.Errorf("case %d: expected validation error, got %v", i, err)
		}
	}
}

func TestRegister(t *testing.T) {
	svc, _, bill, _ := newTestService(100)
	ctx := context.Background()

	inv, err := svc.Register(ctx, NewRegistration{PatientID: uuid.New(), Fee: 200})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inv.Origin.Kind != billing.OriginRegistration || inv.TotalAmount != 200 {
		t.Errorf("unexpected invoice %+v", inv)
	}
	if len(bill.invoices) != 1 {
		t.Errorf("expected one invoice, got %d", len(bill.invoices))
	}
	if _, err := svc.Register(ctx, NewRegistration{PatientID: uuid.New()}); !apperror.Is(err, apperror.KindValidation) {
		t.Errorf("expected validation error for missing fee, got %v", err)
	}
}
