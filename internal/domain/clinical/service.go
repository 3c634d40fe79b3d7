package clinical

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ehr/patientflow/internal/domain/billing"
	"github.com/ehr/patientflow/internal/domain/queue"
	"github.com/ehr/patientflow/internal/domain/sequence"
	"github.com/ehr/patientflow/internal/platform/auth"
	"github.com/ehr/patientflow/internal/platform/db"
)

// Invoicer raises invoices inside the caller's transaction.
type Invoicer interface {
	CreateInvoice(ctx context.Context, req billing.NewInvoice) (*billing.Invoice, error)
}

type QueueOpener interface {
	CreateIfAbsent(ctx context.Context, req queue.NewEntry) (*queue.Entry, bool, error)
}

// Service records the clinical events that bill a patient. Each event and
// the invoice it raises commit together.
type Service struct {
	repo            Repository
	tx              db.TxRunner
	seq             *sequence.Sequencer
	billing         Invoicer
	queue           QueueOpener
	consultationFee float64
}

func NewService(repo Repository, tx db.TxRunner, seq *sequence.Sequencer, inv Invoicer, q QueueOpener, consultationFee float64) *Service {
	return &Service{repo: repo, tx: tx, seq: seq, billing: inv, queue: q, consultationFee: consultationFee}
}

func now() time.Time {
	return time.Now().UTC()
}

// Register bills the registration fee.
func (s *Service) Register(ctx context.Context, req NewRegistration) (*billing.Invoice, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	return s.billing.CreateInvoice(ctx, billing.NewInvoice{
		PatientID:   req.PatientID,
		Origin:      billing.RegistrationOrigin(),
		TotalAmount: req.Fee,
		Notes:       req.Notes,
		Items:       []billing.InvoiceItem{{Description: "Registration fee", Quantity: 1, UnitPrice: req.Fee}},
	})
}

// TriageResult is everything a triage assessment created.
type TriageResult struct {
	Assessment *TriageAssessment `json:"assessment"`
	QueueEntry *queue.Entry      `json:"queue_entry"`
	Invoice    *billing.Invoice  `json:"invoice,omitempty"`
}

// Triage records an assessment, places the patient in the triage queue under
// the triage number and bills the consultation. Without a fee the patient
// goes straight to the consultation queue.
func (s *Service) Triage(ctx context.Context, req NewTriage) (*TriageResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	fee := s.consultationFee
	if req.ConsultationFee != nil {
		fee = *req.ConsultationFee
	}

	day := s.seq.Today()
	t := &TriageAssessment{
		ID:                 uuid.New(),
		PatientID:          req.PatientID,
		Category:           req.Category,
		ChiefComplaint:     req.ChiefComplaint,
		Vitals:             req.Vitals,
		AssignedDepartment: req.AssignedDepartment,
		CreatedBy:          auth.UserIDFromContext(ctx),
		CreatedAt:          now(),
		TriageDate:         day,
	}
	res := &TriageResult{Assessment: t}

	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		_, err := s.seq.AllocateAndInsert(ctx, sequence.ScopeTriage, day,
			func(ctx context.Context, number string) error {
				t.TriageNumber = number
				return s.repo.InsertTriage(ctx, t)
			})
		if err != nil {
			return err
		}

		entry, _, err := s.queue.CreateIfAbsent(ctx, queue.NewEntry{
			PatientID:      t.PatientID,
			ServicePoint:   queue.Triage,
			Department:     t.AssignedDepartment,
			Priority:       queue.PriorityFromCategory(string(t.Category)),
			ProvenanceNote: "Triage: " + t.TriageNumber,
			TicketNumber:   t.TriageNumber,
		})
		if err != nil {
			return err
		}
		res.QueueEntry = entry
		t.QueueEntryID = &entry.ID

		if fee > 0 {
			inv, err := s.billing.CreateInvoice(ctx, billing.NewInvoice{
				PatientID: t.PatientID,
				Origin:    billing.ConsultationOrigin(t.ID),
				Items: []billing.InvoiceItem{{
					Description: fmt.Sprintf("Consultation fee (%s)", t.AssignedDepartment),
					Quantity:    1,
					UnitPrice:   fee,
				}},
				Notes: "Consultation charge from triage: " + t.TriageNumber,
			})
			if err != nil {
				return err
			}
			res.Invoice = inv
			t.InvoiceID = &inv.ID
		} else {
			if _, _, err := s.queue.CreateIfAbsent(ctx, queue.NewEntry{
				PatientID:      t.PatientID,
				ServicePoint:   queue.Consultation,
				Department:     t.AssignedDepartment,
				Priority:       queue.PriorityFromCategory(string(t.Category)),
				ProvenanceNote: "Consultation from triage: " + t.TriageNumber,
			}); err != nil {
				return err
			}
		}
		return s.repo.LinkTriage(ctx, t)
	})
	if err != nil {
		return nil, err
	}
	log.Ctx(ctx).Info().
		Str("triage", t.TriageNumber).
		Str("category", string(t.Category)).
		Msg("triage recorded")
	return res, nil
}

func (s *Service) GetTriage(ctx context.Context, id uuid.UUID) (*TriageAssessment, error) {
	return s.repo.GetTriage(ctx, id)
}

// PrescriptionResult is the prescription and its drug invoice.
type PrescriptionResult struct {
	Prescription *Prescription   `json:"prescription"`
	Invoice      *billing.Invoice `json:"invoice,omitempty"`
}

// Prescribe records a prescription and bills its drugs. A prescription with
// nothing to charge goes straight to the pharmacy queue.
func (s *Service) Prescribe(ctx context.Context, req NewPrescription) (*PrescriptionResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	day := s.seq.Today()
	p := &Prescription{
		ID:             uuid.New(),
		PatientID:      req.PatientID,
		Prescriber:     auth.UserIDFromContext(ctx),
		Notes:          req.Notes,
		PrescribedDate: day,
		CreatedAt:      now(),
		Items:          req.Items,
	}
	for i := range p.Items {
		p.Items[i].ID = uuid.New()
		p.Items[i].PrescriptionID = p.ID
	}
	res := &PrescriptionResult{Prescription: p}

	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		_, err := s.seq.AllocateAndInsert(ctx, sequence.ScopePrescription, day,
			func(ctx context.Context, number string) error {
				p.PrescriptionNumber = number
				return s.repo.InsertPrescription(ctx, p)
			})
		if err != nil {
			return err
		}

		if p.Total() <= 0 {
			_, _, err := s.queue.CreateIfAbsent(ctx, queue.NewEntry{
				PatientID:      p.PatientID,
				ServicePoint:   queue.Pharmacy,
				Priority:       queue.Normal,
				ProvenanceNote: "Prescription: " + p.PrescriptionNumber,
			})
			return err
		}

		items := make([]billing.InvoiceItem, 0, len(p.Items))
		for _, it := range p.Items {
			desc := it.DrugName
			if it.Dosage != "" {
				desc += " " + it.Dosage
			}
			items = append(items, billing.InvoiceItem{Description: desc, Quantity: it.Quantity, UnitPrice: it.UnitPrice})
		}
		inv, err := s.billing.CreateInvoice(ctx, billing.NewInvoice{
			PatientID: p.PatientID,
			Origin:    billing.PrescriptionOrigin(p.ID),
			Items:     items,
			Notes:     "Prescription: " + p.PrescriptionNumber,
		})
		if err != nil {
			return err
		}
		res.Invoice = inv
		p.InvoiceID = &inv.ID
		return s.repo.LinkPrescriptionInvoice(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Service) GetPrescription(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	return s.repo.GetPrescription(ctx, id)
}
