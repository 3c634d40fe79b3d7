package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ehr/patientflow/internal/domain/sequence"
	"github.com/ehr/patientflow/internal/platform/apperror"
	"github.com/ehr/patientflow/internal/platform/auth"
	"github.com/ehr/patientflow/internal/platform/db"
	"github.com/ehr/patientflow/internal/platform/telemetry"
	"github.com/ehr/patientflow/pkg/pagination"
)

// SettlementHook is told, inside the settling transaction, that an invoice
// has just become paid or waived. An error aborts the settlement, so hooks
// only record work to do and leave the doing until after commit.
type SettlementHook interface {
	Settled(ctx context.Context, inv *Invoice) error
}

type Service struct {
	repo Repository
	tx   db.TxRunner
	seq  *sequence.Sequencer
	hook SettlementHook
}

func NewService(repo Repository, tx db.TxRunner, seq *sequence.Sequencer) *Service {
	return &Service{repo: repo, tx: tx, seq: seq}
}

// SetSettlementHook installs the hook run when an invoice settles.
func (s *Service) SetSettlementHook(h SettlementHook) {
	s.hook = h
}

func now() time.Time {
	return time.Now().UTC()
}

// -- Invoices --

// CreateInvoice bills a patient. Called inside a clinical transaction it
// joins that transaction, so the invoice commits or rolls back with the
// record that raised it.
func (s *Service) CreateInvoice(ctx context.Context, req NewInvoice) (*Invoice, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	ts := now()
	inv := &Invoice{
		ID:          uuid.New(),
		PatientID:   req.PatientID,
		Origin:      req.Origin,
		TotalAmount: req.TotalAmount,
		Balance:     req.TotalAmount,
		Status:      InvoicePending,
		Notes:       req.Notes,
		CreatedBy:   auth.UserIDFromContext(ctx),
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}
	for i := range req.Items {
		req.Items[i].ID = uuid.New()
		req.Items[i].InvoiceID = inv.ID
	}
	inv.Items = req.Items

	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		_, err := s.seq.AllocateAndInsert(ctx, sequence.ScopeInvoice, s.seq.Today(),
			func(ctx context.Context, number string) error {
				inv.InvoiceNumber = number
				return s.repo.InsertInvoice(ctx, inv)
			})
		if err != nil {
			return err
		}
		return s.repo.InsertItems(ctx, inv.Items)
	})
	if err != nil {
		return nil, err
	}
	return inv, nil
}

func (s *Service) GetInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	return s.repo.GetInvoice(ctx, id)
}

func (s *Service) ListInvoices(ctx context.Context, f InvoiceFilter, p pagination.Params) ([]*Invoice, int, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, apperror.Validation("invalid status %q", f.Status)
	}
	return s.repo.ListInvoices(ctx, f, p)
}

func (s *Service) ListPayments(ctx context.Context, invoiceID uuid.UUID) ([]*Payment, error) {
	if _, err := s.repo.GetInvoice(ctx, invoiceID); err != nil {
		return nil, err
	}
	return s.repo.ListPayments(ctx, invoiceID)
}

// CancelInvoice voids an invoice nobody has paid or waived anything on.
func (s *Service) CancelInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	var inv *Invoice
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		inv, err = s.repo.GetInvoiceForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if inv.Status == InvoiceCancelled {
			return apperror.Conflict("invoice %s is already cancelled", inv.InvoiceNumber)
		}
		if inv.PaidAmount > 0 || inv.WaivedAmount > 0 {
			return apperror.Conflict("invoice %s has payments or waivers and cannot be cancelled", inv.InvoiceNumber)
		}
		pending, err := s.repo.HasPendingWaiver(ctx, id)
		if err != nil {
			return err
		}
		if pending {
			return apperror.Conflict("invoice %s has a pending waiver", inv.InvoiceNumber)
		}
		inv.Status = DeriveStatus(inv.TotalAmount, inv.PaidAmount, inv.WaivedAmount, true)
		inv.UpdatedAt = now()
		return s.repo.UpdateInvoiceAmounts(ctx, inv)
	})
	if err != nil {
		return nil, err
	}
	return inv, nil
}

// RecordPayment takes money against an invoice. The payment that settles
// the invoice also schedules the patient's next step.
func (s *Service) RecordPayment(ctx context.Context, invoiceID uuid.UUID, req PaymentRequest) (*Invoice, *Payment, error) {
	if err := req.validate(); err != nil {
		return nil, nil, err
	}
	ctx, span := telemetry.StartSpan(ctx, "billing.record_payment",
		attribute.String("invoice.id", invoiceID.String()))
	var err error
	defer func() { telemetry.EndSpan(span, err) }()

	var (
		inv *Invoice
		pay *Payment
	)
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		inv, err = s.repo.GetInvoiceForUpdate(ctx, invoiceID)
		if err != nil {
			return err
		}
		applied, err := inv.credit(req.Amount, false)
		if err != nil {
			return err
		}
		ts := now()
		inv.UpdatedAt = ts
		if err := s.repo.UpdateInvoiceAmounts(ctx, inv); err != nil {
			return err
		}
		id := inv.ID
		pay = &Payment{
			ID:         uuid.New(),
			InvoiceID:  &id,
			Amount:     applied,
			Method:     req.Method,
			Reference:  req.Reference,
			ReceivedBy: auth.UserIDFromContext(ctx),
			CreatedAt:  ts,
		}
		if err := s.repo.InsertPayment(ctx, pay); err != nil {
			return err
		}
		return s.settled(ctx, inv)
	})
	if err != nil {
		return nil, nil, err
	}
	span.SetAttributes(attribute.String("invoice.status", string(inv.Status)))
	return inv, pay, nil
}

func (s *Service) settled(ctx context.Context, inv *Invoice) error {
	if !inv.Status.Settled() {
		return nil
	}
	log.Ctx(ctx).Info().
		Str("invoice", inv.InvoiceNumber).
		Str("origin", string(inv.Origin.Kind)).
		Msg("invoice settled")
	if s.hook == nil {
		return nil
	}
	return s.hook.Settled(ctx, inv)
}

// -- Waivers --

// RequestWaiver files a waiver for review. The invoice balance is left
// alone until the waiver is approved.
func (s *Service) RequestWaiver(ctx context.Context, req WaiverRequest) (*Waiver, error) {
	if req.InvoiceID == uuid.Nil {
		return nil, apperror.Validation("invoice_id is required")
	}
	if req.Reason == "" {
		return nil, apperror.Validation("reason is required")
	}
	amount := round2(req.WaivedAmount)
	if amount <= 0 {
		return nil, apperror.Validation("waived_amount must be greater than zero")
	}

	var w *Waiver
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		inv, err := s.repo.GetInvoiceForUpdate(ctx, req.InvoiceID)
		if err != nil {
			return err
		}
		if !inv.Status.Open() {
			return apperror.Conflict("invoice %s is %s", inv.InvoiceNumber, inv.Status)
		}
		if amount > inv.Balance+Epsilon {
			return apperror.Conflict("waived amount %.2f exceeds outstanding balance %.2f", amount, inv.Balance)
		}
		pending, err := s.repo.HasPendingWaiver(ctx, inv.ID)
		if err != nil {
			return err
		}
		if pending {
			return apperror.Conflict("invoice %s already has a pending waiver", inv.InvoiceNumber)
		}

		w = &Waiver{
			ID:           uuid.New(),
			InvoiceID:    inv.ID,
			WaivedAmount: amount,
			Reason:       req.Reason,
			Status:       WaiverPending,
			RequestedBy:  auth.UserIDFromContext(ctx),
			CreatedAt:    now(),
		}
		_, err = s.seq.AllocateAndInsert(ctx, sequence.ScopeWaiver, s.seq.Today(),
			func(ctx context.Context, number string) error {
				w.WaiverNumber = number
				return s.repo.InsertWaiver(ctx, w)
			})
		return err
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

// review locks the waiver's invoice and then the waiver, the same order
// RequestWaiver takes them in.
func (s *Service) review(ctx context.Context, waiverID uuid.UUID, fn func(ctx context.Context, w *Waiver, inv *Invoice) error) error {
	return s.tx.InTx(ctx, func(ctx context.Context) error {
		peek, err := s.repo.GetWaiver(ctx, waiverID)
		if err != nil {
			return err
		}
		inv, err := s.repo.GetInvoiceForUpdate(ctx, peek.InvoiceID)
		if err != nil {
			return err
		}
		w, err := s.repo.GetWaiverForUpdate(ctx, waiverID)
		if err != nil {
			return err
		}
		if w.Status != WaiverPending {
			return apperror.Conflict("waiver %s is already %s", w.WaiverNumber, w.Status)
		}
		reviewer := auth.UserIDFromContext(ctx)
		ts := now()
		w.ReviewedBy = &reviewer
		w.ReviewedAt = &ts
		return fn(ctx, w, inv)
	})
}

// ApproveWaiver forgives the waived amount. A waiver that settles the
// invoice unblocks the patient exactly as a payment would.
func (s *Service) ApproveWaiver(ctx context.Context, waiverID uuid.UUID) (*Waiver, *Invoice, error) {
	ctx, span := telemetry.StartSpan(ctx, "billing.approve_waiver",
		attribute.String("waiver.id", waiverID.String()))
	var err error
	defer func() { telemetry.EndSpan(span, err) }()

	var (
		waiver  *Waiver
		invoice *Invoice
	)
	err = s.review(ctx, waiverID, func(ctx context.Context, w *Waiver, inv *Invoice) error {
		applied, err := inv.credit(w.WaivedAmount, true)
		if err != nil {
			return err
		}
		w.WaivedAmount = applied
		w.Status = WaiverApproved
		inv.UpdatedAt = now()
		if err := s.repo.UpdateWaiver(ctx, w); err != nil {
			return err
		}
		if err := s.repo.UpdateInvoiceAmounts(ctx, inv); err != nil {
			return err
		}
		waiver, invoice = w, inv
		return s.settled(ctx, inv)
	})
	if err != nil {
		return nil, nil, err
	}
	return waiver, invoice, nil
}

// RejectWaiver closes a pending waiver. The balance was never touched on
// request, so there is nothing to restore.
func (s *Service) RejectWaiver(ctx context.Context, waiverID uuid.UUID, reason string) (*Waiver, error) {
	if reason == "" {
		return nil, apperror.Validation("rejection reason is required")
	}
	var waiver *Waiver
	err := s.review(ctx, waiverID, func(ctx context.Context, w *Waiver, _ *Invoice) error {
		w.Status = WaiverRejected
		w.RejectionReason = &reason
		waiver = w
		return s.repo.UpdateWaiver(ctx, w)
	})
	if err != nil {
		return nil, err
	}
	return waiver, nil
}

func (s *Service) GetWaiver(ctx context.Context, id uuid.UUID) (*Waiver, error) {
	return s.repo.GetWaiver(ctx, id)
}

func (s *Service) ListWaivers(ctx context.Context, f WaiverFilter, p pagination.Params) ([]*Waiver, int, error) {
	return s.repo.ListWaivers(ctx, f, p)
}

// -- Payables --

func (s *Service) CreatePayable(ctx context.Context, req NewPayable) (*Payable, error) {
	if req.VendorName == "" {
		return nil, apperror.Validation("vendor_name is required")
	}
	total := round2(req.TotalAmount)
	if total <= 0 {
		return nil, apperror.Validation("total_amount must be greater than zero")
	}
	ts := now()
	p := &Payable{
		ID:          uuid.New(),
		VendorName:  req.VendorName,
		Description: req.Description,
		TotalAmount: total,
		Balance:     total,
		Status:      PayablePending,
		CreatedBy:   auth.UserIDFromContext(ctx),
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		_, err := s.seq.AllocateAndInsert(ctx, sequence.ScopePayable, s.seq.Today(),
			func(ctx context.Context, number string) error {
				p.PayableNumber = number
				return s.repo.InsertPayable(ctx, p)
			})
		return err
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// RecordPayablePayment pays a vendor bill. Same arithmetic as invoices, no
// progression.
func (s *Service) RecordPayablePayment(ctx context.Context, payableID uuid.UUID, req PaymentRequest) (*Payable, *Payment, error) {
	if err := req.validate(); err != nil {
		return nil, nil, err
	}
	var (
		payable *Payable
		pay     *Payment
	)
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		payable, err = s.repo.GetPayableForUpdate(ctx, payableID)
		if err != nil {
			return err
		}
		applied, err := payable.credit(req.Amount)
		if err != nil {
			return err
		}
		ts := now()
		payable.UpdatedAt = ts
		if err := s.repo.UpdatePayableAmounts(ctx, payable); err != nil {
			return err
		}
		id := payable.ID
		pay = &Payment{
			ID:         uuid.New(),
			PayableID:  &id,
			Amount:     applied,
			Method:     req.Method,
			Reference:  req.Reference,
			ReceivedBy: auth.UserIDFromContext(ctx),
			CreatedAt:  ts,
		}
		return s.repo.InsertPayment(ctx, pay)
	})
	if err != nil {
		return nil, nil, err
	}
	return payable, pay, nil
}

func (s *Service) GetPayable(ctx context.Context, id uuid.UUID) (*Payable, error) {
	return s.repo.GetPayable(ctx, id)
}

func (s *Service) ListPayables(ctx context.Context, p pagination.Params) ([]*Payable, int, error) {
	return s.repo.ListPayables(ctx, p)
}

func (s *Service) ListPayablePayments(ctx context.Context, id uuid.UUID) ([]*Payment, error) {
	if _, err := s.repo.GetPayable(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListPayablePayments(ctx, id)
}
