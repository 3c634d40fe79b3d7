package billing

import (
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/patientflow/internal/platform/apperror"
)

// Epsilon absorbs rounding when comparing money amounts.
const Epsilon = 0.01

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// OriginKind says which clinical event raised an invoice.
type OriginKind string

const (
	OriginRegistration OriginKind = "registration"
	OriginConsultation OriginKind = "consultation"
	OriginPrescription OriginKind = "prescription"
	OriginOther        OriginKind = "other"
)

// Origin links an invoice to the record that raised it. RefID is the triage
// assessment for consultations and the prescription for drug charges.
type Origin struct {
	Kind  OriginKind `json:"kind"`
	RefID *uuid.UUID `json:"ref_id,omitempty"`
}

func RegistrationOrigin() Origin { return Origin{Kind: OriginRegistration} }

func ConsultationOrigin(triageID uuid.UUID) Origin {
	return Origin{Kind: OriginConsultation, RefID: &triageID}
}

func PrescriptionOrigin(prescriptionID uuid.UUID) Origin {
	return Origin{Kind: OriginPrescription, RefID: &prescriptionID}
}

func OtherOrigin() Origin { return Origin{Kind: OriginOther} }

func (o Origin) Validate() error {
	switch o.Kind {
	case OriginRegistration, OriginOther:
		return nil
	case OriginConsultation, OriginPrescription:
		if o.RefID == nil || *o.RefID == uuid.Nil {
			return apperror.Validation("%s origin requires ref_id", o.Kind)
		}
		return nil
	}
	return apperror.Validation("invalid origin kind %q", o.Kind)
}

type InvoiceStatus string

const (
	InvoicePending   InvoiceStatus = "pending"
	InvoicePartial   InvoiceStatus = "partial"
	InvoicePaid      InvoiceStatus = "paid"
	InvoiceWaived    InvoiceStatus = "waived"
	InvoiceCancelled InvoiceStatus = "cancelled"
)

// Settled reports whether the invoice no longer blocks the patient.
func (s InvoiceStatus) Settled() bool {
	return s == InvoicePaid || s == InvoiceWaived
}

// Open reports whether the invoice still accepts payments and waivers.
func (s InvoiceStatus) Open() bool {
	return s == InvoicePending || s == InvoicePartial
}

func (s InvoiceStatus) Valid() bool {
	switch s {
	case InvoicePending, InvoicePartial, InvoicePaid, InvoiceWaived, InvoiceCancelled:
		return true
	}
	return false
}

// DeriveStatus is the only place an invoice status is computed.
func DeriveStatus(total, paid, waived float64, cancelled bool) InvoiceStatus {
	balance := total - paid - waived
	switch {
	case cancelled:
		return InvoiceCancelled
	case balance <= Epsilon:
		return InvoicePaid
	case paid+waived > Epsilon:
		return InvoicePartial
	default:
		return InvoicePending
	}
}

type Invoice struct {
	ID            uuid.UUID     `db:"id" json:"id"`
	InvoiceNumber string        `db:"invoice_number" json:"invoice_number"`
	PatientID     uuid.UUID     `db:"patient_id" json:"patient_id"`
	Origin        Origin        `json:"origin"`
	TotalAmount   float64       `db:"total_amount" json:"total_amount"`
	PaidAmount    float64       `db:"paid_amount" json:"paid_amount"`
	WaivedAmount  float64       `db:"waived_amount" json:"waived_amount"`
	Balance       float64       `db:"balance" json:"balance"`
	Status        InvoiceStatus `db:"status" json:"status"`
	Notes         string        `db:"notes" json:"notes"`
	CreatedBy     string        `db:"created_by" json:"created_by"`
	CreatedAt     time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time     `db:"updated_at" json:"updated_at"`
	Items         []InvoiceItem `json:"items,omitempty"`
}

// credit applies a payment or an approved waiver. An amount up to Epsilon
// above the balance is accepted and trimmed to the balance.
func (inv *Invoice) credit(amount float64, waiver bool) (float64, error) {
	if !inv.Status.Open() {
		return 0, apperror.Conflict("invoice %s is %s", inv.InvoiceNumber, inv.Status)
	}
	target := &inv.PaidAmount
	if waiver {
		target = &inv.WaivedAmount
	}
	applied, err := creditLedger(inv.TotalAmount, target, &inv.Balance, inv.PaidAmount+inv.WaivedAmount, amount)
	if err != nil {
		return 0, err
	}
	inv.Status = DeriveStatus(inv.TotalAmount, inv.PaidAmount, inv.WaivedAmount, false)
	return applied, nil
}

// creditLedger moves amount from balance into *credited. settled is the sum
// already credited before this call.
func creditLedger(total float64, credited, balance *float64, settled, amount float64) (float64, error) {
	amount = round2(amount)
	if amount <= 0 {
		return 0, apperror.Validation("amount must be greater than zero")
	}
	if amount > *balance+Epsilon {
		return 0, apperror.Conflict("amount %.2f exceeds outstanding balance %.2f", amount, *balance)
	}
	if amount > *balance {
		amount = *balance
	}
	*credited = round2(*credited + amount)
	*balance = round2(total - settled - amount)
	if *balance < 0 {
		*balance = 0
	}
	return amount, nil
}

type InvoiceItem struct {
	ID          uuid.UUID `db:"id" json:"id"`
	InvoiceID   uuid.UUID `db:"invoice_id" json:"invoice_id"`
	Description string    `db:"description" json:"description"`
	Quantity    int       `db:"quantity" json:"quantity"`
	UnitPrice   float64   `db:"unit_price" json:"unit_price"`
	Amount      float64   `db:"amount" json:"amount"`
}

// NewInvoice is a request to bill a patient. Without items a single line of
// TotalAmount is billed.
type NewInvoice struct {
	PatientID   uuid.UUID     `json:"patient_id"`
	Origin      Origin        `json:"origin"`
	Items       []InvoiceItem `json:"items"`
	TotalAmount float64       `json:"total_amount"`
	Notes       string        `json:"notes"`
}

func (n *NewInvoice) validate() error {
	if n.PatientID == uuid.Nil {
		return apperror.Validation("patient_id is required")
	}
	if n.Origin.Kind == "" {
		n.Origin = OtherOrigin()
	}
	if err := n.Origin.Validate(); err != nil {
		return err
	}
	if len(n.Items) == 0 {
		if n.TotalAmount <= 0 {
			return apperror.Validation("total_amount or items are required")
		}
		n.Items = []InvoiceItem{{Description: string(n.Origin.Kind) + " charge", Quantity: 1, UnitPrice: n.TotalAmount}}
	}
	total := 0.0
	for i := range n.Items {
		it := &n.Items[i]
		if it.Description == "" {
			return apperror.Validation("item %d: description is required", i+1)
		}
		if it.Quantity <= 0 {
			return apperror.Validation("item %d: quantity must be positive", i+1)
		}
		if it.UnitPrice < 0 {
			return apperror.Validation("item %d: unit_price must not be negative", i+1)
		}
		it.Amount = round2(float64(it.Quantity) * it.UnitPrice)
		total += it.Amount
	}
	n.TotalAmount = round2(total)
	if n.TotalAmount <= 0 {
		return apperror.Validation("invoice total must be greater than zero")
	}
	return nil
}

type InvoiceFilter struct {
	PatientID  uuid.UUID
	Status     InvoiceStatus
	OriginKind OriginKind
}

type PaymentMethod string

const (
	MethodCash         PaymentMethod = "cash"
	MethodCard         PaymentMethod = "card"
	MethodMobileMoney  PaymentMethod = "mobile_money"
	MethodBankTransfer PaymentMethod = "bank_transfer"
	MethodInsurance    PaymentMethod = "insurance"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodCash, MethodCard, MethodMobileMoney, MethodBankTransfer, MethodInsurance:
		return true
	}
	return false
}

// Payment is money received against an invoice or paid out on a payable.
type Payment struct {
	ID         uuid.UUID     `db:"id" json:"id"`
	InvoiceID  *uuid.UUID    `db:"invoice_id" json:"invoice_id,omitempty"`
	PayableID  *uuid.UUID    `db:"payable_id" json:"payable_id,omitempty"`
	Amount     float64       `db:"amount" json:"amount"`
	Method     PaymentMethod `db:"method" json:"method"`
	Reference  string        `db:"reference" json:"reference"`
	ReceivedBy string        `db:"received_by" json:"received_by"`
	CreatedAt  time.Time     `db:"created_at" json:"created_at"`
}

type PaymentRequest struct {
	Amount    float64       `json:"amount"`
	Method    PaymentMethod `json:"method"`
	Reference string        `json:"reference"`
}

func (r *PaymentRequest) validate() error {
	if r.Amount <= 0 {
		return apperror.Validation("amount must be greater than zero")
	}
	if r.Method == "" {
		r.Method = MethodCash
	}
	if !r.Method.Valid() {
		return apperror.Validation("invalid payment method %q", r.Method)
	}
	return nil
}

type WaiverStatus string

const (
	WaiverPending  WaiverStatus = "pending"
	WaiverApproved WaiverStatus = "approved"
	WaiverRejected WaiverStatus = "rejected"
)

type Waiver struct {
	ID              uuid.UUID    `db:"id" json:"id"`
	WaiverNumber    string       `db:"waiver_number" json:"waiver_number"`
	InvoiceID       uuid.UUID    `db:"invoice_id" json:"invoice_id"`
	WaivedAmount    float64      `db:"waived_amount" json:"waived_amount"`
	Reason          string       `db:"reason" json:"reason"`
	Status          WaiverStatus `db:"status" json:"status"`
	RequestedBy     string       `db:"requested_by" json:"requested_by"`
	ReviewedBy      *string      `db:"reviewed_by" json:"reviewed_by,omitempty"`
	ReviewedAt      *time.Time   `db:"reviewed_at" json:"reviewed_at,omitempty"`
	RejectionReason *string      `db:"rejection_reason" json:"rejection_reason,omitempty"`
	CreatedAt       time.Time    `db:"created_at" json:"created_at"`
}

type WaiverRequest struct {
	InvoiceID    uuid.UUID `json:"invoice_id"`
	WaivedAmount float64   `json:"waived_amount"`
	Reason       string    `json:"reason"`
}

type WaiverFilter struct {
	InvoiceID uuid.UUID
	Status    WaiverStatus
}

type PayableStatus string

const (
	PayablePending PayableStatus = "pending"
	PayablePartial PayableStatus = "partial"
	PayablePaid    PayableStatus = "paid"
)

// Payable is a vendor bill. It shares the payment arithmetic of invoices but
// never moves a patient along.
type Payable struct {
	ID            uuid.UUID     `db:"id" json:"id"`
	PayableNumber string        `db:"payable_number" json:"payable_number"`
	VendorName    string        `db:"vendor_name" json:"vendor_name"`
	Description   string        `db:"description" json:"description"`
	TotalAmount   float64       `db:"total_amount" json:"total_amount"`
	PaidAmount    float64       `db:"paid_amount" json:"paid_amount"`
	Balance       float64       `db:"balance" json:"balance"`
	Status        PayableStatus `db:"status" json:"status"`
	CreatedBy     string        `db:"created_by" json:"created_by"`
	CreatedAt     time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time     `db:"updated_at" json:"updated_at"`
}

func (p *Payable) credit(amount float64) (float64, error) {
	if p.Status == PayablePaid {
		return 0, apperror.Conflict("payable %s is already paid", p.PayableNumber)
	}
	applied, err := creditLedger(p.TotalAmount, &p.PaidAmount, &p.Balance, p.PaidAmount, amount)
	if err != nil {
		return 0, err
	}
	switch DeriveStatus(p.TotalAmount, p.PaidAmount, 0, false) {
	case InvoicePaid:
		p.Status = PayablePaid
	case InvoicePartial:
		p.Status = PayablePartial
	default:
		p.Status = PayablePending
	}
	return applied, nil
}

type NewPayable struct {
	VendorName  string  `json:"vendor_name"`
	Description string  `json:"description"`
	TotalAmount float64 `json:"total_amount"`
}
