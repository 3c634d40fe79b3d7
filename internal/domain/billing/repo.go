package billing

import (
	"context"

	"github.com/google/uuid"

	"github.com/ehr/patientflow/pkg/pagination"
)

type InvoiceRepository interface {
	InsertInvoice(ctx context.Context, inv *Invoice) error
	InsertItems(ctx context.Context, items []InvoiceItem) error
	GetInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error)
	GetInvoiceForUpdate(ctx context.Context, id uuid.UUID) (*Invoice, error)
	UpdateInvoiceAmounts(ctx context.Context, inv *Invoice) error
	ListInvoices(ctx context.Context, f InvoiceFilter, p pagination.Params) ([]*Invoice, int, error)
}

type PaymentRepository interface {
	InsertPayment(ctx context.Context, p *Payment) error
	ListPayments(ctx context.Context, invoiceID uuid.UUID) ([]*Payment, error)
	ListPayablePayments(ctx context.Context, payableID uuid.UUID) ([]*Payment, error)
}

type WaiverRepository interface {
	InsertWaiver(ctx context.Context, w *Waiver) error
	GetWaiver(ctx context.Context, id uuid.UUID) (*Waiver, error)
	GetWaiverForUpdate(ctx context.Context, id uuid.UUID) (*Waiver, error)
	UpdateWaiver(ctx context.Context, w *Waiver) error
	HasPendingWaiver(ctx context.Context, invoiceID uuid.UUID) (bool, error)
	ListWaivers(ctx context.Context, f WaiverFilter, p pagination.Params) ([]*Waiver, int, error)
}

type PayableRepository interface {
	InsertPayable(ctx context.Context, p *Payable) error
	GetPayable(ctx context.Context, id uuid.UUID) (*Payable, error)
	GetPayableForUpdate(ctx context.Context, id uuid.UUID) (*Payable, error)
	UpdatePayableAmounts(ctx context.Context, p *Payable) error
	ListPayables(ctx context.Context, p pagination.Params) ([]*Payable, int, error)
}

// Repository is the full billing store.
type Repository interface {
	InvoiceRepository
	PaymentRepository
	WaiverRepository
	PayableRepository
}
