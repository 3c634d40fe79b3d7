package clinical

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	InsertTriage(ctx context.Context, t *TriageAssessment) error
	// LinkTriage stores the queue entry and invoice raised by an assessment.
	LinkTriage(ctx context.Context, t *TriageAssessment) error
	GetTriage(ctx context.Context, id uuid.UUID) (*TriageAssessment, error)

	InsertPrescription(ctx context.Context, p *Prescription) error
	LinkPrescriptionInvoice(ctx context.Context, p *Prescription) error
	GetPrescription(ctx context.Context, id uuid.UUID) (*Prescription, error)
}
