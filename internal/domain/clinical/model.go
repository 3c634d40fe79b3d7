package clinical

import (
	"time"

	"github.com/google/uuid"

	"github.com/ehr/patientflow/internal/platform/apperror"
)

// Category is the triage acuity colour.
type Category string

const (
	Red    Category = "red"
	Yellow Category = "yellow"
	Green  Category = "green"
)

func (c Category) Valid() bool {
	return c == Red || c == Yellow || c == Green
}

// Vitals are stored as a JSONB document on the assessment.
type Vitals struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	PulseRate        *int     `json:"pulse_rate,omitempty"`
	RespiratoryRate  *int     `json:"respiratory_rate,omitempty"`
	SystolicBP       *int     `json:"systolic_bp,omitempty"`
	DiastolicBP      *int     `json:"diastolic_bp,omitempty"`
	OxygenSaturation *float64 `json:"oxygen_saturation,omitempty"`
	WeightKg         *float64 `json:"weight_kg,omitempty"`
}

type TriageAssessment struct {
	ID                 uuid.UUID  `db:"id" json:"id"`
	TriageNumber       string     `db:"triage_number" json:"triage_number"`
	PatientID          uuid.UUID  `db:"patient_id" json:"patient_id"`
	Category           Category   `db:"category" json:"category"`
	ChiefComplaint     string     `db:"chief_complaint" json:"chief_complaint"`
	Vitals             Vitals     `db:"vitals" json:"vitals"`
	AssignedDepartment string     `db:"assigned_department" json:"assigned_department"`
	QueueEntryID       *uuid.UUID `db:"queue_entry_id" json:"queue_entry_id,omitempty"`
	InvoiceID          *uuid.UUID `db:"invoice_id" json:"invoice_id,omitempty"`
	CreatedBy          string     `db:"created_by" json:"created_by"`
	CreatedAt          time.Time  `db:"created_at" json:"created_at"`
	TriageDate         time.Time  `db:"triage_date" json:"triage_date"`
}

// NewTriage records an assessment. ConsultationFee overrides the configured
// fee; zero means no consultation invoice is raised.
type NewTriage struct {
	PatientID          uuid.UUID `json:"patient_id"`
	Category           Category  `json:"category"`
	ChiefComplaint     string    `json:"chief_complaint"`
	Vitals             Vitals    `json:"vitals"`
	AssignedDepartment string    `json:"assigned_department"`
	ConsultationFee    *float64  `json:"consultation_fee,omitempty"`
}

func (n *NewTriage) validate() error {
	if n.PatientID == uuid.Nil {
		return apperror.Validation("patient_id is required")
	}
	if !n.Category.Valid() {
		return apperror.Validation("category must be one of red, yellow, green")
	}
	if n.AssignedDepartment == "" {
		n.AssignedDepartment = "general"
	}
	if n.ConsultationFee != nil && *n.ConsultationFee < 0 {
		return apperror.Validation("consultation_fee must not be negative")
	}
	return nil
}

type Prescription struct {
	ID                 uuid.UUID          `db:"id" json:"id"`
	PrescriptionNumber string             `db:"prescription_number" json:"prescription_number"`
	PatientID          uuid.UUID          `db:"patient_id" json:"patient_id"`
	Prescriber         string             `db:"prescriber" json:"prescriber"`
	Notes              string             `db:"notes" json:"notes"`
	InvoiceID          *uuid.UUID         `db:"invoice_id" json:"invoice_id,omitempty"`
	PrescribedDate     time.Time          `db:"prescribed_date" json:"prescribed_date"`
	CreatedAt          time.Time          `db:"created_at" json:"created_at"`
	Items              []PrescriptionItem `json:"items"`
}

type PrescriptionItem struct {
	ID             uuid.UUID `db:"id" json:"id"`
	PrescriptionID uuid.UUID `db:"prescription_id" json:"prescription_id"`
	DrugName       string    `db:"drug_name" json:"drug_name"`
	Dosage         string    `db:"dosage" json:"dosage"`
	Quantity       int       `db:"quantity" json:"quantity"`
	UnitPrice      float64   `db:"unit_price" json:"unit_price"`
}

// Total is the drug charge of the prescription.
func (p *Prescription) Total() float64 {
	total := 0.0
	for _, it := range p.Items {
		total += float64(it.Quantity) * it.UnitPrice
	}
	return total
}

type NewPrescription struct {
	PatientID uuid.UUID          `json:"patient_id"`
	Notes     string             `json:"notes"`
	Items     []PrescriptionItem `json:"items"`
}

func (n *NewPrescription) validate() error {
	if n.PatientID == uuid.Nil {
		return apperror.Validation("patient_id is required")
	}
	if len(n.Items) == 0 {
		return apperror.Validation("at least one item is required")
	}
	for i, it := range n.Items {
		if it.DrugName == "" {
			return apperror.Validation("item %d: drug_name is required", i+1)
		}
		if it.Quantity <= 0 {
			return apperror.Validation("item %d: quantity must be positive", i+1)
		}
		if it.UnitPrice < 0 {
			return apperror.Validation("item %d: unit_price must not be negative", i+1)
		}
	}
	return nil
}

// NewRegistration bills the registration fee. Settling that invoice sends
// the patient to the triage queue.
type NewRegistration struct {
	PatientID uuid.UUID `json:"patient_id"`
	Fee       float64   `json:"fee"`
	Notes     string    `json:"notes"`
}

func (n *NewRegistration) validate() error {
	if n.PatientID == uuid.Nil {
		return apperror.Validation("patient_id is required")
	}
	if n.Fee <= 0 {
		return apperror.Validation("fee must be greater than zero")
	}
	return nil
}
