package clinical

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/patientflow/internal/platform/apperror"
	"github.com/ehr/patientflow/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.From(ctx, r.pool)
}

// -- Triage --

const triageCols = `id, triage_number, patient_id, category, chief_complaint, vitals,
	assigned_department, queue_entry_id, invoice_id, created_by, created_at, triage_date`

func (r *repoPG) InsertTriage(ctx context.Context, t *TriageAssessment) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO triage_assessment (id, triage_number, patient_id, category, chief_complaint,
			vitals, assigned_department, created_by, created_at, triage_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		t.ID, t.TriageNumber, t.PatientID, t.Category, t.ChiefComplaint,
		t.Vitals, t.AssignedDepartment, t.CreatedBy, t.CreatedAt, t.TriageDate)
	return apperror.FromDB(err, "triage assessment")
}

func (r *repoPG) LinkTriage(ctx context.Context, t *TriageAssessment) error {
	_, err := r.conn(ctx).Exec(ctx,
		`UPDATE triage_assessment SET queue_entry_id = $2, invoice_id = $3 WHERE id = $1`,
		t.ID, t.QueueEntryID, t.InvoiceID)
	return apperror.FromDB(err, "triage assessment")
}

func (r *repoPG) GetTriage(ctx context.Context, id uuid.UUID) (*TriageAssessment, error) {
	var t TriageAssessment
	err := r.conn(ctx).QueryRow(ctx, `SELECT `+triageCols+` FROM triage_assessment WHERE id = $1`, id).
		Scan(&t.ID, &t.TriageNumber, &t.PatientID, &t.Category, &t.ChiefComplaint, &t.Vitals,
			&t.AssignedDepartment, &t.QueueEntryID, &t.InvoiceID, &t.CreatedBy, &t.CreatedAt, &t.TriageDate)
	if err != nil {
		return nil, apperror.FromDB(err, "triage assessment")
	}
	return &t, nil
}

// -- Prescriptions --

func (r *repoPG) InsertPrescription(ctx context.Context, p *Prescription) error {
	tx := db.TxFromContext(ctx)
	if tx == nil {
		return apperror.Internal("prescriptions must be written in a transaction", nil)
	}
	batch := &pgx.Batch{}
	batch.Queue(`
		INSERT INTO prescription (id, prescription_number, patient_id, prescriber, notes,
			prescribed_date, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.ID, p.PrescriptionNumber, p.PatientID, p.Prescriber, p.Notes, p.PrescribedDate, p.CreatedAt)
	for _, it := range p.Items {
		batch.Queue(`
			INSERT INTO prescription_item (id, prescription_id, drug_name, dosage, quantity, unit_price)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			it.ID, it.PrescriptionID, it.DrugName, it.Dosage, it.Quantity, it.UnitPrice)
	}
	return apperror.FromDB(tx.SendBatch(ctx, batch).Close(), "prescription")
}

func (r *repoPG) LinkPrescriptionInvoice(ctx context.Context, p *Prescription) error {
	_, err := r.conn(ctx).Exec(ctx, `UPDATE prescription SET invoice_id = $2 WHERE id = $1`, p.ID, p.InvoiceID)
	return apperror.FromDB(err, "prescription")
}

func (r *repoPG) GetPrescription(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	var p Prescription
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, prescription_number, patient_id, prescriber, notes, invoice_id, prescribed_date, created_at
		FROM prescription WHERE id = $1`, id).
		Scan(&p.ID, &p.PrescriptionNumber, &p.PatientID, &p.Prescriber, &p.Notes, &p.InvoiceID,
			&p.PrescribedDate, &p.CreatedAt)
	if err != nil {
		return nil, apperror.FromDB(err, "prescription")
	}

	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, prescription_id, drug_name, dosage, quantity, unit_price
		FROM prescription_item WHERE prescription_id = $1 ORDER BY drug_name`, id)
	if err != nil {
		return nil, apperror.FromDB(err, "prescription items")
	}
	defer rows.Close()
	for rows.Next() {
		var it PrescriptionItem
		if err := rows.Scan(&it.ID, &it.PrescriptionID, &it.DrugName, &it.Dosage, &it.Quantity, &it.UnitPrice); err != nil {
			return nil, apperror.FromDB(err, "prescription item")
		}
		p.Items = append(p.Items, it)
	}
	return &p, rows.Err()
}
