package workflow

import (
	"context"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/patientflow/internal/platform/apperror"
	"github.com/ehr/patientflow/internal/platform/db"
	"github.com/ehr/patientflow/pkg/pagination"
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

const recordCols = `id, invoice_id, invoice_number, patient_id, origin_kind, origin_ref_id, status,
	attempts, last_error, queue_entry_id, next_attempt_at, created_at, resolved_at`

var recordColumns = []interface{}{
	"id", "invoice_id", "invoice_number", "patient_id", "origin_kind", "origin_ref_id", "status",
	"attempts", "last_error", "queue_entry_id", "next_attempt_at", "created_at", "resolved_at",
}

func scanRecord(row pgx.Row) (*Record, error) {
	var rec Record
	err := row.Scan(&rec.ID, &rec.InvoiceID, &rec.InvoiceNumber, &rec.PatientID,
		&rec.Origin.Kind, &rec.Origin.RefID, &rec.Status, &rec.Attempts, &rec.LastError,
		&rec.QueueEntryID, &rec.NextAttemptAt, &rec.CreatedAt, &rec.ResolvedAt)
	return &rec, err
}

func (r *repoPG) Insert(ctx context.Context, rec *Record) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO progression_record (id, invoice_id, invoice_number, patient_id, origin_kind,
			origin_ref_id, status, attempts, last_error, next_attempt_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (invoice_id) DO NOTHING`,
		rec.ID, rec.InvoiceID, rec.InvoiceNumber, rec.PatientID, rec.Origin.Kind,
		rec.Origin.RefID, rec.Status, rec.Attempts, rec.LastError, rec.NextAttemptAt, rec.CreatedAt)
	if err != nil {
		return false, apperror.FromDB(err, "progression record")
	}
	return tag.RowsAffected() == 1, nil
}

func (r *repoPG) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	rec, err := scanRecord(r.conn(ctx).QueryRow(ctx,
		`SELECT `+recordCols+` FROM progression_record WHERE id = $1`, id))
	if err != nil {
		return nil, apperror.FromDB(err, "progression record")
	}
	return rec, nil
}

func (r *repoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Record, error) {
	rec, err := scanRecord(r.conn(ctx).QueryRow(ctx,
		`SELECT `+recordCols+` FROM progression_record WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, apperror.FromDB(err, "progression record")
	}
	return rec, nil
}

func (r *repoPG) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*Record, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+recordCols+` FROM progression_record
		WHERE status = 'pending' AND next_attempt_at <= $1
		ORDER BY next_attempt_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, now, limit)
	if err != nil {
		return nil, apperror.FromDB(err, "progression records")
	}
	defer rows.Close()
	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, apperror.FromDB(err, "progression record")
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *repoPG) Update(ctx context.Context, rec *Record) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE progression_record SET status = $2, attempts = $3, last_error = $4,
			queue_entry_id = $5, next_attempt_at = $6, resolved_at = $7
		WHERE id = $1`,
		rec.ID, rec.Status, rec.Attempts, rec.LastError, rec.QueueEntryID, rec.NextAttemptAt, rec.ResolvedAt)
	return apperror.FromDB(err, "progression record")
}

func (r *repoPG) List(ctx context.Context, f Filter, p pagination.Params) ([]*Record, int, error) {
	where := goqu.Ex{}
	if f.Status != "" {
		where["status"] = string(f.Status)
	}
	if f.PatientID != uuid.Nil {
		where["patient_id"] = f.PatientID
	}
	base := db.Builder.From("progression_record").Where(where)

	countSQL, countArgs, err := base.Select(goqu.COUNT("*")).Prepared(true).ToSQL()
	if err != nil {
		return nil, 0, err
	}
	var total int
	if err := r.conn(ctx).QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, apperror.FromDB(err, "progression records")
	}

	query, args, err := p.Apply(base.Select(recordColumns...).Order(goqu.C("created_at").Desc())).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, apperror.FromDB(err, "progression records")
	}
	defer rows.Close()
	var items []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, apperror.FromDB(err, "progression record")
		}
		items = append(items, rec)
	}
	return items, total, rows.Err()
}

func (r *repoPG) ListOutstanding(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT id FROM progression_record
		WHERE status IN ('pending','unresolved') ORDER BY created_at`)
	if err != nil {
		return nil, apperror.FromDB(err, "progression records")
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, apperror.FromDB(err, "progression record")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
