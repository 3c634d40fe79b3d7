package queue

import (
	"context"
	"errors"
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

const entryCols = `id, patient_id, ticket_number, service_point, department, priority, status,
	provenance_note, queue_date, arrival_time, served_at, completed_at, cancelled_at,
	cancel_reason, created_by, updated_at`

var entryColumns = []interface{}{
	"id", "patient_id", "ticket_number", "service_point", "department", "priority", "status",
	"provenance_note", "queue_date", "arrival_time", "served_at", "completed_at", "cancelled_at",
	"cancel_reason", "created_by", "updated_at",
}

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	err := row.Scan(&e.ID, &e.PatientID, &e.TicketNumber, &e.ServicePoint, &e.Department,
		&e.Priority, &e.Status, &e.ProvenanceNote, &e.QueueDate, &e.ArrivalTime,
		&e.ServedAt, &e.CompletedAt, &e.CancelledAt, &e.CancelReason, &e.CreatedBy, &e.UpdatedAt)
	return &e, err
}

func (r *repoPG) FindActive(ctx context.Context, patientID uuid.UUID, sp ServicePoint, day time.Time) (*Entry, error) {
	e, err := scanEntry(r.conn(ctx).QueryRow(ctx, `SELECT `+entryCols+` FROM queue_entry
		WHERE patient_id = $1 AND service_point = $2 AND queue_date = $3
		  AND status IN ('waiting','serving')`,
		patientID, sp, day))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperror.FromDB(err, "queue entry")
	}
	return e, nil
}

func (r *repoPG) Insert(ctx context.Context, e *Entry) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO queue_entry (id, patient_id, ticket_number, service_point, department,
			priority, status, provenance_note, queue_date, arrival_time, created_by, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (patient_id, service_point, queue_date)
			WHERE status IN ('waiting','serving') DO NOTHING`,
		e.ID, e.PatientID, e.TicketNumber, e.ServicePoint, e.Department,
		e.Priority, e.Status, e.ProvenanceNote, e.QueueDate, e.ArrivalTime, e.CreatedBy, e.UpdatedAt)
	if err != nil {
		return false, apperror.FromDB(err, "queue entry")
	}
	return tag.RowsAffected() == 1, nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Entry, error) {
	e, err := scanEntry(r.conn(ctx).QueryRow(ctx, `SELECT `+entryCols+` FROM queue_entry WHERE id = $1`, id))
	if err != nil {
		return nil, apperror.FromDB(err, "queue entry")
	}
	return e, nil
}

func (r *repoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Entry, error) {
	e, err := scanEntry(r.conn(ctx).QueryRow(ctx, `SELECT `+entryCols+` FROM queue_entry WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, apperror.FromDB(err, "queue entry")
	}
	return e, nil
}

func (r *repoPG) Update(ctx context.Context, e *Entry) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE queue_entry SET status = $2, served_at = $3, completed_at = $4,
			cancelled_at = $5, cancel_reason = $6, updated_at = $7
		WHERE id = $1`,
		e.ID, e.Status, e.ServedAt, e.CompletedAt, e.CancelledAt, e.CancelReason, e.UpdatedAt)
	return apperror.FromDB(err, "queue entry")
}

func (r *repoPG) List(ctx context.Context, f Filter, p pagination.Params) ([]*Entry, int, error) {
	where := goqu.Ex{}
	if f.ServicePoint != "" {
		where["service_point"] = string(f.ServicePoint)
	}
	if f.Status != "" {
		where["status"] = string(f.Status)
	}
	if f.PatientID != uuid.Nil {
		where["patient_id"] = f.PatientID
	}
	if !f.Date.IsZero() {
		where["queue_date"] = f.Date
	}

	base := db.Builder.From("queue_entry").Where(where)

	countSQL, countArgs, err := base.Select(goqu.COUNT("*")).Prepared(true).ToSQL()
	if err != nil {
		return nil, 0, err
	}
	var total int
	if err := r.conn(ctx).QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, apperror.FromDB(err, "queue entries")
	}

	ds := p.Apply(base.Select(entryColumns...).Order(
		goqu.L("CASE priority WHEN 'emergency' THEN 0 WHEN 'urgent' THEN 1 ELSE 2 END").Asc(),
		goqu.C("arrival_time").Asc(),
	))
	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, apperror.FromDB(err, "queue entries")
	}
	defer rows.Close()

	var items []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, 0, apperror.FromDB(err, "queue entry")
		}
		items = append(items, e)
	}
	return items, total, rows.Err()
}
