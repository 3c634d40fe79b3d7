package billing

import (
	"context"

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

// -- Invoices --

const invoiceCols = `id, invoice_number, patient_id, origin_kind, origin_ref_id, total_amount,
	paid_amount, waived_amount, balance, status, notes, created_by, created_at, updated_at`

var invoiceColumns = []interface{}{
	"id", "invoice_number", "patient_id", "origin_kind", "origin_ref_id", "total_amount",
	"paid_amount", "waived_amount", "balance", "status", "notes", "created_by", "created_at", "updated_at",
}

func scanInvoice(row pgx.Row) (*Invoice, error) {
	var inv Invoice
	err := row.Scan(&inv.ID, &inv.InvoiceNumber, &inv.PatientID, &inv.Origin.Kind, &inv.Origin.RefID,
		&inv.TotalAmount, &inv.PaidAmount, &inv.WaivedAmount, &inv.Balance, &inv.Status,
		&inv.Notes, &inv.CreatedBy, &inv.CreatedAt, &inv.UpdatedAt)
	return &inv, err
}

func (r *repoPG) InsertInvoice(ctx context.Context, inv *Invoice) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO invoice (id, invoice_number, patient_id, origin_kind, origin_ref_id, total_amount,
			paid_amount, waived_amount, balance, status, notes, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		inv.ID, inv.InvoiceNumber, inv.PatientID, inv.Origin.Kind, inv.Origin.RefID, inv.TotalAmount,
		inv.PaidAmount, inv.WaivedAmount, inv.Balance, inv.Status, inv.Notes, inv.CreatedBy,
		inv.CreatedAt, inv.UpdatedAt)
	return apperror.FromDB(err, "invoice")
}

func (r *repoPG) InsertItems(ctx context.Context, items []InvoiceItem) error {
	batch := &pgx.Batch{}
	for _, it := range items {
		batch.Queue(`INSERT INTO invoice_item (id, invoice_id, description, quantity, unit_price, amount)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			it.ID, it.InvoiceID, it.Description, it.Quantity, it.UnitPrice, it.Amount)
	}
	tx := db.TxFromContext(ctx)
	if tx == nil {
		return apperror.Internal("invoice items must be written in a transaction", nil)
	}
	return apperror.FromDB(tx.SendBatch(ctx, batch).Close(), "invoice item")
}

func (r *repoPG) loadItems(ctx context.Context, inv *Invoice) error {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, invoice_id, description, quantity, unit_price, amount
		FROM invoice_item WHERE invoice_id = $1 ORDER BY description`, inv.ID)
	if err != nil {
		return apperror.FromDB(err, "invoice items")
	}
	defer rows.Close()
	for rows.Next() {
		var it InvoiceItem
		if err := rows.Scan(&it.ID, &it.InvoiceID, &it.Description, &it.Quantity, &it.UnitPrice, &it.Amount); err != nil {
			return apperror.FromDB(err, "invoice item")
		}
		inv.Items = append(inv.Items, it)
	}
	return rows.Err()
}

func (r *repoPG) GetInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	inv, err := scanInvoice(r.conn(ctx).QueryRow(ctx, `SELECT `+invoiceCols+` FROM invoice WHERE id = $1`, id))
	if err != nil {
		return nil, apperror.FromDB(err, "invoice")
	}
	if err := r.loadItems(ctx, inv); err != nil {
		return nil, err
	}
	return inv, nil
}

func (r *repoPG) GetInvoiceForUpdate(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	inv, err := scanInvoice(r.conn(ctx).QueryRow(ctx, `SELECT `+invoiceCols+` FROM invoice WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, apperror.FromDB(err, "invoice")
	}
	return inv, nil
}

func (r *repoPG) UpdateInvoiceAmounts(ctx context.Context, inv *Invoice) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE invoice SET paid_amount = $2, waived_amount = $3, balance = $4, status = $5, updated_at = $6
		WHERE id = $1`,
		inv.ID, inv.PaidAmount, inv.WaivedAmount, inv.Balance, inv.Status, inv.UpdatedAt)
	return apperror.FromDB(err, "invoice")
}

func (r *repoPG) ListInvoices(ctx context.Context, f InvoiceFilter, p pagination.Params) ([]*Invoice, int, error) {
	where := goqu.Ex{}
	if f.PatientID != uuid.Nil {
		where["patient_id"] = f.PatientID
	}
	if f.Status != "" {
		where["status"] = string(f.Status)
	}
	if f.OriginKind != "" {
		where["origin_kind"] = string(f.OriginKind)
	}
	base := db.Builder.From("invoice").Where(where)

	total, err := r.count(ctx, base, "invoices")
	if err != nil {
		return nil, 0, err
	}
	query, args, err := p.Apply(base.Select(invoiceColumns...).Order(goqu.C("created_at").Desc())).Prepared(true).ToSQL()
	if err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, apperror.FromDB(err, "invoices")
	}
	defer rows.Close()
	var items []*Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, 0, apperror.FromDB(err, "invoice")
		}
		items = append(items, inv)
	}
	return items, total, rows.Err()
}

func (r *repoPG) count(ctx context.Context, ds *goqu.SelectDataset, what string) (int, error) {
	query, args, err := ds.Select(goqu.COUNT("*")).Prepared(true).ToSQL()
	if err != nil {
		return 0, err
	}
	var n int
	if err := r.conn(ctx).QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, apperror.FromDB(err, what)
	}
	return n, nil
}

// -- Payments --

func (r *repoPG) InsertPayment(ctx context.Context, p *Payment) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO payment (id, invoice_id, payable_id, amount, method, reference, received_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.ID, p.InvoiceID, p.PayableID, p.Amount, p.Method, p.Reference, p.ReceivedBy, p.CreatedAt)
	return apperror.FromDB(err, "payment")
}

func (r *repoPG) listPayments(ctx context.Context, column string, id uuid.UUID) ([]*Payment, error) {
	query, args, err := db.Builder.From("payment").
		Select("id", "invoice_id", "payable_id", "amount", "method", "reference", "received_by", "created_at").
		Where(goqu.Ex{column: id}).
		Order(goqu.C("created_at").Asc()).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, err
	}
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, apperror.FromDB(err, "payments")
	}
	defer rows.Close()
	var out []*Payment
	for rows.Next() {
		var p Payment
		if err := rows.Scan(&p.ID, &p.InvoiceID, &p.PayableID, &p.Amount, &p.Method, &p.Reference, &p.ReceivedBy, &p.CreatedAt); err != nil {
			return nil, apperror.FromDB(err, "payment")
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (r *repoPG) ListPayments(ctx context.Context, invoiceID uuid.UUID) ([]*Payment, error) {
	return r.listPayments(ctx, "invoice_id", invoiceID)
}

func (r *repoPG) ListPayablePayments(ctx context.Context, payableID uuid.UUID) ([]*Payment, error) {
	return r.listPayments(ctx, "payable_id", payableID)
}

// -- Waivers --

const waiverCols = `id, waiver_number, invoice_id, waived_amount, reason, status, requested_by,
	reviewed_by, reviewed_at, rejection_reason, created_at`

var waiverColumns = []interface{}{
	"id", "waiver_number", "invoice_id", "waived_amount", "reason", "status", "requested_by",
	"reviewed_by", "reviewed_at", "rejection_reason", "created_at",
}

func scanWaiver(row pgx.Row) (*Waiver, error) {
	var w Waiver
	err := row.Scan(&w.ID, &w.WaiverNumber, &w.InvoiceID, &w.WaivedAmount, &w.Reason, &w.Status,
		&w.RequestedBy, &w.ReviewedBy, &w.ReviewedAt, &w.RejectionReason, &w.CreatedAt)
	return &w, err
}

func (r *repoPG) InsertWaiver(ctx context.Context, w *Waiver) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO waiver (id, waiver_number, invoice_id, waived_amount, reason, status, requested_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		w.ID, w.WaiverNumber, w.InvoiceID, w.WaivedAmount, w.Reason, w.Status, w.RequestedBy, w.CreatedAt)
	return apperror.FromDB(err, "waiver")
}

func (r *repoPG) GetWaiver(ctx context.Context, id uuid.UUID) (*Waiver, error) {
	w, err := scanWaiver(r.conn(ctx).QueryRow(ctx, `SELECT `+waiverCols+` FROM waiver WHERE id = $1`, id))
	if err != nil {
		return nil, apperror.FromDB(err, "waiver")
	}
	return w, nil
}

func (r *repoPG) GetWaiverForUpdate(ctx context.Context, id uuid.UUID) (*Waiver, error) {
	w, err := scanWaiver(r.conn(ctx).QueryRow(ctx, `SELECT `+waiverCols+` FROM waiver WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, apperror.FromDB(err, "waiver")
	}
	return w, nil
}

func (r *repoPG) UpdateWaiver(ctx context.Context, w *Waiver) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE waiver SET status = $2, reviewed_by = $3, reviewed_at = $4, rejection_reason = $5
		WHERE id = $1`,
		w.ID, w.Status, w.ReviewedBy, w.ReviewedAt, w.RejectionReason)
	return apperror.FromDB(err, "waiver")
}

func (r *repoPG) HasPendingWaiver(ctx context.Context, invoiceID uuid.UUID) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM waiver WHERE invoice_id = $1 AND status = 'pending')`, invoiceID,
	).Scan(&exists)
	if err != nil {
		return false, apperror.FromDB(err, "waiver")
	}
	return exists, nil
}

func (r *repoPG) ListWaivers(ctx context.Context, f WaiverFilter, p pagination.Params) ([]*Waiver, int, error) {
	where := goqu.Ex{}
	if f.InvoiceID != uuid.Nil {
		where["invoice_id"] = f.InvoiceID
	}
	if f.Status != "" {
		where["status"] = string(f.Status)
	}
	base := db.Builder.From("waiver").Where(where)

	total, err := r.count(ctx, base, "waivers")
	if err != nil {
		return nil, 0, err
	}
	query, args, err := p.Apply(base.Select(waiverColumns...).Order(goqu.C("created_at").Desc())).Prepared(true).ToSQL()
	if err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, apperror.FromDB(err, "waivers")
	}
	defer rows.Close()
	var items []*Waiver
	for rows.Next() {
		w, err := scanWaiver(rows)
		if err != nil {
			return nil, 0, apperror.FromDB(err, "waiver")
		}
		items = append(items, w)
	}
	return items, total, rows.Err()
}

// -- Payables --

const payableCols = `id, payable_number, vendor_name, description, total_amount, paid_amount,
	balance, status, created_by, created_at, updated_at`

func scanPayable(row pgx.Row) (*Payable, error) {
	var p Payable
	err := row.Scan(&p.ID, &p.PayableNumber, &p.VendorName, &p.Description, &p.TotalAmount,
		&p.PaidAmount, &p.Balance, &p.Status, &p.CreatedBy, &p.CreatedAt, &p.UpdatedAt)
	return &p, err
}

func (r *repoPG) InsertPayable(ctx context.Context, p *Payable) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO payable (id, payable_number, vendor_name, description, total_amount, paid_amount,
			balance, status, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		p.ID, p.PayableNumber, p.VendorName, p.Description, p.TotalAmount, p.PaidAmount,
		p.Balance, p.Status, p.CreatedBy, p.CreatedAt, p.UpdatedAt)
	return apperror.FromDB(err, "payable")
}

func (r *repoPG) GetPayable(ctx context.Context, id uuid.UUID) (*Payable, error) {
	p, err := scanPayable(r.conn(ctx).QueryRow(ctx, `SELECT `+payableCols+` FROM payable WHERE id = $1`, id))
	if err != nil {
		return nil, apperror.FromDB(err, "payable")
	}
	return p, nil
}

func (r *repoPG) GetPayableForUpdate(ctx context.Context, id uuid.UUID) (*Payable, error) {
	p, err := scanPayable(r.conn(ctx).QueryRow(ctx, `SELECT `+payableCols+` FROM payable WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, apperror.FromDB(err, "payable")
	}
	return p, nil
}

func (r *repoPG) UpdatePayableAmounts(ctx context.Context, p *Payable) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE payable SET paid_amount = $2, balance = $3, status = $4, updated_at = $5 WHERE id = $1`,
		p.ID, p.PaidAmount, p.Balance, p.Status, p.UpdatedAt)
	return apperror.FromDB(err, "payable")
}

func (r *repoPG) ListPayables(ctx context.Context, p pagination.Params) ([]*Payable, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM payable`).Scan(&total); err != nil {
		return nil, 0, apperror.FromDB(err, "payables")
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+payableCols+` FROM payable
		ORDER BY created_at DESC LIMIT $1 OFFSET $2`, p.Limit, p.Offset)
	if err != nil {
		return nil, 0, apperror.FromDB(err, "payables")
	}
	defer rows.Close()
	var items []*Payable
	for rows.Next() {
		pb, err := scanPayable(rows)
		if err != nil {
			return nil, 0, apperror.FromDB(err, "payable")
		}
		items = append(items, pb)
	}
	return items, total, rows.Err()
}
