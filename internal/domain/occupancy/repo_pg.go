package occupancy

import (
	"context"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
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

// list runs a filtered, paginated select built with goqu.
func list[T any](ctx context.Context, q db.Querier, base *goqu.SelectDataset, cols []interface{},
	order exp.OrderedExpression, p pagination.Params, scan func(pgx.Row) (*T, error), what string) ([]*T, int, error) {
	countSQL, countArgs, err := base.Select(goqu.COUNT("*")).Prepared(true).ToSQL()
	if err != nil {
		return nil, 0, err
	}
	var total int
	if err := q.QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, apperror.FromDB(err, what)
	}

	query, args, err := p.Apply(base.Select(cols...).Order(order)).Prepared(true).ToSQL()
	if err != nil {
		return nil, 0, err
	}
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, apperror.FromDB(err, what)
	}
	defer rows.Close()
	var items []*T
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, 0, apperror.FromDB(err, what)
		}
		items = append(items, item)
	}
	return items, total, rows.Err()
}

func idStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

// -- Wards --

var wardColumns = []interface{}{"id", "name", "ward_type", "active", "created_at"}

func scanWard(row pgx.Row) (*Ward, error) {
	var w Ward
	err := row.Scan(&w.ID, &w.Name, &w.WardType, &w.Active, &w.CreatedAt)
	return &w, err
}

func (r *repoPG) InsertWard(ctx context.Context, w *Ward) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO ward (id, name, ward_type, active, created_at) VALUES ($1, $2, $3, $4, $5)`,
		w.ID, w.Name, w.WardType, w.Active, w.CreatedAt)
	return apperror.FromDB(err, "ward")
}

func (r *repoPG) GetWard(ctx context.Context, id uuid.UUID) (*Ward, error) {
	w, err := scanWard(r.conn(ctx).QueryRow(ctx,
		`SELECT id, name, ward_type, active, created_at FROM ward WHERE id = $1`, id))
	if err != nil {
		return nil, apperror.FromDB(err, "ward")
	}
	return w, nil
}

func (r *repoPG) GetWardForUpdate(ctx context.Context, id uuid.UUID) (*Ward, error) {
	w, err := scanWard(r.conn(ctx).QueryRow(ctx,
		`SELECT id, name, ward_type, active, created_at FROM ward WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, apperror.FromDB(err, "ward")
	}
	return w, nil
}

func (r *repoPG) ListWards(ctx context.Context, p pagination.Params) ([]*Ward, int, error) {
	base := db.Builder.From("ward").Where(goqu.Ex{"active": true})
	return list(ctx, r.conn(ctx), base, wardColumns, goqu.C("name").Asc(), p, scanWard, "wards")
}

func (r *repoPG) DeactivateWard(ctx context.Context, id uuid.UUID, now time.Time) error {
	if _, err := r.conn(ctx).Exec(ctx,
		`UPDATE bed SET active = FALSE, updated_at = $2 WHERE ward_id = $1`, id, now); err != nil {
		return apperror.FromDB(err, "bed")
	}
	_, err := r.conn(ctx).Exec(ctx, `UPDATE ward SET active = FALSE WHERE id = $1`, id)
	return apperror.FromDB(err, "ward")
}

// -- Beds --

const bedCols = `id, ward_id, bed_number, status, active, created_at, updated_at`

var bedColumns = []interface{}{"id", "ward_id", "bed_number", "status", "active", "created_at", "updated_at"}

func scanBed(row pgx.Row) (*Bed, error) {
	var b Bed
	err := row.Scan(&b.ID, &b.WardID, &b.BedNumber, &b.Status, &b.Active, &b.CreatedAt, &b.UpdatedAt)
	return &b, err
}

func (r *repoPG) InsertBed(ctx context.Context, b *Bed) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO bed (id, ward_id, bed_number, status, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		b.ID, b.WardID, b.BedNumber, b.Status, b.Active, b.CreatedAt, b.UpdatedAt)
	return apperror.FromDB(err, "bed")
}

func (r *repoPG) GetBed(ctx context.Context, id uuid.UUID) (*Bed, error) {
	b, err := scanBed(r.conn(ctx).QueryRow(ctx, `SELECT `+bedCols+` FROM bed WHERE id = $1`, id))
	if err != nil {
		return nil, apperror.FromDB(err, "bed")
	}
	return b, nil
}

func (r *repoPG) LockBeds(ctx context.Context, ids ...uuid.UUID) (map[uuid.UUID]*Bed, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+bedCols+` FROM bed
		WHERE id = ANY($1::uuid[]) ORDER BY id FOR UPDATE`, idStrings(ids))
	if err != nil {
		return nil, apperror.FromDB(err, "beds")
	}
	defer rows.Close()
	out := make(map[uuid.UUID]*Bed, len(ids))
	for rows.Next() {
		b, err := scanBed(rows)
		if err != nil {
			return nil, apperror.FromDB(err, "bed")
		}
		out[b.ID] = b
	}
	return out, rows.Err()
}

func (r *repoPG) LockWardBeds(ctx context.Context, wardID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT id FROM bed WHERE ward_id = $1 ORDER BY id FOR UPDATE`, wardID)
	if err != nil {
		return nil, apperror.FromDB(err, "beds")
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, apperror.FromDB(err, "beds")
	}
	return ids, nil
}

func (r *repoPG) SetBedStatus(ctx context.Context, id uuid.UUID, status BedStatus, now time.Time) error {
	_, err := r.conn(ctx).Exec(ctx, `UPDATE bed SET status = $2, updated_at = $3 WHERE id = $1`, id, status, now)
	return apperror.FromDB(err, "bed")
}

func (r *repoPG) DeactivateBed(ctx context.Context, id uuid.UUID, now time.Time) error {
	_, err := r.conn(ctx).Exec(ctx, `UPDATE bed SET active = FALSE, updated_at = $2 WHERE id = $1`, id, now)
	return apperror.FromDB(err, "bed")
}

func (r *repoPG) ListBeds(ctx context.Context, f BedFilter, p pagination.Params) ([]*Bed, int, error) {
	where := goqu.Ex{}
	if f.WardID != uuid.Nil {
		where["ward_id"] = f.WardID
	}
	if f.Status != "" {
		where["status"] = string(f.Status)
	}
	if !f.IncludeInactive {
		where["active"] = true
	}
	base := db.Builder.From("bed").Where(where)
	return list(ctx, r.conn(ctx), base, bedColumns, goqu.C("bed_number").Asc(), p, scanBed, "beds")
}

// -- Admissions --

const admissionCols = `id, admission_number, patient_id, bed_id, status, reason, invoice_id,
	admitted_at, discharged_at, created_by, updated_at`

var admissionColumns = []interface{}{
	"id", "admission_number", "patient_id", "bed_id", "status", "reason", "invoice_id",
	"admitted_at", "discharged_at", "created_by", "updated_at",
}

func scanAdmission(row pgx.Row) (*Admission, error) {
	var a Admission
	err := row.Scan(&a.ID, &a.AdmissionNumber, &a.PatientID, &a.BedID, &a.Status, &a.Reason,
		&a.InvoiceID, &a.AdmittedAt, &a.DischargedAt, &a.CreatedBy, &a.UpdatedAt)
	return &a, err
}

func (r *repoPG) InsertAdmission(ctx context.Context, a *Admission) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO admission (id, admission_number, patient_id, bed_id, status, reason, invoice_id,
			admitted_at, created_by, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.AdmissionNumber, a.PatientID, a.BedID, a.Status, a.Reason, a.InvoiceID,
		a.AdmittedAt, a.CreatedBy, a.UpdatedAt)
	return apperror.FromDB(err, "admission")
}

func (r *repoPG) GetAdmission(ctx context.Context, id uuid.UUID) (*Admission, error) {
	a, err := scanAdmission(r.conn(ctx).QueryRow(ctx, `SELECT `+admissionCols+` FROM admission WHERE id = $1`, id))
	if err != nil {
		return nil, apperror.FromDB(err, "admission")
	}
	return a, nil
}

func (r *repoPG) GetAdmissionForUpdate(ctx context.Context, id uuid.UUID) (*Admission, error) {
	a, err := scanAdmission(r.conn(ctx).QueryRow(ctx,
		`SELECT `+admissionCols+` FROM admission WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, apperror.FromDB(err, "admission")
	}
	return a, nil
}

func (r *repoPG) UpdateAdmission(ctx context.Context, a *Admission) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE admission SET bed_id = $2, status = $3, reason = $4, invoice_id = $5,
			discharged_at = $6, updated_at = $7
		WHERE id = $1`,
		a.ID, a.BedID, a.Status, a.Reason, a.InvoiceID, a.DischargedAt, a.UpdatedAt)
	return apperror.FromDB(err, "admission")
}

func (r *repoPG) ListAdmissions(ctx context.Context, f AdmissionFilter, p pagination.Params) ([]*Admission, int, error) {
	where := goqu.Ex{}
	if f.Status != "" {
		where["status"] = string(f.Status)
	}
	if f.PatientID != uuid.Nil {
		where["patient_id"] = f.PatientID
	}
	if f.BedID != uuid.Nil {
		where["bed_id"] = f.BedID
	}
	base := db.Builder.From("admission").Where(where)
	return list(ctx, r.conn(ctx), base, admissionColumns, goqu.C("admitted_at").Desc(), p, scanAdmission, "admissions")
}

func (r *repoPG) CountActiveOnBed(ctx context.Context, bedID, except uuid.UUID) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM admission
		WHERE bed_id = $1 AND status = 'active' AND id <> $2`, bedID, except).Scan(&n)
	return n, apperror.FromDB(err, "admissions")
}

func (r *repoPG) CountActiveInWard(ctx context.Context, wardID uuid.UUID) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM admission a
		JOIN bed b ON b.id = a.bed_id
		WHERE b.ward_id = $1 AND a.status = 'active'`, wardID).Scan(&n)
	return n, apperror.FromDB(err, "admissions")
}

// -- Ambulances --

const ambulanceCols = `id, vehicle_number, status, created_at, updated_at`

var ambulanceColumns = []interface{}{"id", "vehicle_number", "status", "created_at", "updated_at"}

func scanAmbulance(row pgx.Row) (*Ambulance, error) {
	var a Ambulance
	err := row.Scan(&a.ID, &a.VehicleNumber, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	return &a, err
}

func (r *repoPG) InsertAmbulance(ctx context.Context, a *Ambulance) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO ambulance (id, vehicle_number, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)`,
		a.ID, a.VehicleNumber, a.Status, a.CreatedAt, a.UpdatedAt)
	return apperror.FromDB(err, "ambulance")
}

func (r *repoPG) GetAmbulance(ctx context.Context, id uuid.UUID) (*Ambulance, error) {
	a, err := scanAmbulance(r.conn(ctx).QueryRow(ctx, `SELECT `+ambulanceCols+` FROM ambulance WHERE id = $1`, id))
	if err != nil {
		return nil, apperror.FromDB(err, "ambulance")
	}
	return a, nil
}

func (r *repoPG) LockAmbulances(ctx context.Context, ids ...uuid.UUID) (map[uuid.UUID]*Ambulance, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+ambulanceCols+` FROM ambulance
		WHERE id = ANY($1::uuid[]) ORDER BY id FOR UPDATE`, idStrings(ids))
	if err != nil {
		return nil, apperror.FromDB(err, "ambulances")
	}
	defer rows.Close()
	out := make(map[uuid.UUID]*Ambulance, len(ids))
	for rows.Next() {
		a, err := scanAmbulance(rows)
		if err != nil {
			return nil, apperror.FromDB(err, "ambulance")
		}
		out[a.ID] = a
	}
	return out, rows.Err()
}

func (r *repoPG) SetAmbulanceStatus(ctx context.Context, id uuid.UUID, status AmbulanceStatus, now time.Time) error {
	_, err := r.conn(ctx).Exec(ctx, `UPDATE ambulance SET status = $2, updated_at = $3 WHERE id = $1`, id, status, now)
	return apperror.FromDB(err, "ambulance")
}

func (r *repoPG) ListAmbulances(ctx context.Context, p pagination.Params) ([]*Ambulance, int, error) {
	base := db.Builder.From("ambulance")
	return list(ctx, r.conn(ctx), base, ambulanceColumns, goqu.C("vehicle_number").Asc(), p, scanAmbulance, "ambulances")
}

// -- Trips --

const tripCols = `id, trip_number, ambulance_id, patient_id, pickup, destination, status,
	created_by, created_at, updated_at`

var tripColumns = []interface{}{
	"id", "trip_number", "ambulance_id", "patient_id", "pickup", "destination", "status",
	"created_by", "created_at", "updated_at",
}

func scanTrip(row pgx.Row) (*Trip, error) {
	var t Trip
	err := row.Scan(&t.ID, &t.TripNumber, &t.AmbulanceID, &t.PatientID, &t.Pickup, &t.Destination,
		&t.Status, &t.CreatedBy, &t.CreatedAt, &t.UpdatedAt)
	return &t, err
}

func (r *repoPG) InsertTrip(ctx context.Context, t *Trip) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO ambulance_trip (id, trip_number, ambulance_id, patient_id, pickup, destination,
			status, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		t.ID, t.TripNumber, t.AmbulanceID, t.PatientID, t.Pickup, t.Destination,
		t.Status, t.CreatedBy, t.CreatedAt, t.UpdatedAt)
	return apperror.FromDB(err, "ambulance trip")
}

func (r *repoPG) GetTrip(ctx context.Context, id uuid.UUID) (*Trip, error) {
	t, err := scanTrip(r.conn(ctx).QueryRow(ctx, `SELECT `+tripCols+` FROM ambulance_trip WHERE id = $1`, id))
	if err != nil {
		return nil, apperror.FromDB(err, "ambulance trip")
	}
	return t, nil
}

func (r *repoPG) GetTripForUpdate(ctx context.Context, id uuid.UUID) (*Trip, error) {
	t, err := scanTrip(r.conn(ctx).QueryRow(ctx,
		`SELECT `+tripCols+` FROM ambulance_trip WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, apperror.FromDB(err, "ambulance trip")
	}
	return t, nil
}

func (r *repoPG) UpdateTrip(ctx context.Context, t *Trip) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE ambulance_trip SET ambulance_id = $2, destination = $3, status = $4, updated_at = $5
		WHERE id = $1`,
		t.ID, t.AmbulanceID, t.Destination, t.Status, t.UpdatedAt)
	return apperror.FromDB(err, "ambulance trip")
}

func (r *repoPG) ListTrips(ctx context.Context, f TripFilter, p pagination.Params) ([]*Trip, int, error) {
	where := goqu.Ex{}
	if f.Status != "" {
		where["status"] = string(f.Status)
	}
	if f.AmbulanceID != uuid.Nil {
		where["ambulance_id"] = f.AmbulanceID
	}
	base := db.Builder.From("ambulance_trip").Where(where)
	return list(ctx, r.conn(ctx), base, tripColumns, goqu.C("created_at").Desc(), p, scanTrip, "ambulance trips")
}

func (r *repoPG) CountActiveForAmbulance(ctx context.Context, ambulanceID, except uuid.UUID) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM ambulance_trip
		WHERE ambulance_id = $1 AND status IN ('scheduled','dispatched','in_progress') AND id <> $2`,
		ambulanceID, except).Scan(&n)
	return n, apperror.FromDB(err, "ambulance trips")
}
