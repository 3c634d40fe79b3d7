package sequence

import (
	"context"
	"errors"
	"time"

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

func (r *repoPG) Next(ctx context.Context, scope Scope, day time.Time) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO ticket_counter (scope, counter_date, last_value)
		VALUES ($1, $2, 1)
		ON CONFLICT (scope, counter_date)
		DO UPDATE SET last_value = ticket_counter.last_value + 1, updated_at = NOW()
		RETURNING last_value`,
		string(scope), day,
	).Scan(&n)
	if err != nil {
		return 0, apperror.FromDB(err, "ticket counter")
	}
	return n, nil
}

func (r *repoPG) Current(ctx context.Context, scope Scope, day time.Time) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT last_value FROM ticket_counter WHERE scope = $1 AND counter_date = $2`,
		string(scope), day,
	).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, apperror.FromDB(err, "ticket counter")
	}
	return n, nil
}
