package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/ehr/patientflow/internal/platform/apperror"
)

// TxRunner runs fn inside one database transaction. Services depend on this
// rather than on the pool so tests can substitute a pass-through runner.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// TxFromContext retrieves the open transaction from context.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(DBTxKey).(pgx.Tx)
	return tx
}

// WithTx begins a transaction on the request connection and returns a context
// carrying it. The caller owns Commit and Rollback.
func WithTx(ctx context.Context) (context.Context, pgx.Tx, error) {
	conn := ConnFromContext(ctx)
	if conn == nil {
		return ctx, nil, fmt.Errorf("no database connection in context")
	}
	tx, err := conn.Begin(ctx)
	if err != nil {
		return ctx, nil, fmt.Errorf("begin transaction: %w", err)
	}
	return context.WithValue(ctx, DBTxKey, tx), tx, nil
}

// Transactor is the pgx implementation of TxRunner.
type Transactor struct {
	pool *pgxpool.Pool
}

func NewTransactor(pool *pgxpool.Pool) *Transactor {
	return &Transactor{pool: pool}
}

// InTx commits when fn returns nil and rolls back otherwise. A call made
// while a transaction is already open joins it. Lock timeouts, deadlocks and
// serialization failures are retried once before surfacing as transient.
func (t *Transactor) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if TxFromContext(ctx) != nil {
		return fn(ctx)
	}

	err := t.run(ctx, fn)
	if err == nil || !apperror.IsTransient(err) {
		return err
	}
	log.Ctx(ctx).Warn().Err(err).Msg("transient database error, retrying transaction")

	err = t.run(ctx, fn)
	if err != nil && apperror.IsTransient(err) {
		var ae *apperror.Error
		if errors.As(err, &ae) {
			return err
		}
		return apperror.Transient("database contention", err)
	}
	return err
}

func (t *Transactor) run(ctx context.Context, fn func(ctx context.Context) error) error {
	var (
		tx  pgx.Tx
		err error
	)
	if conn := ConnFromContext(ctx); conn != nil {
		tx, err = conn.Begin(ctx)
	} else if t.pool != nil {
		tx, err = t.pool.Begin(ctx)
	} else {
		return fmt.Errorf("no database connection in context")
	}
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	hooks := &commitHooks{}
	txCtx := context.WithValue(context.WithValue(ctx, DBTxKey, tx), hooksKey{}, hooks)
	if err := fn(txCtx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return apperror.FromDB(err, "transaction")
	}
	for _, h := range hooks.fns {
		h(ctx)
	}
	return nil
}

type hooksKey struct{}

type commitHooks struct {
	fns []func(ctx context.Context)
}

// AfterCommit schedules fn to run once the outermost transaction in ctx has
// committed. fn receives the context the transaction was started from. Hooks
// of a rolled back transaction are discarded. Outside a transaction fn runs
// immediately.
func AfterCommit(ctx context.Context, fn func(ctx context.Context)) {
	if h, ok := ctx.Value(hooksKey{}).(*commitHooks); ok {
		h.fns = append(h.fns, fn)
		return
	}
	fn(ctx)
}

// Savepoint runs fn inside a savepoint of the open transaction. When fn fails
// only the work done since the savepoint is undone and the outer transaction
// stays usable.
func (t *Transactor) Savepoint(ctx context.Context, fn func(ctx context.Context) error) error {
	tx := TxFromContext(ctx)
	if tx == nil {
		return fmt.Errorf("savepoint requires an open transaction")
	}
	sp, err := tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("create savepoint: %w", err)
	}
	if err := fn(context.WithValue(ctx, DBTxKey, sp)); err != nil {
		if rbErr := sp.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("rollback savepoint: %w (after %v)", rbErr, err)
		}
		return err
	}
	return sp.Commit(ctx)
}

// NoopTx satisfies TxRunner and the savepoint contract without a database,
// for services running over in-memory repositories. Commit hooks fire only
// when fn succeeds.
type NoopTx struct{}

func (NoopTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(hooksKey{}).(*commitHooks); ok {
		return fn(ctx)
	}
	hooks := &commitHooks{}
	if err := fn(context.WithValue(ctx, hooksKey{}, hooks)); err != nil {
		return err
	}
	for _, h := range hooks.fns {
		h(ctx)
	}
	return nil
}

func (NoopTx) Savepoint(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
