package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ehr/patientflow/internal/domain/billing"
	"github.com/ehr/patientflow/internal/domain/clinical"
	"github.com/ehr/patientflow/internal/domain/queue"
	"github.com/ehr/patientflow/internal/platform/apperror"
	"github.com/ehr/patientflow/internal/platform/auth"
	"github.com/ehr/patientflow/internal/platform/db"
	"github.com/ehr/patientflow/internal/platform/telemetry"
	"github.com/ehr/patientflow/pkg/pagination"
)

// TxRunner is a transaction runner that can also open savepoints, so a
// failed queue insert leaves the progression record writable.
type TxRunner interface {
	db.TxRunner
	Savepoint(ctx context.Context, fn func(ctx context.Context) error) error
}

type Queuer interface {
	CreateIfAbsent(ctx context.Context, req queue.NewEntry) (*queue.Entry, bool, error)
}

// ClinicalRecords resolves invoice origins to the records that raised them.
type ClinicalRecords interface {
	GetTriage(ctx context.Context, id uuid.UUID) (*clinical.TriageAssessment, error)
	GetPrescription(ctx context.Context, id uuid.UUID) (*clinical.Prescription, error)
}

type Options struct {
	MaxAttempts int
	BatchSize   int
	Backoff     func(attempt int) time.Duration
	Logger      zerolog.Logger
}

func (o *Options) applyDefaults() {
	if o.MaxAttempts < 1 {
		o.MaxAttempts = 8
	}
	if o.BatchSize < 1 {
		o.BatchSize = 50
	}
	if o.Backoff == nil {
		o.Backoff = Backoff
	}
}

// RelayActor is recorded as the creator of queue entries opened by the relay
// or by reconciliation.
const RelayActor = "progression-relay"

// errForeignOrigin marks an invoice whose origin record belongs to another
// patient. Such a record is given up on at the first attempt.
var errForeignOrigin = errors.New("origin belongs to another patient")

// Engine turns settled invoices into the patient's next queue entry.
type Engine struct {
	repo     Repository
	tx       TxRunner
	queue    Queuer
	clinical ClinicalRecords
	opts     Options
	metrics  *metrics
	now      func() time.Time
}

var _ billing.SettlementHook = (*Engine)(nil)

func NewEngine(repo Repository, tx TxRunner, q Queuer, cr ClinicalRecords, opts Options) *Engine {
	opts.applyDefaults()
	return &Engine{
		repo:     repo,
		tx:       tx,
		queue:    q,
		clinical: cr,
		opts:     opts,
		metrics:  newMetrics(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the wall clock.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Settled writes the outbox record inside the settling transaction and
// dispatches it once that transaction commits. A dispatch failure is logged
// and left to the relay; it never reaches the payer.
func (e *Engine) Settled(ctx context.Context, inv *billing.Invoice) error {
	rec := newRecord(inv, e.now())
	inserted, err := e.repo.Insert(ctx, rec)
	if err != nil {
		return err
	}
	if !inserted {
		return nil
	}
	e.metrics.recorded(ctx, rec)
	db.AfterCommit(ctx, func(ctx context.Context) {
		if _, err := e.Dispatch(ctx, rec.ID); err != nil {
			e.opts.Logger.Warn().Err(err).
				Str("invoice", rec.InvoiceNumber).
				Msg("progression dispatch failed, relay will retry")
		}
	})
	return nil
}

// Dispatch attempts a pending record now. Records in any other state are
// returned unchanged.
func (e *Engine) Dispatch(ctx context.Context, id uuid.UUID) (*Record, error) {
	ctx, span := telemetry.StartSpan(ctx, "workflow.dispatch",
		attribute.String("progression.id", id.String()))
	var err error
	defer func() { telemetry.EndSpan(span, err) }()

	var rec *Record
	err = e.tx.InTx(ctx, func(ctx context.Context) error {
		r, err := e.repo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		rec = r
		if r.Status != Pending {
			return nil
		}
		return e.attempt(ctx, r)
	})
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("progression.status", string(rec.Status)))
	return rec, nil
}

// RunDue dispatches up to one batch of due records and reports how many it
// took. Each record is claimed and attempted in its own transaction, so
// ticket counters are held only for the length of one dispatch.
func (e *Engine) RunDue(ctx context.Context) (int, error) {
	ctx = asRelay(ctx)
	n := 0
	for n < e.opts.BatchSize {
		claimed := false
		err := e.tx.InTx(ctx, func(ctx context.Context) error {
			claimed = false
			recs, err := e.repo.ClaimDue(ctx, e.now(), 1)
			if err != nil || len(recs) == 0 {
				return err
			}
			claimed = true
			return e.attempt(ctx, recs[0])
		})
		if err != nil {
			return n, err
		}
		if !claimed {
			break
		}
		n++
	}
	return n, nil
}

// Retry re-drives a pending or unresolved record immediately. An unresolved
// record gets one more attempt and falls back to unresolved if it fails.
func (e *Engine) Retry(ctx context.Context, id uuid.UUID) (*Record, error) {
	var rec *Record
	err := e.tx.InTx(ctx, func(ctx context.Context) error {
		r, err := e.repo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if r.Status.Done() {
			return apperror.Conflict("progression for %s is already %s", r.InvoiceNumber, r.Status)
		}
		r.Status = Pending
		rec = r
		return e.attempt(ctx, r)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Reconcile retries every outstanding record and tallies the outcomes.
func (e *Engine) Reconcile(ctx context.Context) (map[Status]int, error) {
	ctx = asRelay(ctx)
	ids, err := e.repo.ListOutstanding(ctx)
	if err != nil {
		return nil, err
	}
	summary := make(map[Status]int)
	for _, id := range ids {
		rec, err := e.Retry(ctx, id)
		if apperror.Is(err, apperror.KindConflict) {
			continue // settled by the relay meanwhile
		}
		if err != nil {
			return summary, err
		}
		summary[rec.Status]++
	}
	return summary, nil
}

func (e *Engine) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	return e.repo.Get(ctx, id)
}

func (e *Engine) List(ctx context.Context, f Filter, p pagination.Params) ([]*Record, int, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, apperror.Validation("invalid status %q", f.Status)
	}
	return e.repo.List(ctx, f, p)
}

// attempt runs one dispatch of a locked record and persists the outcome.
// The queue insert runs in a savepoint so a failure leaves the record
// writable.
func (e *Engine) attempt(ctx context.Context, r *Record) error {
	now := e.now()
	var entry *queue.Entry
	err := e.tx.Savepoint(ctx, func(ctx context.Context) error {
		req, err := e.plan(ctx, r)
		if err != nil || req == nil {
			return err
		}
		entry, _, err = e.queue.CreateIfAbsent(ctx, *req)
		return err
	})

	log := e.opts.Logger.With().
		Str("invoice", r.InvoiceNumber).
		Str("origin", string(r.Origin.Kind)).
		Logger()
	switch {
	case err != nil:
		maxAttempts := e.opts.MaxAttempts
		if errors.Is(err, errForeignOrigin) {
			maxAttempts = 0
		}
		r.fail(err, now, maxAttempts, e.opts.Backoff)
		ev := log.Warn()
		if r.Status == Unresolved {
			ev = log.Error()
		}
		ev.Err(err).Int("attempts", r.Attempts).Str("status", string(r.Status)).Msg("progression attempt failed")
	case entry == nil:
		r.skip(now)
		log.Debug().Msg("progression skipped")
	default:
		r.resolve(entry.ID, now)
		log.Info().Str("ticket", entry.TicketNumber).Str("service_point", string(entry.ServicePoint)).
			Msg("patient progressed")
	}
	e.metrics.attempted(ctx, r)
	return e.repo.Update(ctx, r)
}

// plan maps an invoice origin to the queue entry it unlocks. A nil entry
// means the origin has no next step.
func (e *Engine) plan(ctx context.Context, r *Record) (*queue.NewEntry, error) {
	switch r.Origin.Kind {
	case billing.OriginRegistration:
		return &queue.NewEntry{
			PatientID:      r.PatientID,
			ServicePoint:   queue.Triage,
			Priority:       queue.Normal,
			ProvenanceNote: "Registration: " + r.InvoiceNumber,
		}, nil
	case billing.OriginConsultation:
		if r.Origin.RefID == nil {
			return nil, fmt.Errorf("consultation invoice %s has no triage reference", r.InvoiceNumber)
		}
		t, err := e.clinical.GetTriage(ctx, *r.Origin.RefID)
		if err != nil {
			return nil, err
		}
		if t.PatientID != r.PatientID {
			return nil, fmt.Errorf("invoice %s: triage %s: %w", r.InvoiceNumber, t.TriageNumber, errForeignOrigin)
		}
		return &queue.NewEntry{
			PatientID:      r.PatientID,
			ServicePoint:   queue.Consultation,
			Department:     t.AssignedDepartment,
			Priority:       queue.PriorityFromCategory(string(t.Category)),
			ProvenanceNote: "Consultation charge from triage: " + t.TriageNumber,
		}, nil
	case billing.OriginPrescription:
		if r.Origin.RefID == nil {
			return nil, fmt.Errorf("prescription invoice %s has no prescription reference", r.InvoiceNumber)
		}
		rx, err := e.clinical.GetPrescription(ctx, *r.Origin.RefID)
		if err != nil {
			return nil, err
		}
		if rx.PatientID != r.PatientID {
			return nil, fmt.Errorf("invoice %s: prescription %s: %w", r.InvoiceNumber, rx.PrescriptionNumber, errForeignOrigin)
		}
		return &queue.NewEntry{
			PatientID:      r.PatientID,
			ServicePoint:   queue.Pharmacy,
			Priority:       queue.Normal,
			ProvenanceNote: "Prescription: " + rx.PrescriptionNumber,
		}, nil
	case billing.OriginOther:
		return nil, nil
	}
	return nil, fmt.Errorf("unknown invoice origin %q", r.Origin.Kind)
}

// asRelay attributes work done without a signed-in user to the relay.
func asRelay(ctx context.Context) context.Context {
	if auth.UserIDFromContext(ctx) != "" {
		return ctx
	}
	return auth.WithUser(ctx, RelayActor, nil)
}
