package workflow

import (
	"time"

	"github.com/google/uuid"

	"github.com/ehr/patientflow/internal/domain/billing"
)

// Status of a progression record.
type Status string

const (
	Pending    Status = "pending"
	Resolved   Status = "resolved"
	Skipped    Status = "skipped"
	Unresolved Status = "unresolved"
)

func (s Status) Valid() bool {
	switch s {
	case Pending, Resolved, Skipped, Unresolved:
		return true
	}
	return false
}

// Done reports whether the record needs no further dispatch.
func (s Status) Done() bool {
	return s == Resolved || s == Skipped
}

// Record is the outbox row written when an invoice settles. It survives a
// failed dispatch so the patient's next queue entry can be created later.
type Record struct {
	ID            uuid.UUID      `db:"id" json:"id"`
	InvoiceID     uuid.UUID      `db:"invoice_id" json:"invoice_id"`
	InvoiceNumber string         `db:"invoice_number" json:"invoice_number"`
	PatientID     uuid.UUID      `db:"patient_id" json:"patient_id"`
	Origin        billing.Origin `json:"origin"`
	Status        Status         `db:"status" json:"status"`
	Attempts      int            `db:"attempts" json:"attempts"`
	LastError     string         `db:"last_error" json:"last_error,omitempty"`
	QueueEntryID  *uuid.UUID     `db:"queue_entry_id" json:"queue_entry_id,omitempty"`
	NextAttemptAt time.Time      `db:"next_attempt_at" json:"next_attempt_at"`
	CreatedAt     time.Time      `db:"created_at" json:"created_at"`
	ResolvedAt    *time.Time     `db:"resolved_at" json:"resolved_at,omitempty"`
}

func newRecord(inv *billing.Invoice, now time.Time) *Record {
	return &Record{
		ID:            uuid.New(),
		InvoiceID:     inv.ID,
		InvoiceNumber: inv.InvoiceNumber,
		PatientID:     inv.PatientID,
		Origin:        inv.Origin,
		Status:        Pending,
		NextAttemptAt: now,
		CreatedAt:     now,
	}
}

func (r *Record) resolve(entryID uuid.UUID, now time.Time) {
	r.Attempts++
	r.Status = Resolved
	r.QueueEntryID = &entryID
	r.LastError = ""
	r.ResolvedAt = &now
}

func (r *Record) skip(now time.Time) {
	r.Attempts++
	r.Status = Skipped
	r.ResolvedAt = &now
}

// fail records a failed attempt and either schedules the next one or gives
// up after maxAttempts.
func (r *Record) fail(err error, now time.Time, maxAttempts int, backoff func(int) time.Duration) {
	r.Attempts++
	r.LastError = err.Error()
	if r.Attempts >= maxAttempts {
		r.Status = Unresolved
		return
	}
	r.NextAttemptAt = now.Add(backoff(r.Attempts))
}

// Backoff doubles from 30s per attempt, capped at one hour.
func Backoff(attempt int) time.Duration {
	const (
		base  = 30 * time.Second
		limit = time.Hour
	)
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	return d
}

type Filter struct {
	Status    Status
	PatientID uuid.UUID
}
