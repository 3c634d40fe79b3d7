package queue

import (
	"time"

	"github.com/google/uuid"

	"github.com/ehr/patientflow/internal/platform/apperror"
)

type ServicePoint string

const (
	Triage       ServicePoint = "triage"
	Consultation ServicePoint = "consultation"
	Laboratory   ServicePoint = "laboratory"
	Pharmacy     ServicePoint = "pharmacy"
	Radiology    ServicePoint = "radiology"
	Cashier      ServicePoint = "cashier"
)

func (sp ServicePoint) Valid() bool {
	switch sp {
	case Triage, Consultation, Laboratory, Pharmacy, Radiology, Cashier:
		return true
	}
	return false
}

type Priority string

const (
	Emergency Priority = "emergency"
	Urgent    Priority = "urgent"
	Normal    Priority = "normal"
)

func (p Priority) Valid() bool {
	return p == Emergency || p == Urgent || p == Normal
}

// PriorityFromCategory maps a triage category onto a queue priority.
// Unknown categories queue as normal.
func PriorityFromCategory(category string) Priority {
	switch category {
	case "red":
		return Emergency
	case "yellow":
		return Urgent
	}
	return Normal
}

type Status string

const (
	Waiting   Status = "waiting"
	Serving   Status = "serving"
	Completed Status = "completed"
	Cancelled Status = "cancelled"
)

func (s Status) Valid() bool {
	return s == Waiting || s == Serving || s == Completed || s == Cancelled
}

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == Completed || s == Cancelled
}

type Action string

const (
	ActionServe    Action = "serve"
	ActionComplete Action = "complete"
	ActionCancel   Action = "cancel"
)

var transitions = map[Status]map[Action]Status{
	Waiting: {ActionServe: Serving, ActionCancel: Cancelled},
	Serving: {ActionComplete: Completed, ActionCancel: Cancelled},
}

// Next returns the status reached from s by action.
func Next(s Status, action Action) (Status, error) {
	if s.Terminal() {
		return "", apperror.Conflict("queue entry is already %s", s)
	}
	next, ok := transitions[s][action]
	if !ok {
		return "", apperror.Conflict("cannot %s a %s queue entry", action, s)
	}
	return next, nil
}

// Entry is one patient's place in a service point queue for a day.
type Entry struct {
	ID             uuid.UUID    `db:"id" json:"id"`
	PatientID      uuid.UUID    `db:"patient_id" json:"patient_id"`
	TicketNumber   string       `db:"ticket_number" json:"ticket_number"`
	ServicePoint   ServicePoint `db:"service_point" json:"service_point"`
	Department     *string      `db:"department" json:"department,omitempty"`
	Priority       Priority     `db:"priority" json:"priority"`
	Status         Status       `db:"status" json:"status"`
	ProvenanceNote string       `db:"provenance_note" json:"provenance_note"`
	QueueDate      time.Time    `db:"queue_date" json:"queue_date"`
	ArrivalTime    time.Time    `db:"arrival_time" json:"arrival_time"`
	ServedAt       *time.Time   `db:"served_at" json:"served_at,omitempty"`
	CompletedAt    *time.Time   `db:"completed_at" json:"completed_at,omitempty"`
	CancelledAt    *time.Time   `db:"cancelled_at" json:"cancelled_at,omitempty"`
	CancelReason   *string      `db:"cancel_reason" json:"cancel_reason,omitempty"`
	CreatedBy      string       `db:"created_by" json:"created_by"`
	UpdatedAt      time.Time    `db:"updated_at" json:"updated_at"`
}

// apply moves the entry to next and stamps the matching timestamp.
func (e *Entry) apply(next Status, reason string, now time.Time) {
	e.Status = next
	e.UpdatedAt = now
	switch next {
	case Serving:
		e.ServedAt = &now
	case Completed:
		e.CompletedAt = &now
	case Cancelled:
		e.CancelledAt = &now
		if reason != "" {
			e.CancelReason = &reason
		}
	}
}

// NewEntry is a request to queue a patient. TicketNumber is optional; when
// empty the service point's next ticket is drawn.
type NewEntry struct {
	PatientID      uuid.UUID    `json:"patient_id"`
	ServicePoint   ServicePoint `json:"service_point"`
	Department     string       `json:"department,omitempty"`
	Priority       Priority     `json:"priority,omitempty"`
	ProvenanceNote string       `json:"provenance_note,omitempty"`
	TicketNumber   string       `json:"ticket_number,omitempty"`
}

func (n *NewEntry) validate() error {
	if n.PatientID == uuid.Nil {
		return apperror.Validation("patient_id is required")
	}
	if !n.ServicePoint.Valid() {
		return apperror.Validation("invalid service_point %q", n.ServicePoint)
	}
	if n.Priority == "" {
		n.Priority = Normal
	}
	if !n.Priority.Valid() {
		return apperror.Validation("invalid priority %q", n.Priority)
	}
	return nil
}

// Filter narrows List. Zero fields are ignored.
type Filter struct {
	ServicePoint ServicePoint
	Status       Status
	PatientID    uuid.UUID
	Date         time.Time
}
