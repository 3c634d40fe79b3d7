package sequence

import (
	"fmt"
	"strings"
	"time"
)

// Scope names one counter family. Counters reset per calendar day.
type Scope string

const (
	ScopeTriage       Scope = "triage"
	ScopeInvoice      Scope = "invoice"
	ScopeWaiver       Scope = "waiver"
	ScopePrescription Scope = "prescription"
	ScopeAdmission    Scope = "admission"
	ScopeTrip         Scope = "trip"
	ScopePayable      Scope = "payable"
)

const queueScopePrefix = "queue:"

// queuePrefixes maps a service point to its ticket letter.
var queuePrefixes = map[string]string{
	"triage":       "T",
	"consultation": "C",
	"pharmacy":     "P",
	"laboratory":   "L",
	"radiology":    "R",
	"cashier":      "K",
}

// QueueScope returns the ticket scope of a service point.
func QueueScope(servicePoint string) Scope {
	return Scope(queueScopePrefix + servicePoint)
}

// uniqueConstraints names the constraint guarding each scope's numbers. A
// unique violation on that constraint means the number was already taken and
// another should be drawn.
var uniqueConstraints = map[Scope]string{
	ScopeTriage:       "uq_triage_number",
	ScopeInvoice:      "uq_invoice_number",
	ScopeWaiver:       "uq_waiver_number",
	ScopePrescription: "uq_prescription_number",
	ScopeAdmission:    "uq_admission_number",
	ScopeTrip:         "uq_trip_number",
	ScopePayable:      "uq_payable_number",
}

func (s Scope) isQueue() bool {
	return strings.HasPrefix(string(s), queueScopePrefix)
}

// Constraint returns the unique constraint of the table the scope numbers.
func (s Scope) Constraint() string {
	if s.isQueue() {
		return "uq_queue_entry_ticket"
	}
	return uniqueConstraints[s]
}

// Valid reports whether the scope is known.
func (s Scope) Valid() bool {
	if s.isQueue() {
		_, ok := queuePrefixes[strings.TrimPrefix(string(s), queueScopePrefix)]
		return ok
	}
	_, ok := uniqueConstraints[s]
	return ok
}

// Format renders counter value n of scope for the given day.
func Format(scope Scope, day time.Time, n int) (string, error) {
	if n < 1 {
		return "", fmt.Errorf("counter value must be positive, got %d", n)
	}
	ymd := day.Format("20060102")
	switch scope {
	case ScopeTriage:
		return fmt.Sprintf("TRI-%06d", n), nil
	case ScopeInvoice:
		return fmt.Sprintf("INV-%s-%05d", ymd, n), nil
	case ScopeWaiver:
		return fmt.Sprintf("WVR-%s-%04d", ymd, n), nil
	case ScopePrescription:
		return fmt.Sprintf("RX-%04d", n), nil
	case ScopeAdmission:
		return fmt.Sprintf("ADM-%s-%04d", ymd, n), nil
	case ScopeTrip:
		return fmt.Sprintf("TRP-%s-%04d", ymd, n), nil
	case ScopePayable:
		return fmt.Sprintf("PAY-%s-%04d", ymd, n), nil
	}
	if scope.isQueue() {
		if letter, ok := queuePrefixes[strings.TrimPrefix(string(scope), queueScopePrefix)]; ok {
			return fmt.Sprintf("%s-%03d", letter, n), nil
		}
	}
	return "", fmt.Errorf("unknown sequence scope %q", scope)
}

// Day returns the calendar day of t in loc, as midnight UTC so it maps onto a
// DATE column without zone drift.
func Day(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
