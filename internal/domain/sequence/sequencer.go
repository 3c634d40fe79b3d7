package sequence

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ehr/patientflow/internal/platform/apperror"
	"github.com/ehr/patientflow/internal/platform/telemetry"
)

// MaxAttempts bounds how many numbers AllocateAndInsert draws before giving up.
const MaxAttempts = 10

// Savepointer runs fn in a savepoint of the transaction carried by ctx.
type Savepointer interface {
	Savepoint(ctx context.Context, fn func(ctx context.Context) error) error
}

// Sequencer issues collision-free per-day numbers.
type Sequencer struct {
	repo Repository
	sp   Savepointer
	loc  *time.Location
	now  func() time.Time
}

func NewSequencer(repo Repository, sp Savepointer, loc *time.Location) *Sequencer {
	if loc == nil {
		loc = time.Local
	}
	return &Sequencer{repo: repo, sp: sp, loc: loc, now: time.Now}
}

// SetClock replaces the wall clock.
func (s *Sequencer) SetClock(now func() time.Time) {
	s.now = now
}

// Today is the current calendar day in the hospital time zone.
func (s *Sequencer) Today() time.Time {
	return Day(s.now(), s.loc)
}

// Location is the hospital time zone.
func (s *Sequencer) Location() *time.Location {
	return s.loc
}

// Allocate bumps the counter and formats the number. The counter row lock is
// held until the surrounding transaction ends, so two concurrent callers in
// the same (scope, day) never receive the same value.
func (s *Sequencer) Allocate(ctx context.Context, scope Scope, day time.Time) (string, error) {
	if !scope.Valid() {
		return "", apperror.Validation("unknown sequence scope %q", scope)
	}
	n, err := s.repo.Next(ctx, scope, day)
	if err != nil {
		return "", err
	}
	return Format(scope, day, n)
}

// AllocateAndInsert draws a number and runs insert with it inside a
// savepoint. If insert hits the scope's unique constraint the savepoint is
// rolled back and a fresh number is drawn; the counter itself is bumped
// outside the savepoint so retries always move forward.
func (s *Sequencer) AllocateAndInsert(ctx context.Context, scope Scope, day time.Time, insert func(ctx context.Context, number string) error) (string, error) {
	ctx, span := telemetry.StartSpan(ctx, "sequence.allocate",
		attribute.String("sequence.scope", string(scope)),
		attribute.String("sequence.day", day.Format("2006-01-02")),
	)
	var err error
	defer func() { telemetry.EndSpan(span, err) }()

	constraint := scope.Constraint()
	var lastErr error
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		var number string
		number, err = s.Allocate(ctx, scope, day)
		if err != nil {
			return "", err
		}

		err = s.sp.Savepoint(ctx, func(ctx context.Context) error {
			return insert(ctx, number)
		})
		if err == nil {
			span.SetAttributes(attribute.Int("sequence.attempts", attempt))
			return number, nil
		}
		if !apperror.IsUniqueViolation(err, constraint) {
			return "", err
		}
		lastErr = err
		log.Ctx(ctx).Warn().
			Str("scope", string(scope)).
			Str("number", number).
			Int("attempt", attempt).
			Msg("sequence number already taken, drawing another")
	}
	err = apperror.SequenceExhausted(string(scope), MaxAttempts, lastErr)
	return "", err
}
