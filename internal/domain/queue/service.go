package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ehr/patientflow/internal/domain/sequence"
	"github.com/ehr/patientflow/internal/platform/apperror"
	"github.com/ehr/patientflow/internal/platform/auth"
	"github.com/ehr/patientflow/internal/platform/db"
	"github.com/ehr/patientflow/internal/platform/events"
	"github.com/ehr/patientflow/pkg/pagination"
)

type Service struct {
	repo Repository
	tx   db.TxRunner
	seq  *sequence.Sequencer
	pub  events.Publisher
}

func NewService(repo Repository, tx db.TxRunner, seq *sequence.Sequencer, pub events.Publisher) *Service {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Service{repo: repo, tx: tx, seq: seq, pub: pub}
}

// CreateIfAbsent queues the patient at a service point for today unless an
// active entry already exists, in which case that entry is returned with
// created=false. Safe to call repeatedly and concurrently for the same
// patient.
func (s *Service) CreateIfAbsent(ctx context.Context, req NewEntry) (*Entry, bool, error) {
	if err := req.validate(); err != nil {
		return nil, false, err
	}

	var (
		entry   *Entry
		created bool
	)
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		entry, created = nil, false
		day := s.seq.Today()
		existing, err := s.repo.FindActive(ctx, req.PatientID, req.ServicePoint, day)
		if err != nil {
			return err
		}
		if existing != nil {
			entry = existing
			return nil
		}

		now := time.Now().UTC()
		e := &Entry{
			ID:             uuid.New(),
			PatientID:      req.PatientID,
			ServicePoint:   req.ServicePoint,
			Priority:       req.Priority,
			Status:         Waiting,
			ProvenanceNote: req.ProvenanceNote,
			QueueDate:      day,
			ArrivalTime:    now,
			CreatedBy:      auth.UserIDFromContext(ctx),
			UpdatedAt:      now,
		}
		if req.Department != "" {
			dept := req.Department
			e.Department = &dept
		}

		if req.TicketNumber != "" {
			e.TicketNumber = req.TicketNumber
			created, err = s.repo.Insert(ctx, e)
		} else {
			_, err = s.seq.AllocateAndInsert(ctx, sequence.QueueScope(string(req.ServicePoint)), day,
				func(ctx context.Context, number string) error {
					e.TicketNumber = number
					var insErr error
					created, insErr = s.repo.Insert(ctx, e)
					return insErr
				})
		}
		if err != nil {
			return err
		}

		if !created {
			// lost the race to a concurrent request; return its entry
			winner, err := s.repo.FindActive(ctx, req.PatientID, req.ServicePoint, day)
			if err != nil {
				return err
			}
			if winner == nil {
				return apperror.Conflict("queue entry for patient changed concurrently, retry")
			}
			entry = winner
			return nil
		}

		entry = e
		db.AfterCommit(ctx, func(ctx context.Context) {
			s.publish(ctx, events.QueueEntryCreated, e)
		})
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return entry, created, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Entry, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, f Filter, p pagination.Params) ([]*Entry, int, error) {
	if f.ServicePoint != "" && !f.ServicePoint.Valid() {
		return nil, 0, apperror.Validation("invalid service_point %q", f.ServicePoint)
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, apperror.Validation("invalid status %q", f.Status)
	}
	return s.repo.List(ctx, f, p)
}

// Transition applies action to the entry. Completed and cancelled entries
// never change again.
func (s *Service) Transition(ctx context.Context, id uuid.UUID, action Action, reason string) (*Entry, error) {
	var entry *Entry
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		e, err := s.repo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		next, err := Next(e.Status, action)
		if err != nil {
			return err
		}
		e.apply(next, reason, time.Now().UTC())
		if err := s.repo.Update(ctx, e); err != nil {
			return err
		}
		entry = e
		db.AfterCommit(ctx, func(ctx context.Context) {
			s.publish(ctx, events.QueueEntryUpdated, e)
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// publish notifies display boards. The entry is already committed, so a
// failed publish is only logged.
func (s *Service) publish(ctx context.Context, eventType string, e *Entry) {
	data, err := json.Marshal(e)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("marshal queue entry event")
		return
	}
	ev := events.Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Topic:     events.QueueTopic(string(e.ServicePoint)),
		EntityID:  e.ID.String(),
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	if err := s.pub.Publish(ctx, ev); err != nil {
		log.Ctx(ctx).Warn().Err(err).
			Str("queue_entry_id", e.ID.String()).
			Str("event", eventType).
			Msg("queue event not delivered")
	}
}
