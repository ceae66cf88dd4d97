package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/strandkasse/vipps-gateway/internal/domain"
)

// EventSource says which source of truth produced a lifecycle event.
type EventSource string

const (
	SourceWebhook EventSource = "webhook"
	SourcePoll    EventSource = "poll"
	SourceAPI     EventSource = "api"
)

// ApplyOutcome is the result class of one Apply call.
type ApplyOutcome string

const (
	OutcomeApplied ApplyOutcome = "APPLIED"
	OutcomeNoOp    ApplyOutcome = "NO_OP"
	OutcomeInvalid ApplyOutcome = "INVALID_TRANSITION"
)

// Event is one proposed lifecycle change, from a webhook delivery, a
// status poll, or a direct API result.
type Event struct {
	Reference string
	Proposed  domain.LifecycleState
	EventID   string
	Source    EventSource

	// AmountMinor carries the adjustment amount for CAPTURED/REFUNDED
	// proposals. Zero means the full remaining amount.
	AmountMinor int64
}

// ApplyResult reports what one event did to a transaction.
type ApplyResult struct {
	Outcome  ApplyOutcome
	From     domain.LifecycleState
	To       domain.LifecycleState
	Replayed bool
}

// StateMachine is the single point of mutation for a transaction's state.
// Updates to one merchant reference are serialized; different references
// proceed concurrently. Apply is idempotent with respect to the event id.
type StateMachine struct {
	store  TransactionStore
	logger *slog.Logger

	mu       sync.Mutex
	refLocks map[string]*sync.Mutex
}

func NewStateMachine(store TransactionStore, logger *slog.Logger) *StateMachine {
	return &StateMachine{
		store:    store,
		logger:   logger,
		refLocks: make(map[string]*sync.Mutex),
	}
}

// Apply consumes one event and either advances the transaction, records a
// no-op, or rejects the transition. A repeated event id yields its first
// result again without side effects.
func (m *StateMachine) Apply(ctx context.Context, ev Event) (*ApplyResult, error) {
	if ev.Reference == "" || ev.EventID == "" {
		return nil, &ValidationError{Detail: "event requires a reference and an event id"}
	}

	lock := m.lockFor(ev.Reference)
	lock.Lock()
	defer lock.Unlock()

	applied, err := m.store.LookupEvent(ctx, ev.EventID)
	if err != nil {
		// Proceeding without the ledger would let a replayed event apply
		// twice, so the delivery fails and gets redelivered instead.
		return nil, fmt.Errorf("looking up event %s: %w", ev.EventID, err)
	}
	if applied != nil {
		return &ApplyResult{
			Outcome:  applied.Outcome,
			From:     applied.FromState,
			To:       applied.ToState,
			Replayed: true,
		}, nil
	}

	result := &ApplyResult{}
	err = m.store.LockForUpdate(ctx, ev.Reference, func(tx *domain.Transaction) error {
		result.From = tx.State
		result.To = tx.State

		if tx.IsTerminal() {
			// Acknowledged to satisfy at-least-once delivery, but no
			// state change.
			result.Outcome = OutcomeNoOp
			m.logger.Info("event against terminal transaction ignored",
				"reference", ev.Reference,
				"event_id", ev.EventID,
				"state", tx.State,
				"proposed", ev.Proposed,
				"source", ev.Source,
			)
			return nil
		}

		if ev.Proposed == tx.State && !(ev.Proposed == domain.StateCaptured && ev.AmountMinor > 0) {
			result.Outcome = OutcomeNoOp
			return nil
		}

		if err := m.advance(tx, ev); err != nil {
			if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrRefundExceedsCapture) {
				result.Outcome = OutcomeInvalid
				m.logger.Warn("invalid transition rejected",
					"reference", ev.Reference,
					"event_id", ev.EventID,
					"from", tx.State,
					"proposed", ev.Proposed,
					"source", ev.Source,
				)
				// The transaction must not be mutated; abort the save.
				return domain.ErrInvalidTransition
			}
			return err
		}

		result.Outcome = OutcomeApplied
		result.To = tx.State
		m.logger.Info("transition applied",
			"reference", ev.Reference,
			"event_id", ev.EventID,
			"from", result.From,
			"to", result.To,
			"source", ev.Source,
		)
		return nil
	})

	switch {
	case err == nil:
	case errors.Is(err, domain.ErrInvalidTransition) && result.Outcome == OutcomeInvalid:
		// Rejected but recorded below so replays answer consistently.
	default:
		return nil, err
	}

	record := &AppliedEvent{
		EventID:   ev.EventID,
		Reference: ev.Reference,
		Outcome:   result.Outcome,
		FromState: result.From,
		ToState:   result.To,
		Source:    ev.Source,
		AppliedAt: time.Now(),
	}
	if err := m.store.RecordEvent(ctx, record); err != nil {
		return nil, fmt.Errorf("recording applied event %s: %w", ev.EventID, err)
	}

	return result, nil
}

// advance walks the transaction to the proposed state, including the
// intermediate hops a poll may have skipped over.
func (m *StateMachine) advance(tx *domain.Transaction, ev Event) error {
	path, err := tx.TransitionPath(ev.Proposed)
	if err != nil {
		return err
	}

	for _, step := range path {
		switch step {
		case domain.StateCaptured:
			amount := ev.AmountMinor
			if amount == 0 || step != ev.Proposed {
				amount = tx.AmountMinor - tx.CapturedMinor
			}
			if err := tx.RecordCapture(amount); err != nil {
				return err
			}
		case domain.StateRefunded:
			amount := ev.AmountMinor
			if amount == 0 {
				amount = tx.CapturedMinor - tx.RefundedMinor
			}
			if err := tx.RecordRefund(amount); err != nil {
				return err
			}
		default:
			if err := tx.TransitionTo(step); err != nil {
				return err
			}
		}
	}

	// A further partial capture arrives with the transaction already
	// CAPTURED; the path is empty and only the amount accumulates.
	if len(path) == 0 && ev.Proposed == domain.StateCaptured && ev.AmountMinor > 0 {
		return tx.RecordCapture(ev.AmountMinor)
	}

	return nil
}

func (m *StateMachine) lockFor(reference string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.refLocks[reference]
	if !ok {
		lock = &sync.Mutex{}
		m.refLocks[reference] = lock
	}
	return lock
}
