// Package domain encodes a payment transaction and its lifecycle.
package domain

import (
	"errors"
	"slices"
	"time"
)

// LifecycleState represents the current state of a transaction in its lifecycle
type LifecycleState string

const (
	StateCreated    LifecycleState = "CREATED"
	StateAuthorized LifecycleState = "AUTHORIZED"
	StateCaptured   LifecycleState = "CAPTURED"
	StateCancelled  LifecycleState = "CANCELLED"
	StateRefunded   LifecycleState = "REFUNDED"
	StateExpired    LifecycleState = "EXPIRED"
	StateAborted    LifecycleState = "ABORTED"
	StateTerminated LifecycleState = "TERMINATED"
)

// Transaction is a single payment against the provider. The merchant
// reference is caller-generated and immutable; amount and currency are
// fixed at creation. State only moves through the edges in
// canTransitionTo, and only the state machine mutates it.
type Transaction struct {
	Reference      string
	PSPReference   *string
	IdempotencyKey string
	State          LifecycleState
	Flow           InitiationFlow

	AmountMinor    int64
	Currency       string
	CapturedMinor  int64
	RefundedMinor  int64

	WebhookID     *string
	WebhookSecret *string

	CreatedAt        time.Time
	LastTransitionAt time.Time
}

func NewTransaction(reference string, amountMinor int64, currency string, flow InitiationFlow, idempotencyKey string) (*Transaction, error) {
	if reference == "" {
		return nil, errors.New("merchant reference is required")
	}
	if amountMinor <= 0 {
		return nil, ErrInvalidAmount
	}
	if len(currency) != 3 {
		return nil, ErrInvalidCurrency
	}
	if flow == nil {
		return nil, errors.New("initiation flow is required")
	}
	if idempotencyKey == "" {
		return nil, errors.New("idempotency key is required")
	}

	now := time.Now()
	return &Transaction{
		Reference:        reference,
		IdempotencyKey:   idempotencyKey,
		State:            StateCreated,
		Flow:             flow,
		AmountMinor:      amountMinor,
		Currency:         currency,
		CreatedAt:        now,
		LastTransitionAt: now,
	}, nil
}

// TransitionTo moves the transaction to the target state if the edge is
// allowed from the current state.
func (t *Transaction) TransitionTo(target LifecycleState) error {
	if err := t.canTransitionTo(target); err != nil {
		return err
	}
	t.State = target
	t.LastTransitionAt = time.Now()
	return nil
}

func (t *Transaction) canTransitionTo(target LifecycleState) error {
	switch t.State {
	case StateCreated:
		return t.allow(target, StateAuthorized, StateExpired, StateAborted)
	case StateAuthorized:
		return t.allow(target, StateCaptured, StateCancelled, StateExpired, StateAborted)
	case StateCaptured:
		return t.allow(target, StateRefunded)
	}
	return ErrInvalidTransition
}

// Helper to check allowed state transitions
func (t *Transaction) allow(target LifecycleState, allowed ...LifecycleState) error {
	if slices.Contains(allowed, target) {
		return nil
	}
	return ErrInvalidTransition
}

// TransitionPath returns the ordered states to walk from the current state
// to target, each hop an allowed edge. A poll can observe a state several
// hops ahead of the last webhook (CAPTURED while we still hold CREATED);
// the intermediate states are applied in order so the audit trail never
// contains an edge outside the table.
func (t *Transaction) TransitionPath(target LifecycleState) ([]LifecycleState, error) {
	if target == t.State {
		return nil, nil
	}
	if t.canTransitionTo(target) == nil {
		return []LifecycleState{target}, nil
	}
	// The only legal multi-hop observations pass through AUTHORIZED.
	if t.State == StateCreated {
		probe := Transaction{State: StateAuthorized}
		if probe.canTransitionTo(target) == nil {
			return []LifecycleState{StateAuthorized, target}, nil
		}
		if target == StateRefunded {
			return []LifecycleState{StateAuthorized, StateCaptured, StateRefunded}, nil
		}
	}
	if t.State == StateAuthorized && target == StateRefunded {
		return []LifecycleState{StateCaptured, StateRefunded}, nil
	}
	return nil, ErrInvalidTransition
}

// RecordCapture accumulates a captured amount. The transition to CAPTURED
// happens on the first capture; further partial captures only adjust the
// accumulated amount.
func (t *Transaction) RecordCapture(amountMinor int64) error {
	if amountMinor <= 0 || t.CapturedMinor+amountMinor > t.AmountMinor {
		return ErrInvalidAmount
	}
	if t.State != StateCaptured {
		if err := t.TransitionTo(StateCaptured); err != nil {
			return err
		}
	}
	t.CapturedMinor += amountMinor
	return nil
}

// RecordRefund accumulates a refunded amount. The transaction stays
// CAPTURED until the captured amount is fully refunded, then moves to
// REFUNDED.
func (t *Transaction) RecordRefund(amountMinor int64) error {
	if t.State != StateCaptured {
		return ErrInvalidTransition
	}
	if amountMinor <= 0 || t.RefundedMinor+amountMinor > t.CapturedMinor {
		return ErrRefundExceedsCapture
	}
	t.RefundedMinor += amountMinor
	if t.RefundedMinor == t.CapturedMinor {
		return t.TransitionTo(StateRefunded)
	}
	t.LastTransitionAt = time.Now()
	return nil
}

// IsTerminal reports whether the transaction accepts further transitions.
func (t *Transaction) IsTerminal() bool {
	switch t.State {
	case StateCaptured:
		// CAPTURED still accepts refunds.
		return false
	case StateCancelled, StateRefunded, StateExpired, StateAborted, StateTerminated:
		return true
	default:
		return false
	}
}

// AttachProviderDetails records the PSP-assigned reference once known.
func (t *Transaction) AttachProviderDetails(pspReference string) {
	if pspReference == "" {
		return
	}
	t.PSPReference = &pspReference
}

// AttachWebhook records the per-transaction webhook registration issued by
// the provider.
func (t *Transaction) AttachWebhook(id, secret string) {
	t.WebhookID = &id
	t.WebhookSecret = &secret
}

// Reconstitute - special constructor for loading from a store
func Reconstitute(
	reference string,
	pspReference *string,
	idempotencyKey string,
	state LifecycleState,
	flow InitiationFlow,
	amountMinor int64,
	currency string,
	capturedMinor int64,
	refundedMinor int64,
	webhookID *string,
	webhookSecret *string,
	createdAt time.Time,
	lastTransitionAt time.Time,
) *Transaction {
	return &Transaction{
		Reference:        reference,
		PSPReference:     pspReference,
		IdempotencyKey:   idempotencyKey,
		State:            state,
		Flow:             flow,
		AmountMinor:      amountMinor,
		Currency:         currency,
		CapturedMinor:    capturedMinor,
		RefundedMinor:    refundedMinor,
		WebhookID:        webhookID,
		WebhookSecret:    webhookSecret,
		CreatedAt:        createdAt,
		LastTransitionAt: lastTransitionAt,
	}
}
