// Package pos coordinates a point-of-sale payment session: flow
// selection, a bounded polling loop over the transaction's lifecycle
// state, and terminal session outcomes.
package pos

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/strandkasse/vipps-gateway/internal/application"
	"github.com/strandkasse/vipps-gateway/internal/domain"
)

// SessionState is the session's own lifecycle, distinct from the
// transaction's.
type SessionState string

const (
	StateFlowSelection          SessionState = "FLOW_SELECTION"
	StateAwaitingCustomerAction SessionState = "AWAITING_CUSTOMER_ACTION"
	StateCompleted              SessionState = "COMPLETED"
	StateFailed                 SessionState = "FAILED"
	StateTimedOut               SessionState = "TIMED_OUT"
	StateCancelled              SessionState = "CANCELLED"
)

// PaymentGateway is the slice of the payment service a session needs.
type PaymentGateway interface {
	InitiatePayment(ctx context.Context, reference string, amountMinor int64, currency string, flow domain.InitiationFlow) (*application.TransactionHandle, error)
	GetStatus(ctx context.Context, reference string) (domain.LifecycleState, error)
	RequestCancel(ctx context.Context, reference string) error
}

// Session drives one customer payment at the point of sale. The customer
// only ever sees Completed, Failed, TimedOut or Cancelled; internal error
// kinds stay behind this boundary.
type Session struct {
	gateway      PaymentGateway
	pollInterval time.Duration
	timeout      time.Duration
	logger       *slog.Logger

	reference      string
	flow           domain.InitiationFlow
	staffConfirmed atomic.Bool

	// mu guards state, which the till reads while Await runs.
	mu    sync.Mutex
	state SessionState
}

func NewSession(gateway PaymentGateway, pollInterval, timeout time.Duration, logger *slog.Logger) *Session {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Session{
		gateway:      gateway,
		pollInterval: pollInterval,
		timeout:      timeout,
		logger:       logger,
		state:        StateFlowSelection,
	}
}

// State returns the session's current state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state SessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Reference returns the transaction reference once a flow is started.
func (s *Session) Reference() string { return s.reference }

// ConfirmManual records the staff confirmation a manual-verification flow
// requires before the session may complete.
func (s *Session) ConfirmManual() {
	s.staffConfirmed.Store(true)
}

// Start selects the flow, initiates the payment and hands back what the
// till must show the customer (QR content, landing URL or just the code).
func (s *Session) Start(ctx context.Context, reference string, amountMinor int64, currency string, flow domain.InitiationFlow) (*application.TransactionHandle, error) {
	if s.State() != StateFlowSelection {
		return nil, errors.New("session already started")
	}

	handle, err := s.gateway.InitiatePayment(ctx, reference, amountMinor, currency, flow)
	if err != nil {
		s.setState(StateFailed)
		return nil, err
	}

	s.reference = reference
	s.flow = flow
	s.setState(StateAwaitingCustomerAction)
	s.logger.Info("pos session awaiting customer action",
		"reference", reference,
		"flow", flow.Kind(),
	)
	return handle, nil
}

// Await runs the bounded polling loop until the transaction reaches a
// terminal-for-the-session state, the timeout elapses, or ctx is
// cancelled (customer or staff abort). Timeout and abort both issue a
// best-effort cancel; a late authorization after that is still accepted
// by the state machine, decoupled from this closed session.
func (s *Session) Await(ctx context.Context) (SessionState, error) {
	if current := s.State(); current != StateAwaitingCustomerAction {
		return current, errors.New("session is not awaiting customer action")
	}

	deadline := time.NewTimer(s.timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.setState(StateCancelled)
			s.bestEffortCancel()
			return StateCancelled, nil

		case <-deadline.C:
			s.setState(StateTimedOut)
			s.logger.Info("pos session timed out", "reference", s.reference, "timeout", s.timeout)
			s.bestEffortCancel()
			return StateTimedOut, nil

		case <-ticker.C:
			state, err := s.gateway.GetStatus(ctx, s.reference)
			if err != nil {
				// Transient store/provider trouble: keep polling until
				// the timeout decides.
				s.logger.Warn("pos status poll failed", "reference", s.reference, "error", err)
				continue
			}

			switch state {
			case domain.StateAuthorized, domain.StateCaptured:
				if s.requiresStaffConfirmation() {
					continue
				}
				s.setState(StateCompleted)
				s.logger.Info("pos session completed", "reference", s.reference, "transaction_state", state)
				return StateCompleted, nil

			case domain.StateCancelled, domain.StateAborted, domain.StateExpired, domain.StateTerminated:
				s.setState(StateFailed)
				s.logger.Info("pos session failed", "reference", s.reference, "transaction_state", state)
				return StateFailed, nil
			}
		}
	}
}

// requiresStaffConfirmation holds a manual-verification flow open until
// staff confirm, even with the transaction already authorized.
func (s *Session) requiresStaffConfirmation() bool {
	if s.flow == nil || s.flow.Kind() != domain.FlowManual {
		return false
	}
	return !s.staffConfirmed.Load()
}

// bestEffortCancel tolerates cancellation failing (already authorized,
// already expired); that is not session-fatal.
func (s *Session) bestEffortCancel() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.gateway.RequestCancel(ctx, s.reference); err != nil {
		s.logger.Warn("best-effort cancel failed",
			"reference", s.reference,
			"category", application.Categorize(err),
			"error", err,
		)
	}
}
