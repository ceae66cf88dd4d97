package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/strandkasse/vipps-gateway/internal/domain"
)

// Webhook event names subscribed to at registration time.
var subscribedEvents = []string{
	"epayments.payment.created.v1",
	"epayments.payment.authorized.v1",
	"epayments.payment.captured.v1",
	"epayments.payment.cancelled.v1",
	"epayments.payment.refunded.v1",
	"epayments.payment.expired.v1",
	"epayments.payment.aborted.v1",
	"epayments.payment.terminated.v1",
}

// TransactionHandle is what the host application gets back from an
// initiation: the reference to track plus whatever the chosen flow needs
// to put in front of the customer.
type TransactionHandle struct {
	Reference    string
	PSPReference string
	RedirectURL  string
	QRContent    string
}

// PaymentService is the only surface the host application touches. It owns
// initiation, status queries and capture/refund/cancel requests; all state
// mutation goes through the state machine.
type PaymentService struct {
	store       TransactionStore
	provider    ProviderClient
	machine     *StateMachine
	callbackURL string
	logger      *slog.Logger
}

func NewPaymentService(
	store TransactionStore,
	provider ProviderClient,
	machine *StateMachine,
	callbackURL string,
	logger *slog.Logger,
) *PaymentService {
	return &PaymentService{
		store:       store,
		provider:    provider,
		machine:     machine,
		callbackURL: callbackURL,
		logger:      logger,
	}
}

// InitiatePayment creates the transaction locally, creates the payment at
// the provider and registers a webhook for it. The reference is the
// caller's and must be unique; the idempotency key is generated here and
// fixed for the lifetime of this creation attempt.
func (s *PaymentService) InitiatePayment(ctx context.Context, reference string, amountMinor int64, currency string, flow domain.InitiationFlow) (*TransactionHandle, error) {
	idempotencyKey := uuid.NewString()

	tx, err := domain.NewTransaction(reference, amountMinor, currency, flow, idempotencyKey)
	if err != nil {
		return nil, &ValidationError{Detail: err.Error()}
	}

	if err := s.store.Create(ctx, tx); err != nil {
		return nil, fmt.Errorf("persisting transaction %s: %w", reference, err)
	}

	resp, err := s.provider.CreatePayment(ctx, CreatePaymentRequest{
		Reference:   reference,
		AmountMinor: amountMinor,
		Currency:    currency,
		Flow:        flow,
	}, idempotencyKey)
	if err != nil {
		s.logger.Error("payment creation failed",
			"reference", reference,
			"category", Categorize(err),
			"error", err,
		)
		return nil, err
	}

	registration, err := s.provider.RegisterWebhook(ctx, s.callbackURL, subscribedEvents, uuid.NewString())
	if err != nil {
		// The payment exists at the provider; the reconciler covers us
		// until a webhook secret is in place.
		s.logger.Warn("webhook registration failed, relying on status polling",
			"reference", reference,
			"error", err,
		)
	}

	err = s.store.LockForUpdate(ctx, reference, func(tx *domain.Transaction) error {
		tx.AttachProviderDetails(resp.PSPReference)
		if registration != nil {
			tx.AttachWebhook(registration.ID, registration.Secret)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("recording provider details for %s: %w", reference, err)
	}

	s.logger.Info("payment initiated",
		"reference", reference,
		"psp_reference", resp.PSPReference,
		"flow", flow.Kind(),
		"amount_minor", amountMinor,
		"currency", currency,
	)

	return &TransactionHandle{
		Reference:    reference,
		PSPReference: resp.PSPReference,
		RedirectURL:  resp.RedirectURL,
		QRContent:    resp.QRContent,
	}, nil
}

// GetStatus returns the current lifecycle state of a transaction.
func (s *PaymentService) GetStatus(ctx context.Context, reference string) (domain.LifecycleState, error) {
	tx, err := s.store.Load(ctx, reference)
	if err != nil {
		return "", err
	}
	return tx.State, nil
}

// RequestCapture captures part or all of an authorized payment. A zero
// amount captures the full remaining amount.
func (s *PaymentService) RequestCapture(ctx context.Context, reference string, amountMinor int64) error {
	tx, err := s.store.Load(ctx, reference)
	if err != nil {
		return err
	}
	if amountMinor == 0 {
		amountMinor = tx.AmountMinor - tx.CapturedMinor
	}

	idempotencyKey := uuid.NewString()
	resp, err := s.provider.CapturePayment(ctx, reference, amountMinor, tx.Currency, idempotencyKey)
	if err != nil {
		return err
	}

	return s.applyAdjustment(ctx, reference, resp.State, amountMinor, "capture", idempotencyKey)
}

// RequestRefund refunds part or all of a captured payment.
func (s *PaymentService) RequestRefund(ctx context.Context, reference string, amountMinor int64) error {
	tx, err := s.store.Load(ctx, reference)
	if err != nil {
		return err
	}
	if amountMinor == 0 {
		amountMinor = tx.CapturedMinor - tx.RefundedMinor
	}

	idempotencyKey := uuid.NewString()
	if _, err := s.provider.RefundPayment(ctx, reference, amountMinor, tx.Currency, idempotencyKey); err != nil {
		return err
	}

	return s.applyAdjustment(ctx, reference, domain.StateRefunded, amountMinor, "refund", idempotencyKey)
}

// RequestCancel cancels a payment that has not been captured.
func (s *PaymentService) RequestCancel(ctx context.Context, reference string) error {
	idempotencyKey := uuid.NewString()
	if _, err := s.provider.CancelPayment(ctx, reference, idempotencyKey); err != nil {
		return err
	}
	return s.applyAdjustment(ctx, reference, domain.StateCancelled, 0, "cancel", idempotencyKey)
}

func (s *PaymentService) applyAdjustment(ctx context.Context, reference string, state domain.LifecycleState, amountMinor int64, op, idempotencyKey string) error {
	result, err := s.machine.Apply(ctx, Event{
		Reference:   reference,
		Proposed:    state,
		EventID:     fmt.Sprintf("api:%s:%s", op, idempotencyKey),
		Source:      SourceAPI,
		AmountMinor: amountMinor,
	})
	if err != nil {
		return err
	}
	if result.Outcome == OutcomeInvalid {
		return fmt.Errorf("%s on %s in state %s: %w", op, reference, result.From, domain.ErrInvalidTransition)
	}
	return nil
}

// IsNotFound reports whether err means the transaction is unknown.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrTransactionNotFound)
}
