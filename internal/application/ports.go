package application

import (
	"context"
	"time"

	"github.com/strandkasse/vipps-gateway/internal/domain"
)

// ProviderClient is the port for the external payment API. Every mutating
// call carries a caller-supplied idempotency key, stable across retries of
// the same logical operation.
type ProviderClient interface {
	CreatePayment(ctx context.Context, req CreatePaymentRequest, idempotencyKey string) (*CreatePaymentResponse, error)
	GetPayment(ctx context.Context, reference string) (*PaymentDetails, error)
	CapturePayment(ctx context.Context, reference string, amountMinor int64, currency string, idempotencyKey string) (*AdjustmentResponse, error)
	RefundPayment(ctx context.Context, reference string, amountMinor int64, currency string, idempotencyKey string) (*AdjustmentResponse, error)
	CancelPayment(ctx context.Context, reference string, idempotencyKey string) (*AdjustmentResponse, error)
	RegisterWebhook(ctx context.Context, callbackURL string, events []string, idempotencyKey string) (*WebhookRegistration, error)
}

// TransactionStore is the port for persistence. LockForUpdate serializes
// cross-process access to one transaction; the state machine adds the
// in-process per-reference serialization on top.
type TransactionStore interface {
	Create(ctx context.Context, tx *domain.Transaction) error
	Load(ctx context.Context, reference string) (*domain.Transaction, error)
	Save(ctx context.Context, tx *domain.Transaction) error
	LockForUpdate(ctx context.Context, reference string, fn func(tx *domain.Transaction) error) error

	// FindStale returns non-terminal transactions whose last transition is
	// older than the given window. The reconciler feeds on this.
	FindStale(ctx context.Context, olderThan time.Duration, limit int) ([]*domain.Transaction, error)

	// Applied-event records back the state machine's event-id idempotency.
	LookupEvent(ctx context.Context, eventID string) (*AppliedEvent, error)
	RecordEvent(ctx context.Context, event *AppliedEvent) error
}

// Deduplicator tracks which webhook deliveries have already been admitted.
type Deduplicator interface {
	// AdmitOnce returns true exactly once per event id within the
	// retention window.
	AdmitOnce(ctx context.Context, eventID, reference string) (bool, error)
	// Forget releases an admitted event id so its redelivery is admitted
	// again. Used when processing fails after admission.
	Forget(ctx context.Context, eventID string) error
}

// AppliedEvent is the durable record of one event id's outcome, so a
// redelivered event yields its first result again without side effects.
type AppliedEvent struct {
	EventID   string
	Reference string
	Outcome   ApplyOutcome
	FromState domain.LifecycleState
	ToState   domain.LifecycleState
	Source    EventSource
	AppliedAt time.Time
}

// CreatePaymentRequest describes a payment initiation against the provider.
type CreatePaymentRequest struct {
	Reference   string
	AmountMinor int64
	Currency    string
	Description string
	Flow        domain.InitiationFlow
}

type CreatePaymentResponse struct {
	Reference    string
	PSPReference string
	RedirectURL  string // hosted landing page, web-redirect flow
	QRContent    string // QR flows
}

// PaymentDetails is the provider's view of a payment, returned by GetPayment.
type PaymentDetails struct {
	Reference     string
	PSPReference  string
	State         domain.LifecycleState
	AmountMinor   int64
	Currency      string
	CapturedMinor int64
	RefundedMinor int64
}

type AdjustmentResponse struct {
	Reference    string
	PSPReference string
	State        domain.LifecycleState
}

// WebhookRegistration is the provider's answer to registering a callback:
// the webhook id and the secret used to sign deliveries to it.
type WebhookRegistration struct {
	ID     string
	Secret string
}
