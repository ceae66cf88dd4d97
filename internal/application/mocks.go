package application

import (
	"context"
	"sync"

	"github.com/strandkasse/vipps-gateway/internal/domain"
)

// MockProviderClient is a function-field test double for ProviderClient.
// Unset fields answer with a plausible success.
type MockProviderClient struct {
	mu    sync.Mutex
	calls map[string]int

	CreatePaymentFn   func(ctx context.Context, req CreatePaymentRequest, idempotencyKey string) (*CreatePaymentResponse, error)
	GetPaymentFn      func(ctx context.Context, reference string) (*PaymentDetails, error)
	CapturePaymentFn  func(ctx context.Context, reference string, amountMinor int64, currency, idempotencyKey string) (*AdjustmentResponse, error)
	RefundPaymentFn   func(ctx context.Context, reference string, amountMinor int64, currency, idempotencyKey string) (*AdjustmentResponse, error)
	CancelPaymentFn   func(ctx context.Context, reference string, idempotencyKey string) (*AdjustmentResponse, error)
	RegisterWebhookFn func(ctx context.Context, callbackURL string, events []string, idempotencyKey string) (*WebhookRegistration, error)
}

func NewMockProviderClient() *MockProviderClient {
	return &MockProviderClient{calls: make(map[string]int)}
}

func (m *MockProviderClient) record(op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[op]++
}

// Calls returns how many times an operation was invoked.
func (m *MockProviderClient) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

func (m *MockProviderClient) CreatePayment(ctx context.Context, req CreatePaymentRequest, idempotencyKey string) (*CreatePaymentResponse, error) {
	m.record("CreatePayment")
	if m.CreatePaymentFn != nil {
		return m.CreatePaymentFn(ctx, req, idempotencyKey)
	}
	return &CreatePaymentResponse{
		Reference:    req.Reference,
		PSPReference: "psp-" + req.Reference,
		RedirectURL:  "https://pay.example/redirect/" + req.Reference,
	}, nil
}

func (m *MockProviderClient) GetPayment(ctx context.Context, reference string) (*PaymentDetails, error) {
	m.record("GetPayment")
	if m.GetPaymentFn != nil {
		return m.GetPaymentFn(ctx, reference)
	}
	return &PaymentDetails{Reference: reference, State: domain.StateCreated}, nil
}

func (m *MockProviderClient) CapturePayment(ctx context.Context, reference string, amountMinor int64, currency, idempotencyKey string) (*AdjustmentResponse, error) {
	m.record("CapturePayment")
	if m.CapturePaymentFn != nil {
		return m.CapturePaymentFn(ctx, reference, amountMinor, currency, idempotencyKey)
	}
	return &AdjustmentResponse{Reference: reference, State: domain.StateCaptured}, nil
}

func (m *MockProviderClient) RefundPayment(ctx context.Context, reference string, amountMinor int64, currency, idempotencyKey string) (*AdjustmentResponse, error) {
	m.record("RefundPayment")
	if m.RefundPaymentFn != nil {
		return m.RefundPaymentFn(ctx, reference, amountMinor, currency, idempotencyKey)
	}
	return &AdjustmentResponse{Reference: reference, State: domain.StateRefunded}, nil
}

func (m *MockProviderClient) CancelPayment(ctx context.Context, reference string, idempotencyKey string) (*AdjustmentResponse, error) {
	m.record("CancelPayment")
	if m.CancelPaymentFn != nil {
		return m.CancelPaymentFn(ctx, reference, idempotencyKey)
	}
	return &AdjustmentResponse{Reference: reference, State: domain.StateCancelled}, nil
}

func (m *MockProviderClient) RegisterWebhook(ctx context.Context, callbackURL string, events []string, idempotencyKey string) (*WebhookRegistration, error) {
	m.record("RegisterWebhook")
	if m.RegisterWebhookFn != nil {
		return m.RegisterWebhookFn(ctx, callbackURL, events, idempotencyKey)
	}
	return &WebhookRegistration{ID: "wh-1", Secret: "whsec-test"}, nil
}
