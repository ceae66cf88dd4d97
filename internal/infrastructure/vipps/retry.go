package vipps

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/strandkasse/vipps-gateway/internal/application"
	"github.com/strandkasse/vipps-gateway/internal/config"
)

// RetryClient decorates a ProviderClient with exponential backoff plus
// jitter for transient failures and a circuit breaker per provider
// environment. The caller's idempotency key is reused unchanged across
// internal retries of one call.
type RetryClient struct {
	inner       application.ProviderClient
	maxAttempts int
	retryCfg    config.RetryConfig
	breaker     *gobreaker.CircuitBreaker
	logger      *slog.Logger

	// newBackOff builds the per-call backoff schedule; tests swap it in to
	// observe the delays.
	newBackOff func() backoff.BackOff
}

func NewRetryClient(inner application.ProviderClient, cfg config.RetryConfig, environment string, logger *slog.Logger) *RetryClient {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "vipps-" + environment,
		Timeout: cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerThreshold
		},
		// Business rejections must not open the circuit; only transient
		// dependency failures count.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var transientErr *application.TransientError
			return !errors.As(err, &transientErr)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return &RetryClient{
		inner:       inner,
		maxAttempts: maxAttempts,
		retryCfg:    cfg,
		breaker:     breaker,
		logger:      logger,
		newBackOff: func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = cfg.BaseDelay
			// Doubling with jitter bounded below 1/3 keeps each delay
			// strictly longer than the one before it.
			bo.Multiplier = 2
			bo.RandomizationFactor = 0.25
			return bo
		},
	}
}

func (r *RetryClient) CreatePayment(ctx context.Context, req application.CreatePaymentRequest, idempotencyKey string) (*application.CreatePaymentResponse, error) {
	return call(r, ctx, "CreatePayment", func(ctx context.Context) (*application.CreatePaymentResponse, error) {
		return r.inner.CreatePayment(ctx, req, idempotencyKey)
	})
}

func (r *RetryClient) GetPayment(ctx context.Context, reference string) (*application.PaymentDetails, error) {
	return call(r, ctx, "GetPayment", func(ctx context.Context) (*application.PaymentDetails, error) {
		return r.inner.GetPayment(ctx, reference)
	})
}

func (r *RetryClient) CapturePayment(ctx context.Context, reference string, amountMinor int64, currency, idempotencyKey string) (*application.AdjustmentResponse, error) {
	return call(r, ctx, "CapturePayment", func(ctx context.Context) (*application.AdjustmentResponse, error) {
		return r.inner.CapturePayment(ctx, reference, amountMinor, currency, idempotencyKey)
	})
}

func (r *RetryClient) RefundPayment(ctx context.Context, reference string, amountMinor int64, currency, idempotencyKey string) (*application.AdjustmentResponse, error) {
	return call(r, ctx, "RefundPayment", func(ctx context.Context) (*application.AdjustmentResponse, error) {
		return r.inner.RefundPayment(ctx, reference, amountMinor, currency, idempotencyKey)
	})
}

func (r *RetryClient) CancelPayment(ctx context.Context, reference string, idempotencyKey string) (*application.AdjustmentResponse, error) {
	return call(r, ctx, "CancelPayment", func(ctx context.Context) (*application.AdjustmentResponse, error) {
		return r.inner.CancelPayment(ctx, reference, idempotencyKey)
	})
}

func (r *RetryClient) RegisterWebhook(ctx context.Context, callbackURL string, events []string, idempotencyKey string) (*application.WebhookRegistration, error) {
	return call(r, ctx, "RegisterWebhook", func(ctx context.Context) (*application.WebhookRegistration, error) {
		return r.inner.RegisterWebhook(ctx, callbackURL, events, idempotencyKey)
	})
}

// Generic retry helper. Transient failures are retried with exponential
// backoff and jitter up to the attempt cap, then surfaced as
// TransientError; everything else fails the call immediately.
func call[T any](r *RetryClient, ctx context.Context, op string, operation func(ctx context.Context) (*T, error)) (*T, error) {
	out, err := r.breaker.Execute(func() (any, error) {
		var resp *T
		attempts := 0
		bo := r.newBackOff()

		attempt := func() error {
			attempts++
			result, err := operation(ctx)
			if err == nil {
				resp = result
				return nil
			}
			if !isRetryable(err) {
				return backoff.Permanent(toApplicationError(err))
			}
			r.logger.Warn("transient provider failure, backing off",
				"operation", op,
				"attempt", attempts,
				"error", err,
			)
			return err
		}

		err := backoff.Retry(attempt, backoff.WithContext(
			backoff.WithMaxRetries(bo, uint64(r.maxAttempts-1)), ctx))
		if err != nil {
			if isRetryable(err) {
				return nil, &application.TransientError{Attempts: attempts, Err: err}
			}
			return nil, err
		}
		return resp, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &application.TransientError{Attempts: 0, Err: err}
		}
		return nil, err
	}
	return out.(*T), nil
}

// isRetryable: transient means 5xx, timeout or connection failure. 4xx is
// the caller's problem except 401, which the inner client already handles
// with a single token refresh. Errors already mapped onto the taxonomy
// (conflict, validation, auth, not-found) are terminal and surface as-is.
func isRetryable(err error) bool {
	if provErr, ok := IsProviderError(err); ok {
		return provErr.IsRetryable()
	}
	var (
		authErr     *application.AuthError
		conflictErr *application.ConflictError
		valErr      *application.ValidationError
	)
	if errors.As(err, &authErr) || errors.As(err, &conflictErr) || errors.As(err, &valErr) {
		return false
	}
	if errors.Is(err, application.ErrTransactionNotFound) {
		return false
	}
	var transientErr *application.TransientError
	if errors.As(err, &transientErr) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	// Timeouts and connection-level failures.
	return true
}

// toApplicationError maps a terminal provider error onto the shared
// taxonomy so callers never see wire-level detail.
func toApplicationError(err error) error {
	provErr, ok := IsProviderError(err)
	if !ok {
		return err
	}
	switch {
	case provErr.StatusCode == http.StatusConflict:
		return &application.ConflictError{
			ProviderCode: provErr.Code,
			TraceID:      provErr.TraceID,
			Detail:       provErr.Message,
		}
	case provErr.IsAuth():
		return &application.AuthError{Detail: provErr.Message}
	case provErr.StatusCode == http.StatusNotFound:
		return application.ErrTransactionNotFound
	case provErr.StatusCode >= 400 && provErr.StatusCode < 500:
		return &application.ValidationError{Detail: provErr.Error()}
	default:
		return err
	}
}
