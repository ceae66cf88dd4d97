package vipps

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"

	"github.com/strandkasse/vipps-gateway/internal/application"
	"github.com/strandkasse/vipps-gateway/internal/config"
)

// AccessToken is an opaque bearer credential bound to one environment.
// It is replaced, never mutated.
type AccessToken struct {
	Value       string
	ExpiresAt   time.Time
	Environment string
}

// Valid reports whether the token's remaining lifetime exceeds the margin.
func (t AccessToken) Valid(margin time.Duration, now time.Time) bool {
	return t.Value != "" && now.Add(margin).Before(t.ExpiresAt)
}

// TokenCache owns the bearer token and its refresh protocol. Concurrent
// callers share one in-flight refresh; all receive the same token or the
// same failure.
type TokenCache struct {
	cfg        config.ProviderConfig
	retryCfg   config.RetryConfig
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time

	mu      sync.RWMutex
	current *AccessToken
	group   singleflight.Group
}

func NewTokenCache(cfg config.ProviderConfig, retryCfg config.RetryConfig, logger *slog.Logger) *TokenCache {
	return &TokenCache{
		cfg:      cfg,
		retryCfg: retryCfg,
		httpClient: &http.Client{
			Timeout: cfg.ConnTimeout,
		},
		logger: logger,
		now:    time.Now,
	}
}

// GetToken returns the cached token while its remaining lifetime exceeds
// the safety margin, otherwise performs a single refresh shared by all
// concurrent callers. Invalid credentials are fatal and not retried.
func (c *TokenCache) GetToken(ctx context.Context) (AccessToken, error) {
	c.mu.RLock()
	current := c.current
	c.mu.RUnlock()
	if current != nil && current.Valid(c.cfg.TokenExpiryMargin, c.now()) {
		return *current, nil
	}

	v, err, _ := c.group.Do("refresh", func() (any, error) {
		// A caller queued behind the refresh finds the fresh token here.
		c.mu.RLock()
		current := c.current
		c.mu.RUnlock()
		if current != nil && current.Valid(c.cfg.TokenExpiryMargin, c.now()) {
			return *current, nil
		}

		// The refresh is shared by every queued caller, so it must not die
		// with the first caller's context. Each HTTP attempt still has the
		// client timeout.
		fresh, err := c.fetch(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.current = fresh
		c.mu.Unlock()

		c.logger.Info("access token refreshed",
			"environment", c.cfg.Environment,
			"expires_at", fresh.ExpiresAt,
		)
		return *fresh, nil
	})
	if err != nil {
		return AccessToken{}, err
	}
	return v.(AccessToken), nil
}

// Invalidate drops the cached token if it is still the given one, so the
// next caller forces a refresh. Used after the provider answers 401.
func (c *TokenCache) Invalidate(value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil && c.current.Value == value {
		c.current = nil
	}
}

// fetch performs the token request, retrying transient failures with
// exponential backoff. Credential rejections surface as AuthError.
func (c *TokenCache) fetch(ctx context.Context) (*AccessToken, error) {
	var token *AccessToken

	operation := func() error {
		fresh, err := c.requestToken(ctx)
		if err != nil {
			if provErr, ok := IsProviderError(err); ok && !provErr.IsRetryable() {
				return backoff.Permanent(&application.AuthError{
					Environment: c.cfg.Environment,
					Detail:      provErr.Message,
				})
			}
			return err
		}
		token = fresh
		return nil
	}

	attempts := c.retryCfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryCfg.BaseDelay
	err := backoff.Retry(operation, backoff.WithContext(
		backoff.WithMaxRetries(bo, uint64(attempts-1)), ctx))
	if err != nil {
		return nil, err
	}
	return token, nil
}

func (c *TokenCache) requestToken(ctx context.Context) (*AccessToken, error) {
	url := fmt.Sprintf("%s/accesstoken/get", c.cfg.BaseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating token request: %w", err)
	}

	req.Header.Set("client_id", c.cfg.ClientID)
	req.Header.Set("client_secret", c.cfg.ClientSecret)
	req.Header.Set("Ocp-Apim-Subscription-Key", c.cfg.SubscriptionKey)
	req.Header.Set("Merchant-Serial-Number", c.cfg.MerchantSerialNumber)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error requesting token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		var problem problemResponse
		if err := json.Unmarshal(body, &problem); err != nil {
			return nil, &ProviderError{
				StatusCode: resp.StatusCode,
				Code:       "token_error",
				Message:    string(body),
			}
		}
		return nil, &ProviderError{
			StatusCode: resp.StatusCode,
			Code:       problem.Type,
			Message:    problem.Detail,
			TraceID:    problem.TraceID,
		}
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("error decoding token response: %w", err)
	}

	expiresOn, err := strconv.ParseInt(tr.ExpiresOn, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid expires_on %q: %w", tr.ExpiresOn, err)
	}

	return &AccessToken{
		Value:       tr.AccessToken,
		ExpiresAt:   time.Unix(expiresOn, 0),
		Environment: c.cfg.Environment,
	}, nil
}
