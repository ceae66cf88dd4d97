// Package vipps talks to the Vipps/MobilePay ePayment API: token
// handling, typed payment operations and the retry/circuit-breaker layer.
package vipps

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/strandkasse/vipps-gateway/internal/application"
	"github.com/strandkasse/vipps-gateway/internal/config"
	"github.com/strandkasse/vipps-gateway/internal/domain"
)

// Client implements application.ProviderClient against the ePayment API.
// Wrap it in a RetryClient before handing it to services.
type Client struct {
	cfg        config.ProviderConfig
	tokens     *TokenCache
	httpClient *http.Client
}

func NewClient(cfg config.ProviderConfig, tokens *TokenCache) *Client {
	return &Client{
		cfg:    cfg,
		tokens: tokens,
		httpClient: &http.Client{
			Timeout: cfg.ConnTimeout,
		},
	}
}

func (c *Client) CreatePayment(ctx context.Context, req application.CreatePaymentRequest, idempotencyKey string) (*application.CreatePaymentResponse, error) {
	url := fmt.Sprintf("%s/epayment/v1/payments", c.cfg.BaseURL)

	body := createPaymentRequest{
		Amount:             amountDTO{Currency: req.Currency, Value: req.AmountMinor},
		PaymentMethod:      paymentMethod{Type: "WALLET"},
		Reference:          req.Reference,
		PaymentDescription: req.Description,
	}
	switch flow := req.Flow.(type) {
	case domain.WebRedirectFlow:
		body.UserFlow = "WEB_REDIRECT"
		body.ReturnURL = flow.ReturnURL
	case domain.QRFlow:
		body.UserFlow = "QR"
		format := flow.ImageFormat
		if format == "" {
			format = "image/png"
		}
		body.QRFormat = &qrFormatDTO{Format: format}
	case domain.PhonePushFlow:
		body.UserFlow = "PUSH_MESSAGE"
		body.Customer = &customerDTO{PhoneNumber: flow.PhoneNumber}
	case domain.ManualFlow:
		body.UserFlow = "QR"
		body.CustomerInteraction = "CUSTOMER_PRESENT"
		body.QRFormat = &qrFormatDTO{Format: "text/targetUrl"}
	}

	resp, err := sendRequest[createPaymentRequest, createPaymentResponse](c, ctx, http.MethodPost, url, &body, idempotencyKey)
	if err != nil {
		return nil, err
	}

	return &application.CreatePaymentResponse{
		Reference:    resp.Reference,
		PSPReference: resp.PSPReference,
		RedirectURL:  resp.RedirectURL,
		QRContent:    resp.QRContent,
	}, nil
}

func (c *Client) GetPayment(ctx context.Context, reference string) (*application.PaymentDetails, error) {
	url := fmt.Sprintf("%s/epayment/v1/payments/%s", c.cfg.BaseURL, reference)
	resp, err := sendRequest[any, getPaymentResponse](c, ctx, http.MethodGet, url, nil, "")
	if err != nil {
		return nil, err
	}

	state, ok := domain.StateFromProvider(resp.State)
	if !ok {
		return nil, fmt.Errorf("unknown provider state %q for %s", resp.State, reference)
	}

	return &application.PaymentDetails{
		Reference:     resp.Reference,
		PSPReference:  resp.PSPReference,
		State:         state,
		AmountMinor:   resp.Amount.Value,
		Currency:      resp.Amount.Currency,
		CapturedMinor: resp.Aggregate.CapturedAmount.Value,
		RefundedMinor: resp.Aggregate.RefundedAmount.Value,
	}, nil
}

func (c *Client) CapturePayment(ctx context.Context, reference string, amountMinor int64, currency, idempotencyKey string) (*application.AdjustmentResponse, error) {
	url := fmt.Sprintf("%s/epayment/v1/payments/%s/capture", c.cfg.BaseURL, reference)
	body := modificationRequest{ModificationAmount: amountDTO{Currency: currency, Value: amountMinor}}
	return c.modify(ctx, http.MethodPost, url, &body, idempotencyKey)
}

func (c *Client) RefundPayment(ctx context.Context, reference string, amountMinor int64, currency, idempotencyKey string) (*application.AdjustmentResponse, error) {
	url := fmt.Sprintf("%s/epayment/v1/payments/%s/refund", c.cfg.BaseURL, reference)
	body := modificationRequest{ModificationAmount: amountDTO{Currency: currency, Value: amountMinor}}
	return c.modify(ctx, http.MethodPost, url, &body, idempotencyKey)
}

func (c *Client) CancelPayment(ctx context.Context, reference string, idempotencyKey string) (*application.AdjustmentResponse, error) {
	url := fmt.Sprintf("%s/epayment/v1/payments/%s/cancel", c.cfg.BaseURL, reference)
	return c.modify(ctx, http.MethodPost, url, (*modificationRequest)(nil), idempotencyKey)
}

func (c *Client) RegisterWebhook(ctx context.Context, callbackURL string, events []string, idempotencyKey string) (*application.WebhookRegistration, error) {
	url := fmt.Sprintf("%s/webhooks/v1/webhooks", c.cfg.BaseURL)
	body := registerWebhookRequest{URL: callbackURL, Events: events}
	resp, err := sendRequest[registerWebhookRequest, registerWebhookResponse](c, ctx, http.MethodPost, url, &body, idempotencyKey)
	if err != nil {
		return nil, err
	}
	return &application.WebhookRegistration{ID: resp.ID, Secret: resp.Secret}, nil
}

func (c *Client) modify(ctx context.Context, method, url string, body *modificationRequest, idempotencyKey string) (*application.AdjustmentResponse, error) {
	resp, err := sendRequest[modificationRequest, modificationResponse](c, ctx, method, url, body, idempotencyKey)
	if err != nil {
		return nil, err
	}
	state, ok := domain.StateFromProvider(resp.State)
	if !ok {
		return nil, fmt.Errorf("unknown provider state %q", resp.State)
	}
	return &application.AdjustmentResponse{
		Reference:    resp.Reference,
		PSPReference: resp.PSPReference,
		State:        state,
	}, nil
}

func sendRequest[Req any, Resp any](c *Client, ctx context.Context, method, url string, reqBody *Req, idempotencyKey string) (*Resp, error) {
	token, err := c.tokens.GetToken(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := doOnce[Req, Resp](c, ctx, method, url, reqBody, idempotencyKey, token)
	if provErr, ok := IsProviderError(err); ok && provErr.StatusCode == http.StatusUnauthorized {
		// Stale token: refresh once and retry exactly once.
		c.tokens.Invalidate(token.Value)
		token, err = c.tokens.GetToken(ctx)
		if err != nil {
			return nil, err
		}
		return doOnce[Req, Resp](c, ctx, method, url, reqBody, idempotencyKey, token)
	}
	return resp, err
}

func doOnce[Req any, Resp any](c *Client, ctx context.Context, method, url string, reqBody *Req, idempotencyKey string, token AccessToken) (*Resp, error) {
	var bodyReader io.Reader
	if reqBody != nil {
		jsonData, err := json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("error marshalling json: %w", err)
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	if reqBody != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	// The provider validates this header set; field names are fixed.
	httpReq.Header.Set("Authorization", "Bearer "+token.Value)
	httpReq.Header.Set("Ocp-Apim-Subscription-Key", c.cfg.SubscriptionKey)
	httpReq.Header.Set("Merchant-Serial-Number", c.cfg.MerchantSerialNumber)
	httpReq.Header.Set("Vipps-System-Name", c.cfg.SystemName)
	httpReq.Header.Set("Vipps-System-Version", c.cfg.SystemVersion)
	httpReq.Header.Set("Vipps-System-Plugin-Name", c.cfg.PluginName)
	httpReq.Header.Set("Vipps-System-Plugin-Version", c.cfg.PluginVersion)
	if idempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("error making request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		var problem problemResponse
		if err := json.Unmarshal(body, &problem); err != nil {
			return nil, &ProviderError{
				StatusCode: resp.StatusCode,
				Code:       "unparseable_error",
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

	var apiResp Resp
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("error decoding json response: %w", err)
	}

	return &apiResp, nil
}
