package vipps

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandkasse/vipps-gateway/internal/application"
	"github.com/strandkasse/vipps-gateway/internal/domain"
)

const testBaseURL = "https://api.vipps.test"

// newMockedClient returns a client whose HTTP transports (payments and
// token endpoint alike) are intercepted by httpmock, with a valid token
// pre-seeded.
func newMockedClient(t *testing.T) *Client {
	t.Helper()

	cfg := testProviderConfig(testBaseURL)
	tokens := NewTokenCache(cfg, testRetryConfig(), discardLogger())
	tokens.current = &AccessToken{
		Value:       "tok-1",
		ExpiresAt:   time.Now().Add(time.Hour),
		Environment: "test",
	}

	client := NewClient(cfg, tokens)
	httpmock.ActivateNonDefault(client.httpClient)
	httpmock.ActivateNonDefault(tokens.httpClient)
	t.Cleanup(httpmock.DeactivateAndReset)

	return client
}

func TestCreatePaymentHeaderContract(t *testing.T) {
	client := newMockedClient(t)

	var got http.Header
	httpmock.RegisterResponder(http.MethodPost, testBaseURL+"/epayment/v1/payments",
		func(req *http.Request) (*http.Response, error) {
			got = req.Header.Clone()
			return httpmock.NewJsonResponse(http.StatusCreated, createPaymentResponse{
				Reference:    "order-1",
				PSPReference: "psp-1",
				RedirectURL:  "https://pay.vipps.test/order-1",
			})
		})

	resp, err := client.CreatePayment(context.Background(), application.CreatePaymentRequest{
		Reference:   "order-1",
		AmountMinor: 25000,
		Currency:    "NOK",
		Flow:        domain.WebRedirectFlow{ReturnURL: "https://shop.example/return"},
	}, "idem-key-1")
	require.NoError(t, err)
	assert.Equal(t, "psp-1", resp.PSPReference)

	// The provider validates this header set on every request.
	assert.Equal(t, "Bearer tok-1", got.Get("Authorization"))
	assert.Equal(t, "sub-key", got.Get("Ocp-Apim-Subscription-Key"))
	assert.Equal(t, "123456", got.Get("Merchant-Serial-Number"))
	assert.Equal(t, "strandkasse", got.Get("Vipps-System-Name"))
	assert.Equal(t, "1.0.0", got.Get("Vipps-System-Version"))
	assert.Equal(t, "strandkasse-pos", got.Get("Vipps-System-Plugin-Name"))
	assert.Equal(t, "1.0.0", got.Get("Vipps-System-Plugin-Version"))
	assert.Equal(t, "idem-key-1", got.Get("Idempotency-Key"))
	assert.Equal(t, "application/json", got.Get("Content-Type"))
}

func TestCreatePaymentFlowMapping(t *testing.T) {
	tests := []struct {
		name  string
		flow  domain.InitiationFlow
		check func(t *testing.T, body createPaymentRequest)
	}{
		{
			name: "web redirect",
			flow: domain.WebRedirectFlow{ReturnURL: "https://shop.example/return"},
			check: func(t *testing.T, body createPaymentRequest) {
				assert.Equal(t, "WEB_REDIRECT", body.UserFlow)
				assert.Equal(t, "https://shop.example/return", body.ReturnURL)
			},
		},
		{
			name: "qr defaults to png",
			flow: domain.QRFlow{},
			check: func(t *testing.T, body createPaymentRequest) {
				assert.Equal(t, "QR", body.UserFlow)
				require.NotNil(t, body.QRFormat)
				assert.Equal(t, "image/png", body.QRFormat.Format)
			},
		},
		{
			name: "phone push",
			flow: domain.PhonePushFlow{PhoneNumber: "4712345678"},
			check: func(t *testing.T, body createPaymentRequest) {
				assert.Equal(t, "PUSH_MESSAGE", body.UserFlow)
				require.NotNil(t, body.Customer)
				assert.Equal(t, "4712345678", body.Customer.PhoneNumber)
			},
		},
		{
			name: "manual rides the qr flow with customer present",
			flow: domain.ManualFlow{VerificationCode: "1234"},
			check: func(t *testing.T, body createPaymentRequest) {
				assert.Equal(t, "QR", body.UserFlow)
				assert.Equal(t, "CUSTOMER_PRESENT", body.CustomerInteraction)
				require.NotNil(t, body.QRFormat)
				assert.Equal(t, "text/targetUrl", body.QRFormat.Format)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newMockedClient(t)

			var body createPaymentRequest
			httpmock.RegisterResponder(http.MethodPost, testBaseURL+"/epayment/v1/payments",
				func(req *http.Request) (*http.Response, error) {
					if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
						return nil, err
					}
					return httpmock.NewJsonResponse(http.StatusCreated, createPaymentResponse{Reference: "order-1"})
				})

			_, err := client.CreatePayment(context.Background(), application.CreatePaymentRequest{
				Reference:   "order-1",
				AmountMinor: 25000,
				Currency:    "NOK",
				Flow:        tt.flow,
			}, "idem-key")
			require.NoError(t, err)

			assert.Equal(t, "WALLET", body.PaymentMethod.Type)
			assert.Equal(t, int64(25000), body.Amount.Value)
			tt.check(t, body)
		})
	}
}

// A 401 means the token went stale mid-lifetime: the client invalidates it,
// refreshes once, and retries the call exactly once.
func TestStaleTokenRefreshedOnce(t *testing.T) {
	client := newMockedClient(t)

	httpmock.RegisterResponder(http.MethodPost, testBaseURL+"/accesstoken/get",
		httpmock.NewStringResponder(http.StatusOK,
			`{"access_token":"tok-2","expires_on":"`+jsonEpoch(time.Now().Add(time.Hour))+`"}`))

	httpmock.RegisterResponder(http.MethodGet, testBaseURL+"/epayment/v1/payments/order-1",
		func(req *http.Request) (*http.Response, error) {
			if req.Header.Get("Authorization") == "Bearer tok-1" {
				return httpmock.NewStringResponse(http.StatusUnauthorized,
					`{"type":"unauthorized","detail":"token expired"}`), nil
			}
			return httpmock.NewJsonResponse(http.StatusOK, getPaymentResponse{
				Reference: "order-1",
				State:     "AUTHORIZED",
				Amount:    amountDTO{Currency: "NOK", Value: 25000},
			})
		})

	details, err := client.GetPayment(context.Background(), "order-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateAuthorized, details.State)

	info := httpmock.GetCallCountInfo()
	assert.Equal(t, 2, info["GET "+testBaseURL+"/epayment/v1/payments/order-1"])
	assert.Equal(t, 1, info["POST "+testBaseURL+"/accesstoken/get"])
}

// A second 401 after the refresh surfaces; the client never loops.
func TestStaleTokenSecond401Surfaces(t *testing.T) {
	client := newMockedClient(t)

	httpmock.RegisterResponder(http.MethodPost, testBaseURL+"/accesstoken/get",
		httpmock.NewStringResponder(http.StatusOK,
			`{"access_token":"tok-2","expires_on":"`+jsonEpoch(time.Now().Add(time.Hour))+`"}`))

	httpmock.RegisterResponder(http.MethodGet, testBaseURL+"/epayment/v1/payments/order-1",
		httpmock.NewStringResponder(http.StatusUnauthorized,
			`{"type":"unauthorized","detail":"still rejected"}`))

	_, err := client.GetPayment(context.Background(), "order-1")
	provErr, ok := IsProviderError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusUnauthorized, provErr.StatusCode)

	info := httpmock.GetCallCountInfo()
	assert.Equal(t, 2, info["GET "+testBaseURL+"/epayment/v1/payments/order-1"])
}

func TestGetPaymentMapsAggregates(t *testing.T) {
	client := newMockedClient(t)

	httpmock.RegisterResponder(http.MethodGet, testBaseURL+"/epayment/v1/payments/order-1",
		httpmock.NewJsonResponderOrPanic(http.StatusOK, getPaymentResponse{
			Reference:    "order-1",
			PSPReference: "psp-1",
			State:        "CAPTURED",
			Amount:       amountDTO{Currency: "NOK", Value: 25000},
			Aggregate: aggregateDTO{
				AuthorizedAmount: amountDTO{Currency: "NOK", Value: 25000},
				CapturedAmount:   amountDTO{Currency: "NOK", Value: 10000},
				RefundedAmount:   amountDTO{Currency: "NOK", Value: 4000},
			},
		}))

	details, err := client.GetPayment(context.Background(), "order-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateCaptured, details.State)
	assert.Equal(t, int64(10000), details.CapturedMinor)
	assert.Equal(t, int64(4000), details.RefundedMinor)
}

// The provider reports a cancelled payment as TERMINATED on the wire.
func TestGetPaymentNormalizesTerminated(t *testing.T) {
	client := newMockedClient(t)

	httpmock.RegisterResponder(http.MethodGet, testBaseURL+"/epayment/v1/payments/order-1",
		httpmock.NewJsonResponderOrPanic(http.StatusOK, getPaymentResponse{
			Reference: "order-1",
			State:     "TERMINATED",
		}))

	details, err := client.GetPayment(context.Background(), "order-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, details.State)
}

func TestCapturePayment(t *testing.T) {
	client := newMockedClient(t)

	var body modificationRequest
	httpmock.RegisterResponder(http.MethodPost, testBaseURL+"/epayment/v1/payments/order-1/capture",
		func(req *http.Request) (*http.Response, error) {
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				return nil, err
			}
			return httpmock.NewJsonResponse(http.StatusOK, modificationResponse{
				Reference: "order-1",
				State:     "CAPTURED",
			})
		})

	resp, err := client.CapturePayment(context.Background(), "order-1", 10000, "NOK", "idem-cap")
	require.NoError(t, err)
	assert.Equal(t, domain.StateCaptured, resp.State)
	assert.Equal(t, int64(10000), body.ModificationAmount.Value)
	assert.Equal(t, "NOK", body.ModificationAmount.Currency)
}

func TestProviderProblemDecoding(t *testing.T) {
	client := newMockedClient(t)

	httpmock.RegisterResponder(http.MethodPost, testBaseURL+"/epayment/v1/payments/order-1/capture",
		httpmock.NewStringResponder(http.StatusConflict,
			`{"type":"captured_amount_exceeded","detail":"amount exceeds remaining authorization","traceId":"trace-9"}`))

	_, err := client.CapturePayment(context.Background(), "order-1", 99999, "NOK", "idem-cap")
	provErr, ok := IsProviderError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusConflict, provErr.StatusCode)
	assert.Equal(t, "captured_amount_exceeded", provErr.Code)
	assert.Equal(t, "trace-9", provErr.TraceID)
	assert.True(t, provErr.IsConflict())
	assert.False(t, provErr.IsRetryable())
}

func TestRegisterWebhook(t *testing.T) {
	client := newMockedClient(t)

	var body registerWebhookRequest
	httpmock.RegisterResponder(http.MethodPost, testBaseURL+"/webhooks/v1/webhooks",
		func(req *http.Request) (*http.Response, error) {
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				return nil, err
			}
			return httpmock.NewJsonResponse(http.StatusCreated, registerWebhookResponse{
				ID:     "wh-1",
				Secret: "whsec-abc",
			})
		})

	events := []string{"epayments.payment.authorized.v1", "epayments.payment.captured.v1"}
	reg, err := client.RegisterWebhook(context.Background(), "https://merchant.example/webhooks/vipps", events, "idem-wh")
	require.NoError(t, err)
	assert.Equal(t, "wh-1", reg.ID)
	assert.Equal(t, "whsec-abc", reg.Secret)
	assert.Equal(t, "https://merchant.example/webhooks/vipps", body.URL)
	assert.Equal(t, events, body.Events)
}

func jsonEpoch(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}
