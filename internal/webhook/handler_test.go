package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandkasse/vipps-gateway/internal/application"
	"github.com/strandkasse/vipps-gateway/internal/domain"
	"github.com/strandkasse/vipps-gateway/internal/infrastructure/persistence/memory"
)

type handlerFixture struct {
	store   *memory.Store
	handler http.Handler
}

func newHandlerFixture(t *testing.T, allowUnsigned bool) *handlerFixture {
	t.Helper()
	logger := discardLogger()
	store := memory.NewStore()
	machine := application.NewStateMachine(store, logger)
	validator, err := NewValidator(StoreSecrets{Store: store}, "", nil, 5*time.Minute, logger)
	require.NoError(t, err)
	handler := NewHandler(store, validator, NewMemoryDeduplicator(time.Hour), machine, allowUnsigned, logger)

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	return &handlerFixture{store: store, handler: mux}
}

func (f *handlerFixture) seed(t *testing.T, reference string, state domain.LifecycleState) {
	t.Helper()
	tx, err := domain.NewTransaction(reference, 25000, "NOK", domain.QRFlow{}, "idem-"+reference)
	require.NoError(t, err)
	require.NoError(t, f.store.Create(context.Background(), tx))
	require.NoError(t, f.store.LockForUpdate(context.Background(), reference, func(tx *domain.Transaction) error {
		tx.AttachWebhook("wh-1", testSecret)
		if state != domain.StateCreated {
			return tx.TransitionTo(state)
		}
		return nil
	}))
}

func deliveryBody(eventID, reference, name string, amountMinor int64) []byte {
	body, _ := json.Marshal(map[string]any{
		"eventId":      eventID,
		"reference":    reference,
		"pspReference": "psp-" + reference,
		"name":         name,
		"amount":       map[string]any{"currency": "NOK", "value": amountMinor},
		"timestamp":    time.Now().Format(time.RFC3339),
		"success":      true,
	})
	return body
}

func (f *handlerFixture) deliver(t *testing.T, body []byte, sign bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, webhookPath, bytes.NewReader(body))
	req.RemoteAddr = "203.0.113.7:44123"
	if sign {
		ts := time.Now().Format(time.RFC3339)
		req.Header.Set(HeaderSignature, Sign(testSecret, http.MethodPost, webhookPath, ts, body))
		req.Header.Set(HeaderTimestamp, ts)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestHandleDeliveryAppliesTransition(t *testing.T) {
	f := newHandlerFixture(t, false)
	f.seed(t, "order-1", domain.StateCreated)

	rec := f.deliver(t, deliveryBody("evt-1", "order-1", "AUTHORIZED", 0), true)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(application.OutcomeApplied), resp["status"])

	tx, err := f.store.Load(context.Background(), "order-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateAuthorized, tx.State)
}

func TestHandleDeliveryDuplicateAcknowledged(t *testing.T) {
	f := newHandlerFixture(t, false)
	f.seed(t, "order-1", domain.StateCreated)

	body := deliveryBody("evt-1", "order-1", "AUTHORIZED", 0)
	first := f.deliver(t, body, true)
	require.Equal(t, http.StatusOK, first.Code)

	second := f.deliver(t, body, true)
	assert.Equal(t, http.StatusOK, second.Code, "redelivery is acknowledged, not reprocessed")

	var resp map[string]string
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &resp))
	assert.Equal(t, "duplicate", resp["status"])
}

// flakyStore fails LockForUpdate a set number of times before delegating,
// standing in for a store outage during event application.
type flakyStore struct {
	*memory.Store
	failures int
}

func (s *flakyStore) LockForUpdate(ctx context.Context, reference string, fn func(tx *domain.Transaction) error) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("store unavailable")
	}
	return s.Store.LockForUpdate(ctx, reference, fn)
}

// A delivery whose application fails must not be remembered as seen; the
// provider's redelivery is processed, not acknowledged as a duplicate.
func TestHandleDeliveryRedeliveredAfterApplyFailure(t *testing.T) {
	logger := discardLogger()
	inner := memory.NewStore()
	store := &flakyStore{Store: inner, failures: 1}
	machine := application.NewStateMachine(store, logger)
	validator, err := NewValidator(StoreSecrets{Store: store}, "", nil, 5*time.Minute, logger)
	require.NoError(t, err)
	handler := NewHandler(store, validator, NewMemoryDeduplicator(time.Hour), machine, false, logger)

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	f := &handlerFixture{store: inner, handler: mux}
	f.seed(t, "order-1", domain.StateCreated)

	body := deliveryBody("evt-1", "order-1", "AUTHORIZED", 0)
	first := f.deliver(t, body, true)
	require.Equal(t, http.StatusInternalServerError, first.Code)

	second := f.deliver(t, body, true)
	require.Equal(t, http.StatusOK, second.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &resp))
	assert.Equal(t, string(application.OutcomeApplied), resp["status"],
		"the redelivery must be applied, not swallowed as a duplicate")

	tx, err := inner.Load(context.Background(), "order-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateAuthorized, tx.State)
}

func TestHandleDeliveryUnsignedRejected(t *testing.T) {
	f := newHandlerFixture(t, false)
	f.seed(t, "order-1", domain.StateCreated)

	rec := f.deliver(t, deliveryBody("evt-1", "order-1", "AUTHORIZED", 0), false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	tx, err := f.store.Load(context.Background(), "order-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateCreated, tx.State, "a rejected delivery must not advance state")
}

// Degraded mode: the delivery is processed despite the failed signature,
// with the security event logged.
func TestHandleDeliveryDegradedModeProcessesUnsigned(t *testing.T) {
	f := newHandlerFixture(t, true)
	f.seed(t, "order-1", domain.StateCreated)

	rec := f.deliver(t, deliveryBody("evt-1", "order-1", "AUTHORIZED", 0), false)
	assert.Equal(t, http.StatusOK, rec.Code)

	tx, err := f.store.Load(context.Background(), "order-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateAuthorized, tx.State)
}

func TestHandleDeliveryUnknownTransaction(t *testing.T) {
	f := newHandlerFixture(t, false)

	rec := f.deliver(t, deliveryBody("evt-1", "order-missing", "AUTHORIZED", 0), true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleDeliveryUnparseablePayload(t *testing.T) {
	f := newHandlerFixture(t, false)
	f.seed(t, "order-1", domain.StateCreated)

	for _, body := range [][]byte{
		[]byte(`not json`),
		[]byte(`{}`),
		[]byte(`{"reference":"order-1"}`),
		[]byte(`{"eventId":"evt-1","reference":"order-1"}`),
	} {
		rec := f.deliver(t, body, true)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "body %q", body)
	}
}

func TestHandleDeliveryUnknownState(t *testing.T) {
	f := newHandlerFixture(t, false)
	f.seed(t, "order-1", domain.StateCreated)

	rec := f.deliver(t, deliveryBody("evt-1", "order-1", "SOMETHING_NEW", 0), true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// Out-of-order webhooks: the late AUTHORIZED after CAPTURED lands as an
// invalid transition, acknowledged without mutation.
func TestHandleDeliveryOutOfOrder(t *testing.T) {
	f := newHandlerFixture(t, false)
	f.seed(t, "order-1", domain.StateCreated)

	first := f.deliver(t, deliveryBody("evt-cap", "order-1", "CAPTURED", 25000), true)
	require.Equal(t, http.StatusOK, first.Code)

	second := f.deliver(t, deliveryBody("evt-auth", "order-1", "AUTHORIZED", 0), true)
	assert.Equal(t, http.StatusOK, second.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &resp))
	assert.Equal(t, string(application.OutcomeInvalid), resp["status"])

	tx, err := f.store.Load(context.Background(), "order-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateCaptured, tx.State)
}

func TestHandleDeliveryTerminatedNormalizes(t *testing.T) {
	f := newHandlerFixture(t, false)
	f.seed(t, "order-1", domain.StateAuthorized)

	rec := f.deliver(t, deliveryBody("evt-term", "order-1", "TERMINATED", 0), true)
	assert.Equal(t, http.StatusOK, rec.Code)

	tx, err := f.store.Load(context.Background(), "order-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, tx.State)
}

func TestHandleHealth(t *testing.T) {
	f := newHandlerFixture(t, false)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStoreSecrets(t *testing.T) {
	store := memory.NewStore()
	secrets := StoreSecrets{Store: store}

	tx, err := domain.NewTransaction("order-1", 100, "NOK", domain.QRFlow{}, "idem-1")
	require.NoError(t, err)
	require.NoError(t, store.Create(context.Background(), tx))

	secret, err := secrets.WebhookSecret(context.Background(), "order-1")
	require.NoError(t, err)
	assert.Empty(t, secret, "no secret before registration")

	require.NoError(t, store.LockForUpdate(context.Background(), "order-1", func(tx *domain.Transaction) error {
		tx.AttachWebhook("wh-1", "whsec-x")
		return nil
	}))

	secret, err = secrets.WebhookSecret(context.Background(), "order-1")
	require.NoError(t, err)
	assert.Equal(t, "whsec-x", secret)

	_, err = secrets.WebhookSecret(context.Background(), "order-missing")
	assert.Error(t, err)
}

func ExampleSign() {
	body := []byte(`{"eventId":"evt-1","reference":"order-1","name":"AUTHORIZED"}`)
	sig := Sign("whsec-example", "POST", "/webhooks/vipps", "2026-08-23T10:00:00Z", body)
	fmt.Println(len(sig))
	// Output: 64
}
