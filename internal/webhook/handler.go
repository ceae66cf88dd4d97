package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"

	"github.com/strandkasse/vipps-gateway/internal/application"
	"github.com/strandkasse/vipps-gateway/internal/domain"
)

const maxBodyBytes = 1 << 20

// delivery is the provider's notification payload.
type delivery struct {
	EventID      string `json:"eventId"`
	Reference    string `json:"reference"`
	PSPReference string `json:"pspReference"`
	Name         string `json:"name"`
	Amount       struct {
		Currency string `json:"currency"`
		Value    int64  `json:"value"`
	} `json:"amount"`
	Timestamp string `json:"timestamp"`
	Success   bool   `json:"success"`
}

// Handler is the inbound webhook endpoint. It answers 200 only after
// validation, admission and application (or an explicit no-op), 401 on
// security failure unless degraded mode is on, 404 for unknown
// transactions and 400 for unparseable payloads. Redelivery of an admitted
// event id returns 200 without reprocessing.
type Handler struct {
	store         application.TransactionStore
	validator     *Validator
	dedup         application.Deduplicator
	machine       *application.StateMachine
	allowUnsigned bool
	logger        *slog.Logger
}

func NewHandler(
	store application.TransactionStore,
	validator *Validator,
	dedup application.Deduplicator,
	machine *application.StateMachine,
	allowUnsigned bool,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		store:         store,
		validator:     validator,
		dedup:         dedup,
		machine:       machine,
		allowUnsigned: allowUnsigned,
		logger:        logger,
	}
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /webhooks/vipps", h.HandleDelivery)
	mux.HandleFunc("GET /healthz", h.HandleHealth)
}

func (h *Handler) HandleDelivery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	rawBody, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}

	var d delivery
	if err := json.Unmarshal(rawBody, &d); err != nil || d.Reference == "" || d.EventID == "" || d.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unparseable payload"})
		return
	}

	if _, err := h.store.Load(ctx, d.Reference); err != nil {
		if application.IsNotFound(err) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown transaction"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "store unavailable"})
		return
	}

	result := h.validator.Validate(ctx, rawBody, r.Header, sourceIP(r))
	if !result.OK {
		if !h.allowUnsigned {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "validation failed", "stage": result.Stage})
			return
		}
		// Degraded mode: the security event is already logged by the
		// validator; processing continues.
		h.logger.Warn("processing webhook despite failed validation (degraded mode)",
			"reference", d.Reference,
			"event_id", d.EventID,
			"stage", result.Stage,
		)
	}

	state, ok := domain.StateFromProvider(d.Name)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown event state"})
		return
	}

	firstSeen, err := h.dedup.AdmitOnce(ctx, d.EventID, d.Reference)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "deduplication unavailable"})
		return
	}
	if !firstSeen {
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}

	applied, err := h.machine.Apply(ctx, application.Event{
		Reference:   d.Reference,
		Proposed:    state,
		EventID:     d.EventID,
		Source:      application.SourceWebhook,
		AmountMinor: d.Amount.Value,
	})
	if err != nil {
		h.logger.Error("webhook application failed",
			"reference", d.Reference,
			"event_id", d.EventID,
			"error", err,
		)
		// Release the admission so the provider's redelivery is processed
		// rather than swallowed as a duplicate.
		if forgetErr := h.dedup.Forget(ctx, d.EventID); forgetErr != nil {
			h.logger.Error("failed to release admitted event after apply failure",
				"event_id", d.EventID,
				"error", forgetErr,
			)
		}
		writeJSON(w, application.ToHTTPStatus(err), map[string]string{"error": "event not applied"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": string(applied.Outcome),
	})
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func sourceIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// StoreSecrets adapts the transaction store to the validator's secret
// lookup: per-transaction secret when registered, empty otherwise.
type StoreSecrets struct {
	Store application.TransactionStore
}

func (s StoreSecrets) WebhookSecret(ctx context.Context, reference string) (string, error) {
	tx, err := s.Store.Load(ctx, reference)
	if err != nil {
		return "", err
	}
	if tx.WebhookSecret == nil {
		return "", nil
	}
	return *tx.WebhookSecret, nil
}
