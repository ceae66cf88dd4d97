// Package api exposes the payment operations to the host application over
// HTTP: initiation, status, capture, refund and cancel.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/strandkasse/vipps-gateway/internal/application"
	"github.com/strandkasse/vipps-gateway/internal/domain"
)

type Handler struct {
	payments *application.PaymentService
	logger   *slog.Logger
}

func NewHandler(payments *application.PaymentService, logger *slog.Logger) *Handler {
	return &Handler{payments: payments, logger: logger}
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /payments", h.handleInitiate)
	mux.HandleFunc("GET /payments/{reference}", h.handleStatus)
	mux.HandleFunc("POST /payments/{reference}/capture", h.handleCapture)
	mux.HandleFunc("POST /payments/{reference}/refund", h.handleRefund)
	mux.HandleFunc("POST /payments/{reference}/cancel", h.handleCancel)
}

type initiateRequest struct {
	Reference   string `json:"reference"`
	AmountMinor int64  `json:"amountMinor"`
	Currency    string `json:"currency"`
	Flow        struct {
		Kind             string `json:"kind"`
		ReturnURL        string `json:"returnUrl,omitempty"`
		ImageFormat      string `json:"imageFormat,omitempty"`
		PhoneNumber      string `json:"phoneNumber,omitempty"`
		VerificationCode string `json:"verificationCode,omitempty"`
	} `json:"flow"`
}

type initiateResponse struct {
	Reference    string `json:"reference"`
	PSPReference string `json:"pspReference"`
	RedirectURL  string `json:"redirectUrl,omitempty"`
	QRContent    string `json:"qrContent,omitempty"`
}

type statusResponse struct {
	Reference string `json:"reference"`
	State     string `json:"state"`
}

type adjustRequest struct {
	AmountMinor int64 `json:"amountMinor"`
}

func (h *Handler) handleInitiate(w http.ResponseWriter, r *http.Request) {
	var req initiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "unparseable request body")
		return
	}

	flow, ok := flowFromRequest(req)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown flow kind "+req.Flow.Kind)
		return
	}

	handle, err := h.payments.InitiatePayment(r.Context(), req.Reference, req.AmountMinor, req.Currency, flow)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, initiateResponse{
		Reference:    handle.Reference,
		PSPReference: handle.PSPReference,
		RedirectURL:  handle.RedirectURL,
		QRContent:    handle.QRContent,
	})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	reference := r.PathValue("reference")
	state, err := h.payments.GetStatus(r.Context(), reference)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Reference: reference, State: string(state)})
}

func (h *Handler) handleCapture(w http.ResponseWriter, r *http.Request) {
	h.adjust(w, r, h.payments.RequestCapture)
}

func (h *Handler) handleRefund(w http.ResponseWriter, r *http.Request) {
	h.adjust(w, r, h.payments.RequestRefund)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	reference := r.PathValue("reference")
	if err := h.payments.RequestCancel(r.Context(), reference); err != nil {
		h.writeFailure(w, r, err)
		return
	}
	h.writeState(w, r, reference)
}

// adjust handles capture and refund, which share the request shape. A zero
// or absent amount means the full remaining amount.
func (h *Handler) adjust(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, reference string, amountMinor int64) error) {
	reference := r.PathValue("reference")

	var req adjustRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "unparseable request body")
			return
		}
	}

	if err := op(r.Context(), reference, req.AmountMinor); err != nil {
		h.writeFailure(w, r, err)
		return
	}
	h.writeState(w, r, reference)
}

func flowFromRequest(req initiateRequest) (domain.InitiationFlow, bool) {
	switch domain.FlowKind(req.Flow.Kind) {
	case domain.FlowWebRedirect:
		return domain.WebRedirectFlow{ReturnURL: req.Flow.ReturnURL}, true
	case domain.FlowQR:
		return domain.QRFlow{ImageFormat: req.Flow.ImageFormat}, true
	case domain.FlowPhonePush:
		return domain.PhonePushFlow{PhoneNumber: req.Flow.PhoneNumber}, true
	case domain.FlowManual:
		return domain.ManualFlow{VerificationCode: req.Flow.VerificationCode}, true
	default:
		return nil, false
	}
}

func (h *Handler) writeState(w http.ResponseWriter, r *http.Request, reference string) {
	state, err := h.payments.GetStatus(r.Context(), reference)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Reference: reference, State: string(state)})
}

func (h *Handler) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status := application.ToHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("payment operation failed",
			"method", r.Method,
			"path", r.URL.Path,
			"category", application.Categorize(err),
			"error", err,
		)
	}
	writeError(w, status, string(application.Categorize(err)))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
