// Package webhook authenticates, deduplicates and applies provider-pushed
// payment notifications.
package webhook

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/strandkasse/vipps-gateway/internal/application"
)

// SecretSource looks up the per-transaction webhook secret issued at
// registration time.
type SecretSource interface {
	WebhookSecret(ctx context.Context, reference string) (string, error)
}

// ValidationResult reports whether a delivery authenticated, and at which
// stage it failed.
type ValidationResult struct {
	OK     bool
	Stage  string
	Reason string
}

// Validator authenticates inbound webhook deliveries: source IP, signature
// header shape, HMAC recomputation and timestamp freshness, in that order.
//
// AllowUnsigned is the degraded mode: a failed signature is still passed
// through to dedup/state-machine processing so a provider-side signing
// inconsistency cannot block payment processing. The security event is
// logged in every case; the switch only controls propagation.
type Validator struct {
	secrets        SecretSource
	merchantSecret string
	allowedNets    []*net.IPNet
	freshness      time.Duration
	now            func() time.Time
	secLogger      *slog.Logger
}

func NewValidator(
	secrets SecretSource,
	merchantSecret string,
	allowedCIDRs []string,
	freshness time.Duration,
	logger *slog.Logger,
) (*Validator, error) {
	var nets []*net.IPNet
	for _, cidr := range allowedCIDRs {
		_, parsed, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("invalid webhook source CIDR %q: %w", cidr, err)
		}
		nets = append(nets, parsed)
	}

	return &Validator{
		secrets:        secrets,
		merchantSecret: merchantSecret,
		allowedNets:    nets,
		freshness:      freshness,
		now:            time.Now,
		secLogger:      logger.With("log_kind", "security"),
	}, nil
}

// Validate runs the check chain over one delivery. Each failure is logged
// as a security event regardless of what the caller does with the result.
func (v *Validator) Validate(ctx context.Context, rawBody []byte, headers http.Header, sourceIP string) ValidationResult {
	if result := v.checkSourceIP(sourceIP); !result.OK {
		return v.fail(result, sourceIP)
	}

	signature := headers.Get(HeaderSignature)
	timestamp := headers.Get(HeaderTimestamp)
	if result := checkSignatureHeader(signature, timestamp); !result.OK {
		return v.fail(result, sourceIP)
	}

	var envelope struct {
		Reference string `json:"reference"`
	}
	if err := json.Unmarshal(rawBody, &envelope); err != nil || envelope.Reference == "" {
		return v.fail(ValidationResult{Stage: "signature", Reason: "body carries no reference to resolve a secret for"}, sourceIP)
	}

	secret, err := v.secrets.WebhookSecret(ctx, envelope.Reference)
	if err != nil || secret == "" {
		// Fall back to the merchant-level secret only when no
		// per-transaction secret is on record.
		secret = v.merchantSecret
	}
	if secret == "" {
		return v.fail(ValidationResult{Stage: "signature", Reason: "no webhook secret on record"}, sourceIP)
	}

	if !verifySignature(secret, signature, http.MethodPost, "/webhooks/vipps", timestamp, rawBody) {
		return v.fail(ValidationResult{Stage: "signature", Reason: "signature mismatch"}, sourceIP)
	}

	if result := v.checkFreshness(timestamp); !result.OK {
		return v.fail(result, sourceIP)
	}

	return ValidationResult{OK: true}
}

func (v *Validator) checkSourceIP(sourceIP string) ValidationResult {
	if len(v.allowedNets) == 0 {
		return ValidationResult{OK: true}
	}
	ip := net.ParseIP(sourceIP)
	if ip == nil {
		return ValidationResult{Stage: "source_ip", Reason: fmt.Sprintf("unparseable source address %q", sourceIP)}
	}
	for _, allowed := range v.allowedNets {
		if allowed.Contains(ip) {
			return ValidationResult{OK: true}
		}
	}
	return ValidationResult{Stage: "source_ip", Reason: fmt.Sprintf("source %s outside provider ranges", sourceIP)}
}

func checkSignatureHeader(signature, timestamp string) ValidationResult {
	if signature == "" {
		return ValidationResult{Stage: "signature_header", Reason: "missing " + HeaderSignature}
	}
	if _, err := hex.DecodeString(signature); err != nil {
		return ValidationResult{Stage: "signature_header", Reason: "malformed signature encoding"}
	}
	if timestamp == "" {
		return ValidationResult{Stage: "signature_header", Reason: "missing " + HeaderTimestamp}
	}
	return ValidationResult{OK: true}
}

// checkFreshness rejects replays of old captured deliveries.
func (v *Validator) checkFreshness(timestamp string) ValidationResult {
	declared, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return ValidationResult{Stage: "freshness", Reason: "unparseable timestamp"}
	}
	age := v.now().Sub(declared)
	if age > v.freshness || age < -v.freshness {
		return ValidationResult{Stage: "freshness", Reason: fmt.Sprintf("timestamp %s outside freshness window", timestamp)}
	}
	return ValidationResult{OK: true}
}

func (v *Validator) fail(result ValidationResult, sourceIP string) ValidationResult {
	v.secLogger.Warn("webhook security validation failed",
		"stage", result.Stage,
		"reason", result.Reason,
		"source_ip", sourceIP,
	)
	return result
}

// Err converts a failed result into the taxonomy error.
func (r ValidationResult) Err() error {
	if r.OK {
		return nil
	}
	return &application.SecurityError{Stage: r.Stage, Detail: r.Reason}
}
