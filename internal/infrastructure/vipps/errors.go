package vipps

import (
	"errors"
	"fmt"
)

// ProviderError is a non-2xx answer from the payment API, decoded from the
// provider's problem document where possible.
type ProviderError struct {
	StatusCode int
	Code       string
	Message    string
	TraceID    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error [%s]: %s (status: %d, trace: %s)", e.Code, e.Message, e.StatusCode, e.TraceID)
}

func (e *ProviderError) IsRetryable() bool {
	return e.StatusCode >= 500
}

func (e *ProviderError) IsAuth() bool {
	return e.StatusCode == 401 || e.StatusCode == 403
}

func (e *ProviderError) IsConflict() bool {
	return e.StatusCode == 409
}

func IsProviderError(err error) (*ProviderError, bool) {
	var provErr *ProviderError
	ok := errors.As(err, &provErr)
	return provErr, ok
}

type problemResponse struct {
	Type         string `json:"type"`
	Title        string `json:"title"`
	Detail       string `json:"detail"`
	TraceID      string `json:"traceId"`
	ExtraDetails []struct {
		Name   string `json:"name"`
		Reason string `json:"reason"`
	} `json:"extraDetails"`
}
