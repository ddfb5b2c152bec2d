package protocoltypes

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type UsageInfo struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type LLMResponse struct {
	Content      string     `json:"content"`
	FinishReason string     `json:"finish_reason"`
	Usage        *UsageInfo `json:"usage,omitempty"`
}

// FailoverReason classifies why an LLM request failed.
type FailoverReason string

const (
	FailoverAuth       FailoverReason = "auth"
	FailoverRateLimit  FailoverReason = "rate_limit"
	FailoverBilling    FailoverReason = "billing"
	FailoverTimeout    FailoverReason = "timeout"
	FailoverFormat     FailoverReason = "format"
	FailoverOverloaded FailoverReason = "overloaded"
	FailoverSafety     FailoverReason = "safety"
	FailoverUnknown    FailoverReason = "unknown"
)

// FailoverError wraps an LLM provider error with classification metadata.
type FailoverError struct {
	Reason   FailoverReason
	Provider string
	Model    string
	Status   int
	Wrapped  error
}

func (e *FailoverError) Error() string {
	return fmt.Sprintf("failover(%s): provider=%s model=%s status=%d: %v",
		e.Reason, e.Provider, e.Model, e.Status, e.Wrapped)
}

func (e *FailoverError) Unwrap() error {
	return e.Wrapped
}

// NewFailoverError classifies err using the HTTP status (0 when unknown).
func NewFailoverError(provider, model string, status int, err error) *FailoverError {
	return &FailoverError{
		Reason:   ReasonFor(status, err),
		Provider: provider,
		Model:    model,
		Status:   status,
		Wrapped:  err,
	}
}

func ReasonFor(status int, err error) FailoverReason {
	if errors.Is(err, context.DeadlineExceeded) {
		return FailoverTimeout
	}

	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return FailoverAuth
	case http.StatusPaymentRequired:
		return FailoverBilling
	case http.StatusTooManyRequests:
		return FailoverRateLimit
	case http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity:
		return FailoverFormat
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return FailoverTimeout
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, 529:
		return FailoverOverloaded
	}
	return FailoverUnknown
}
