package providers

import (
	"context"
	"errors"

	"github.com/zhaopengme/chatrelay/pkg/providers/protocoltypes"
)

type LLMResponse = protocoltypes.LLMResponse
type UsageInfo = protocoltypes.UsageInfo
type Message = protocoltypes.Message
type FailoverReason = protocoltypes.FailoverReason
type FailoverError = protocoltypes.FailoverError

const (
	FailoverAuth       = protocoltypes.FailoverAuth
	FailoverRateLimit  = protocoltypes.FailoverRateLimit
	FailoverBilling    = protocoltypes.FailoverBilling
	FailoverTimeout    = protocoltypes.FailoverTimeout
	FailoverFormat     = protocoltypes.FailoverFormat
	FailoverOverloaded = protocoltypes.FailoverOverloaded
	FailoverSafety     = protocoltypes.FailoverSafety
	FailoverUnknown    = protocoltypes.FailoverUnknown
)

type LLMProvider interface {
	Chat(ctx context.Context, messages []Message, model string, options map[string]interface{}) (*LLMResponse, error)
	GetDefaultModel() string
}

// ClassifyError returns the failover reason carried by err, or
// FailoverUnknown when the provider did not classify it.
func ClassifyError(err error) FailoverReason {
	if err == nil {
		return ""
	}
	var fe *FailoverError
	if errors.As(err, &fe) {
		return fe.Reason
	}
	return protocoltypes.ReasonFor(0, err)
}
