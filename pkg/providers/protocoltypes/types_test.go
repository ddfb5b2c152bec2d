package protocoltypes

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReasonFor(t *testing.T) {
	tests := []struct {
		name   string
		status int
		err    error
		want   FailoverReason
	}{
		{"unauthorized", 401, errors.New("bad key"), FailoverAuth},
		{"forbidden", 403, errors.New("denied"), FailoverAuth},
		{"quota", 429, errors.New("quota"), FailoverRateLimit},
		{"billing", 402, errors.New("pay"), FailoverBilling},
		{"bad request", 400, errors.New("malformed"), FailoverFormat},
		{"overloaded", 503, errors.New("busy"), FailoverOverloaded},
		{"anthropic overloaded", 529, errors.New("busy"), FailoverOverloaded},
		{"deadline", 0, fmt.Errorf("call: %w", context.DeadlineExceeded), FailoverTimeout},
		{"network", 0, errors.New("connection reset"), FailoverUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ReasonFor(tt.status, tt.err))
		})
	}
}

func TestFailoverErrorUnwrap(t *testing.T) {
	cause := errors.New("quota exceeded")
	fe := NewFailoverError("gemini", "gemini-2.0-flash", 429, cause)

	assert.ErrorIs(t, fe, cause)
	assert.Equal(t, FailoverRateLimit, fe.Reason)
	assert.Equal(t, 429, fe.Status)
	assert.Contains(t, fe.Error(), "rate_limit")
	assert.Contains(t, fe.Error(), "provider=gemini")

	format := NewFailoverError("gemini", "gemini-2.0-flash", 400, cause)
	assert.Equal(t, FailoverFormat, format.Reason)
}
