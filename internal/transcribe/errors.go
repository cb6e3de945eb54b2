package transcribe

import (
	"errors"
	"fmt"
)

// Kind classifies a transcription failure. The orchestrator's retry decision
// is driven entirely by this classification.
type Kind string

const (
	// KindNoCredential means no API key was available; the client fails fast
	// without making a request.
	KindNoCredential Kind = "no_credential"
	// KindNetwork is a transport-level failure with no HTTP response.
	KindNetwork Kind = "network"
	// KindRateLimited is HTTP 429.
	KindRateLimited Kind = "rate_limited"
	// KindQuotaExceeded is HTTP 402 or a billing-exhausted error body.
	KindQuotaExceeded Kind = "quota_exceeded"
	// KindAPI covers remaining 4xx/5xx responses. Non-429/402 4xx are kept
	// retryable to match the upstream API's transient validation hiccups.
	KindAPI Kind = "api"
	// KindInvalidResponse is an unparseable success body.
	KindInvalidResponse Kind = "invalid_response"
	// KindLocalUnavailable means the on-device engine is missing or failed.
	KindLocalUnavailable Kind = "local_unavailable"
)

// Retryable reports whether another attempt against the same backend can succeed.
func (k Kind) Retryable() bool {
	switch k {
	case KindNetwork, KindRateLimited, KindAPI:
		return true
	}
	return false
}

// Error is a classified transcription failure.
type Error struct {
	Kind    Kind
	Message string
	Status  int // HTTP status when applicable, 0 otherwise
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func newError(kind Kind, status int, format string, args ...any) *Error {
	return &Error{Kind: kind, Status: status, Message: fmt.Sprintf(format, args...)}
}

// AsError unwraps a classified error if present.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable reports whether err is a classified, retryable failure.
// Unclassified errors are treated as terminal.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Kind.Retryable()
	}
	return false
}
