package imagegen

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies a pipeline failure. Callers branch on the kind to decide
// whether to retry later, switch purpose, or ask the user for a manual
// asset.
type Kind string

const (
	KindValidation         Kind = "validation"
	KindRateLimited        Kind = "rate_limited"
	KindBackendFailure     Kind = "backend_failure"
	KindTimedOut           Kind = "timed_out"
	KindNotConfigured      Kind = "not_configured"
	KindAllProvidersFailed Kind = "all_providers_failed"
	KindTransport          Kind = "transport"
)

// Attempt records the last error seen from one provider during a fallback
// pass. Kept for diagnostics on AllProvidersFailed.
type Attempt struct {
	Provider string
	Err      error
}

// Error is the typed failure surfaced by adapters, the retry controller and
// the orchestrator. Exactly one of a GenerationResult or an *Error reaches
// the caller.
type Error struct {
	Kind     Kind
	Provider string
	Message  string
	Err      error
	Attempts []Attempt // populated only for KindAllProvidersFailed
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Provider != "" {
		b.WriteString(" [" + e.Provider + "]")
	}
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	for _, a := range e.Attempts {
		fmt.Fprintf(&b, "; %s: %v", a.Provider, a.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a typed failure without an underlying cause.
func NewError(kind Kind, provider, message string) *Error {
	return &Error{Kind: kind, Provider: provider, Message: message}
}

// WrapError builds a typed failure around an underlying cause.
func WrapError(kind Kind, provider, message string, err error) *Error {
	return &Error{Kind: kind, Provider: provider, Message: message, Err: err}
}

// KindOf extracts the failure kind from any error. Unknown errors map to
// KindBackendFailure so the orchestrator never sees an unclassified error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindBackendFailure
}

// IsKind reports whether err carries the given failure kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// ErrorFromStatus maps a backend HTTP status to the failure taxonomy. The
// message should carry whatever detail the backend's error envelope gave.
func ErrorFromStatus(provider string, status int, message string) *Error {
	if message == "" {
		message = http.StatusText(status)
	}
	message = fmt.Sprintf("status %d: %s", status, message)
	switch {
	case status == http.StatusTooManyRequests:
		return NewError(KindRateLimited, provider, message)
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return NewError(KindValidation, provider, message)
	default:
		return NewError(KindBackendFailure, provider, message)
	}
}
