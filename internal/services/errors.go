package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorKind names one class of the failure taxonomy. The coordinator keys
// retry decisions off the kind, never off error text.
type ErrorKind string

const (
	// KindInvalidInput marks malformed or corrupt source material. Never retried.
	KindInvalidInput ErrorKind = "invalid-input"
	// KindTransient marks temporary resource exhaustion or rate limiting.
	KindTransient ErrorKind = "transient-resource"
	// KindExternalProvider marks a failed downstream AI or API call.
	KindExternalProvider ErrorKind = "external-provider-error"
	// KindStalledTimeout marks a heartbeat expiry. Produced only by the recovery monitor.
	KindStalledTimeout ErrorKind = "stalled-timeout"
	// KindCancelled marks user- or admin-initiated cancellation. Terminal, not a failure.
	KindCancelled ErrorKind = "cancelled"
)

var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrTransient        = errors.New("transient resource failure")
	ErrExternalProvider = errors.New("external provider error")
	ErrStalledTimeout   = errors.New("stalled timeout")
	ErrCancelled        = errors.New("cancelled")
)

var markerByKind = map[ErrorKind]error{
	KindInvalidInput:     ErrInvalidInput,
	KindTransient:        ErrTransient,
	KindExternalProvider: ErrExternalProvider,
	KindStalledTimeout:   ErrStalledTimeout,
	KindCancelled:        ErrCancelled,
}

// Wrap builds an error message that includes stage context while tagging it
// with the marker for the provided kind for later classification.
func Wrap(kind ErrorKind, stage, operation, message string, err error) error {
	marker, ok := markerByKind[kind]
	if !ok {
		marker = ErrTransient
	}
	detail := buildDetail(stage, operation, message)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// KindOf classifies an error into the taxonomy. Unclassified errors map to
// transient-resource so a stray failure is retried rather than silently fatal.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidInput):
		return KindInvalidInput
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, ErrStalledTimeout):
		return KindStalledTimeout
	case errors.Is(err, ErrExternalProvider):
		return KindExternalProvider
	default:
		return KindTransient
	}
}

// Retryable reports whether the kind may be retried under a stage policy.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindTransient, KindExternalProvider, KindStalledTimeout:
		return true
	default:
		return false
	}
}

// ParseErrorKind converts a stored string back into a known kind.
func ParseErrorKind(value string) (ErrorKind, bool) {
	kind := ErrorKind(strings.ToLower(strings.TrimSpace(value)))
	_, ok := markerByKind[kind]
	return kind, ok
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
