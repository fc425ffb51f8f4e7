package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation    = errors.New("validation error")
	ErrProvider      = errors.New("provider error")
	ErrPersistence   = errors.New("persistence error")
	ErrTransport     = errors.New("transport error")
	ErrExpired       = errors.New("envelope expired")
	ErrNotFound      = errors.New("not found")
	ErrConfiguration = errors.New("configuration error")
	ErrTimeout       = errors.New("timeout")
)

// ErrorKind names the marker attached to an error for logs and API payloads.
type ErrorKind string

const (
	ErrorKindValidation    ErrorKind = "validation"
	ErrorKindProvider      ErrorKind = "provider"
	ErrorKindPersistence   ErrorKind = "persistence"
	ErrorKindTransport     ErrorKind = "transport"
	ErrorKindExpired       ErrorKind = "expired"
	ErrorKindNotFound      ErrorKind = "not_found"
	ErrorKindConfiguration ErrorKind = "configuration"
	ErrorKindTimeout       ErrorKind = "timeout"
	ErrorKindCancelled     ErrorKind = "cancelled"
	ErrorKindUnknown       ErrorKind = "unknown"
)

// Wrap builds an error message that includes component context while tagging
// it with the provided marker for later classification. The marker should be
// one of the exported sentinel errors above.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		marker = ErrProvider
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Retryable reports whether an error may succeed on a later attempt.
// Validation, configuration, not-found, and cancellation failures never are.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrConfiguration),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrExpired),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}

// Kind classifies an error by its marker.
func Kind(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return ErrorKindValidation
	case errors.Is(err, ErrProvider):
		return ErrorKindProvider
	case errors.Is(err, ErrPersistence):
		return ErrorKindPersistence
	case errors.Is(err, ErrTransport):
		return ErrorKindTransport
	case errors.Is(err, ErrExpired):
		return ErrorKindExpired
	case errors.Is(err, ErrNotFound):
		return ErrorKindNotFound
	case errors.Is(err, ErrConfiguration):
		return ErrorKindConfiguration
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrorKindTimeout
	case errors.Is(err, context.Canceled):
		return ErrorKindCancelled
	default:
		return ErrorKindUnknown
	}
}

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
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
