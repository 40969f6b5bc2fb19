package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/harvestnotes/gleaner/internal/ollama"
)

// Category classifies backend failures so callers can decide retry policy.
// This package only classifies; the calling orchestrator owns retries.
type Category string

const (
	// CategoryTimeout: the call exceeded its deadline. Retryable.
	CategoryTimeout Category = "timeout"
	// CategoryRateLimited: the backend rejected the call for rate limits. Retryable.
	CategoryRateLimited Category = "rate_limited"
	// CategoryOverloaded: the backend is temporarily overloaded. Retryable.
	CategoryOverloaded Category = "backend_overloaded"
	// CategoryAuth: authentication or configuration failure. Fatal.
	CategoryAuth Category = "authentication_failed"
	// CategoryMalformed: the backend rejected the request as invalid. Fatal.
	CategoryMalformed Category = "malformed_request"
)

// BackendError is a classified failure from the generation/embedding backend.
type BackendError struct {
	Category Category
	Status   int // HTTP status when applicable, 0 otherwise
	Message  string
}

func (e *BackendError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("backend %s (HTTP %d): %s", e.Category, e.Status, e.Message)
	}
	return fmt.Sprintf("backend %s: %s", e.Category, e.Message)
}

// Retryable reports whether the failure is transient.
func (e *BackendError) Retryable() bool {
	switch e.Category {
	case CategoryTimeout, CategoryRateLimited, CategoryOverloaded:
		return true
	}
	return false
}

// IsRetryable reports whether err is a transient backend failure.
func IsRetryable(err error) bool {
	var be *BackendError
	if errors.As(err, &be) {
		return be.Retryable()
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// classifyStatus maps an HTTP status from the backend onto the error taxonomy.
func classifyStatus(status int, message string) error {
	switch {
	case status == http.StatusTooManyRequests:
		return &BackendError{Category: CategoryRateLimited, Status: status, Message: message}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &BackendError{Category: CategoryAuth, Status: status, Message: message}
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity || status == http.StatusNotFound:
		return &BackendError{Category: CategoryMalformed, Status: status, Message: message}
	case status >= 500:
		return &BackendError{Category: CategoryOverloaded, Status: status, Message: message}
	default:
		return fmt.Errorf("backend unexpected status %d: %s", status, message)
	}
}

// classifyErr wraps transport-level failures, turning deadline expiry into a
// retryable timeout and HTTP status errors into their categories.
func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &BackendError{Category: CategoryTimeout, Message: err.Error()}
	}
	var ae *ollama.APIError
	if errors.As(err, &ae) {
		return classifyStatus(ae.StatusCode, ae.Message)
	}
	return err
}
