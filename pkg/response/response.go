package response

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Error kinds recognized at the request boundary. Services wrap these with
// fmt.Errorf("...: %w", Err...) so handlers can map them to HTTP statuses
// without inspecting message text.
var (
	ErrNotFound      = errors.New("not found")
	ErrForbidden     = errors.New("forbidden")
	ErrConflict      = errors.New("conflict")
	ErrInvalid       = errors.New("invalid input")
	ErrExpired       = errors.New("expired")
	ErrUnavailable   = errors.New("unavailable")
	ErrSafetyAborted = errors.New("safety threshold exceeded")
)

// Body is the JSON envelope returned for every request.
type Body struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// OK builds a success envelope.
func OK(msg string) Body {
	return Body{Success: true, Message: msg}
}

// Fail builds a failure envelope.
func Fail(msg string) Body {
	return Body{Success: false, Message: msg}
}

// Storage maps storage-layer failures into the taxonomy: a context deadline
// becomes the retriable Unavailable kind, everything else passes through.
func Storage(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("storage timeout: %w", ErrUnavailable)
	}
	return err
}

// Status maps an error to its HTTP status code. Unrecognized errors are
// internal failures. A failed signature maps to the same status as any other
// invalid token so callers cannot distinguish why a forged token was refused.
func Status(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrExpired):
		return http.StatusGone
	case errors.Is(err, ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrSafetyAborted):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
