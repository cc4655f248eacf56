package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError represents an application-level error with a code and optional cause
type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// New creates a new AppError
func New(code, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// Error codes
const (
	ErrCodeThreadCreate  = "THREAD_CREATE_FAILED"
	ErrCodeStateGet      = "STATE_GET_FAILED"
	ErrCodeHistoryGet    = "HISTORY_GET_FAILED"
	ErrCodeMessagesGet   = "MESSAGES_GET_FAILED"
	ErrCodeInfoGet       = "INFO_GET_FAILED"
	ErrCodeRunStream     = "RUN_STREAM_FAILED"
	ErrCodeRunFailed     = "RUN_FAILED"
	ErrCodeRunJoin       = "RUN_JOIN_FAILED"
	ErrCodeStreamDecode  = "STREAM_DECODE_FAILED"
	ErrCodeInvalidConfig = "INVALID_CONFIG"
)

// HTTPError is a transport error carrying the response status and any body
// text the backend returned with it.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.Status)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Status, e.Body)
}

// IsNotFound reports whether err wraps an HTTPError with a 404 status.
func IsNotFound(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.Status == http.StatusNotFound
}

// IsGone reports whether err wraps an HTTPError whose status indicates the
// target no longer exists (404 or 410). A rejoin that fails this way means
// the backend run already finished, which callers treat as normal completion.
func IsGone(err error) bool {
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		return false
	}
	return httpErr.Status == http.StatusNotFound || httpErr.Status == http.StatusGone
}

// StatusOf returns the HTTP status carried by err, or 0 when err does not
// wrap an HTTPError.
func StatusOf(err error) int {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Status
	}
	return 0
}
