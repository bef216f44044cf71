// Package errors defines the application error type shared by the HTTP
// layer and the CLI, and the mapping from domain errors onto it.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/3leaps/trainjobs/pkg/jobregistry"
)

const (
	CodeValidation         = "VALIDATION_ERROR"
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeRateLimited        = "RATE_LIMITED"
	CodeStorageUnavailable = "STORAGE_UNAVAILABLE"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeExternalService    = "EXTERNAL_SERVICE_ERROR"
	CodeConflict           = "CONFLICT"
	CodeInternal           = "INTERNAL_ERROR"
)

// AppError carries an HTTP status and a stable code alongside the cause.
type AppError struct {
	Code    string
	Status  int
	Message string
	Details map[string]any
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Err }

// WithDetails returns a copy of e with key set in its details.
func (e *AppError) WithDetails(key string, value any) *AppError {
	out := *e
	out.Details = make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		out.Details[k] = v
	}
	out.Details[key] = value
	return &out
}

func NewValidationError(message string) *AppError {
	return &AppError{Code: CodeValidation, Status: http.StatusBadRequest, Message: message}
}

func NewNotFoundError(message string) *AppError {
	return &AppError{Code: CodeNotFound, Status: http.StatusNotFound, Message: message}
}

func NewUnauthorizedError(message string) *AppError {
	return &AppError{Code: CodeUnauthorized, Status: http.StatusUnauthorized, Message: message}
}

func NewRateLimitedError(message string) *AppError {
	return &AppError{Code: CodeRateLimited, Status: http.StatusTooManyRequests, Message: message}
}

func NewExternalServiceError(message string) *AppError {
	return &AppError{Code: CodeExternalService, Status: http.StatusBadGateway, Message: message}
}

func NewServiceUnavailableError(message string) *AppError {
	return &AppError{Code: CodeServiceUnavailable, Status: http.StatusServiceUnavailable, Message: message}
}

// WrapStorage reports a persistence failure; the caller may retry later.
func WrapStorage(err error, message string) *AppError {
	return &AppError{Code: CodeStorageUnavailable, Status: http.StatusServiceUnavailable, Message: message, Err: err}
}

// WrapInternal hides err behind a generic message. ctx is accepted so
// callers can pass request scope once tracing lands.
func WrapInternal(_ context.Context, err error, message string) *AppError {
	return &AppError{Code: CodeInternal, Status: http.StatusInternalServerError, Message: message, Err: err}
}

// Classify maps any error onto an AppError.
func Classify(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	if stderrors.Is(err, jobregistry.ErrJobNotFound) {
		return &AppError{Code: CodeNotFound, Status: http.StatusNotFound, Message: "job not found", Err: err}
	}
	var transition *jobregistry.TransitionError
	if stderrors.As(err, &transition) {
		return &AppError{Code: CodeConflict, Status: http.StatusConflict, Message: transition.Error(), Err: err}
	}
	if jobregistry.IsStorageError(err) {
		return WrapStorage(err, "job store unavailable")
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return &AppError{Code: CodeServiceUnavailable, Status: http.StatusServiceUnavailable, Message: "request timed out", Err: err}
	}
	return WrapInternal(context.Background(), err, "internal server error")
}
