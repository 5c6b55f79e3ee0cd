// Package errors defines the application error type and the JSON error
// envelope written by the HTTP server.
package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/3leaps/evalwatch/pkg/jobstore"
)

// Error codes used in HTTP responses.
const (
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeBadRequest         = "BAD_REQUEST"
	CodeNotImplemented     = "NOT_IMPLEMENTED"
	CodeInternal           = "INTERNAL_ERROR"
	CodeExternalService    = "EXTERNAL_SERVICE_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// AppError is an error with an HTTP status and a stable code.
type AppError struct {
	Code    string
	Status  int
	Message string
	Details map[string]any
	Err     error

	// RequestID is set when the error was created inside a request.
	RequestID string
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetails attaches structured context to the response body.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	e.Details = details
	return e
}

// NewNotFoundError reports a missing resource.
func NewNotFoundError(message string) *AppError {
	return &AppError{Code: CodeNotFound, Status: http.StatusNotFound, Message: message}
}

// NewBadRequestError reports invalid client input.
func NewBadRequestError(message string) *AppError {
	return &AppError{Code: CodeBadRequest, Status: http.StatusBadRequest, Message: message}
}

// NewNotImplementedError reports an operation the configured backend lacks.
func NewNotImplementedError(message string) *AppError {
	return &AppError{Code: CodeNotImplemented, Status: http.StatusNotImplemented, Message: message}
}

// NewExternalServiceError reports a failing dependency.
func NewExternalServiceError(message string) *AppError {
	return &AppError{Code: CodeExternalService, Status: http.StatusBadGateway, Message: message}
}

// NewServiceUnavailableError reports the server cannot serve right now.
func NewServiceUnavailableError(message string) *AppError {
	return &AppError{Code: CodeServiceUnavailable, Status: http.StatusServiceUnavailable, Message: message}
}

// WrapInternal wraps err as a 500, tagged with the request id carried by ctx.
func WrapInternal(ctx context.Context, err error, message string) *AppError {
	return &AppError{
		Code:      CodeInternal,
		Status:    http.StatusInternalServerError,
		Message:   message,
		Err:       err,
		RequestID: middleware.GetReqID(ctx),
	}
}

// HTTPErrorResponse is the JSON error envelope.
type HTTPErrorResponse struct {
	Error HTTPError `json:"error"`
}

// HTTPError is the body of HTTPErrorResponse.
type HTTPError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// FromError maps any error onto an AppError.
func FromError(err error) *AppError {
	var appErr *AppError
	switch {
	case stderrors.As(err, &appErr):
		return appErr
	case jobstore.IsNotFound(err):
		return &AppError{Code: CodeNotFound, Status: http.StatusNotFound, Message: "job not found", Err: err}
	case stderrors.Is(err, context.DeadlineExceeded):
		return &AppError{Code: CodeExternalService, Status: http.StatusGatewayTimeout, Message: "job store timed out", Err: err}
	default:
		return WrapInternal(context.Background(), err, "internal server error")
	}
}

// RespondWithError writes err as a JSON envelope.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	appErr := FromError(err)
	body := HTTPErrorResponse{Error: HTTPError{
		Code:      appErr.Code,
		Message:   appErr.Message,
		RequestID: appErr.RequestID,
		Details:   appErr.Details,
	}}
	if r != nil && body.Error.RequestID == "" {
		body.Error.RequestID = middleware.GetReqID(r.Context())
	}
	WriteJSON(w, appErr.Status, body)
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
