// Package errors defines the application error type and the JSON error
// envelope returned by the status API.
package errors

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	gferrors "github.com/fulmenhq/gofulmen/errors"
)

// Error codes used in HTTP responses.
const (
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeInvalidArgument    = "INVALID_ARGUMENT"
	CodeConflict           = "CONFLICT"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeExternalService    = "EXTERNAL_SERVICE_ERROR"
	CodeInternal           = "INTERNAL_ERROR"
)

// AppError is an error carrying an error code and HTTP status.
type AppError struct {
	Code      string
	Status    int
	Message   string
	RequestID string
	Details   map[string]any
	Err       error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Err }

// WithDetails attaches details and returns e.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	e.Details = details
	return e
}

// NewNotFound reports a missing resource.
func NewNotFound(message string) *AppError {
	return &AppError{Code: CodeNotFound, Status: http.StatusNotFound, Message: message}
}

// NewMethodNotAllowed reports an unsupported HTTP method.
func NewMethodNotAllowed(message string) *AppError {
	return &AppError{Code: CodeMethodNotAllowed, Status: http.StatusMethodNotAllowed, Message: message}
}

// NewInvalidArgument reports a bad request.
func NewInvalidArgument(message string, err error) *AppError {
	return &AppError{Code: CodeInvalidArgument, Status: http.StatusBadRequest, Message: message, Err: err}
}

// NewConflict reports a resource state conflict.
func NewConflict(message string, err error) *AppError {
	return &AppError{Code: CodeConflict, Status: http.StatusConflict, Message: message, Err: err}
}

// NewServiceUnavailable reports a dependency that cannot serve requests.
func NewServiceUnavailable(message string) *AppError {
	return &AppError{Code: CodeServiceUnavailable, Status: http.StatusServiceUnavailable, Message: message}
}

// NewExternalServiceError reports a failing external service.
func NewExternalServiceError(message string) *AppError {
	return &AppError{Code: CodeExternalService, Status: http.StatusBadGateway, Message: message}
}

// WrapInternal wraps err as an internal error tagged with the request ID in ctx.
func WrapInternal(ctx context.Context, err error, message string) *AppError {
	return &AppError{
		Code:      CodeInternal,
		Status:    http.StatusInternalServerError,
		Message:   message,
		RequestID: RequestIDFromContext(ctx),
		Err:       err,
	}
}

// ErrorResponse is the JSON body of an error response.
type ErrorResponse struct {
	Error *gferrors.ErrorEnvelope `json:"error"`
}

// Envelope converts err to an error envelope and the HTTP status to send.
// Errors that are not an *AppError become a 500 with a generic message.
func Envelope(ctx context.Context, err error) (*gferrors.ErrorEnvelope, int) {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		appErr = WrapInternal(ctx, err, "internal server error")
	}
	reqID := appErr.RequestID
	if reqID == "" {
		reqID = RequestIDFromContext(ctx)
	}
	msg := appErr.Message
	if appErr.Status < http.StatusInternalServerError && appErr.Err != nil {
		msg = appErr.Error()
	}

	env := gferrors.NewErrorEnvelope(appErr.Code, msg).
		WithCorrelationID(reqID).
		WithDetails(appErr.Details)
	env, _ = env.WithSeverity(severityFor(appErr.Status))
	return env, appErr.Status
}

func severityFor(status int) gferrors.Severity {
	switch {
	case status >= http.StatusInternalServerError:
		return gferrors.SeverityHigh
	case status == http.StatusNotFound:
		return gferrors.SeverityLow
	default:
		return gferrors.SeverityMedium
	}
}

// RespondWithError writes err as a JSON error envelope.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	env, status := Envelope(r.Context(), err)
	WriteError(w, env, status)
}

// WriteError writes env with status.
func WriteError(w http.ResponseWriter, env *gferrors.ErrorEnvelope, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: env})
}

type requestIDKey struct{}

// WithRequestID stores a request ID in ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request ID stored in ctx, if any.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
