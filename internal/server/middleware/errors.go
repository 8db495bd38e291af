// Package middleware holds HTTP middleware for the status API.
package middleware

import (
	"net/http"

	gferrors "github.com/fulmenhq/gofulmen/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/pcflow/internal/errors"
	"github.com/3leaps/pcflow/internal/observability"
)

// RequestIDHeader carries the request ID.
const RequestIDHeader = "X-Request-ID"

// ErrorResponse is the JSON error envelope written by the middleware.
type ErrorResponse = apperrors.ErrorResponse

// RequestID propagates X-Request-ID, generating one when absent.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(apperrors.WithRequestID(r.Context(), id)))
	})
}

// Recovery turns a handler panic into a 500 JSON error. The panic value is
// logged, never sent to the client.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			reqID := apperrors.RequestIDFromContext(r.Context())
			observability.CLILogger.Error("handler panic",
				zap.Any("panic", rec),
				zap.String("path", r.URL.Path),
				zap.String("request_id", reqID),
			)
			env := gferrors.NewErrorEnvelope(apperrors.CodeInternal, "internal server error").
				WithCorrelationID(reqID)
			env, _ = env.WithSeverity(gferrors.SeverityCritical)
			writeErrorResponse(w, env, http.StatusInternalServerError)
		}()
		next.ServeHTTP(w, r)
	})
}

// ErrorHandler is Recovery under the name used by the router setup.
func ErrorHandler(next http.Handler) http.Handler {
	return Recovery(next)
}

func writeErrorResponse(w http.ResponseWriter, envelope *gferrors.ErrorEnvelope, status int) {
	apperrors.WriteError(w, envelope, status)
}
