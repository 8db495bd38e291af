package errors

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	gferrors "github.com/fulmenhq/gofulmen/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestRespondWithErrorAppError(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/instances/x", nil)
	req = req.WithContext(WithRequestID(req.Context(), "req-1"))
	rec := httptest.NewRecorder()

	RespondWithError(rec, req, NewNotFound("instance x not found").WithDetails(map[string]any{"instance_id": "x"}))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	body := decode(t, rec)
	assert.Equal(t, CodeNotFound, body.Error.Code)
	assert.Equal(t, "instance x not found", body.Error.Message)
	assert.Equal(t, "req-1", body.Error.CorrelationID)
	assert.Equal(t, "x", body.Error.Details["instance_id"])
	assert.Equal(t, gferrors.SeverityLow, body.Error.Severity)
}

func TestRespondWithErrorWrapped(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()

	err := fmt.Errorf("handler: %w", NewInvalidArgument("bad limit", assert.AnError))
	RespondWithError(rec, req, err)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, CodeInvalidArgument, body.Error.Code)
	assert.Contains(t, body.Error.Message, "bad limit")
}

func TestRespondWithErrorHidesInternalCause(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()

	RespondWithError(rec, req, fmt.Errorf("db password rejected"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, CodeInternal, body.Error.Code)
	assert.Equal(t, "internal server error", body.Error.Message)
	assert.NotContains(t, rec.Body.String(), "password")
	assert.Equal(t, gferrors.SeverityHigh, body.Error.Severity)
}

func TestWrapInternal(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-9")
	err := WrapInternal(ctx, assert.AnError, "load failed")
	assert.Equal(t, "req-9", err.RequestID)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Contains(t, err.Error(), "load failed")
}

func TestRequestIDFromContextEmpty(t *testing.T) {
	assert.Empty(t, RequestIDFromContext(context.Background()))
}
