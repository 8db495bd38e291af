package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/pcflow/internal/errors"
)

func TestDefaultResponderWritesEnvelope(t *testing.T) {
	ResetHTTPErrorResponder()

	req := httptest.NewRequest(http.MethodGet, "/v1/instances/x", nil)
	req = req.WithContext(apperrors.WithRequestID(req.Context(), "req-1"))
	rec := httptest.NewRecorder()

	respondWithError(rec, req, apperrors.NewNotFound("instance x not found"))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	var body apperrors.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "NOT_FOUND", body.Error.Code)
	assert.Equal(t, "req-1", body.Error.CorrelationID)
}

func TestSetHTTPErrorResponder(t *testing.T) {
	defer ResetHTTPErrorResponder()

	var captured error
	SetHTTPErrorResponder(func(w http.ResponseWriter, _ *http.Request, err error) {
		captured = err
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	respondWithError(rec, httptest.NewRequest(http.MethodGet, "/", nil), assert.AnError)
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, assert.AnError, captured)

	// nil falls back to the JSON envelope
	SetHTTPErrorResponder(nil)
	rec = httptest.NewRecorder()
	respondWithError(rec, httptest.NewRequest(http.MethodGet, "/", nil), assert.AnError)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}
