package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixlift/pixlift/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestErrorCodeToHTTPStatus(t *testing.T) {
	tests := []struct {
		code   string
		status int
	}{
		{domain.EINVALID, http.StatusBadRequest},
		{domain.EUNAUTHORIZED, http.StatusUnauthorized},
		{domain.EPAYMENT, http.StatusPaymentRequired},
		{domain.EFORBIDDEN, http.StatusForbidden},
		{domain.ENOTFOUND, http.StatusNotFound},
		{domain.ECONFLICT, http.StatusConflict},
		{domain.ETOOLARGE, http.StatusRequestEntityTooLarge},
		{domain.ERATELIMIT, http.StatusTooManyRequests},
		{domain.EUNAVAILABLE, http.StatusServiceUnavailable},
		{domain.EINTERNAL, http.StatusInternalServerError},
		{"someday-a-new-code", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.Equal(t, tt.status, ErrorCodeToHTTPStatus(tt.code))
		})
	}
}

func TestErrorResponseWritesJSON(t *testing.T) {
	req := httptest.NewRequest("POST", "/api/upscale", nil)
	rec := httptest.NewRecorder()

	ErrorResponse(rec, req, discardLogger(), domain.PaymentRequired("UpscaleService.Submit"))

	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, domain.EPAYMENT, body.Error.Code)
	assert.NotEmpty(t, body.Error.Message)

	// Internal operation names stay out of the response body.
	assert.False(t, strings.Contains(rec.Body.String(), "UpscaleService"))
}

func TestErrorResponseInternalErrorHidesDetails(t *testing.T) {
	req := httptest.NewRequest("GET", "/api/user/credits", nil)
	rec := httptest.NewRecorder()

	cause := errors.New("pq: connection refused to 10.0.0.5:5432")
	ErrorResponse(rec, req, discardLogger(), domain.Internal(cause, "LedgerService.Balance", "Failed to load balance"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.False(t, strings.Contains(rec.Body.String(), "10.0.0.5"))
	assert.False(t, strings.Contains(rec.Body.String(), "connection refused"))
}

func TestUnauthorizedResponse(t *testing.T) {
	req := httptest.NewRequest("GET", "/api/upscale/abc", nil)
	rec := httptest.NewRecorder()

	UnauthorizedResponse(rec, req, discardLogger())

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, domain.EUNAUTHORIZED, body.Error.Code)
}
