package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"format", fmt.Errorf("activate: %w", ErrInvalidLicenseFormat), http.StatusBadRequest, CodeInvalidFormat},
		{"tampered", ErrLicenseTampered, http.StatusForbidden, CodeTampered},
		{"decryption is tampering", fmt.Errorf("%w: %w", ErrLicenseTampered, ErrDecryption), http.StatusForbidden, CodeTampered},
		{"expired", ErrLicenseExpired, http.StatusForbidden, CodeExpired},
		{"device limit", ErrDeviceLimit, http.StatusConflict, CodeDeviceLimit},
		{"not activated", ErrLicenseNotActivated, http.StatusPreconditionRequired, CodeNotActivated},
		{"rate limited", ErrRateLimited, http.StatusTooManyRequests, CodeRateLimited},
		{"automation", ErrAutomation, http.StatusTooManyRequests, CodeAutomation},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			apiErr := FromError(tt.err)
			require.NotNil(t, apiErr)
			assert.Equal(t, tt.wantStatus, apiErr.StatusCode)
			assert.Equal(t, tt.wantCode, apiErr.ErrorCode)
		})
	}

	assert.Nil(t, FromError(nil))
}

func TestFromErrorKeepsAPIError(t *testing.T) {
	original := New(http.StatusTeapot, "TEAPOT", "short and stout")
	assert.Same(t, original, FromError(fmt.Errorf("wrapped: %w", original)))
}

func TestUnknownErrorDoesNotLeakMessage(t *testing.T) {
	apiErr := FromError(errors.New("secret path /etc/passwd"))
	assert.NotContains(t, apiErr.Message, "passwd")
}

func TestProblemDetailsMarshal(t *testing.T) {
	problem := ProblemFromError(ErrDeviceLimit, "/api/license/status", "trace-123")

	data, err := json.Marshal(problem)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "/errors/device-limit-reached", decoded["type"])
	assert.Equal(t, float64(http.StatusConflict), decoded["status"])
	assert.Equal(t, "trace-123", decoded["trace_id"])
	assert.Equal(t, CodeDeviceLimit, decoded["error_code"])
}

func TestWriteProblem(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteProblem(rec, ProblemFromError(ErrRateLimited, "/api/actions/export", "abc"))

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	assert.Equal(t, CodeRateLimited, decoded["error_code"])
	assert.Equal(t, "/api/actions/export", decoded["instance"])
	assert.Equal(t, "abc", decoded["trace_id"])
}
