package handler

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderunr/runbox/internal/job"
)

func TestDecodeJobRequest(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		limit  int64
		status int
	}{
		{name: "valid", body: `{"code":"print(1)","language":"python","stdin":"x"}`, status: http.StatusOK},
		{name: "malformed", body: `{"code":`, status: http.StatusBadRequest},
		{name: "unknown field", body: `{"code":"x","language":"py","args":[]}`, status: http.StatusBadRequest},
		{name: "too large", body: `{"code":"` + strings.Repeat("x", 64) + `"}`, limit: 16, status: http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/run", strings.NewReader(tt.body))
			if tt.limit > 0 {
				req.Body = http.MaxBytesReader(httptest.NewRecorder(), req.Body, tt.limit)
			}

			request, status, err := decodeJobRequest(req.Body)
			assert.Equal(t, tt.status, status)
			if tt.status != http.StatusOK {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "print(1)", request.Code)
			assert.Equal(t, "python", request.Language)
			assert.Equal(t, "x", request.Stdin)
		})
	}
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusFor(fmt.Errorf("%w: code is required", job.ErrInvalidRequest)))
	assert.Equal(t, http.StatusBadRequest, statusFor(fmt.Errorf("%w: cobol", job.ErrUnsupportedLanguage)))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("disk full")))
}
