package utils

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRespondErrorCode(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondErrorCode(rec, http.StatusInternalServerError, "configuration", "credentials missing")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"error":"credentials missing","code":"configuration"}`, rec.Body.String())
}

func TestDecodeJSONLimitsBody(t *testing.T) {
	huge := `{"sessionId":"` + strings.Repeat("a", maxBodyBytes) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(huge))
	rec := httptest.NewRecorder()

	var dst struct {
		SessionID string `json:"sessionId"`
	}
	err := DecodeJSON(rec, req, &dst)
	require.Error(t, err)

	var tooLarge *http.MaxBytesError
	assert.ErrorAs(t, err, &tooLarge)
}
