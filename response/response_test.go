package response

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shiftwise/billing/apperr"

	extErrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromError(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{apperr.NotFound("plan", "p"), http.StatusNotFound},
		{extErrors.Wrap(apperr.Validation("seatCount", "negative"), "Cannot price"), http.StatusBadRequest},
		{apperr.InconsistentState("moved"), http.StatusConflict},
		{apperr.Gateway("create invoice", errors.New("down")), http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		assert.Equal(t, c.status, FromError(c.err).StatusCode, c.err.Error())
	}
	// internal errors are not echoed to clients
	assert.Empty(t, FromError(errors.New("secret dsn")).Messages)
}

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, httptest.NewRequest(http.MethodGet, "/", nil), ErrNotFound().AddMessages("no plan"))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body struct {
		Error Error `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Requested resources not found", body.Error.Message)
	assert.Equal(t, []string{"no plan"}, body.Error.Messages)
}

func TestWriteResponse(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteResponse(rec, httptest.NewRequest(http.MethodGet, "/", nil), map[string]int{"seats": 3})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"result":{"seats":3}}`, rec.Body.String())
}
