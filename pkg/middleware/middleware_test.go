package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dcerrors "github.com/matvik19/duplicate-contacts/pkg/errors"
	"github.com/matvik19/duplicate-contacts/pkg/logger"
)

func newServer(h echo.HandlerFunc) *echo.Echo {
	e := echo.New()
	e.HTTPErrorHandler = Error(logger.Nop())
	e.Use(RequestID(), Logger(logger.Nop()))
	e.GET("/x", h)
	return e
}

func do(e *echo.Echo, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	if header != "" {
		req.Header.Set(echo.HeaderXRequestID, header)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestError_MapsErrorKinds(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"not found", dcerrors.NewNotFoundError("settings for acme not found"), http.StatusNotFound},
		{"validation", dcerrors.NewValidationError("bad"), http.StatusBadRequest},
		{"transport", dcerrors.NewTransportError("broker down", nil), http.StatusServiceUnavailable},
		{"echo error", echo.NewHTTPError(http.StatusMethodNotAllowed, "nope"), http.StatusMethodNotAllowed},
		{"plain error", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(newServer(func(echo.Context) error { return tt.err }), "req-1")

			assert.Equal(t, tt.code, rec.Code)
			var body ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, "req-1", body.RequestID)
			assert.NotEmpty(t, body.Message)
		})
	}
}

func TestRequestID_GeneratedWhenMissing(t *testing.T) {
	rec := do(newServer(func(c echo.Context) error { return c.NoContent(http.StatusNoContent) }), "")

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))
}
