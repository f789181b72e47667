package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kensa/internal/model"
)

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string) (bool, error) { return false, errors.New("down") }
func (brokenLimiter) Close() error { return nil }

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
}

func serve(h http.Handler, remote string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/analyze", nil)
	req.RemoteAddr = remote
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_DeniesOverBurst(t *testing.T) {
	m, _ := newTestLimiter(t, 0.5, 1) // one token every 2s
	h := Middleware(m, IPKeyFunc, func(*http.Request) string { return "req-9" }, nil)(okHandler())

	assert.Equal(t, http.StatusNoContent, serve(h, "192.0.2.1:5000").Code)

	rec := serve(h, "192.0.2.1:5001")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))

	var body model.APIError
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, model.ErrCodeRateLimited, body.Error.Code)
	assert.Equal(t, "req-9", body.Meta.RequestID)

	// A different client is unaffected.
	assert.Equal(t, http.StatusNoContent, serve(h, "192.0.2.2:5000").Code)
}

func TestMiddleware_FailsOpen(t *testing.T) {
	h := Middleware(brokenLimiter{}, IPKeyFunc, nil, nil)(okHandler())
	assert.Equal(t, http.StatusNoContent, serve(h, "192.0.2.1:5000").Code)
}

func TestMiddleware_NilLimiterAndEmptyKey(t *testing.T) {
	h := Middleware(nil, IPKeyFunc, nil, nil)(okHandler())
	assert.Equal(t, http.StatusNoContent, serve(h, "192.0.2.1:5000").Code)

	m, _ := newTestLimiter(t, 0.001, 1)
	skip := Middleware(m, func(*http.Request) string { return "" }, nil, nil)(okHandler())
	for range 3 {
		assert.Equal(t, http.StatusNoContent, serve(skip, "192.0.2.1:5000").Code)
	}
}

func TestIPKeyFunc(t *testing.T) {
	tests := []struct{ remote, want string }{
		{"192.0.2.1:1234", "192.0.2.1"},
		{"[2001:db8::1]:443", "2001:db8::1"},
		{"no-port", "no-port"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = tt.remote
		assert.Equal(t, tt.want, IPKeyFunc(req))
	}
}
