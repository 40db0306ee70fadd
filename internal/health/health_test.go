package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ok(context.Context) error { return nil }

func failing(context.Context) error { return errors.New("connection refused") }

func TestHandler_ServeHTTP(t *testing.T) {
	cases := []struct {
		name       string
		checkers   map[string]Checker
		wantCode   int
		wantStatus Status
	}{
		{
			name:       "all healthy",
			checkers:   map[string]Checker{"storage": NewPingChecker("storage", ok)},
			wantCode:   http.StatusOK,
			wantStatus: StatusHealthy,
		},
		{
			name: "degraded stays 200",
			checkers: map[string]Checker{
				"storage":   NewPingChecker("storage", ok),
				"inventory": NewBreakerChecker("inventory", func() map[string]string { return map[string]string{"a": "open", "b": "closed"} }),
			},
			wantCode:   http.StatusOK,
			wantStatus: StatusDegraded,
		},
		{
			name: "unhealthy wins",
			checkers: map[string]Checker{
				"storage":   NewPingChecker("storage", failing),
				"inventory": NewBreakerChecker("inventory", func() map[string]string { return map[string]string{"a": "open", "b": "closed"} }),
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: StatusUnhealthy,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			handler := NewHandler("v1.0.0")
			for name, checker := range tc.checkers {
				handler.RegisterChecker(name, checker)
			}

			w := httptest.NewRecorder()
			handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

			assert.Equal(t, tc.wantCode, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

			var response Response
			require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
			assert.Equal(t, tc.wantStatus, response.Status)
			assert.Equal(t, "v1.0.0", response.Version)
			assert.Len(t, response.Checks, len(tc.checkers))
		})
	}
}

func TestHandler_RegisterNilChecker(t *testing.T) {
	handler := NewHandler("dev")
	handler.RegisterChecker("nil", nil)

	assert.Empty(t, handler.Evaluate(context.Background()).Checks)
}

func TestLivenessHandler(t *testing.T) {
	w := httptest.NewRecorder()
	LivenessHandler(w, httptest.NewRequest(http.MethodGet, "/livez", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
}

func TestReadinessHandler(t *testing.T) {
	handler := NewHandler("dev")
	handler.RegisterChecker("storage", NewPingChecker("storage", ok))

	w := httptest.NewRecorder()
	handler.ReadinessHandler(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ready", w.Body.String())

	handler.RegisterChecker("redis", NewPingChecker("redis", failing))
	w = httptest.NewRecorder()
	handler.ReadinessHandler(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "not ready", w.Body.String())
}

func TestPingChecker(t *testing.T) {
	check := NewPingChecker("storage", ok).Check(context.Background())
	assert.Equal(t, StatusHealthy, check.Status)
	assert.Equal(t, "storage", check.Name)
	assert.Empty(t, check.Message)

	check = NewPingChecker("storage", failing).Check(context.Background())
	assert.Equal(t, StatusUnhealthy, check.Status)
	assert.Equal(t, "connection refused", check.Message)
}

func TestPingChecker_ReceivesDeadline(t *testing.T) {
	handler := NewHandler("dev")
	handler.RegisterChecker("slow", NewPingChecker("slow", func(ctx context.Context) error {
		_, ok := ctx.Deadline()
		assert.True(t, ok, "checks must run under a deadline")
		return nil
	}))

	assert.Equal(t, StatusHealthy, handler.Evaluate(context.Background()).Status)
}

func TestBreakerChecker(t *testing.T) {
	cases := []struct {
		name    string
		states  map[string]string
		want    Status
		message string
	}{
		{name: "all closed", states: map[string]string{"a": "closed", "b": "closed"}, want: StatusHealthy},
		{name: "half open", states: map[string]string{"a": "half-open", "b": "closed"}, want: StatusDegraded, message: "1 of 2 circuits not closed: a=half-open"},
		{name: "all open", states: map[string]string{"a": "open", "b": "open"}, want: StatusUnhealthy, message: "all circuits open: a=open, b=open"},
		{name: "none configured", states: map[string]string{}, want: StatusDegraded, message: "no inventory endpoints configured"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			check := NewBreakerChecker("inventory", func() map[string]string { return tc.states }).Check(context.Background())
			assert.Equal(t, tc.want, check.Status)
			assert.Equal(t, tc.message, check.Message)
		})
	}
}
