package router_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/baechuer/pgbus/internal/router"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T, h http.HandlerFunc) *router.Client {
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return router.NewClient(srv.URL, zerolog.Nop())
}

func TestHealthCheck(t *testing.T) {
	up := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	})
	assert.True(t, up.HealthCheck(context.Background()))

	down := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	assert.False(t, down.HealthCheck(context.Background()))

	unreachable := router.NewClient("http://127.0.0.1:1", zerolog.Nop())
	assert.False(t, unreachable.HealthCheck(context.Background()))
}

func TestRegisterWorker(t *testing.T) {
	var got map[string]any
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/workers/worker-1/register", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	})

	require.NoError(t, c.RegisterWorker(context.Background(), "worker-1", "demo"))
	assert.Equal(t, "demo", got["namespace"])
	assert.Equal(t, []any{}, got["capabilities"])
}

func TestRegisterWorkerNon2xx(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	})
	err := c.RegisterWorker(context.Background(), "worker-1", "demo")
	assert.ErrorContains(t, err, "status 403")
}

func TestRoute(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/events/route", r.URL.Path)

		var env map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&env))
		assert.Equal(t, "user.created", env["eventType"])

		_ = json.NewEncoder(w).Encode(map[string]any{
			"routedQueues": []string{"core_events_demo", "core_events_other"},
		})
	})

	queues, err := c.Route(context.Background(), json.RawMessage(`{"eventType":"user.created"}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"core_events_demo", "core_events_other"}, queues)
}

func TestRouteError(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	_, err := c.Route(context.Background(), json.RawMessage(`{}`))
	assert.ErrorContains(t, err, "status 500")
}

func TestSubscribe(t *testing.T) {
	var got map[string]any
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/workers/w/subscribe", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	})

	require.NoError(t, c.Subscribe(context.Background(), "w", []string{"a", "b"}))
	assert.Equal(t, []any{"a", "b"}, got["eventTypes"])
}
