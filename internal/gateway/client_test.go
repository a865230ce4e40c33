package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/risk-engine/internal/liquidation"
)

var _ liquidation.Executor = (*Client)(nil)
var _ liquidation.Executor = (*Simulator)(nil)

// fakeEngine is a matching engine that honours idempotency keys.
type fakeEngine struct {
	mu      sync.Mutex
	actions map[string]liquidation.ActionReport
	runs    int
	keys    []string
	auth    string
}

func newFakeEngine(t *testing.T) (*fakeEngine, *httptest.Server) {
	t.Helper()
	e := &fakeEngine{actions: map[string]liquidation.ActionReport{}}
	r := chi.NewRouter()
	action := func(w http.ResponseWriter, req *http.Request) {
		key := req.Header.Get(IdempotencyHeader)
		e.mu.Lock()
		defer e.mu.Unlock()
		e.keys = append(e.keys, key)
		e.auth = req.Header.Get("Authorization")
		if key == "" {
			http.Error(w, "missing idempotency key", http.StatusBadRequest)
			return
		}
		rep, ok := e.actions[key]
		if !ok {
			e.runs++
			rep = liquidation.ActionReport{ActionID: key, State: liquidation.ActionSucceeded}
			e.actions[key] = rep
		}
		_ = json.NewEncoder(w).Encode(rep)
	}
	r.Post("/v1/accounts/{id}/cancel-all", action)
	r.Post("/v1/accounts/{id}/twap", action)
	r.Get("/v1/actions/{actionID}", func(w http.ResponseWriter, req *http.Request) {
		e.mu.Lock()
		defer e.mu.Unlock()
		rep, ok := e.actions[chi.URLParam(req, "actionID")]
		if !ok {
			http.NotFound(w, req)
			return
		}
		_ = json.NewEncoder(w).Encode(rep)
	})
	r.Post("/v1/accounts/broken/cancel-all", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "engine overloaded", http.StatusServiceUnavailable)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return e, srv
}

func TestClient_CancelIsIdempotent(t *testing.T) {
	e, srv := newFakeEngine(t)
	c := NewClient(srv.URL+"/", "secret", time.Second)
	ctx := context.Background()

	rep, err := c.CancelOpenOrders(ctx, "u1", "case-1/cancel_orders")
	require.NoError(t, err)
	assert.Equal(t, liquidation.ActionSucceeded, rep.State)

	_, err = c.CancelOpenOrders(ctx, "u1", "case-1/cancel_orders")
	require.NoError(t, err)
	assert.Equal(t, 1, e.runs)
	assert.Equal(t, []string{"case-1/cancel_orders", "case-1/cancel_orders"}, e.keys)
	assert.Equal(t, "Bearer secret", e.auth)
}

func TestClient_TWAPAndStatus(t *testing.T) {
	_, srv := newFakeEngine(t)
	c := NewClient(srv.URL, "", time.Second)
	ctx := context.Background()

	rep, err := c.ActionStatus(ctx, "case-1/twap")
	require.NoError(t, err)
	assert.Equal(t, liquidation.ActionUnknown, rep.State)

	_, err = c.ExecuteTWAP(ctx, "u1", "case-1/twap")
	require.NoError(t, err)

	rep, err = c.ActionStatus(ctx, "case-1/twap")
	require.NoError(t, err)
	assert.Equal(t, liquidation.ActionSucceeded, rep.State)
}

func TestClient_ErrorStatus(t *testing.T) {
	_, srv := newFakeEngine(t)
	c := NewClient(srv.URL, "", time.Second)

	_, err := c.CancelOpenOrders(context.Background(), "broken", "x/cancel_orders")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStatus)
	assert.Contains(t, err.Error(), "503")
}

func TestClient_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, "", 20*time.Millisecond)
	_, err := c.ExecuteTWAP(context.Background(), "u1", "a/twap")
	assert.Error(t, err)
}
