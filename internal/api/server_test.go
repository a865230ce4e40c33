package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/risk-engine/internal/alert"
	"github.com/atmx/risk-engine/internal/insurance"
	"github.com/atmx/risk-engine/internal/liquidation"
	"github.com/atmx/risk-engine/internal/model"
	"github.com/atmx/risk-engine/internal/panicswitch"
	"github.com/atmx/risk-engine/internal/store"
	"github.com/atmx/risk-engine/internal/surveillance"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

type fakeLoop struct {
	snaps    map[string]model.RiskSnapshot
	evalErr  error
	trigger  model.LiquidationCase
	trigErr  error
	lastScan *surveillance.Report
}

func (f *fakeLoop) Evaluate(_ context.Context, userID string) (model.RiskSnapshot, error) {
	if f.evalErr != nil {
		return model.RiskSnapshot{}, f.evalErr
	}
	s := model.RiskSnapshot{UserID: userID, MaintenanceMargin: d(100), CurrentMargin: d(150)}
	f.snaps[userID] = s
	return s, nil
}

func (f *fakeLoop) Trigger(context.Context, string) (model.LiquidationCase, error) {
	return f.trigger, f.trigErr
}

func (f *fakeLoop) Snapshot(userID string) (model.RiskSnapshot, bool) {
	s, ok := f.snaps[userID]
	return s, ok
}

func (f *fakeLoop) Snapshots() []model.RiskSnapshot {
	out := make([]model.RiskSnapshot, 0, len(f.snaps))
	for _, s := range f.snaps {
		out = append(out, s)
	}
	return out
}

func (f *fakeLoop) LastScan() (surveillance.Report, bool) {
	if f.lastScan == nil {
		return surveillance.Report{}, false
	}
	return *f.lastScan, true
}

type testEnv struct {
	sw       *panicswitch.Switch
	alerts   *alert.Recorder
	loop     *fakeLoop
	registry *liquidation.Registry
	store    *store.MemoryStore
	fund     *insurance.Fund
	router   http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	rec := alert.NewRecorder(0)
	fund, err := insurance.NewFund(d(1_000_000), d(0.1), decimal.Zero, nil, nil)
	require.NoError(t, err)
	env := &testEnv{
		sw:       panicswitch.New("admin@venue", panicswitch.WithAlerts(rec)),
		alerts:   rec,
		loop:     &fakeLoop{snaps: map[string]model.RiskSnapshot{}},
		registry: liquidation.NewRegistry(nil, 0, nil),
		store:    store.NewMemoryStore(),
		fund:     fund,
	}
	env.router = NewServer(Deps{
		Panic:  env.sw,
		Loop:   env.loop,
		Live:   env.registry,
		Cases:  env.store,
		Fund:   env.fund,
		Alerts: rec,
	}, nil).Routes()
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[map[string]any](t, w)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, false, body["halted"])
}

func TestPanic_TriggerAndReset(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/v1/admin/panic", PanicRequest{Identity: "admin@venue", Reason: "drill"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	st := decode[panicswitch.State](t, w)
	assert.True(t, st.Armed)
	assert.Equal(t, "admin@venue", st.By)
	assert.True(t, env.sw.Armed())

	w = env.do(t, http.MethodGet, "/api/v1/admin/panic", nil)
	assert.True(t, decode[panicswitch.State](t, w).Armed)

	w = env.do(t, http.MethodDelete, "/api/v1/admin/panic", PanicRequest{Identity: "admin@venue"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decode[panicswitch.State](t, w).Armed)
	assert.False(t, env.sw.Armed())
}

func TestPanic_Unauthorized(t *testing.T) {
	env := newTestEnv(t)
	for _, id := range []string{"", "user_123", "ADMIN@VENUE"} {
		w := env.do(t, http.MethodPost, "/api/v1/admin/panic", PanicRequest{Identity: id})
		assert.Equal(t, http.StatusForbidden, w.Code, id)
		assert.NotContains(t, w.Body.String(), "admin@venue")
	}
	assert.False(t, env.sw.Armed())
	assert.Len(t, env.alerts.OfKind(alert.KindPanicRejected), 3)

	require.True(t, env.sw.Trigger(context.Background(), "admin@venue"))
	w := env.do(t, http.MethodDelete, "/api/v1/admin/panic", PanicRequest{Identity: "intruder"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.True(t, env.sw.Armed())

	w = env.do(t, http.MethodGet, "/api/v1/alerts?kind=panic_rejected", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]alert.Alert](t, w), 4)
}

func TestPanic_BadBody(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/panic", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/admin/panic", PanicRequest{Identity: strings.Repeat("a", 400)})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.False(t, env.sw.Armed())
}

func TestCases_LiveAndHistory(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	live := model.LiquidationCase{ID: "c-live", UserID: "u1", Stage: model.StageTWAP, StartedAt: time.Now()}
	require.NoError(t, env.registry.Claim(ctx, live))
	t.Cleanup(func() { env.registry.Release("u1", "c-live") })

	w := env.do(t, http.MethodGet, "/api/v1/cases", nil)
	require.Equal(t, http.StatusOK, w.Code)
	cases := decode[[]model.LiquidationCase](t, w)
	require.Len(t, cases, 1)
	assert.Equal(t, "c-live", cases[0].ID)

	for i := 0; i < 3; i++ {
		require.NoError(t, env.store.ArchiveCase(ctx, model.LiquidationCase{
			ID: fmt.Sprintf("old-%d", i), UserID: "u2", Outcome: model.OutcomeResolved,
			StartedAt: time.Now().Add(time.Duration(i) * time.Minute),
		}))
	}
	w = env.do(t, http.MethodGet, "/api/v1/cases/u2/history?limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]model.LiquidationCase](t, w), 2)

	w = env.do(t, http.MethodGet, "/api/v1/cases/nobody/history", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[]\n", w.Body.String())

	w = env.do(t, http.MethodGet, "/api/v1/cases/u2/history?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSnapshots(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/v1/snapshots/u1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/accounts/u1/evaluate", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "u1", decode[model.RiskSnapshot](t, w).UserID)

	w = env.do(t, http.MethodGet, "/api/v1/snapshots/u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	snap := decode[model.RiskSnapshot](t, w)
	assert.True(t, snap.CurrentMargin.Equal(d(150)))

	w = env.do(t, http.MethodGet, "/api/v1/snapshots", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]model.RiskSnapshot](t, w), 1)
}

func TestEvaluate_Errors(t *testing.T) {
	env := newTestEnv(t)
	env.loop.evalErr = fmt.Errorf("portfolio: %w", store.ErrNotFound)
	w := env.do(t, http.MethodPost, "/api/v1/accounts/ghost/evaluate", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	env.loop.evalErr = fmt.Errorf("margin lookup: timeout")
	w = env.do(t, http.MethodPost, "/api/v1/accounts/u1/evaluate", nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestLiquidate(t *testing.T) {
	env := newTestEnv(t)

	env.loop.trigErr = liquidation.ErrNotBreaching
	w := env.do(t, http.MethodPost, "/api/v1/accounts/u1/liquidate", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	env.loop.trigErr = liquidation.ErrHalted
	w = env.do(t, http.MethodPost, "/api/v1/accounts/u1/liquidate", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	env.loop.trigger = model.LiquidationCase{ID: "c1", UserID: "u1", Outcome: model.OutcomeEscalated}
	env.loop.trigErr = fmt.Errorf("%w: twap: boom", liquidation.ErrStageFailed)
	w = env.do(t, http.MethodPost, "/api/v1/accounts/u1/liquidate", nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, model.OutcomeEscalated, decode[model.LiquidationCase](t, w).Outcome)

	env.loop.trigger = model.LiquidationCase{ID: "c2", UserID: "u1", Outcome: model.OutcomeResolved}
	env.loop.trigErr = nil
	w = env.do(t, http.MethodPost, "/api/v1/accounts/u1/liquidate", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "c2", decode[model.LiquidationCase](t, w).ID)
	assert.Empty(t, w.Header().Get("X-Insurance-Depleted"))

	env.loop.trigger = model.LiquidationCase{ID: "c3", UserID: "u1", Outcome: model.OutcomeTakenOver}
	env.loop.trigErr = fmt.Errorf("%w: balance -10000", liquidation.ErrFundDepleted)
	w = env.do(t, http.MethodPost, "/api/v1/accounts/u1/liquidate", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "true", w.Header().Get("X-Insurance-Depleted"))
	assert.Equal(t, model.OutcomeTakenOver, decode[model.LiquidationCase](t, w).Outcome)
}

func TestInsurance(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.fund.Takeover(context.Background(), "u1", d(250_000))
	require.NoError(t, err)

	w := env.do(t, http.MethodGet, "/api/v1/insurance", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[InsuranceResponse](t, w)
	assert.True(t, body.Balance.Equal(d(975_000)), body.Balance.String())
	assert.True(t, body.LossFraction.Equal(d(0.1)))
	assert.Equal(t, 1, body.Debits)
	assert.False(t, body.Depleted)
}

func TestSurveillance(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/api/v1/surveillance", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	env.loop.lastScan = &surveillance.Report{Count: 7, Escalated: true}
	w = env.do(t, http.MethodGet, "/api/v1/surveillance", nil)
	require.Equal(t, http.StatusOK, w.Code)
	rep := decode[surveillance.Report](t, w)
	assert.Equal(t, 7, rep.Count)
	assert.True(t, rep.Escalated)
}

func TestHub_StreamsAlertsAndSnapshots(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	n := alert.NewNotifier(nil)
	n.Register(hub, alert.SeverityHigh)
	n.Emit(ctx, alert.New(alert.KindStageTransition, alert.SeverityInfo, "u1", "below threshold", nil))
	n.Emit(ctx, alert.New(alert.KindEscalation, alert.SeverityCritical, "u1", "escalated", nil))
	hub.PublishSnapshot(ctx, model.RiskSnapshot{UserID: "u2", Breaching: true})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var first, second WSMessage
	require.NoError(t, conn.ReadJSON(&first))
	require.NoError(t, conn.ReadJSON(&second))

	assert.Equal(t, MessageAlert, first.Type)
	require.NotNil(t, first.Alert)
	assert.Equal(t, alert.KindEscalation, first.Alert.Kind)

	assert.Equal(t, MessageSnapshot, second.Type)
	require.NotNil(t, second.Snapshot)
	assert.Equal(t, "u2", second.Snapshot.UserID)

	cancel()
	require.Eventually(t, func() bool { return hub.Clients() == 0 }, time.Second, 5*time.Millisecond)
}
