package riskloop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/risk-engine/internal/feed"
	"github.com/atmx/risk-engine/internal/gateway"
	"github.com/atmx/risk-engine/internal/insurance"
	"github.com/atmx/risk-engine/internal/liquidation"
	"github.com/atmx/risk-engine/internal/margin"
	"github.com/atmx/risk-engine/internal/model"
	"github.com/atmx/risk-engine/internal/panicswitch"
	"github.com/atmx/risk-engine/internal/store"
	"github.com/atmx/risk-engine/internal/surveillance"
	"github.com/atmx/risk-engine/internal/valueatrisk"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func stock(sym string, notional float64) model.Position {
	return model.Position{Symbol: sym, AssetClass: model.AssetStock, Notional: d(notional), Side: model.SideLong}
}

var fastRetry = liquidation.RetryPolicy{
	MaxTries:        2,
	InitialInterval: time.Millisecond,
	MaxInterval:     time.Millisecond,
	AttemptTimeout:  time.Second,
}

type snapshotRecorder struct {
	mu    sync.Mutex
	snaps []model.RiskSnapshot
}

func (r *snapshotRecorder) PublishSnapshot(_ context.Context, s model.RiskSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
}

func (r *snapshotRecorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps)
}

type harness struct {
	store *store.MemoryStore
	sw    *panicswitch.Switch
	feed  *feed.MemoryFeed
	sink  *snapshotRecorder
	fund  *insurance.Fund
	wf    *liquidation.Waterfall
	loop  *Loop
}

func testConfig() Config {
	return Config{
		TickInterval: 10 * time.Millisecond,
		Concurrency:  4,
		CallTimeout:  time.Second,
		BatchSize:    100,
		Retry:        fastRetry,
		Confidence:   0.99,
		Iterations:   2000,
		Volatility:   0.05,
		Seed:         7,
	}
}

// newHarness seeds "healthy" (MM 10k, margin 50k) and "weak" (MM 10k,
// margin 5k). Cancelling orders frees 6k of margin.
func newHarness(t *testing.T, det surveillance.Config) *harness {
	t.Helper()
	h := &harness{
		store: store.NewMemoryStore(),
		sw:    panicswitch.New("admin"),
		feed:  feed.NewMemoryFeed(),
		sink:  &snapshotRecorder{},
	}
	h.store.PutAccount("healthy", d(50000), stock("AAPL", 100000))
	h.store.PutAccount("weak", d(5000), stock("TSLA", 100000))

	fund, err := insurance.NewFund(d(1_000_000), d(0.1), decimal.Zero, nil, nil)
	require.NoError(t, err)
	h.fund = fund

	sim := gateway.NewSimulator(h.store, gateway.SimulatorConfig{
		CancelRelief: d(6000),
		TWAPFraction: d(0.5),
	}, nil)
	h.wf, err = liquidation.NewWaterfall(liquidation.Deps{
		Margin:   h.store,
		Executor: sim,
		Takeover: fund,
		Halt:     h.sw,
		Registry: liquidation.NewRegistry(nil, 0, nil),
		Archiver: h.store,
	}, liquidation.WithRetryPolicy(fastRetry))
	require.NoError(t, err)

	if det.Threshold == 0 {
		det.Threshold = surveillance.DefaultThreshold
	}
	scanner, err := surveillance.NewDetector(det, h.sw, nil, nil)
	require.NoError(t, err)

	h.loop, err = New(testConfig(), Deps{
		Accounts:   h.store,
		Calculator: margin.NewCalculator(margin.DefaultRateTable()),
		Estimator:  valueatrisk.NewEstimator(2),
		Liquidator: h.wf,
		Halt:       h.sw,
		Feed:       h.feed,
		Scanner:    scanner,
		Snapshots:  h.sink,
	}, nil)
	require.NoError(t, err)
	return h
}

func TestTick_EvaluatesAndLiquidatesBreachingAccount(t *testing.T) {
	h := newHarness(t, surveillance.Config{})
	ctx := context.Background()

	sum, err := h.loop.Tick(ctx)
	require.NoError(t, err)
	h.loop.Wait()

	assert.Equal(t, 2, sum.Accounts)
	assert.Equal(t, 2, sum.Evaluated)
	assert.Equal(t, 1, sum.Breaching)
	assert.Equal(t, 1, sum.Launched)
	assert.Zero(t, sum.Failed)
	assert.Equal(t, 2, h.sink.len())

	healthy, ok := h.loop.Snapshot("healthy")
	require.True(t, ok)
	assert.False(t, healthy.Breaching)
	assert.True(t, healthy.MaintenanceMargin.Equal(d(10000)))
	assert.True(t, healthy.InitialMargin.Equal(d(20000)))
	assert.True(t, healthy.PortfolioValue.Equal(d(100000)))
	assert.True(t, healthy.ValueAtRisk.IsPositive())

	weak, ok := h.loop.Snapshot("weak")
	require.True(t, ok)
	assert.True(t, weak.Breaching)
	assert.True(t, weak.LiquidationInFlight)

	m, err := h.store.GetUserMargin(ctx, "weak")
	require.NoError(t, err)
	assert.True(t, m.Equal(d(11000)), "cancel relief applied once, got %s", m)

	cases, err := h.store.ListCases(ctx, "weak", 10)
	require.NoError(t, err)
	require.Len(t, cases, 1)
	assert.Equal(t, model.OutcomeResolved, cases[0].Outcome)
	assert.Equal(t, []model.Stage{model.StageCancelOrders}, cases[0].Completed)
	assert.False(t, h.wf.InFlight("weak"))
}

func TestTick_PanicArmedBlocksNewLiquidations(t *testing.T) {
	h := newHarness(t, surveillance.Config{})
	ctx := context.Background()
	require.True(t, h.sw.Trigger(ctx, "admin"))

	sum, err := h.loop.Tick(ctx)
	require.NoError(t, err)
	h.loop.Wait()

	assert.Equal(t, 1, sum.Breaching)
	assert.Zero(t, sum.Launched)

	m, err := h.store.GetUserMargin(ctx, "weak")
	require.NoError(t, err)
	assert.True(t, m.Equal(d(5000)))
	cases, err := h.store.ListCases(ctx, "weak", 10)
	require.NoError(t, err)
	assert.Empty(t, cases)
}

func TestTick_Surveillance(t *testing.T) {
	h := newHarness(t, surveillance.Config{Threshold: 5, AutoHalt: true, HaltIdentity: "admin"})
	for i := 0; i < 6; i++ {
		h.feed.Publish(model.Trade{ID: fmt.Sprint(i), BuyerID: "u1", SellerID: "u1"})
	}
	h.feed.Publish(model.Trade{ID: "clean", BuyerID: "u1", SellerID: "u2"})

	sum, err := h.loop.Tick(context.Background())
	require.NoError(t, err)
	h.loop.Wait()

	assert.Equal(t, 7, sum.Trades)
	require.NotNil(t, sum.Surveillance)
	assert.Equal(t, 6, sum.Surveillance.Count)
	assert.True(t, sum.Surveillance.Escalated)
	assert.True(t, sum.Surveillance.Halted)
	assert.True(t, h.sw.Armed())

	rep, ok := h.loop.LastScan()
	require.True(t, ok)
	assert.Equal(t, 6, rep.Count)
	assert.Zero(t, h.feed.Len())
}

func TestEvaluate_SeededVaRIsReproducible(t *testing.T) {
	a := newHarness(t, surveillance.Config{})
	b := newHarness(t, surveillance.Config{})
	ctx := context.Background()

	sa, err := a.loop.Evaluate(ctx, "healthy")
	require.NoError(t, err)
	sb, err := b.loop.Evaluate(ctx, "healthy")
	require.NoError(t, err)
	assert.True(t, sa.ValueAtRisk.Equal(sb.ValueAtRisk))
	assert.True(t, sa.ValueAtRisk.IsPositive())
}

func TestEvaluate_UnknownAccount(t *testing.T) {
	h := newHarness(t, surveillance.Config{})
	_, err := h.loop.Evaluate(context.Background(), "ghost")
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestTrigger(t *testing.T) {
	h := newHarness(t, surveillance.Config{})
	ctx := context.Background()

	_, err := h.loop.Trigger(ctx, "healthy")
	assert.ErrorIs(t, err, liquidation.ErrNotBreaching)

	c, err := h.loop.Trigger(ctx, "weak")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeResolved, c.Outcome)
	assert.Equal(t, "weak", c.UserID)
}

// cancellingExecutor cancels the caller's context right after the order
// cancellation succeeds, as a disconnecting HTTP client would.
type cancellingExecutor struct {
	*gateway.Simulator
	cancel context.CancelFunc
}

func (c *cancellingExecutor) CancelOpenOrders(ctx context.Context, userID, actionID string) (liquidation.ActionReport, error) {
	rep, err := c.Simulator.CancelOpenOrders(ctx, userID, actionID)
	c.cancel()
	return rep, err
}

func TestTrigger_CallerCancellationDoesNotAbortCase(t *testing.T) {
	h := newHarness(t, surveillance.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// cancel frees 1k (still short of 10k MM), the TWAP frees 5k more
	exec := &cancellingExecutor{
		Simulator: gateway.NewSimulator(h.store, gateway.SimulatorConfig{CancelRelief: d(1000), TWAPRelief: d(5000)}, nil),
		cancel:    cancel,
	}
	wf, err := liquidation.NewWaterfall(liquidation.Deps{
		Margin:   h.store,
		Executor: exec,
		Takeover: h.fund,
		Halt:     h.sw,
		Registry: liquidation.NewRegistry(nil, 0, nil),
		Archiver: h.store,
	}, liquidation.WithRetryPolicy(fastRetry))
	require.NoError(t, err)
	l := newLoopWith(t, h, h.store, wf)

	c, err := l.Trigger(ctx, "weak")
	require.NoError(t, err)
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
	assert.Equal(t, model.OutcomeResolved, c.Outcome)
	assert.Equal(t, []model.Stage{model.StageCancelOrders, model.StageTWAP}, c.Completed)
	assert.Empty(t, c.Failure)

	m, err := h.store.GetUserMargin(context.Background(), "weak")
	require.NoError(t, err)
	assert.True(t, m.Equal(d(11000)), "got %s", m)
}

type flakyAccounts struct {
	*store.MemoryStore
	failUser string
	listErr  error
}

func (f *flakyAccounts) ListActiveAccounts(ctx context.Context) ([]string, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.MemoryStore.ListActiveAccounts(ctx)
}

func (f *flakyAccounts) GetPortfolio(ctx context.Context, userID string) (*model.Portfolio, error) {
	if userID == f.failUser {
		return nil, errors.New("connection reset")
	}
	return f.MemoryStore.GetPortfolio(ctx, userID)
}

func newLoopWith(t *testing.T, h *harness, accounts Accounts, liq Liquidator) *Loop {
	t.Helper()
	l, err := New(testConfig(), Deps{
		Accounts:   accounts,
		Calculator: margin.NewCalculator(margin.DefaultRateTable()),
		Estimator:  valueatrisk.NewEstimator(1),
		Liquidator: liq,
		Halt:       h.sw,
	}, nil)
	require.NoError(t, err)
	return l
}

func TestTick_AccountFailureDoesNotStopOthers(t *testing.T) {
	h := newHarness(t, surveillance.Config{})
	l := newLoopWith(t, h, &flakyAccounts{MemoryStore: h.store, failUser: "healthy"}, h.wf)

	sum, err := l.Tick(context.Background())
	require.NoError(t, err)
	l.Wait()

	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 1, sum.Evaluated)
	assert.Nil(t, sum.Surveillance)
	_, ok := l.Snapshot("healthy")
	assert.False(t, ok)
}

func TestTick_ListFailure(t *testing.T) {
	h := newHarness(t, surveillance.Config{})
	l := newLoopWith(t, h, &flakyAccounts{MemoryStore: h.store, listErr: errors.New("db down")}, h.wf)

	_, err := l.Tick(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
}

type busyLiquidator struct {
	mu   sync.Mutex
	runs int
}

func (b *busyLiquidator) Run(context.Context, liquidation.Request) (model.LiquidationCase, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.runs++
	return model.LiquidationCase{}, liquidation.ErrCaseInFlight
}

func (b *busyLiquidator) InFlight(string) bool { return true }

func TestTick_SkipsAccountsWithLiveCase(t *testing.T) {
	h := newHarness(t, surveillance.Config{})
	liq := &busyLiquidator{}
	l := newLoopWith(t, h, h.store, liq)

	sum, err := l.Tick(context.Background())
	require.NoError(t, err)
	l.Wait()

	assert.Equal(t, 1, sum.Breaching)
	assert.Zero(t, sum.Launched)
	assert.Zero(t, liq.runs)

	weak, ok := l.Snapshot("weak")
	require.True(t, ok)
	assert.True(t, weak.LiquidationInFlight)
}

func TestTrigger_ConcurrentCallsCoalesce(t *testing.T) {
	h := newHarness(t, surveillance.Config{})
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, results[i] = h.loop.Trigger(ctx, "weak")
		}()
	}
	wg.Wait()

	cases, err := h.store.ListCases(ctx, "weak", 100)
	require.NoError(t, err)
	resolved := 0
	for _, err := range results {
		switch {
		case err == nil:
			resolved++
		case errors.Is(err, liquidation.ErrCaseInFlight), errors.Is(err, liquidation.ErrNotBreaching):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, len(cases), resolved)
	m, err := h.store.GetUserMargin(ctx, "weak")
	require.NoError(t, err)
	// every resolved case freed 6k once
	assert.True(t, m.Equal(d(5000+6000*float64(resolved))), "margin %s after %d cases", m, resolved)
}

func TestRun_StopsOnCancel(t *testing.T) {
	h := newHarness(t, surveillance.Config{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.loop.Run(ctx) }()

	require.Eventually(t, func() bool { return h.sink.len() >= 4 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Len(t, h.loop.Snapshots(), 2)
}

func TestNew_Validation(t *testing.T) {
	h := newHarness(t, surveillance.Config{})
	base := Deps{
		Accounts:   h.store,
		Calculator: margin.NewCalculator(margin.DefaultRateTable()),
		Estimator:  valueatrisk.NewEstimator(1),
		Liquidator: h.wf,
		Halt:       h.sw,
	}

	_, err := New(testConfig(), base, nil)
	require.NoError(t, err)

	noAcc := base
	noAcc.Accounts = nil
	_, err = New(testConfig(), noAcc, nil)
	assert.Error(t, err)

	cfg := testConfig()
	cfg.Confidence = 1.5
	_, err = New(cfg, base, nil)
	assert.ErrorIs(t, err, valueatrisk.ErrInvalidConfidence)

	cfg = testConfig()
	cfg.Iterations = 0
	_, err = New(cfg, base, nil)
	assert.ErrorIs(t, err, valueatrisk.ErrInvalidIterations)
}
