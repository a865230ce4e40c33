// Package riskloop is the periodic risk control loop. Each tick evaluates
// every active account (margin requirement plus VaR), publishes a snapshot,
// starts a liquidation for accounts below maintenance, and scans the latest
// trade batch for wash trading.
package riskloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/risk-engine/internal/feed"
	"github.com/atmx/risk-engine/internal/liquidation"
	"github.com/atmx/risk-engine/internal/margin"
	"github.com/atmx/risk-engine/internal/metrics"
	"github.com/atmx/risk-engine/internal/model"
	"github.com/atmx/risk-engine/internal/surveillance"
	"github.com/atmx/risk-engine/internal/valueatrisk"
)

// Accounts is the read side of the account store.
type Accounts interface {
	ListActiveAccounts(ctx context.Context) ([]string, error)
	GetPortfolio(ctx context.Context, userID string) (*model.Portfolio, error)
	GetUserMargin(ctx context.Context, userID string) (decimal.Decimal, error)
}

// Liquidator runs waterfalls. *liquidation.Waterfall satisfies it.
type Liquidator interface {
	Run(ctx context.Context, req liquidation.Request) (model.LiquidationCase, error)
	InFlight(userID string) bool
}

// Scanner inspects a batch of trades. *surveillance.Detector satisfies it.
type Scanner interface {
	Scan(ctx context.Context, trades []model.Trade) surveillance.Report
}

// SnapshotSink receives every snapshot the loop produces.
type SnapshotSink interface {
	PublishSnapshot(ctx context.Context, s model.RiskSnapshot)
}

// HaltState exposes the panic switch.
type HaltState interface {
	Armed() bool
}

// Config tunes the loop.
type Config struct {
	TickInterval time.Duration
	Concurrency  int           // accounts evaluated in parallel
	CallTimeout  time.Duration // bound on account listing and feed polls
	BatchSize    int           // max trades pulled per tick
	Retry        liquidation.RetryPolicy

	Confidence float64
	Iterations int
	Volatility float64
	Seed       uint64 // 0 seeds from the runtime
}

// Deps are the loop's collaborators. Feed, Scanner and Snapshots are
// optional.
type Deps struct {
	Accounts   Accounts
	Calculator *margin.Calculator
	Estimator  *valueatrisk.Estimator
	Liquidator Liquidator
	Halt       HaltState
	Feed       feed.TradeFeed
	Scanner    Scanner
	Snapshots  SnapshotSink
}

// Summary describes one tick.
type Summary struct {
	Accounts     int                  `json:"accounts"`
	Evaluated    int                  `json:"evaluated"`
	Breaching    int                  `json:"breaching"`
	Launched     int                  `json:"launched"`
	Failed       int                  `json:"failed"`
	Trades       int                  `json:"trades"`
	Surveillance *surveillance.Report `json:"surveillance,omitempty"`
	Duration     time.Duration        `json:"duration"`
}

// Loop orchestrates evaluation. Tick may be called directly; Run drives it
// on a ticker.
type Loop struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	seed uint64
	seq  atomic.Uint64

	mu        sync.RWMutex
	snapshots map[string]model.RiskSnapshot
	lastScan  *surveillance.Report

	running sync.WaitGroup // launched waterfalls
}

// New creates a loop.
func New(cfg Config, deps Deps, logger *slog.Logger) (*Loop, error) {
	switch {
	case deps.Accounts == nil:
		return nil, errors.New("riskloop: accounts are required")
	case deps.Calculator == nil:
		return nil, errors.New("riskloop: margin calculator is required")
	case deps.Estimator == nil:
		return nil, errors.New("riskloop: VaR estimator is required")
	case deps.Liquidator == nil:
		return nil, errors.New("riskloop: liquidator is required")
	case deps.Halt == nil:
		return nil, errors.New("riskloop: halt state is required")
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 2 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 3 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.Retry.MaxTries == 0 {
		cfg.Retry = liquidation.DefaultRetryPolicy()
	}
	// VaR parameters are fixed for the loop's lifetime.
	if err := (valueatrisk.Params{Confidence: cfg.Confidence, Iterations: cfg.Iterations, Volatility: cfg.Volatility}).Validate(); err != nil {
		return nil, fmt.Errorf("riskloop: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &Loop{
		cfg:       cfg,
		deps:      deps,
		logger:    logger.With(slog.String("component", "riskloop")),
		seed:      seed,
		snapshots: make(map[string]model.RiskSnapshot),
	}, nil
}

// Run ticks until ctx is done, then waits for launched waterfalls to finish.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.InfoContext(ctx, "risk control loop started",
		"tick_interval", l.cfg.TickInterval, "concurrency", l.cfg.Concurrency)

	ticker := time.NewTicker(l.cfg.TickInterval)
	defer ticker.Stop()

	for {
		if _, err := l.Tick(ctx); err != nil && ctx.Err() == nil {
			l.logger.ErrorContext(ctx, "tick failed", "err", err)
		}
		select {
		case <-ctx.Done():
			l.logger.InfoContext(ctx, "risk control loop stopping; waiting for in-flight liquidations")
			l.Wait()
			return nil
		case <-ticker.C:
		}
	}
}

// Wait blocks until every waterfall launched by the loop has returned.
func (l *Loop) Wait() { l.running.Wait() }

// Tick evaluates all active accounts once and scans one trade batch. It
// returns an error only when the account list cannot be read.
func (l *Loop) Tick(ctx context.Context) (Summary, error) {
	start := time.Now()
	metrics.TicksTotal.Inc()
	defer func() { metrics.TickDuration.Observe(time.Since(start).Seconds()) }()

	lctx, cancel := context.WithTimeout(ctx, l.cfg.CallTimeout)
	users, err := l.deps.Accounts.ListActiveAccounts(lctx)
	cancel()
	if err != nil {
		return Summary{}, fmt.Errorf("riskloop: list accounts: %w", err)
	}

	sum := Summary{Accounts: len(users)}
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(l.cfg.Concurrency)
	for _, uid := range users {
		g.Go(func() error {
			snap, launched, err := l.evaluate(ctx, uid, true)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, margin.ErrEmptyPortfolio):
				metrics.AccountsEvaluated.WithLabelValues("empty").Inc()
			case err != nil:
				sum.Failed++
				metrics.AccountsEvaluated.WithLabelValues("error").Inc()
				l.logger.WarnContext(ctx, "account evaluation failed", "user", uid, "err", err)
			default:
				sum.Evaluated++
				if snap.Breaching {
					sum.Breaching++
					metrics.AccountsEvaluated.WithLabelValues("breaching").Inc()
				} else {
					metrics.AccountsEvaluated.WithLabelValues("ok").Inc()
				}
				if launched {
					sum.Launched++
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	if rep, n, ok := l.surveil(ctx); ok {
		sum.Trades = n
		sum.Surveillance = &rep
	}

	sum.Duration = time.Since(start)
	l.logger.DebugContext(ctx, "tick complete",
		"accounts", sum.Accounts, "breaching", sum.Breaching,
		"launched", sum.Launched, "failed", sum.Failed, "duration", sum.Duration)
	return sum, nil
}

// Evaluate computes a fresh snapshot for userID and starts a waterfall in
// the background if the account is breaching.
func (l *Loop) Evaluate(ctx context.Context, userID string) (model.RiskSnapshot, error) {
	snap, _, err := l.evaluate(ctx, userID, true)
	return snap, err
}

// Trigger is the out-of-band path: it evaluates userID and, if breaching,
// runs the waterfall synchronously. ctx bounds the evaluation only; once
// started, the case runs to completion even if the caller goes away. A run
// already live for the user yields liquidation.ErrCaseInFlight.
func (l *Loop) Trigger(ctx context.Context, userID string) (model.LiquidationCase, error) {
	snap, _, err := l.evaluate(ctx, userID, false)
	if err != nil {
		return model.LiquidationCase{}, err
	}
	if !snap.Breaching {
		return model.LiquidationCase{}, liquidation.ErrNotBreaching
	}
	runCtx := context.WithoutCancel(ctx)
	c, err := l.deps.Liquidator.Run(runCtx, requestFor(snap))
	l.logOutcome(runCtx, l.logger.With("user", userID), c, err)
	return c, err
}

// Snapshot returns the last snapshot computed for userID.
func (l *Loop) Snapshot(userID string) (model.RiskSnapshot, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.snapshots[userID]
	return s, ok
}

// Snapshots returns the latest snapshot of every evaluated account, ordered
// by user ID.
func (l *Loop) Snapshots() []model.RiskSnapshot {
	l.mu.RLock()
	out := make([]model.RiskSnapshot, 0, len(l.snapshots))
	for _, s := range l.snapshots {
		out = append(out, s)
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// LastScan returns the most recent surveillance report.
func (l *Loop) LastScan() (surveillance.Report, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.lastScan == nil {
		return surveillance.Report{}, false
	}
	return *l.lastScan, true
}

func (l *Loop) evaluate(ctx context.Context, userID string, launch bool) (model.RiskSnapshot, bool, error) {
	p, err := liquidation.Retry(ctx, l.cfg.Retry, "get_portfolio", func(ctx context.Context) (*model.Portfolio, error) {
		return l.deps.Accounts.GetPortfolio(ctx, userID)
	})
	if err != nil {
		return model.RiskSnapshot{}, false, fmt.Errorf("portfolio for %s: %w", userID, err)
	}
	current, err := liquidation.Retry(ctx, l.cfg.Retry, "get_margin", func(ctx context.Context) (decimal.Decimal, error) {
		return l.deps.Accounts.GetUserMargin(ctx, userID)
	})
	if err != nil {
		return model.RiskSnapshot{}, false, fmt.Errorf("margin for %s: %w", userID, err)
	}

	req, err := l.deps.Calculator.Compute(p)
	if err != nil {
		return model.RiskSnapshot{}, false, fmt.Errorf("margin requirement for %s: %w", userID, err)
	}

	gross := p.GrossValue()
	loss, err := l.deps.Estimator.Estimate(ctx, valueatrisk.Params{
		PortfolioValue: gross.InexactFloat64(),
		Volatility:     l.cfg.Volatility,
		Confidence:     l.cfg.Confidence,
		Iterations:     l.cfg.Iterations,
	}, l.source())
	if err != nil {
		return model.RiskSnapshot{}, false, fmt.Errorf("VaR for %s: %w", userID, err)
	}
	metrics.VaREstimate.Observe(loss)

	snap := model.RiskSnapshot{
		UserID:            userID,
		PortfolioValue:    gross,
		InitialMargin:     req.Initial,
		MaintenanceMargin: req.Maintenance,
		CurrentMargin:     current,
		ValueAtRisk:       decimal.NewFromFloat(loss).Round(2),
		FallbackPositions: req.Fallbacks,
		Breaching:         current.LessThan(req.Maintenance),
		At:                time.Now().UTC(),
	}

	launched := false
	if snap.Breaching {
		metrics.Breaches.Inc()
		if launch {
			launched = l.launch(ctx, snap)
		}
	}
	snap.LiquidationInFlight = launched || l.deps.Liquidator.InFlight(userID)

	l.mu.Lock()
	l.snapshots[userID] = snap
	l.mu.Unlock()
	if l.deps.Snapshots != nil {
		l.deps.Snapshots.PublishSnapshot(ctx, snap)
	}
	return snap, launched, nil
}

// launch starts a waterfall for a breaching snapshot unless one is already
// live or the switch is armed. The run is detached from ctx: only margin
// restoration or the panic switch ends a case early.
func (l *Loop) launch(ctx context.Context, snap model.RiskSnapshot) bool {
	log := l.logger.With("user", snap.UserID)
	if l.deps.Halt.Armed() {
		log.WarnContext(ctx, "breach detected but panic switch is armed; not liquidating",
			"current_margin", snap.CurrentMargin.String(), "maintenance_margin", snap.MaintenanceMargin.String())
		return false
	}
	if l.deps.Liquidator.InFlight(snap.UserID) {
		return false
	}

	log.WarnContext(ctx, "account below maintenance margin; starting waterfall",
		"current_margin", snap.CurrentMargin.String(), "maintenance_margin", snap.MaintenanceMargin.String())

	runCtx := context.WithoutCancel(ctx)
	l.running.Add(1)
	go func() {
		defer l.running.Done()
		c, err := l.deps.Liquidator.Run(runCtx, requestFor(snap))
		l.logOutcome(runCtx, log, c, err)
	}()
	return true
}

func (l *Loop) logOutcome(ctx context.Context, log *slog.Logger, c model.LiquidationCase, err error) {
	switch {
	case err == nil:
	case errors.Is(err, liquidation.ErrCaseInFlight), errors.Is(err, liquidation.ErrNotBreaching):
		log.DebugContext(ctx, "waterfall not started", "err", err)
	case errors.Is(err, liquidation.ErrHalted):
		log.WarnContext(ctx, "waterfall halted", "case", c.ID)
	case errors.Is(err, liquidation.ErrFundDepleted):
		log.ErrorContext(ctx, "position taken over with insurance fund depleted; capital injection required",
			"case", c.ID, "insurance_debit", c.InsuranceDebit.String(), "err", err)
	default:
		log.ErrorContext(ctx, "waterfall failed", "case", c.ID, "err", err)
	}
}

func (l *Loop) surveil(ctx context.Context) (surveillance.Report, int, bool) {
	if l.deps.Feed == nil || l.deps.Scanner == nil {
		return surveillance.Report{}, 0, false
	}
	fctx, cancel := context.WithTimeout(ctx, l.cfg.CallTimeout)
	trades, err := l.deps.Feed.Next(fctx, l.cfg.BatchSize)
	cancel()
	if err != nil && len(trades) == 0 {
		if ctx.Err() == nil {
			l.logger.WarnContext(ctx, "trade feed poll failed", "err", err)
		}
		return surveillance.Report{}, 0, false
	}

	rep := l.deps.Scanner.Scan(ctx, trades)
	l.mu.Lock()
	l.lastScan = &rep
	l.mu.Unlock()
	return rep, len(trades), true
}

// source returns a deterministic per-evaluation stream when a seed is
// configured.
func (l *Loop) source() rand.Source {
	return rand.NewPCG(l.seed, l.seq.Add(1))
}

func requestFor(s model.RiskSnapshot) liquidation.Request {
	return liquidation.Request{
		UserID:            s.UserID,
		PortfolioValue:    s.PortfolioValue,
		MaintenanceMargin: s.MaintenanceMargin,
		CurrentMargin:     s.CurrentMargin,
	}
}
