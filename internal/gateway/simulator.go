package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/risk-engine/internal/liquidation"
)

// AccountBook is the part of an account store the simulator mutates to
// model the effect of its actions.
type AccountBook interface {
	AdjustMargin(userID string, delta decimal.Decimal) (decimal.Decimal, error)
	ScalePositions(userID string, factor decimal.Decimal) (decimal.Decimal, error)
}

// SimulatorConfig sets the effect of each simulated action.
type SimulatorConfig struct {
	CancelRelief decimal.Decimal // margin freed by cancelling resting orders
	TWAPRelief   decimal.Decimal // margin freed by the TWAP unwind
	TWAPFraction decimal.Decimal // share of each position sold by the TWAP, in [0,1]
}

// Simulator is an in-process Executor for dev mode. Actions are recorded by
// ID so repeated calls with the same idempotency key execute once.
type Simulator struct {
	book   AccountBook
	cfg    SimulatorConfig
	logger *slog.Logger

	mu      sync.Mutex
	actions map[string]liquidation.ActionReport
	fail    map[string]int // action kind -> remaining injected failures
}

// NewSimulator creates a simulator. book may be nil, in which case actions
// succeed without touching any account.
func NewSimulator(book AccountBook, cfg SimulatorConfig, logger *slog.Logger) *Simulator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Simulator{
		book:    book,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "gateway_sim")),
		actions: make(map[string]liquidation.ActionReport),
		fail:    make(map[string]int),
	}
}

// FailNext makes the next n calls of kind ("cancel" or "twap") fail before
// executing.
func (s *Simulator) FailNext(kind string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[kind] = n
}

// Executed returns how many distinct actions have been executed.
func (s *Simulator) Executed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.actions)
}

func (s *Simulator) CancelOpenOrders(ctx context.Context, userID, actionID string) (liquidation.ActionReport, error) {
	return s.execute(ctx, "cancel", userID, actionID, func() (decimal.Decimal, error) {
		if s.book == nil || s.cfg.CancelRelief.IsZero() {
			return decimal.Zero, nil
		}
		_, err := s.book.AdjustMargin(userID, s.cfg.CancelRelief)
		return decimal.Zero, err
	})
}

func (s *Simulator) ExecuteTWAP(ctx context.Context, userID, actionID string) (liquidation.ActionReport, error) {
	return s.execute(ctx, "twap", userID, actionID, func() (decimal.Decimal, error) {
		if s.book == nil {
			return decimal.Zero, nil
		}
		sold := decimal.Zero
		if s.cfg.TWAPFraction.IsPositive() {
			var err error
			if sold, err = s.book.ScalePositions(userID, decimal.NewFromInt(1).Sub(s.cfg.TWAPFraction)); err != nil {
				return decimal.Zero, err
			}
		}
		if !s.cfg.TWAPRelief.IsZero() {
			if _, err := s.book.AdjustMargin(userID, s.cfg.TWAPRelief); err != nil {
				return decimal.Zero, err
			}
		}
		return sold, nil
	})
}

func (s *Simulator) ActionStatus(_ context.Context, actionID string) (liquidation.ActionReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rep, ok := s.actions[actionID]; ok {
		return rep, nil
	}
	return liquidation.ActionReport{ActionID: actionID, State: liquidation.ActionUnknown}, nil
}

func (s *Simulator) execute(ctx context.Context, kind, userID, actionID string, apply func() (decimal.Decimal, error)) (liquidation.ActionReport, error) {
	if err := ctx.Err(); err != nil {
		return liquidation.ActionReport{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if rep, ok := s.actions[actionID]; ok && rep.State == liquidation.ActionSucceeded {
		s.logger.DebugContext(ctx, "duplicate action ignored", "action", actionID)
		return rep, nil
	}
	if n := s.fail[kind]; n > 0 {
		s.fail[kind] = n - 1
		return liquidation.ActionReport{}, fmt.Errorf("gateway: simulated %s failure", kind)
	}

	filled, err := apply()
	if err != nil {
		rep := liquidation.ActionReport{ActionID: actionID, State: liquidation.ActionFailed, Message: err.Error()}
		s.actions[actionID] = rep
		return rep, nil
	}
	rep := liquidation.ActionReport{ActionID: actionID, State: liquidation.ActionSucceeded, Filled: filled}
	s.actions[actionID] = rep
	s.logger.InfoContext(ctx, "simulated action executed",
		"kind", kind, "user", userID, "action", actionID, "stage", actionStage(actionID))
	return rep, nil
}

// actionStage extracts the stage suffix from a caseID/stage action ID.
func actionStage(actionID string) string {
	if i := strings.LastIndexByte(actionID, '/'); i >= 0 {
		return actionID[i+1:]
	}
	return ""
}
