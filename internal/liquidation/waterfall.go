// Package liquidation drives the staged de-risking of accounts that breach
// maintenance margin: cancel open orders, TWAP the book down, and finally
// hand the residual position to the insurance fund.
//
// Each stage is entered only while the global halt is disarmed, and margin is
// re-read after every confirmed action so a restored account exits early.
// A stage whose collaborator call cannot be confirmed never advances; the
// case is escalated instead.
package liquidation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/risk-engine/internal/alert"
	"github.com/atmx/risk-engine/internal/metrics"
	"github.com/atmx/risk-engine/internal/model"
)

var (
	ErrCaseInFlight = errors.New("liquidation: case already in flight")
	ErrHalted       = errors.New("liquidation: halted by panic switch")
	ErrNotBreaching = errors.New("liquidation: account not breaching maintenance margin")
	ErrStageFailed  = errors.New("liquidation: stage failed")
	// ErrFundDepleted accompanies a completed takeover that left the
	// insurance fund negative. The case itself is closed as taken over.
	ErrFundDepleted = errors.New("liquidation: insurance fund depleted")

	errActionPending = errors.New("liquidation: action pending")
)

// Request starts a waterfall for one account.
type Request struct {
	UserID            string
	PortfolioValue    decimal.Decimal
	MaintenanceMargin decimal.Decimal
	CurrentMargin     decimal.Decimal
}

// Deps are the collaborators a Waterfall drives.
type Deps struct {
	Margin   MarginSource
	Executor Executor
	Takeover Takeover
	Halt     HaltState
	Registry *Registry
	Archiver Archiver // optional
	Alerts   alert.Sink
}

// Waterfall runs liquidation cases. It is safe for concurrent use; the
// registry keeps runs for the same user from interleaving.
type Waterfall struct {
	deps   Deps
	retry  RetryPolicy
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Waterfall.
type Option func(*Waterfall)

// WithRetryPolicy overrides DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(w *Waterfall) { w.retry = p }
}

// WithLogger sets the waterfall's logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Waterfall) { w.logger = l }
}

// NewWaterfall creates a Waterfall. Margin, Executor, Takeover, Halt and
// Registry are required.
func NewWaterfall(deps Deps, opts ...Option) (*Waterfall, error) {
	switch {
	case deps.Margin == nil:
		return nil, errors.New("liquidation: margin source is required")
	case deps.Executor == nil:
		return nil, errors.New("liquidation: executor is required")
	case deps.Takeover == nil:
		return nil, errors.New("liquidation: takeover is required")
	case deps.Halt == nil:
		return nil, errors.New("liquidation: halt state is required")
	case deps.Registry == nil:
		return nil, errors.New("liquidation: registry is required")
	}
	if deps.Alerts == nil {
		deps.Alerts = alert.Discard{}
	}
	w := &Waterfall{
		deps:   deps,
		retry:  DefaultRetryPolicy(),
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With(slog.String("component", "waterfall"))
	return w, nil
}

// Registry returns the registry guarding live cases.
func (w *Waterfall) Registry() *Registry { return w.deps.Registry }

// InFlight reports whether a case is live for userID in this process.
func (w *Waterfall) InFlight(userID string) bool { return w.deps.Registry.InFlight(userID) }

// actionStages are the stages that call the matching engine, in order.
var actionStages = []model.Stage{model.StageCancelOrders, model.StageTWAP}

// Run drives one case to completion and returns its final state.
//
// ErrHalted is returned (with no case) when the switch is armed on entry,
// ErrNotBreaching when req is not below maintenance, and ErrCaseInFlight when
// another run is live for the user. Once a case exists, Run returns it even
// on error: ErrHalted if the switch was armed mid-run and ErrStageFailed if a
// stage could not be confirmed.
func (w *Waterfall) Run(ctx context.Context, req Request) (model.LiquidationCase, error) {
	log := w.logger.With("user", req.UserID)

	if w.deps.Halt.Armed() {
		log.WarnContext(ctx, "liquidation skipped: panic switch armed")
		return model.LiquidationCase{}, ErrHalted
	}
	if req.CurrentMargin.GreaterThanOrEqual(req.MaintenanceMargin) {
		return model.LiquidationCase{}, ErrNotBreaching
	}

	now := w.now()
	c := model.LiquidationCase{
		ID:                uuid.New().String(),
		UserID:            req.UserID,
		Stage:             model.StageMonitoring,
		PortfolioValue:    req.PortfolioValue,
		MaintenanceMargin: req.MaintenanceMargin,
		LastMargin:        req.CurrentMargin,
		StartedAt:         now,
		UpdatedAt:         now,
	}
	if err := w.deps.Registry.Claim(ctx, c); err != nil {
		log.InfoContext(ctx, "liquidation trigger coalesced", "err", err)
		return model.LiquidationCase{}, err
	}
	defer w.deps.Registry.Release(c.UserID, c.ID)

	log = log.With("case", c.ID)
	log.InfoContext(ctx, "liquidation case opened",
		"portfolio_value", c.PortfolioValue.String(),
		"maintenance_margin", c.MaintenanceMargin.String(),
		"current_margin", c.LastMargin.String(),
	)

	for _, stage := range actionStages {
		if w.deps.Halt.Armed() {
			return w.halt(ctx, log, &c)
		}
		if err := w.enter(ctx, log, &c, stage); err != nil {
			return w.escalate(ctx, log, &c, err)
		}

		rep, err := w.act(ctx, &c, stage)
		if err != nil {
			return w.escalate(ctx, log, &c, fmt.Errorf("%s: %w", stage, err))
		}
		c.Completed = append(c.Completed, stage)
		log.InfoContext(ctx, "stage action confirmed", "stage", string(stage), "action", rep.ActionID, "filled", rep.Filled.String())

		m, err := Retry(ctx, w.retry, "get_margin", func(ctx context.Context) (decimal.Decimal, error) {
			return w.deps.Margin.GetUserMargin(ctx, c.UserID)
		})
		if err != nil {
			return w.escalate(ctx, log, &c, fmt.Errorf("margin re-check after %s: %w", stage, err))
		}
		c.LastMargin = m
		c.UpdatedAt = w.now()
		w.deps.Registry.Update(c)

		if m.GreaterThanOrEqual(c.MaintenanceMargin) {
			c.Stage = model.StageResolved
			return w.finish(ctx, log, &c, model.OutcomeResolved, nil)
		}
	}

	if w.deps.Halt.Armed() {
		return w.halt(ctx, log, &c)
	}
	if err := w.enter(ctx, log, &c, model.StageInsuranceTakeover); err != nil {
		return w.escalate(ctx, log, &c, err)
	}

	debit, err := w.deps.Takeover.Takeover(ctx, c.UserID, c.PortfolioValue)
	if err != nil {
		return w.escalate(ctx, log, &c, fmt.Errorf("%s: %w", model.StageInsuranceTakeover, err))
	}
	c.InsuranceDebit = debit.Amount
	c.Completed = append(c.Completed, model.StageInsuranceTakeover)
	if debit.Depleted {
		return w.finish(ctx, log, &c, model.OutcomeTakenOver,
			fmt.Errorf("%w: balance %s", ErrFundDepleted, debit.BalanceAfter))
	}
	return w.finish(ctx, log, &c, model.OutcomeTakenOver, nil)
}

// act executes one stage action under the retry policy. Before any
// re-attempt the executor is asked whether the action already completed, so
// a confirmed action is never issued twice.
func (w *Waterfall) act(ctx context.Context, c *model.LiquidationCase, stage model.Stage) (ActionReport, error) {
	actionID := c.ID + "/" + string(stage)
	call := w.deps.Executor.CancelOpenOrders
	if stage == model.StageTWAP {
		call = w.deps.Executor.ExecuteTWAP
	}

	attempt := 0
	return Retry(ctx, w.retry, string(stage), func(ctx context.Context) (ActionReport, error) {
		attempt++
		if attempt > 1 {
			rep, err := w.deps.Executor.ActionStatus(ctx, actionID)
			if err != nil {
				return rep, fmt.Errorf("action status: %w", err)
			}
			switch rep.State {
			case ActionSucceeded:
				return rep, nil
			case ActionPending:
				return rep, errActionPending
			}
		}
		if w.deps.Halt.Armed() {
			return ActionReport{}, backoff.Permanent(ErrHalted)
		}

		rep, err := call(ctx, c.UserID, actionID)
		if err != nil {
			return rep, err
		}
		switch rep.State {
		case ActionSucceeded:
			return rep, nil
		case ActionPending:
			return rep, errActionPending
		default:
			return rep, fmt.Errorf("action %s reported %s: %s", actionID, rep.State, rep.Message)
		}
	})
}

// enter moves c into stage and renews its lease. Only a lost lease is
// returned; a renewal that fails for other reasons leaves the current
// expiry in place.
func (w *Waterfall) enter(ctx context.Context, log *slog.Logger, c *model.LiquidationCase, stage model.Stage) error {
	if err := w.deps.Registry.Renew(ctx, c.UserID, c.ID); err != nil {
		if errors.Is(err, model.ErrLockLost) {
			return fmt.Errorf("entering %s: %w", stage, err)
		}
		log.WarnContext(ctx, "lease renewal failed", "stage", string(stage), "err", err)
	}

	from := c.Stage
	c.Stage = stage
	c.UpdatedAt = w.now()
	w.deps.Registry.Update(*c)
	metrics.StageEntries.WithLabelValues(string(stage)).Inc()

	log.InfoContext(ctx, "stage transition", "from", string(from), "to", string(stage))
	w.deps.Alerts.Emit(ctx, alert.New(alert.KindStageTransition, alert.SeverityInfo, c.UserID,
		"liquidation stage transition",
		map[string]any{"case": c.ID, "from": string(from), "to": string(stage)}))
	return nil
}

func (w *Waterfall) halt(ctx context.Context, log *slog.Logger, c *model.LiquidationCase) (model.LiquidationCase, error) {
	log.WarnContext(ctx, "liquidation halted by panic switch", "stage", string(c.Stage))
	w.deps.Alerts.Emit(ctx, alert.New(alert.KindLiquidationHalted, alert.SeverityHigh, c.UserID,
		"liquidation halted by panic switch",
		map[string]any{"case": c.ID, "stage": string(c.Stage)}))
	return w.finish(ctx, log, c, model.OutcomeHalted, ErrHalted)
}

func (w *Waterfall) escalate(ctx context.Context, log *slog.Logger, c *model.LiquidationCase, cause error) (model.LiquidationCase, error) {
	if errors.Is(cause, ErrHalted) {
		return w.halt(ctx, log, c)
	}
	c.Failure = cause.Error()
	log.ErrorContext(ctx, "liquidation stage failed; escalating", "stage", string(c.Stage), "err", cause)
	w.deps.Alerts.Emit(ctx, alert.New(alert.KindEscalation, alert.SeverityCritical, c.UserID,
		"liquidation stage could not be confirmed; manual intervention required",
		map[string]any{"case": c.ID, "stage": string(c.Stage), "error": cause.Error()}))
	return w.finish(ctx, log, c, model.OutcomeEscalated, fmt.Errorf("%w: %w", ErrStageFailed, cause))
}

func (w *Waterfall) finish(ctx context.Context, log *slog.Logger, c *model.LiquidationCase, outcome model.Outcome, err error) (model.LiquidationCase, error) {
	c.Outcome = outcome
	c.EndedAt = w.now()
	c.UpdatedAt = c.EndedAt
	w.deps.Registry.Update(*c)
	metrics.WaterfallOutcomes.WithLabelValues(string(outcome)).Inc()

	log.InfoContext(ctx, "liquidation case closed",
		"outcome", string(outcome),
		"stage", string(c.Stage),
		"last_margin", c.LastMargin.String(),
		"duration", c.EndedAt.Sub(c.StartedAt),
	)

	if w.deps.Archiver != nil {
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		if aerr := w.deps.Archiver.ArchiveCase(actx, c.Clone()); aerr != nil {
			log.ErrorContext(ctx, "failed to archive liquidation case", "err", aerr)
		}
		cancel()
	}
	return c.Clone(), err
}
