package liquidation

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/risk-engine/internal/insurance"
	"github.com/atmx/risk-engine/internal/model"
)

// MarginSource reads an account's current margin.
type MarginSource interface {
	GetUserMargin(ctx context.Context, userID string) (decimal.Decimal, error)
}

// ActionState is the matching engine's view of one stage action.
type ActionState string

const (
	ActionUnknown   ActionState = "unknown" // never seen the action ID
	ActionPending   ActionState = "pending"
	ActionSucceeded ActionState = "succeeded"
	ActionFailed    ActionState = "failed"
)

// ActionReport confirms (or denies) completion of a stage action.
type ActionReport struct {
	ActionID string          `json:"action_id"`
	State    ActionState     `json:"state"`
	Filled   decimal.Decimal `json:"filled,omitempty"` // gross notional sold by the TWAP
	Message  string          `json:"message,omitempty"`
}

// Executor performs stage actions against the matching engine. Every call
// carries an idempotency key; executing the same actionID twice must not
// double-execute an action that already succeeded.
type Executor interface {
	CancelOpenOrders(ctx context.Context, userID, actionID string) (ActionReport, error)
	ExecuteTWAP(ctx context.Context, userID, actionID string) (ActionReport, error)
	ActionStatus(ctx context.Context, actionID string) (ActionReport, error)
}

// Takeover moves a residual position into the insurance fund.
type Takeover interface {
	Takeover(ctx context.Context, userID string, positionValue decimal.Decimal) (insurance.Debit, error)
}

// HaltState exposes the global halt flag. Armed is re-read at every stage
// boundary.
type HaltState interface {
	Armed() bool
}

// Archiver stores finished cases.
type Archiver interface {
	ArchiveCase(ctx context.Context, c model.LiquidationCase) error
}

// Locker grants cross-process leases. Acquire returns model.ErrLockHeld
// when another holder owns key.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (model.Lease, error)
}
