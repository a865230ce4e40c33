// Package model defines the core domain types shared across the risk engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrLockHeld is returned by distributed lock implementations when another
// holder owns the key.
var ErrLockHeld = errors.New("lock already held")

// ErrLockLost is returned when renewing a lease that has expired or passed
// to another holder.
var ErrLockLost = errors.New("lock lost")

// Lease is a held distributed lock. Renew pushes the expiry out to ttl from
// now and returns ErrLockLost if the lease is no longer ours. Release is
// idempotent.
type Lease interface {
	Renew(ctx context.Context, ttl time.Duration) error
	Release()
}

// AssetClass groups instruments that share a margin rate.
type AssetClass string

const (
	AssetCrypto    AssetClass = "crypto"
	AssetForex     AssetClass = "forex"
	AssetStock     AssetClass = "stock"
	AssetBond      AssetClass = "bond"
	AssetETF       AssetClass = "etf"
	AssetCommodity AssetClass = "commodity"
	AssetOption    AssetClass = "option"
	AssetFuture    AssetClass = "future"
)

// AssetClasses lists every class the venue lists, in display order.
var AssetClasses = []AssetClass{
	AssetCrypto, AssetForex, AssetStock, AssetBond,
	AssetETF, AssetCommodity, AssetOption, AssetFuture,
}

// Known reports whether c is one of the listed asset classes.
func (c AssetClass) Known() bool {
	for _, k := range AssetClasses {
		if c == k {
			return true
		}
	}
	return false
}

// ParseAssetClass normalizes a class name ("Crypto", " FOREX ") into an
// AssetClass. Unrecognized names are returned as-is with an error so callers
// can decide whether to apply the fallback policy.
func ParseAssetClass(s string) (AssetClass, error) {
	c := AssetClass(strings.ToLower(strings.TrimSpace(s)))
	if !c.Known() {
		return c, fmt.Errorf("model: unknown asset class %q", s)
	}
	return c, nil
}

// Side is the direction of a position.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Position is an immutable snapshot of one holding as reported by the
// portfolio collaborator.
type Position struct {
	Symbol     string          `json:"symbol" db:"symbol"`
	AssetClass AssetClass      `json:"asset_class" db:"asset_class"`
	Notional   decimal.Decimal `json:"notional" db:"notional"` // signed: +long, -short
	Side       Side            `json:"side" db:"side"`
}

// Portfolio is the set of positions held by one account. The risk core reads
// it and never mutates it.
type Portfolio struct {
	UserID    string     `json:"user_id"`
	Positions []Position `json:"positions"`
}

// GrossValue returns Σ |notional| across all positions.
func (p *Portfolio) GrossValue() decimal.Decimal {
	total := decimal.Zero
	for _, pos := range p.Positions {
		total = total.Add(pos.Notional.Abs())
	}
	return total
}

// Trade is an execution reported by the trade feed. Surveillance reads it;
// the risk core never persists it.
type Trade struct {
	ID         string          `json:"id"`
	Symbol     string          `json:"symbol"`
	BuyerID    string          `json:"buyer_id"`
	SellerID   string          `json:"seller_id"`
	Price      decimal.Decimal `json:"price"`
	Quantity   decimal.Decimal `json:"quantity"`
	ExecutedAt time.Time       `json:"executed_at"`
}

// IsSelfMatched reports whether the same account is on both sides.
func (t Trade) IsSelfMatched() bool {
	return t.BuyerID != "" && t.BuyerID == t.SellerID
}

// Stage is a step of the liquidation waterfall.
type Stage string

const (
	StageMonitoring        Stage = "monitoring"
	StageCancelOrders      Stage = "cancel_orders"
	StageTWAP              Stage = "twap"
	StageInsuranceTakeover Stage = "insurance_takeover"
	StageResolved          Stage = "resolved"
)

// Terminal reports whether no further stage can follow s.
func (s Stage) Terminal() bool {
	return s == StageResolved || s == StageInsuranceTakeover
}

// Outcome records why a liquidation case stopped.
type Outcome string

const (
	OutcomeNone         Outcome = ""
	OutcomeResolved     Outcome = "resolved"
	OutcomeTakenOver    Outcome = "taken_over"
	OutcomeHalted       Outcome = "halted"
	OutcomeEscalated    Outcome = "escalated"
	OutcomeNotBreaching Outcome = "not_breaching"
)

// LiquidationCase tracks one run of the waterfall for one account.
// At most one live case exists per UserID.
type LiquidationCase struct {
	ID                string          `json:"id" db:"id"`
	UserID            string          `json:"user_id" db:"user_id"`
	Stage             Stage           `json:"stage" db:"stage"`
	Outcome           Outcome         `json:"outcome,omitempty" db:"outcome"`
	PortfolioValue    decimal.Decimal `json:"portfolio_value" db:"portfolio_value"`
	MaintenanceMargin decimal.Decimal `json:"maintenance_margin" db:"maintenance_margin"`
	LastMargin        decimal.Decimal `json:"last_margin" db:"last_margin"`
	InsuranceDebit    decimal.Decimal `json:"insurance_debit" db:"insurance_debit"`
	Completed         []Stage         `json:"completed,omitempty"` // confirmed stage actions
	Failure           string          `json:"failure,omitempty" db:"failure"`
	StartedAt         time.Time       `json:"started_at" db:"started_at"`
	UpdatedAt         time.Time       `json:"updated_at" db:"updated_at"`
	EndedAt           time.Time       `json:"ended_at,omitempty" db:"ended_at"`
}

// HasCompleted reports whether the action for stage s was confirmed.
func (c *LiquidationCase) HasCompleted(s Stage) bool {
	for _, done := range c.Completed {
		if done == s {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to hand to other goroutines.
func (c *LiquidationCase) Clone() LiquidationCase {
	cp := *c
	cp.Completed = append([]Stage(nil), c.Completed...)
	return cp
}

// RiskSnapshot is the per-account view produced on each evaluation.
type RiskSnapshot struct {
	UserID              string          `json:"user_id"`
	PortfolioValue      decimal.Decimal `json:"portfolio_value"` // Σ |notional|
	InitialMargin       decimal.Decimal `json:"initial_margin"`
	MaintenanceMargin   decimal.Decimal `json:"maintenance_margin"`
	CurrentMargin       decimal.Decimal `json:"current_margin"`
	ValueAtRisk         decimal.Decimal `json:"value_at_risk"`
	FallbackPositions   int             `json:"fallback_positions,omitempty"`
	Breaching           bool            `json:"breaching"`
	LiquidationInFlight bool            `json:"liquidation_in_flight"`
	At                  time.Time       `json:"at"`
}
