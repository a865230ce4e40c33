// Package insurance holds the venue insurance fund that absorbs residual
// positions at the last stage of the liquidation waterfall.
package insurance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/risk-engine/internal/alert"
	"github.com/atmx/risk-engine/internal/metrics"
)

var (
	// ErrFundExhausted is returned when a takeover would push the balance
	// past the configured deficit cap. The balance is not changed.
	ErrFundExhausted = errors.New("insurance: fund exhausted")

	ErrInvalidFraction = errors.New("insurance: loss fraction must be in (0, 1]")
	ErrInvalidDeficit  = errors.New("insurance: max deficit must be non-negative")
)

// Debit describes one applied takeover.
type Debit struct {
	UserID       string          `json:"user_id"`
	Position     decimal.Decimal `json:"position_value"`
	Amount       decimal.Decimal `json:"amount"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
	Depleted     bool            `json:"depleted"`
}

// Fund is the process-wide insurance fund balance. Takeovers are serialized.
type Fund struct {
	mu           sync.Mutex
	balance      decimal.Decimal
	lossFraction decimal.Decimal
	maxDeficit   decimal.Decimal
	debits       int

	alerts alert.Sink
	logger *slog.Logger
}

// NewFund creates a fund with the given opening balance. lossFraction is the
// share of a taken-over position assumed lost; maxDeficit bounds how far the
// balance may go negative before takeovers are refused.
func NewFund(initial, lossFraction, maxDeficit decimal.Decimal, alerts alert.Sink, logger *slog.Logger) (*Fund, error) {
	if !lossFraction.IsPositive() || lossFraction.GreaterThan(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidFraction, lossFraction)
	}
	if maxDeficit.IsNegative() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidDeficit, maxDeficit)
	}
	if alerts == nil {
		alerts = alert.Discard{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	f := &Fund{
		balance:      initial,
		lossFraction: lossFraction,
		maxDeficit:   maxDeficit,
		alerts:       alerts,
		logger:       logger.With(slog.String("component", "insurance")),
	}
	metrics.InsuranceFundBalance.Set(initial.InexactFloat64())
	return f, nil
}

// Balance returns the current balance.
func (f *Fund) Balance() decimal.Decimal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balance
}

// LossFraction returns the configured loss-assumption fraction.
func (f *Fund) LossFraction() decimal.Decimal { return f.lossFraction }

// Debits returns how many takeovers have been applied.
func (f *Fund) Debits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.debits
}

// Takeover moves a residual position into the fund and debits
// |positionValue| * lossFraction. It is terminal for the position: there is
// no credit-back path.
func (f *Fund) Takeover(ctx context.Context, userID string, positionValue decimal.Decimal) (Debit, error) {
	amount := positionValue.Abs().Mul(f.lossFraction)

	f.mu.Lock()
	next := f.balance.Sub(amount)
	if next.LessThan(f.maxDeficit.Neg()) {
		bal := f.balance
		f.mu.Unlock()

		f.logger.ErrorContext(ctx, "insurance takeover refused: deficit cap reached",
			"user", userID, "amount", amount.String(), "balance", bal.String(), "max_deficit", f.maxDeficit.String())
		f.alerts.Emit(ctx, alert.New(alert.KindInsuranceRefused, alert.SeverityCritical, userID,
			"insurance fund exhausted; takeover refused, capital injection required",
			map[string]any{"amount": amount.String(), "balance": bal.String(), "max_deficit": f.maxDeficit.String()}))
		return Debit{}, fmt.Errorf("%w: balance %s, debit %s", ErrFundExhausted, bal, amount)
	}
	f.balance = next
	f.debits++
	f.mu.Unlock()

	metrics.InsuranceFundBalance.Set(next.InexactFloat64())
	d := Debit{UserID: userID, Position: positionValue, Amount: amount, BalanceAfter: next, Depleted: next.IsNegative()}

	fields := map[string]any{"position_value": positionValue.String(), "amount": amount.String(), "balance": next.String()}
	if d.Depleted {
		f.logger.ErrorContext(ctx, "insurance fund depleted", "user", userID, "amount", amount.String(), "balance", next.String())
		f.alerts.Emit(ctx, alert.New(alert.KindInsuranceDepleted, alert.SeverityCritical, userID,
			"insurance fund balance is negative; capital injection required", fields))
		return d, nil
	}

	f.logger.WarnContext(ctx, "insurance fund debited", "user", userID, "amount", amount.String(), "balance", next.String())
	f.alerts.Emit(ctx, alert.New(alert.KindInsuranceDebit, alert.SeverityWarning, userID,
		"residual position taken over by insurance fund", fields))
	return d, nil
}
