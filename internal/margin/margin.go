// Package margin computes initial and maintenance margin requirements for a
// multi-asset portfolio from a static per-asset-class rate table.
//
// Each position contributes |notional| × rate[class]. Classes missing from
// the table are charged the fallback class's rates; this is a configured
// policy, reported through Requirement.Fallbacks and a warning log, and is
// distinct from a rate-table error, which fails at construction.
package margin

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/atmx/risk-engine/internal/model"
)

var (
	// ErrEmptyPortfolio is returned when a portfolio has no positions.
	ErrEmptyPortfolio = errors.New("margin: empty portfolio")

	// ErrInvalidRate is returned when a rate lies outside [0, 1] or the
	// maintenance rate exceeds the initial rate.
	ErrInvalidRate = errors.New("margin: invalid rate")

	// ErrMissingFallback is returned when the fallback class has no rates.
	ErrMissingFallback = errors.New("margin: fallback asset class not in rate table")
)

// Rate is the pair of margin rates charged for one asset class.
type Rate struct {
	Initial     decimal.Decimal `json:"initial"`
	Maintenance decimal.Decimal `json:"maintenance"`
}

func (r Rate) validate() error {
	one := decimal.NewFromInt(1)
	if r.Initial.IsNegative() || r.Initial.GreaterThan(one) ||
		r.Maintenance.IsNegative() || r.Maintenance.GreaterThan(one) {
		return ErrInvalidRate
	}
	if r.Maintenance.GreaterThan(r.Initial) {
		return ErrInvalidRate
	}
	return nil
}

// RateTable maps asset classes to their rates. It is immutable after
// NewRateTable and safe for concurrent reads.
type RateTable struct {
	rates    map[model.AssetClass]Rate
	fallback model.AssetClass
}

// DefaultRates returns the venue's standard rate set. Options are charged
// the full premium until a Greeks-based OptionMarginer is injected.
func DefaultRates() map[model.AssetClass]Rate {
	r := func(initial, maint float64) Rate {
		return Rate{Initial: decimal.NewFromFloat(initial), Maintenance: decimal.NewFromFloat(maint)}
	}
	return map[model.AssetClass]Rate{
		model.AssetCrypto:    r(0.10, 0.05),
		model.AssetForex:     r(0.02, 0.01),
		model.AssetStock:     r(0.20, 0.10),
		model.AssetBond:      r(0.05, 0.025),
		model.AssetETF:       r(0.20, 0.10),
		model.AssetCommodity: r(0.10, 0.05),
		model.AssetOption:    r(1.0, 1.0),
		model.AssetFuture:    r(0.10, 0.05),
	}
}

// DefaultRateTable returns DefaultRates with crypto as the fallback class.
func DefaultRateTable() *RateTable {
	t, err := NewRateTable(DefaultRates(), model.AssetCrypto)
	if err != nil {
		panic(err) // static table
	}
	return t
}

// NewRateTable validates and copies rates. fallback must be present in rates.
func NewRateTable(rates map[model.AssetClass]Rate, fallback model.AssetClass) (*RateTable, error) {
	copied := make(map[model.AssetClass]Rate, len(rates))
	for class, rate := range rates {
		if err := rate.validate(); err != nil {
			return nil, fmt.Errorf("%w: %s initial=%s maintenance=%s",
				err, class, rate.Initial, rate.Maintenance)
		}
		copied[class] = rate
	}
	if _, ok := copied[fallback]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrMissingFallback, fallback)
	}
	return &RateTable{rates: copied, fallback: fallback}, nil
}

// Lookup returns the rate for class. ok is false when the fallback rate was
// substituted.
func (t *RateTable) Lookup(class model.AssetClass) (rate Rate, ok bool) {
	if r, found := t.rates[class]; found {
		return r, true
	}
	return t.rates[t.fallback], false
}

// Fallback returns the class whose rates are charged for unknown classes.
func (t *RateTable) Fallback() model.AssetClass {
	return t.fallback
}

// OptionMarginer refines margin for option positions (e.g. from Greeks).
// Returning ok=false defers to the rate table.
type OptionMarginer interface {
	OptionMargin(pos model.Position) (initial, maintenance decimal.Decimal, ok bool)
}

// Requirement is the margin owed by a portfolio.
type Requirement struct {
	Initial     decimal.Decimal `json:"initial"`
	Maintenance decimal.Decimal `json:"maintenance"`
	// Fallbacks counts positions charged at the fallback class's rates.
	Fallbacks int `json:"fallbacks"`
}

// Calculator sums per-position margin contributions. It has no side effects
// beyond logging.
type Calculator struct {
	table   *RateTable
	options OptionMarginer
	logger  *slog.Logger
}

// Option configures a Calculator.
type Option func(*Calculator)

// WithOptionMarginer installs a refinement hook for option positions.
func WithOptionMarginer(m OptionMarginer) Option {
	return func(c *Calculator) { c.options = m }
}

// WithLogger sets the logger used for fallback warnings.
func WithLogger(l *slog.Logger) Option {
	return func(c *Calculator) { c.logger = l }
}

// NewCalculator creates a calculator over table.
func NewCalculator(table *RateTable, opts ...Option) *Calculator {
	c := &Calculator{table: table, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("component", "margin"))
	return c
}

// Table returns the calculator's rate table.
func (c *Calculator) Table() *RateTable {
	return c.table
}

// Compute returns IM = Σ |notional| × initialRate and MM = Σ |notional| ×
// maintenanceRate for the portfolio.
func (c *Calculator) Compute(p *model.Portfolio) (Requirement, error) {
	if p == nil || len(p.Positions) == 0 {
		return Requirement{}, ErrEmptyPortfolio
	}

	req := Requirement{Initial: decimal.Zero, Maintenance: decimal.Zero}
	for _, pos := range p.Positions {
		if pos.AssetClass == model.AssetOption && c.options != nil {
			if im, mm, ok := c.options.OptionMargin(pos); ok {
				req.Initial = req.Initial.Add(im)
				req.Maintenance = req.Maintenance.Add(mm)
				continue
			}
		}

		rate, ok := c.table.Lookup(pos.AssetClass)
		if !ok {
			req.Fallbacks++
			c.logger.Warn("unknown asset class, charging fallback rates",
				"policy", "fallback",
				"user", p.UserID,
				"symbol", pos.Symbol,
				"asset_class", string(pos.AssetClass),
				"fallback_class", string(c.table.fallback),
			)
		}

		value := pos.Notional.Abs()
		req.Initial = req.Initial.Add(value.Mul(rate.Initial))
		req.Maintenance = req.Maintenance.Add(value.Mul(rate.Maintenance))
	}
	return req, nil
}
