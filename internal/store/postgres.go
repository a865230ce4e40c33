package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/risk-engine/internal/model"
)

// Schema creates the tables PostgresStore reads and writes.
const Schema = `
CREATE TABLE IF NOT EXISTS accounts (
	user_id    TEXT PRIMARY KEY,
	margin     NUMERIC NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS positions (
	user_id     TEXT NOT NULL REFERENCES accounts(user_id),
	symbol      TEXT NOT NULL,
	asset_class TEXT NOT NULL,
	notional    NUMERIC NOT NULL,
	side        TEXT NOT NULL,
	PRIMARY KEY (user_id, symbol)
);

CREATE TABLE IF NOT EXISTS liquidation_cases (
	id                 UUID PRIMARY KEY,
	user_id            TEXT NOT NULL,
	stage              TEXT NOT NULL,
	outcome            TEXT NOT NULL,
	portfolio_value    NUMERIC NOT NULL,
	maintenance_margin NUMERIC NOT NULL,
	last_margin        NUMERIC NOT NULL,
	insurance_debit    NUMERIC NOT NULL DEFAULT 0,
	completed          TEXT[] NOT NULL DEFAULT '{}',
	failure            TEXT NOT NULL DEFAULT '',
	started_at         TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL,
	ended_at           TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS liquidation_cases_user_idx ON liquidation_cases (user_id, started_at DESC);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies Schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListActiveAccounts(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT user_id FROM positions WHERE notional <> 0 ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) GetPortfolio(ctx context.Context, userID string) (*model.Portfolio, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT symbol, asset_class, notional::TEXT, side
		 FROM positions WHERE user_id = $1 ORDER BY symbol`, userID)
	if err != nil {
		return nil, fmt.Errorf("get portfolio %s: %w", userID, err)
	}
	defer rows.Close()

	pf := &model.Portfolio{UserID: userID}
	for rows.Next() {
		var p model.Position
		var class, notionalS, side string
		if err := rows.Scan(&p.Symbol, &class, &notionalS, &side); err != nil {
			return nil, err
		}
		// Unknown classes are kept verbatim so the calculator's fallback
		// policy applies and is logged.
		p.AssetClass = model.AssetClass(class)
		p.Side = model.Side(side)
		p.Notional, err = decimal.NewFromString(notionalS)
		if err != nil {
			return nil, fmt.Errorf("position %s/%s notional %q: %w", userID, p.Symbol, notionalS, err)
		}
		pf.Positions = append(pf.Positions, p)
	}
	return pf, rows.Err()
}

func (s *PostgresStore) GetUserMargin(ctx context.Context, userID string) (decimal.Decimal, error) {
	var marginS string
	err := s.pool.QueryRow(ctx,
		`SELECT margin::TEXT FROM accounts WHERE user_id = $1`, userID).Scan(&marginS)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, fmt.Errorf("%w: account %s", ErrNotFound, userID)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("get margin %s: %w", userID, err)
	}
	return decimal.NewFromString(marginS)
}

func (s *PostgresStore) ArchiveCase(ctx context.Context, c model.LiquidationCase) error {
	completed := make([]string, len(c.Completed))
	for i, st := range c.Completed {
		completed[i] = string(st)
	}
	var ended *time.Time
	if !c.EndedAt.IsZero() {
		ended = &c.EndedAt
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO liquidation_cases (id, user_id, stage, outcome, portfolio_value, maintenance_margin,
		                                last_margin, insurance_debit, completed, failure, started_at, updated_at, ended_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10, $11, $12, $13)
		 ON CONFLICT (id) DO UPDATE SET
		     stage = EXCLUDED.stage, outcome = EXCLUDED.outcome,
		     last_margin = EXCLUDED.last_margin, insurance_debit = EXCLUDED.insurance_debit,
		     completed = EXCLUDED.completed, failure = EXCLUDED.failure,
		     updated_at = EXCLUDED.updated_at, ended_at = EXCLUDED.ended_at`,
		c.ID, c.UserID, string(c.Stage), string(c.Outcome),
		c.PortfolioValue.String(), c.MaintenanceMargin.String(),
		c.LastMargin.String(), c.InsuranceDebit.String(),
		completed, c.Failure, c.StartedAt, c.UpdatedAt, ended,
	)
	return err
}

func (s *PostgresStore) ListCases(ctx context.Context, userID string, limit int) ([]model.LiquidationCase, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id::TEXT, user_id, stage, outcome,
		        portfolio_value::TEXT, maintenance_margin::TEXT, last_margin::TEXT, insurance_debit::TEXT,
		        completed, failure, started_at, updated_at, ended_at
		 FROM liquidation_cases
		 WHERE ($1 = '' OR user_id = $1)
		 ORDER BY started_at DESC
		 LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanCases(rows)
}

// pgxRows is the subset of pgx.Rows the scanners use.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanCases(rows pgxRows) ([]model.LiquidationCase, error) {
	var cases []model.LiquidationCase
	for rows.Next() {
		var c model.LiquidationCase
		var stage, outcome, valueS, mmS, lastS, debitS string
		var completed []string
		var ended *time.Time

		if err := rows.Scan(&c.ID, &c.UserID, &stage, &outcome,
			&valueS, &mmS, &lastS, &debitS,
			&completed, &c.Failure, &c.StartedAt, &c.UpdatedAt, &ended); err != nil {
			return nil, err
		}

		c.Stage = model.Stage(stage)
		c.Outcome = model.Outcome(outcome)
		c.PortfolioValue, _ = decimal.NewFromString(valueS)
		c.MaintenanceMargin, _ = decimal.NewFromString(mmS)
		c.LastMargin, _ = decimal.NewFromString(lastS)
		c.InsuranceDebit, _ = decimal.NewFromString(debitS)
		for _, st := range completed {
			c.Completed = append(c.Completed, model.Stage(st))
		}
		if ended != nil {
			c.EndedAt = *ended
		}
		cases = append(cases, c)
	}
	return cases, rows.Err()
}
