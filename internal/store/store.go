// Package store defines the persistence ports of the risk engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// portfolio cache, liquidation leases, halt mirror), and in-memory (for
// testing and dev mode).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/risk-engine/internal/model"
)

// ErrNotFound is returned when an account does not exist.
var ErrNotFound = errors.New("store: not found")

// AccountStore reads the account state the risk loop evaluates.
type AccountStore interface {
	// ListActiveAccounts returns the IDs of accounts with open exposure.
	ListActiveAccounts(ctx context.Context) ([]string, error)

	// GetPortfolio returns the current positions of an account.
	GetPortfolio(ctx context.Context, userID string) (*model.Portfolio, error)

	// GetUserMargin returns the account's current margin (equity).
	GetUserMargin(ctx context.Context, userID string) (decimal.Decimal, error)
}

// CaseStore keeps finished liquidation cases.
type CaseStore interface {
	// ArchiveCase upserts a case by ID.
	ArchiveCase(ctx context.Context, c model.LiquidationCase) error

	// ListCases returns cases newest first. An empty userID lists all
	// accounts; limit <= 0 means no limit.
	ListCases(ctx context.Context, userID string, limit int) ([]model.LiquidationCase, error)
}

// Store is the full persistence surface.
type Store interface {
	AccountStore
	CaseStore
}
