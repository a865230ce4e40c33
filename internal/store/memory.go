package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/risk-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*account
	cases    []model.LiquidationCase
}

type account struct {
	positions []model.Position
	margin    decimal.Decimal
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*account),
	}
}

// PutAccount creates or replaces an account.
func (s *MemoryStore) PutAccount(userID string, margin decimal.Decimal, positions ...model.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[userID] = &account{
		positions: append([]model.Position(nil), positions...),
		margin:    margin,
	}
}

// SetMargin overwrites an account's margin.
func (s *MemoryStore) SetMargin(userID string, margin decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[userID]
	if !ok {
		return fmt.Errorf("%w: account %s", ErrNotFound, userID)
	}
	a.margin = margin
	return nil
}

// AdjustMargin adds delta to an account's margin and returns the result.
func (s *MemoryStore) AdjustMargin(userID string, delta decimal.Decimal) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[userID]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: account %s", ErrNotFound, userID)
	}
	a.margin = a.margin.Add(delta)
	return a.margin, nil
}

// ScalePositions multiplies every notional of an account by factor, e.g.
// to model a partial liquidation, and returns the gross notional removed.
func (s *MemoryStore) ScalePositions(userID string, factor decimal.Decimal) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[userID]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: account %s", ErrNotFound, userID)
	}
	sold := decimal.Zero
	for i := range a.positions {
		next := a.positions[i].Notional.Mul(factor)
		sold = sold.Add(a.positions[i].Notional.Sub(next).Abs())
		a.positions[i].Notional = next
	}
	return sold, nil
}

// ListActiveAccounts returns accounts holding at least one non-zero position.
func (s *MemoryStore) ListActiveAccounts(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.accounts))
	for id, a := range s.accounts {
		for _, p := range a.positions {
			if !p.Notional.IsZero() {
				ids = append(ids, id)
				break
			}
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) GetPortfolio(_ context.Context, userID string) (*model.Portfolio, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[userID]
	if !ok {
		return nil, fmt.Errorf("%w: account %s", ErrNotFound, userID)
	}
	return &model.Portfolio{
		UserID:    userID,
		Positions: append([]model.Position(nil), a.positions...),
	}, nil
}

func (s *MemoryStore) GetUserMargin(_ context.Context, userID string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[userID]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: account %s", ErrNotFound, userID)
	}
	return a.margin, nil
}

func (s *MemoryStore) ArchiveCase(_ context.Context, c model.LiquidationCase) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.cases {
		if s.cases[i].ID == c.ID {
			s.cases[i] = c.Clone()
			return nil
		}
	}
	s.cases = append(s.cases, c.Clone())
	return nil
}

func (s *MemoryStore) ListCases(_ context.Context, userID string, limit int) ([]model.LiquidationCase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.LiquidationCase
	for i := len(s.cases) - 1; i >= 0; i-- {
		if userID != "" && s.cases[i].UserID != userID {
			continue
		}
		out = append(out, s.cases[i].Clone())
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
