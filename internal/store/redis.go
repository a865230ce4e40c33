package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/risk-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for portfolios. Margin is always read from the primary: a stale
// margin could start or skip a liquidation.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
	logger  *slog.Logger
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration, logger *slog.Logger) *CachedStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
		logger:  logger.With(slog.String("component", "cached_store")),
	}
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetPortfolio(ctx context.Context, userID string) (*model.Portfolio, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, portfolioKey(userID)).Bytes()
	if err == nil {
		var pf model.Portfolio
		if json.Unmarshal(data, &pf) == nil {
			return &pf, nil
		}
	}

	// Cache miss: read from primary.
	pf, err := s.primary.GetPortfolio(ctx, userID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(pf); err == nil {
		if err := s.rdb.Set(ctx, portfolioKey(userID), data, s.ttl).Err(); err != nil {
			s.logger.WarnContext(ctx, "portfolio cache write failed", "user", userID, "err", err)
		}
	}
	return pf, nil
}

// Invalidate drops the cached portfolio for userID, e.g. after a fill.
func (s *CachedStore) Invalidate(ctx context.Context, userID string) error {
	return s.rdb.Del(ctx, portfolioKey(userID)).Err()
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) ArchiveCase(ctx context.Context, c model.LiquidationCase) error {
	if err := s.primary.ArchiveCase(ctx, c); err != nil {
		return err
	}
	// Liquidation changes positions; next read will re-populate.
	s.rdb.Del(ctx, portfolioKey(c.UserID))
	return nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListActiveAccounts(ctx context.Context) ([]string, error) {
	return s.primary.ListActiveAccounts(ctx)
}

func (s *CachedStore) GetUserMargin(ctx context.Context, userID string) (decimal.Decimal, error) {
	return s.primary.GetUserMargin(ctx, userID)
}

func (s *CachedStore) ListCases(ctx context.Context, userID string, limit int) ([]model.LiquidationCase, error) {
	return s.primary.ListCases(ctx, userID, limit)
}

// --- Cache helpers ---

func portfolioKey(uid string) string { return fmt.Sprintf("portfolio:%s", uid) }
