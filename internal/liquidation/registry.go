package liquidation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/atmx/risk-engine/internal/metrics"
	"github.com/atmx/risk-engine/internal/model"
)

// Registry enforces at most one live liquidation case per user. The
// in-process map covers concurrent triggers inside one replica; the optional
// Locker extends the guarantee across replicas.
type Registry struct {
	mu   sync.Mutex
	live map[string]*slot

	locker   Locker
	leaseTTL time.Duration
	logger   *slog.Logger
}

type slot struct {
	c     model.LiquidationCase // latest published copy
	lease model.Lease
}

// NewRegistry creates a registry. locker may be nil for single-replica
// deployments.
func NewRegistry(locker Locker, leaseTTL time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if leaseTTL <= 0 {
		leaseTTL = 10 * time.Minute
	}
	return &Registry{
		live:     make(map[string]*slot),
		locker:   locker,
		leaseTTL: leaseTTL,
		logger:   logger.With(slog.String("component", "registry")),
	}
}

func leaseKey(userID string) string {
	return "liquidation:" + userID
}

// Claim registers c as the live case for c.UserID. It returns
// ErrCaseInFlight when a case is already live here or on another replica.
func (r *Registry) Claim(ctx context.Context, c model.LiquidationCase) error {
	r.mu.Lock()
	if _, ok := r.live[c.UserID]; ok {
		r.mu.Unlock()
		metrics.CoalescedTriggers.Inc()
		return fmt.Errorf("%w: user %s", ErrCaseInFlight, c.UserID)
	}
	// Reserve before talking to the locker so a second local trigger is
	// rejected without a round trip.
	s := &slot{c: c.Clone()}
	r.live[c.UserID] = s
	r.mu.Unlock()

	if r.locker != nil {
		lease, err := r.locker.Acquire(ctx, leaseKey(c.UserID), r.leaseTTL)
		if err != nil {
			r.mu.Lock()
			delete(r.live, c.UserID)
			r.mu.Unlock()
			if errors.Is(err, model.ErrLockHeld) {
				metrics.CoalescedTriggers.Inc()
				return fmt.Errorf("%w: user %s (held by another replica)", ErrCaseInFlight, c.UserID)
			}
			r.logger.ErrorContext(ctx, "lease acquire failed", "user", c.UserID, "err", err)
			return fmt.Errorf("liquidation: acquire lease for %s: %w", c.UserID, err)
		}
		r.mu.Lock()
		s.lease = lease
		r.mu.Unlock()
	}

	metrics.LiveCases.Inc()
	return nil
}

// Update publishes the latest state of a live case.
func (r *Registry) Update(c model.LiquidationCase) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.live[c.UserID]; ok && s.c.ID == c.ID {
		s.c = c.Clone()
	}
}

// Renew extends the cross-replica lease of the live case caseID to a full
// lease TTL. It is a no-op without a locker.
func (r *Registry) Renew(ctx context.Context, userID, caseID string) error {
	r.mu.Lock()
	s, ok := r.live[userID]
	if !ok || s.c.ID != caseID {
		r.mu.Unlock()
		return fmt.Errorf("liquidation: renew lease for %s: case %s not live", userID, caseID)
	}
	lease := s.lease
	r.mu.Unlock()

	if lease == nil {
		return nil
	}
	if err := lease.Renew(ctx, r.leaseTTL); err != nil {
		return fmt.Errorf("liquidation: renew lease for %s: %w", userID, err)
	}
	return nil
}

// Release removes the live case for userID if it is caseID.
func (r *Registry) Release(userID, caseID string) {
	r.mu.Lock()
	s, ok := r.live[userID]
	if !ok || s.c.ID != caseID {
		r.mu.Unlock()
		return
	}
	delete(r.live, userID)
	r.mu.Unlock()

	if s.lease != nil {
		s.lease.Release()
	}
	metrics.LiveCases.Dec()
}

// InFlight reports whether a case is live for userID in this process.
func (r *Registry) InFlight(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.live[userID]
	return ok
}

// Get returns the live case for userID.
func (r *Registry) Get(userID string) (model.LiquidationCase, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.live[userID]
	if !ok {
		return model.LiquidationCase{}, false
	}
	return s.c.Clone(), true
}

// Live returns copies of all live cases ordered by start time.
func (r *Registry) Live() []model.LiquidationCase {
	r.mu.Lock()
	out := make([]model.LiquidationCase, 0, len(r.live))
	for _, s := range r.live {
		out = append(out, s.c.Clone())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}
