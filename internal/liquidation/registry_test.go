package liquidation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/risk-engine/internal/model"
)

// memLocker emulates a lease store shared by several replicas. Keys map to
// the generation of the lease that holds them; expire simulates a TTL
// lapsing.
type memLocker struct {
	mu       sync.Mutex
	held     map[string]int
	gen      int
	err      error
	released int
	renewals map[string]int
}

func newMemLocker() *memLocker {
	return &memLocker{held: map[string]int{}, renewals: map[string]int{}}
}

func (l *memLocker) Acquire(_ context.Context, key string, _ time.Duration) (model.Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	if _, ok := l.held[key]; ok {
		return nil, model.ErrLockHeld
	}
	l.gen++
	l.held[key] = l.gen
	return &memLease{l: l, key: key, gen: l.gen}, nil
}

func (l *memLocker) expire(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
}

func (l *memLocker) renewed(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.renewals[key]
}

type memLease struct {
	l    *memLocker
	key  string
	gen  int
	once sync.Once
}

func (m *memLease) Renew(_ context.Context, _ time.Duration) error {
	m.l.mu.Lock()
	defer m.l.mu.Unlock()
	if m.l.held[m.key] != m.gen {
		return model.ErrLockLost
	}
	m.l.renewals[m.key]++
	return nil
}

func (m *memLease) Release() {
	m.once.Do(func() {
		m.l.mu.Lock()
		defer m.l.mu.Unlock()
		if m.l.held[m.key] == m.gen {
			delete(m.l.held, m.key)
		}
		m.l.released++
	})
}

func liveCase(id, user string) model.LiquidationCase {
	return model.LiquidationCase{ID: id, UserID: user, Stage: model.StageMonitoring, StartedAt: time.Now()}
}

func TestRegistry_ClaimRelease(t *testing.T) {
	r := NewRegistry(nil, 0, nil)
	ctx := context.Background()

	require.NoError(t, r.Claim(ctx, liveCase("c1", "u1")))
	assert.True(t, r.InFlight("u1"))
	assert.ErrorIs(t, r.Claim(ctx, liveCase("c2", "u1")), ErrCaseInFlight)
	require.NoError(t, r.Claim(ctx, liveCase("c3", "u2")))
	assert.Len(t, r.Live(), 2)

	// releasing with a stale case ID is ignored
	r.Release("u1", "c2")
	assert.True(t, r.InFlight("u1"))

	r.Release("u1", "c1")
	assert.False(t, r.InFlight("u1"))
	require.NoError(t, r.Claim(ctx, liveCase("c4", "u1")))
}

func TestRegistry_Update(t *testing.T) {
	r := NewRegistry(nil, 0, nil)
	c := liveCase("c1", "u1")
	require.NoError(t, r.Claim(context.Background(), c))

	c.Stage = model.StageTWAP
	c.Completed = []model.Stage{model.StageCancelOrders}
	r.Update(c)
	c.Completed[0] = model.StageResolved // must not leak into the registry

	got, ok := r.Get("u1")
	require.True(t, ok)
	assert.Equal(t, model.StageTWAP, got.Stage)
	assert.Equal(t, []model.Stage{model.StageCancelOrders}, got.Completed)

	other := liveCase("other", "u1")
	other.Stage = model.StageResolved
	r.Update(other)
	got, _ = r.Get("u1")
	assert.Equal(t, model.StageTWAP, got.Stage)
}

func TestRegistry_LeaseAcrossReplicas(t *testing.T) {
	locker := newMemLocker()
	a := NewRegistry(locker, time.Minute, nil)
	b := NewRegistry(locker, time.Minute, nil)
	ctx := context.Background()

	require.NoError(t, a.Claim(ctx, liveCase("c1", "u1")))
	err := b.Claim(ctx, liveCase("c2", "u1"))
	assert.ErrorIs(t, err, ErrCaseInFlight)
	assert.False(t, b.InFlight("u1"), "failed claim must not leave a reservation")

	a.Release("u1", "c1")
	assert.Equal(t, 1, locker.released)
	require.NoError(t, b.Claim(ctx, liveCase("c2", "u1")))
}

func TestRegistry_LockerError(t *testing.T) {
	locker := newMemLocker()
	locker.err = errors.New("redis: connection refused")
	r := NewRegistry(locker, time.Minute, nil)

	err := r.Claim(context.Background(), liveCase("c1", "u1"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCaseInFlight)
	assert.False(t, r.InFlight("u1"))
}

func TestRegistry_RenewExtendsHeldLease(t *testing.T) {
	locker := newMemLocker()
	r := NewRegistry(locker, time.Minute, nil)
	ctx := context.Background()

	require.NoError(t, r.Claim(ctx, liveCase("c1", "u1")))
	require.NoError(t, r.Renew(ctx, "u1", "c1"))
	require.NoError(t, r.Renew(ctx, "u1", "c1"))
	assert.Equal(t, 2, locker.renewed(leaseKey("u1")))

	assert.Error(t, r.Renew(ctx, "u1", "stale"))
	assert.Error(t, r.Renew(ctx, "nobody", "c1"))
}

func TestRegistry_RenewAfterExpiryReportsLostLease(t *testing.T) {
	locker := newMemLocker()
	a := NewRegistry(locker, time.Minute, nil)
	b := NewRegistry(locker, time.Minute, nil)
	ctx := context.Background()

	require.NoError(t, a.Claim(ctx, liveCase("c1", "u1")))
	locker.expire(leaseKey("u1"))
	require.NoError(t, b.Claim(ctx, liveCase("c2", "u1")))

	assert.ErrorIs(t, a.Renew(ctx, "u1", "c1"), model.ErrLockLost)

	// the stale holder's release leaves the new lease alone
	a.Release("u1", "c1")
	require.NoError(t, b.Renew(ctx, "u1", "c2"))
}

func TestRegistry_RenewWithoutLocker(t *testing.T) {
	r := NewRegistry(nil, 0, nil)
	require.NoError(t, r.Claim(context.Background(), liveCase("c1", "u1")))
	assert.NoError(t, r.Renew(context.Background(), "u1", "c1"))
}
