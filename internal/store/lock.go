package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/risk-engine/internal/model"
)

// unlockLua deletes a lock key only if it still holds the caller's token,
// so an expired holder cannot release a lease someone else now owns.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// extendLua resets the expiry of a lock key only if it still holds the
// caller's token.
const extendLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`

// LockManager grants liquidation leases across replicas using Redis SETNX
// with a TTL and Lua-based conditional unlock and extend.
type LockManager struct {
	rdb      *redis.Client
	unlockSc *redis.Script
	extendSc *redis.Script
}

// NewLockManager creates a LockManager backed by rdb.
func NewLockManager(rdb *redis.Client) *LockManager {
	return &LockManager{
		rdb:      rdb,
		unlockSc: redis.NewScript(unlockLua),
		extendSc: redis.NewScript(extendLua),
	}
}

func lockKey(key string) string {
	return "lock:" + key
}

// Acquire obtains the lease for key. It returns model.ErrLockHeld if
// another party holds it.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (model.Lease, error) {
	token := uuid.New().String()
	lk := lockKey(key)

	ok, err := lm.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, model.ErrLockHeld
	}
	return &lease{lm: lm, key: lk, token: token}, nil
}

// lease is a lock held through a LockManager.
type lease struct {
	lm    *LockManager
	key   string
	token string
	once  sync.Once
}

// Renew extends the lease to ttl from now. It returns model.ErrLockLost if
// the key expired or another party took it.
func (l *lease) Renew(ctx context.Context, ttl time.Duration) error {
	n, err := l.lm.extendSc.Run(ctx, l.lm.rdb, []string{l.key}, l.token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("redis: extend lock %s: %w", l.key, err)
	}
	if n == 0 {
		return model.ErrLockLost
	}
	return nil
}

// Release drops the lease. It may be called more than once.
func (l *lease) Release() {
	l.once.Do(func() {
		// Background context: the caller's may already be cancelled.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = l.lm.unlockSc.Run(ctx, l.lm.rdb, []string{l.key}, l.token).Err()
	})
}
