package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/risk-engine/internal/panicswitch"
)

const (
	// HaltKey holds the JSON-encoded halt state read by the order gateway.
	HaltKey = "SYSTEM_HALT"
	// HaltChannel carries the same payload to live subscribers.
	HaltChannel = "system:halt"
)

// HaltMirror publishes panic switch transitions to Redis.
type HaltMirror struct {
	rdb *redis.Client
}

// NewHaltMirror creates a mirror on rdb.
func NewHaltMirror(rdb *redis.Client) *HaltMirror {
	return &HaltMirror{rdb: rdb}
}

// PublishHalt stores s under HaltKey (no expiry) and notifies subscribers.
func (m *HaltMirror) PublishHalt(ctx context.Context, s panicswitch.State) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	if err := m.rdb.Set(ctx, HaltKey, data, 0).Err(); err != nil {
		return fmt.Errorf("redis: set %s: %w", HaltKey, err)
	}
	if err := m.rdb.Publish(ctx, HaltChannel, data).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", HaltChannel, err)
	}
	return nil
}

// LoadHalt reads the mirrored state. ok is false when no state was ever
// published.
func (m *HaltMirror) LoadHalt(ctx context.Context) (panicswitch.State, bool, error) {
	data, err := m.rdb.Get(ctx, HaltKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return panicswitch.State{}, false, nil
	}
	if err != nil {
		return panicswitch.State{}, false, fmt.Errorf("redis: get %s: %w", HaltKey, err)
	}
	var s panicswitch.State
	if err := json.Unmarshal(data, &s); err != nil {
		return panicswitch.State{}, false, fmt.Errorf("decode %s: %w", HaltKey, err)
	}
	return s, true, nil
}
