// Package feed delivers executed trades to surveillance in bounded batches.
package feed

import (
	"context"
	"sync"

	"github.com/atmx/risk-engine/internal/model"
)

// TradeFeed yields at most max trades per call. An empty batch is not an
// error.
type TradeFeed interface {
	Next(ctx context.Context, max int) ([]model.Trade, error)
	Close() error
}

// MemoryFeed is an in-process queue used in dev mode and tests.
type MemoryFeed struct {
	mu     sync.Mutex
	queue  []model.Trade
	closed bool
}

// NewMemoryFeed creates an empty feed.
func NewMemoryFeed() *MemoryFeed {
	return &MemoryFeed{}
}

// Publish appends trades to the queue.
func (f *MemoryFeed) Publish(trades ...model.Trade) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.queue = append(f.queue, trades...)
}

// Next pops up to max queued trades without blocking.
func (f *MemoryFeed) Next(ctx context.Context, max int) ([]model.Trade, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if max <= 0 || len(f.queue) == 0 {
		return nil, nil
	}
	n := min(max, len(f.queue))
	batch := append([]model.Trade(nil), f.queue[:n]...)
	f.queue = f.queue[n:]
	return batch, nil
}

// Len returns the number of queued trades.
func (f *MemoryFeed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue)
}

func (f *MemoryFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.queue = nil
	return nil
}
