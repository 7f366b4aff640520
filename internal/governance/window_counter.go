package governance

import (
	"context"
	"sync"
	"time"
)

// RateState is the per-source counter for the current fixed window.
type RateState struct {
	WindowStart time.Time
	Count       int
	// DelayLevel is Count-DelayAfter once positive; it only grows within a window
	// and resets with it.
	DelayLevel int
}

// WindowCounter counts requests per key in fixed wall-clock windows. Incr must be
// atomic: the window check-then-reset and the increment happen as one step, so two
// requests crossing a window boundary cannot both reset and double count.
type WindowCounter interface {
	Incr(ctx context.Context, key string, window time.Duration, now time.Time) (RateState, error)
}

// MemoryWindowCounter keeps counters in process memory.
// Good for single-instance setups; use RedisWindowCounter to share budgets.
type MemoryWindowCounter struct {
	mu    sync.Mutex
	state map[string]RateState
}

// NewMemoryWindowCounter creates an empty counter set.
func NewMemoryWindowCounter() *MemoryWindowCounter {
	return &MemoryWindowCounter{state: make(map[string]RateState)}
}

// Incr counts one request for key.
func (c *MemoryWindowCounter) Incr(_ context.Context, key string, window time.Duration, now time.Time) (RateState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.state[key]
	if !ok || !now.Before(st.WindowStart.Add(window)) {
		st = RateState{WindowStart: now.Truncate(window)}
	}
	st.Count++
	c.state[key] = st
	return st, nil
}

// Sweep drops counters whose window ended before now and returns how many were removed.
func (c *MemoryWindowCounter) Sweep(window time.Duration, now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, st := range c.state {
		if !now.Before(st.WindowStart.Add(window)) {
			delete(c.state, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked sources.
func (c *MemoryWindowCounter) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.state)
}

// RunSweeper sweeps expired counters every interval until ctx is done.
func (c *MemoryWindowCounter) RunSweeper(ctx context.Context, interval time.Duration, window func() time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.Sweep(window(), now)
		}
	}
}
