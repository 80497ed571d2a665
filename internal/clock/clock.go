// Package clock abstracts time so the same scheduler runs against the wall
// clock in live trading and a replay cursor in backtests.
package clock

import (
	"context"
	"sync"
	"time"
)

// Clock supplies the current instant and blocks until a future one.
type Clock interface {
	Now() time.Time
	SleepUntil(ctx context.Context, t time.Time) error
}

// Wall is the real-time clock.
type Wall struct{}

func (Wall) Now() time.Time { return time.Now().UTC() }

func (Wall) SleepUntil(ctx context.Context, t time.Time) error {
	d := time.Until(t)
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Replay is a virtual clock that jumps instead of sleeping. SleepUntil moves
// the cursor forward immediately, which lets a backtest replay months of
// candles in wall-clock seconds.
type Replay struct {
	mu  sync.RWMutex
	now time.Time
}

// NewReplay starts the cursor at the given instant.
func NewReplay(start time.Time) *Replay {
	return &Replay{now: start.UTC()}
}

func (r *Replay) Now() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.now
}

func (r *Replay) SleepUntil(ctx context.Context, t time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	if t.After(r.now) {
		r.now = t.UTC()
	}
	r.mu.Unlock()
	return nil
}

// Advance moves the cursor forward by d.
func (r *Replay) Advance(d time.Duration) {
	r.mu.Lock()
	r.now = r.now.Add(d)
	r.mu.Unlock()
}
