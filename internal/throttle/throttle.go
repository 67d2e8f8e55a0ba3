// Package throttle governs the rate and concurrency of outbound RPC
// dispatches for one sync run. The budget adapts AIMD-style: observed
// rate limiting halves it and opens a cooldown window, sustained
// success restores it additively toward the configured ceiling.
package throttle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Config bounds a throttle. A Ceiling of 0 disables the rate budget
// entirely and leaves only the in-flight ceiling, matching the
// "no limit" mode of unmetered endpoints.
type Config struct {
	// Ceiling is the maximum request budget in requests per second.
	Ceiling float64
	// Floor is the lowest the budget may be halved down to.
	Floor float64
	// Increment is the additive budget increase granted after a success
	// streak.
	Increment float64
	// StreakLength is how many consecutive successes earn one increment.
	StreakLength int
	// Cooldown is how long Acquire blocks unconditionally after the
	// remote signals overload.
	Cooldown time.Duration
	// MaxInFlight caps concurrently outstanding dispatches.
	MaxInFlight int64
}

func (c Config) withDefaults() Config {
	if c.Floor <= 0 {
		c.Floor = 1
	}
	if c.Increment <= 0 {
		c.Increment = 1
	}
	if c.StreakLength <= 0 {
		c.StreakLength = 8
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 2 * time.Second
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 8
	}
	return c
}

// Throttle is safe for use from concurrent dispatch tasks. One instance
// lives per sync run; it carries no persisted state.
type Throttle struct {
	cfg      Config
	inflight *semaphore.Weighted

	mu            sync.Mutex
	rate          float64
	tokens        float64
	last          time.Time
	cooldownUntil time.Time
	successStreak int
	inFlightCount int64
}

// New builds a throttle with its budget at the ceiling.
func New(cfg Config) *Throttle {
	cfg = cfg.withDefaults()
	return &Throttle{
		cfg:      cfg,
		inflight: semaphore.NewWeighted(cfg.MaxInFlight),
		rate:     cfg.Ceiling,
		tokens:   cfg.Ceiling,
		last:     time.Now(),
	}
}

// Permit is a scoped admission for n requests. Release must be called
// when the dispatch completes; releasing twice is a no-op.
type Permit struct {
	t    *Throttle
	n    int64
	once sync.Once
}

// Release returns the permit's in-flight slots.
func (p *Permit) Release() {
	p.once.Do(func() {
		p.t.inflight.Release(p.n)
		p.t.mu.Lock()
		p.t.inFlightCount -= p.n
		p.t.mu.Unlock()
	})
}

// Acquire suspends the caller until n requests fit the current budget
// and the in-flight ceiling, or ctx is done. It never busy-waits.
func (t *Throttle) Acquire(ctx context.Context, n int64) (*Permit, error) {
	if n <= 0 {
		return nil, fmt.Errorf("acquire: n must be positive, got %d", n)
	}
	if err := t.inflight.Acquire(ctx, n); err != nil {
		return nil, err
	}

	for {
		t.mu.Lock()
		now := time.Now()
		t.refillLocked(now)

		var wait time.Duration
		switch {
		case now.Before(t.cooldownUntil):
			wait = t.cooldownUntil.Sub(now)
		case t.cfg.Ceiling <= 0 || t.tokens >= float64(n):
			if t.cfg.Ceiling > 0 {
				t.tokens -= float64(n)
			}
			t.inFlightCount += n
			t.mu.Unlock()
			return &Permit{t: t, n: n}, nil
		default:
			deficit := float64(n) - t.tokens
			wait = time.Duration(deficit / t.rate * float64(time.Second))
			if wait < time.Millisecond {
				wait = time.Millisecond
			}
		}
		t.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			t.inflight.Release(n)
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// ReportRateLimited records a remote overload signal: the budget is
// halved (multiplicative decrease) and Acquire blocks unconditionally
// until the cooldown passes.
func (t *Throttle) ReportRateLimited() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cfg.Ceiling <= 0 {
		return
	}
	t.rate = t.rate / 2
	if t.rate < t.cfg.Floor {
		t.rate = t.cfg.Floor
	}
	t.tokens = 0
	t.successStreak = 0
	t.cooldownUntil = time.Now().Add(t.cfg.Cooldown)
}

// ReportSuccess records a completed dispatch. Once StreakLength
// consecutive successes accumulate, the budget grows by one Increment
// (additive increase), never past the ceiling.
func (t *Throttle) ReportSuccess() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cfg.Ceiling <= 0 {
		return
	}
	t.successStreak++
	if t.successStreak < t.cfg.StreakLength {
		return
	}
	t.successStreak = 0
	t.rate += t.cfg.Increment
	if t.rate > t.cfg.Ceiling {
		t.rate = t.cfg.Ceiling
	}
}

// Rate returns the current budget in requests per second.
func (t *Throttle) Rate() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rate
}

// InFlight returns the number of currently admitted requests.
func (t *Throttle) InFlight() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inFlightCount
}

func (t *Throttle) refillLocked(now time.Time) {
	elapsed := now.Sub(t.last).Seconds()
	t.last = now
	if t.cfg.Ceiling <= 0 || elapsed <= 0 {
		return
	}
	t.tokens += elapsed * t.rate
	// Burst is capped at one second of budget.
	if t.tokens > t.rate {
		t.tokens = t.rate
	}
}
