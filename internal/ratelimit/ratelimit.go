// Package ratelimit enforces per-campaign send throughput: a minimum spacing
// between two sends and a cap on sends inside a sliding window.
package ratelimit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Policy describes the throughput constraints of one campaign.
// A zero Limit disables the period cap; a zero MinSpacing disables spacing.
type Policy struct {
	MinSpacing time.Duration
	Limit      int
	Window     time.Duration
}

// Unlimited reports whether the policy never asks the caller to wait.
func (p Policy) Unlimited() bool {
	return p.MinSpacing <= 0 && (p.Limit <= 0 || p.Window <= 0)
}

// Horizon is how far back send history matters for this policy.
func (p Policy) Horizon() time.Duration {
	if p.Limit > 0 && p.Window > p.MinSpacing {
		return p.Window
	}
	return p.MinSpacing
}

// PeriodDuration maps a period unit to the length of its sliding window.
func PeriodDuration(unit string) (time.Duration, error) {
	switch unit {
	case "minute":
		return time.Minute, nil
	case "hour":
		return time.Hour, nil
	case "day":
		return 24 * time.Hour, nil
	case "week":
		return 7 * 24 * time.Hour, nil
	case "month":
		return 30 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unknown period unit: %q", unit)
	}
}

// NewPolicy builds a Policy from campaign parameters. maxPerPeriod nil or 0
// means unlimited.
func NewPolicy(delaySeconds int, maxPerPeriod *int, periodUnit string) (Policy, error) {
	p := Policy{MinSpacing: time.Duration(delaySeconds) * time.Second}
	if maxPerPeriod == nil || *maxPerPeriod == 0 {
		return p, nil
	}
	window, err := PeriodDuration(periodUnit)
	if err != nil {
		return Policy{}, err
	}
	p.Limit = *maxPerPeriod
	p.Window = window
	return p, nil
}

// Limiter is implemented by the in-memory window and the Redis-backed limiter.
type Limiter interface {
	// Acquire reserves a slot at the current time and returns 0, or returns
	// how long the caller must wait before asking again. It never sleeps.
	Acquire(ctx context.Context, key string, p Policy) (time.Duration, error)
	// Check is Acquire without the reservation. Callers that only know the
	// real send time afterwards pair it with Record.
	Check(ctx context.Context, key string, p Policy) (time.Duration, error)
	// Record adds a send that happened at at.
	Record(ctx context.Context, key string, p Policy, at time.Time) error
	// Seed loads prior send times, e.g. reconstructed from sent_at history,
	// into a key that has no history yet. A key with history is left alone.
	Seed(ctx context.Context, key string, p Policy, sends []time.Time) error
	// Reset drops all state for key.
	Reset(ctx context.Context, key string) error
}

// Memory keeps one sliding window per key in process memory.
type Memory struct {
	mu      sync.Mutex
	now     func() time.Time
	windows map[string]*window
}

type window struct {
	sends []time.Time // ascending
}

// NewMemory creates an in-memory limiter. now may be nil.
func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{
		now:     now,
		windows: make(map[string]*window),
	}
}

// Acquire implements Limiter.
func (m *Memory) Acquire(ctx context.Context, key string, p Policy) (time.Duration, error) {
	return m.check(ctx, key, p, true)
}

// Check implements Limiter.
func (m *Memory) Check(ctx context.Context, key string, p Policy) (time.Duration, error) {
	return m.check(ctx, key, p, false)
}

func (m *Memory) check(ctx context.Context, key string, p Policy, reserve bool) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	w := m.window(key)
	w.prune(now, p)

	if wait := w.wait(now, p); wait > 0 {
		return wait, nil
	}

	if reserve {
		w.insert(now)
	}
	return 0, nil
}

// Record implements Limiter.
func (m *Memory) Record(ctx context.Context, key string, p Policy, at time.Time) error {
	if p.Unlimited() {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	w := m.window(key)
	w.insert(at)
	w.prune(m.now(), p)
	return nil
}

// Seed implements Limiter.
func (m *Memory) Seed(ctx context.Context, key string, p Policy, sends []time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w := m.window(key)
	if len(w.sends) > 0 {
		return nil
	}
	w.sends = append(w.sends, sends...)
	sort.Slice(w.sends, func(i, j int) bool { return w.sends[i].Before(w.sends[j]) })
	w.prune(m.now(), p)
	return nil
}

// Reset implements Limiter.
func (m *Memory) Reset(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.windows, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) window(key string) *window {
	w, ok := m.windows[key]
	if !ok {
		w = &window{}
		m.windows[key] = w
	}
	return w
}

// insert keeps sends ascending; at is normally the latest.
func (w *window) insert(at time.Time) {
	i := sort.Search(len(w.sends), func(i int) bool { return w.sends[i].After(at) })
	w.sends = append(w.sends, time.Time{})
	copy(w.sends[i+1:], w.sends[i:])
	w.sends[i] = at
}

// prune drops sends that no longer affect either constraint, keeping the
// most recent one for the spacing check.
func (w *window) prune(now time.Time, p Policy) {
	if len(w.sends) <= 1 {
		return
	}
	cutoff := now.Add(-p.Horizon())
	i := sort.Search(len(w.sends), func(i int) bool { return w.sends[i].After(cutoff) })
	if i >= len(w.sends) {
		i = len(w.sends) - 1
	}
	w.sends = w.sends[i:]
}

func (w *window) wait(now time.Time, p Policy) time.Duration {
	var wait time.Duration
	n := len(w.sends)
	if n == 0 {
		return 0
	}

	if p.MinSpacing > 0 {
		if d := w.sends[n-1].Add(p.MinSpacing).Sub(now); d > wait {
			wait = d
		}
	}

	if p.Limit > 0 && p.Window > 0 {
		// Sends inside (now-window, now].
		cutoff := now.Add(-p.Window)
		first := sort.Search(n, func(i int) bool { return w.sends[i].After(cutoff) })
		if n-first >= p.Limit {
			// The window frees a slot once the limit-th most recent send ages out.
			if d := w.sends[n-p.Limit].Add(p.Window).Sub(now); d > wait {
				wait = d
			}
		}
	}

	return wait
}
