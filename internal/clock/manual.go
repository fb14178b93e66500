package clock

import (
	"sync"
	"time"
)

// Manual is a hand-cranked clock for deterministic tests. Time only moves
// when Advance or Set is called.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	waiters []waiter
}

type waiter struct {
	due time.Time
	ch  chan time.Time
}

// NewManual returns a Manual clock positioned at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

// Now returns the current manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// After returns a channel that fires once the clock has been advanced by at
// least d. A non-positive d fires immediately.
func (m *Manual) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	m.mu.Lock()
	if d <= 0 {
		ch <- m.now
		m.mu.Unlock()
		return ch
	}
	m.waiters = append(m.waiters, waiter{due: m.now.Add(d), ch: ch})
	m.mu.Unlock()
	return ch
}

// Advance moves the clock forward by d and releases any due waiters.
func (m *Manual) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	if d > 0 {
		m.now = m.now.Add(d)
	}
	now := m.now
	m.fireDueLocked(now)
	m.mu.Unlock()
	return now
}

// Set jumps the clock to t. Moving backwards is not supported; earlier
// times are ignored.
func (m *Manual) Set(t time.Time) time.Time {
	m.mu.Lock()
	if t.After(m.now) {
		m.now = t.UTC()
	}
	now := m.now
	m.fireDueLocked(now)
	m.mu.Unlock()
	return now
}

func (m *Manual) fireDueLocked(now time.Time) {
	kept := m.waiters[:0]
	for _, w := range m.waiters {
		if w.due.After(now) {
			kept = append(kept, w)
			continue
		}
		w.ch <- now
	}
	m.waiters = kept
}

// Waiting reports how many After channels are still pending.
func (m *Manual) Waiting() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters)
}
