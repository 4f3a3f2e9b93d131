package clock

import (
	"slices"
	"sync"
	"time"
)

// Manual is a clock that only moves when told to. Timers fire in deadline
// order, each receiving its own deadline.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	timers  []manualTimer
	changed chan struct{}
}

type manualTimer struct {
	at time.Time
	ch chan time.Time
}

// NewManual returns a Manual clock set to start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC(), changed: make(chan struct{})}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// After schedules a timer d after the current manual time. Non-positive
// durations fire immediately.
func (m *Manual) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if d <= 0 {
		ch <- m.now
		return ch
	}
	timer := manualTimer{at: m.now.Add(d), ch: ch}
	idx, _ := slices.BinarySearchFunc(m.timers, timer.at, func(t manualTimer, at time.Time) int {
		if t.at.After(at) {
			return 1
		}
		return -1
	})
	m.timers = slices.Insert(m.timers, idx, timer)
	m.notifyLocked()
	return ch
}

func (m *Manual) Sleep(d time.Duration) { <-m.After(d) }

// Advance moves time forward by d and fires every timer that is due.
func (m *Manual) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d > 0 {
		m.now = m.now.Add(d)
	}
	due := 0
	for due < len(m.timers) && !m.timers[due].at.After(m.now) {
		m.timers[due].ch <- m.timers[due].at
		due++
	}
	if due > 0 {
		m.timers = slices.Delete(m.timers, 0, due)
		m.notifyLocked()
	}
	return m.now
}

// Pending returns the number of timers that have not fired.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// BlockUntil waits until at least n timers are pending or timeout passes.
// It reports whether the condition was met.
func (m *Manual) BlockUntil(n int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		m.mu.Lock()
		if len(m.timers) >= n {
			m.mu.Unlock()
			return true
		}
		changed := m.changed
		m.mu.Unlock()
		select {
		case <-changed:
		case <-deadline:
			return false
		}
	}
}

func (m *Manual) notifyLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
}
