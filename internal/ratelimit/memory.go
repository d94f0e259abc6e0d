package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Memory keeps usage timestamps in process memory. State is lost on restart
// and is not shared between instances; use Redis for a fleet.
type Memory struct {
	mu     sync.Mutex
	clock  Clock
	window time.Duration
	uses   map[string][]time.Time
}

// NewMemory returns an in-process limiter. A nil clock uses the wall clock.
func NewMemory(clock Clock) *Memory {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Memory{
		clock:  clock,
		window: Window,
		uses:   make(map[string][]time.Time),
	}
}

// IsRateLimited prunes expired uses and compares the remainder with the limit.
func (m *Memory) IsRateLimited(_ context.Context, providerID string, limitPerMinute int) (bool, error) {
	if limitPerMinute <= 0 {
		return false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	live := m.prune(providerID, m.clock.Now())
	return len(live) >= limitPerMinute, nil
}

// RecordUse appends the current instant to the provider's window.
func (m *Memory) RecordUse(_ context.Context, providerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	m.uses[providerID] = append(m.prune(providerID, now), now)
	return nil
}

// TryAcquire checks and records under one lock, so concurrent callers never
// exceed the limit.
func (m *Memory) TryAcquire(_ context.Context, providerID string, limitPerMinute int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	live := m.prune(providerID, now)
	if limitPerMinute > 0 && len(live) >= limitPerMinute {
		return false, nil
	}
	m.uses[providerID] = append(live, now)
	return true, nil
}

// Count returns the number of uses inside the current window.
func (m *Memory) Count(providerID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.prune(providerID, m.clock.Now()))
}

// prune drops timestamps that left the window. Timestamps are appended in
// order, so the live ones are always a suffix. Caller holds mu.
func (m *Memory) prune(providerID string, now time.Time) []time.Time {
	uses := m.uses[providerID]
	cut := 0
	for cut < len(uses) && now.Sub(uses[cut]) >= m.window {
		cut++
	}
	if cut == 0 {
		return uses
	}
	live := append([]time.Time(nil), uses[cut:]...)
	if len(live) == 0 {
		delete(m.uses, providerID)
		return nil
	}
	m.uses[providerID] = live
	return live
}
