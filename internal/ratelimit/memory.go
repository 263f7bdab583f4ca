package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Memory is the in-process sliding-window-log backend.
type Memory struct {
	mu      sync.Mutex
	windows map[string][]time.Time
	config  Config
	now     Clock
	maxKeys int
}

// NewMemory creates an in-process limiter. A nil clock uses time.Now.
func NewMemory(config Config, clock Clock) *Memory {
	if clock == nil {
		clock = time.Now
	}
	return &Memory{
		windows: make(map[string][]time.Time),
		config:  config.normalized(),
		now:     clock,
		maxKeys: 10000,
	}
}

// Check evicts expired timestamps for key and admits the request if the
// window still has room.
func (m *Memory) Check(_ context.Context, key string) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	log := evict(m.windows[key], now.Add(-m.config.Window))

	allowed := false
	if len(log) < m.config.MaxRequests {
		log = append(log, now)
		allowed = true
	}

	if len(log) == 0 {
		delete(m.windows, key)
	} else {
		if _, exists := m.windows[key]; !exists && len(m.windows) >= m.maxKeys {
			m.prune(now)
		}
		m.windows[key] = log
	}

	var resetIn time.Duration
	if len(log) > 0 {
		resetIn = log[0].Add(m.config.Window).Sub(now)
	}

	return Result{
		Allowed:   allowed,
		Remaining: m.config.MaxRequests - len(log),
		ResetIn:   resetIn,
	}, nil
}

// Reset forgets the window of key.
func (m *Memory) Reset(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.windows, key)
}

// evict drops timestamps at or before cutoff. The log is ordered oldest first.
func evict(log []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(log) && !log[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return log
	}
	// copy so the backing array does not grow without bound
	return append([]time.Time(nil), log[i:]...)
}

// prune removes windows whose entries have all expired (must be called with lock held).
func (m *Memory) prune(now time.Time) {
	cutoff := now.Add(-m.config.Window)
	for key, log := range m.windows {
		if len(evict(log, cutoff)) == 0 {
			delete(m.windows, key)
		}
	}
}
