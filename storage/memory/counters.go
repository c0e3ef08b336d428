package memory

import (
	"context"
	"time"
)

// counterWindow is a single fixed-window counter.
type counterWindow struct {
	count   int64
	resetAt time.Time
}

// Increment implements storage.Counters with process-local state. The first
// increment of a key opens a window; the count resets when the window ends.
// Process-local counters under-enforce the limit across multiple instances;
// use the valkey implementation for horizontally scaled deployments.
func (s *Store) Increment(_ context.Context, key string, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	win, ok := s.counters[key]
	if !ok || now.After(win.resetAt) {
		win = &counterWindow{resetAt: now.Add(window)}
		s.counters[key] = win
	}
	win.count++
	return win.count, nil
}
