package security

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/averlane/oauth/storage"
)

// FixedWindowLimiter enforces a request cap per key over a fixed window,
// backed by a storage.Counters implementation so the count can be shared
// across server instances. It guards every OAuth endpoint ahead of all other
// logic: a rejected request learns nothing about clients, codes, or tokens.
type FixedWindowLimiter struct {
	counters storage.Counters
	limit    int64
	window   time.Duration
	logger   *slog.Logger
}

// NewFixedWindowLimiter creates a limiter allowing limit requests per key
// per window.
func NewFixedWindowLimiter(counters storage.Counters, limit int, window time.Duration, logger *slog.Logger) *FixedWindowLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &FixedWindowLimiter{
		counters: counters,
		limit:    int64(limit),
		window:   window,
		logger:   logger,
	}
}

// Allow reports whether a request under the given key fits in the current
// window. When the counter backend fails the request is allowed: the
// limiter protects against abuse, and failing closed would turn a counter
// outage into a full authorization outage.
func (l *FixedWindowLimiter) Allow(ctx context.Context, key string) bool {
	count, err := l.counters.Increment(ctx, key, l.window)
	if err != nil {
		l.logger.Warn("Rate limit counter unavailable, allowing request", "error", err)
		return true
	}
	return count <= l.limit
}

// EventLimiter is a per-identifier token-bucket limiter with LRU eviction,
// used to throttle security-event log emission so an attacker replaying
// stolen tokens cannot flood the logs. Not used for request limiting; the
// request path uses FixedWindowLimiter.
type EventLimiter struct {
	mu         sync.Mutex
	limiters   map[string]*list.Element
	lruList    *list.List
	rate       rate.Limit
	burst      int
	maxEntries int
}

type eventLimiterEntry struct {
	identifier string
	limiter    *rate.Limiter
}

// NewEventLimiter creates an event limiter allowing eventsPerSecond with the
// given burst, tracking at most maxEntries identifiers.
func NewEventLimiter(eventsPerSecond float64, burst, maxEntries int) *EventLimiter {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	return &EventLimiter{
		limiters:   make(map[string]*list.Element),
		lruList:    list.New(),
		rate:       rate.Limit(eventsPerSecond),
		burst:      burst,
		maxEntries: maxEntries,
	}
}

// Allow reports whether an event for the identifier may be logged.
func (l *EventLimiter) Allow(identifier string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if elem, ok := l.limiters[identifier]; ok {
		l.lruList.MoveToFront(elem)
		return elem.Value.(*eventLimiterEntry).limiter.Allow()
	}

	if len(l.limiters) >= l.maxEntries {
		if back := l.lruList.Back(); back != nil {
			delete(l.limiters, back.Value.(*eventLimiterEntry).identifier)
			l.lruList.Remove(back)
		}
	}

	entry := &eventLimiterEntry{
		identifier: identifier,
		limiter:    rate.NewLimiter(l.rate, l.burst),
	}
	l.limiters[identifier] = l.lruList.PushFront(entry)
	return entry.limiter.Allow()
}
