package actor

import (
	"fmt"
	"sync"
	"time"
)

// defaultPerMinute applies to integrations with no configured limit.
const defaultPerMinute = 10

// RateLimiter enforces fixed one-minute windows per integration. A
// call in a new minute resets that window's counters; there is no
// sliding credit. Safe for concurrent use; the pipeline invokes it from
// chat goroutines.
type RateLimiter struct {
	mu     sync.Mutex
	limits map[string]int
	window time.Time
	counts map[string]int
	now    func() time.Time // test seam
}

// NewRateLimiter creates a limiter from per-minute limits keyed by
// integration name. Missing entries fall back to the default.
func NewRateLimiter(limits map[string]int) *RateLimiter {
	return &RateLimiter{
		limits: limits,
		counts: make(map[string]int),
		now:    time.Now,
	}
}

// Allow consumes one call for the integration, or returns an error
// when the current window is exhausted. An empty integration name is
// unlimited.
func (l *RateLimiter) Allow(integration string) error {
	if integration == "" {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	window := l.now().Truncate(time.Minute)
	if !window.Equal(l.window) {
		l.window = window
		l.counts = make(map[string]int)
	}

	limit := l.limits[integration]
	if limit <= 0 {
		limit = defaultPerMinute
	}
	if l.counts[integration] >= limit {
		return fmt.Errorf("rate limit exceeded for %s (%d/min)", integration, limit)
	}
	l.counts[integration]++
	return nil
}

// IntegrationFor maps a tool name to its rate-limited integration.
// Store-backed tools return "" and are not limited.
func IntegrationFor(toolName string) string {
	switch toolName {
	case "get_weather":
		return "weather"
	case "send_email":
		return "email"
	case "create_event":
		return "calendar"
	}
	return ""
}

// Hook adapts the limiter to the pipeline's pre-execution check.
func (l *RateLimiter) Hook() func(toolName string) error {
	return func(toolName string) error {
		return l.Allow(IntegrationFor(toolName))
	}
}
