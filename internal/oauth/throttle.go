package oauth

import (
	"time"

	"github.com/patrickmn/go-cache"
)

// Throttle counts failed logins per username. The window starts with the
// first failure and is not extended by later ones.
type Throttle struct {
	failures    *cache.Cache
	maxFailures int
	window      time.Duration
}

// NewThrottle returns a throttle; maxFailures <= 0 disables it.
func NewThrottle(maxFailures int, window time.Duration) *Throttle {
	return &Throttle{
		failures:    cache.New(window, 2*window),
		maxFailures: maxFailures,
		window:      window,
	}
}

// Blocked reports whether username exhausted its attempts.
func (t *Throttle) Blocked(username string) bool {
	if t.maxFailures <= 0 {
		return false
	}

	n, ok := t.failures.Get(username)
	return ok && n.(int) >= t.maxFailures
}

// Fail records a failed attempt for username.
func (t *Throttle) Fail(username string) {
	if t.maxFailures <= 0 {
		return
	}

	if err := t.failures.Add(username, 1, t.window); err != nil {
		_, _ = t.failures.IncrementInt(username, 1)
	}
}

// Reset forgets the failures of username.
func (t *Throttle) Reset(username string) {
	t.failures.Delete(username)
}
