package ws

import (
	"time"
)

const (
	// MaxRefreshAttempts bounds how many re-authentication attempts a
	// single connection gets before it is disconnected.
	MaxRefreshAttempts = 3

	// RefreshCooldown is the minimum spacing between attempts.
	// Attempts inside the window are dropped without a response.
	RefreshCooldown = 5 * time.Second
)

// refreshLimiter tracks re-authentication attempts for one
// connection. It is owned by the session goroutine and never shared.
type refreshLimiter struct {
	attempts    int
	lastAttempt time.Time
	cooldown    time.Duration
	max         int
}

func newRefreshLimiter() *refreshLimiter {
	return &refreshLimiter{
		cooldown: RefreshCooldown,
		max:      MaxRefreshAttempts,
	}
}

// onCooldown reports whether an attempt at now falls inside the
// cooldown window after the previous one. Such attempts leave the
// counter untouched.
func (l *refreshLimiter) onCooldown(now time.Time) bool {
	return !l.lastAttempt.IsZero() && now.Sub(l.lastAttempt) < l.cooldown
}

func (l *refreshLimiter) note(now time.Time) {
	l.attempts++
	l.lastAttempt = now
}

// exceeded reports that the attempt budget is spent and the
// connection must be terminated.
func (l *refreshLimiter) exceeded() bool {
	return l.attempts > l.max
}

// exhausted reports that this was the final allowed attempt.
func (l *refreshLimiter) exhausted() bool {
	return l.attempts >= l.max
}

func (l *refreshLimiter) remaining() int {
	if r := l.max - l.attempts; r > 0 {
		return r
	}
	return 0
}

func (l *refreshLimiter) reset() {
	l.attempts = 0
}
