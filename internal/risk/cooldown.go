package risk

import (
	"sync"
	"time"
)

// Cooldown suppresses quoting until resumeAt. It is armed by the risk governor
// (market domain) or the position guard (position domain) and read elsewhere.
type Cooldown struct {
	name string

	mu       sync.RWMutex
	resumeAt time.Time
	reason   string
}

// NewCooldown creates an inactive cooldown
func NewCooldown(name string) *Cooldown {
	return &Cooldown{name: name}
}

// Name returns the cooldown domain
func (c *Cooldown) Name() string {
	return c.name
}

// Arm sets resumeAt to now+d unless an existing cooldown already runs later.
// Non-positive durations are ignored.
func (c *Cooldown) Arm(now time.Time, d time.Duration, reason string) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	if d <= 0 {
		return c.resumeAt
	}
	if until := now.Add(d); until.After(c.resumeAt) {
		c.resumeAt = until
		c.reason = reason
	}
	return c.resumeAt
}

// Active reports whether now is before resumeAt
func (c *Cooldown) Active(now time.Time) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return now.Before(c.resumeAt)
}

// Remaining returns the time left, zero when inactive
func (c *Cooldown) Remaining(now time.Time) time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !now.Before(c.resumeAt) {
		return 0
	}
	return c.resumeAt.Sub(now)
}

// State returns resumeAt and the reason that set it
func (c *Cooldown) State() (time.Time, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.resumeAt, c.reason
}
