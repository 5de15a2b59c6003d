package coordinator

import (
	"sync"
	"time"
)

// Cooldowns is the re-entry cooldown registry shared between the coordinator's
// stuck-eviction path and the rotation engine's profit exits, so the engine
// cannot oscillate between two pairs purely by rotation.
type Cooldowns struct {
	mu    sync.Mutex
	until map[string]time.Time
	now   func() time.Time
}

// NewCooldowns creates an empty registry.
func NewCooldowns() *Cooldowns {
	return &Cooldowns{
		until: make(map[string]time.Time),
		now:   time.Now,
	}
}

// Set starts a cooldown for the pair.
func (c *Cooldowns) Set(pair string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.until[pair] = c.now().Add(d)
}

// Active reports whether the pair is still cooling down.
func (c *Cooldowns) Active(pair string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline, ok := c.until[pair]
	if !ok {
		return false
	}
	if c.now().After(deadline) {
		delete(c.until, pair)
		return false
	}
	return true
}
