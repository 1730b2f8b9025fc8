package execution

import (
	"sort"
	"sync"
	"time"

	"github.com/nexus-trading/pulse/internal/solana"
)

// Cooldowns tracks mints whose sell route was unavailable. Entries expire
// on read.
type Cooldowns struct {
	mu    sync.Mutex
	until map[solana.Pubkey]time.Time
	now   func() time.Time
}

// NewCooldowns creates an empty registry.
func NewCooldowns() *Cooldowns {
	return &Cooldowns{
		until: make(map[solana.Pubkey]time.Time),
		now:   time.Now,
	}
}

// SetClock replaces the time source (tests).
func (c *Cooldowns) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Arm blocks mint for d. An existing later expiry is kept.
func (c *Cooldowns) Arm(mint solana.Pubkey, d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	until := c.now().Add(d)
	if cur, ok := c.until[mint]; ok && cur.After(until) {
		return cur
	}
	c.until[mint] = until
	return until
}

// Until returns the expiry for mint if it is still cooling down.
func (c *Cooldowns) Until(mint solana.Pubkey) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.until[mint]
	if !ok {
		return time.Time{}, false
	}
	if !c.now().Before(until) {
		delete(c.until, mint)
		return time.Time{}, false
	}
	return until, true
}

// Clear lifts the cooldown for mint.
func (c *Cooldowns) Clear(mint solana.Pubkey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.until, mint)
}

// Active returns the live cooldowns.
func (c *Cooldowns) Active() map[solana.Pubkey]time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	out := make(map[solana.Pubkey]time.Time, len(c.until))
	for m, t := range c.until {
		if now.Before(t) {
			out[m] = t
		} else {
			delete(c.until, m)
		}
	}
	return out
}

// Restore loads persisted expiries, dropping those already past.
func (c *Cooldowns) Restore(entries map[solana.Pubkey]time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for m, t := range entries {
		if now.Before(t) {
			c.until[m] = t
		}
	}
}

// Mints returns the cooling mints in sorted order.
func (c *Cooldowns) Mints() []solana.Pubkey {
	active := c.Active()
	out := make([]solana.Pubkey, 0, len(active))
	for m := range active {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
