// Package cache memoizes the engine's derived values: user coefficients
// (TTL-bounded) and per-content effective-share sets (epoch-keyed, no TTL).
//
// Share entries are keyed by the global coefficient epoch — the maximum
// coefficientUpdatedAt across all users — so any coefficient change
// invalidates every share entry implicitly: the key stops matching. No
// sweep is required for correctness; Invalidate just reclaims memory and
// resets the coefficient entries.
package cache

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cointent/dividend-engine/internal/model"
)

// Clock abstracts wall-clock reads so TTL behavior is testable with a
// fake clock.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// DefaultCoefficientTTL bounds how stale a cached coefficient read may be.
const DefaultCoefficientTTL = 60 * time.Second

type coefficientEntry struct {
	coefficient decimal.Decimal
	computedAt  time.Time
}

// Cache is the in-process derived-value cache. It is owned by the service
// instance, not process-wide, and all methods are safe for concurrent use.
type Cache struct {
	mu           sync.RWMutex
	clock        Clock
	ttl          time.Duration
	coefficients map[string]coefficientEntry
	shares       map[string][]model.EffectiveShare
}

// New creates a cache with the given clock and coefficient TTL.
func New(clock Clock, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCoefficientTTL
	}
	return &Cache{
		clock:        clock,
		ttl:          ttl,
		coefficients: make(map[string]coefficientEntry),
		shares:       make(map[string][]model.EffectiveShare),
	}
}

// Coefficient returns the cached coefficient for a user if present and
// younger than the TTL.
func (c *Cache) Coefficient(username string) (decimal.Decimal, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.coefficients[username]
	if !ok {
		return decimal.Decimal{}, false
	}
	if c.clock.Now().Sub(entry.computedAt) >= c.ttl {
		return decimal.Decimal{}, false
	}
	return entry.coefficient, true
}

// SetCoefficient stores a user's coefficient with the current timestamp.
func (c *Cache) SetCoefficient(username string, coefficient decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.coefficients[username] = coefficientEntry{
		coefficient: coefficient,
		computedAt:  c.clock.Now(),
	}
}

// Shares returns the cached effective-share set for a content at the given
// coefficient epoch. Entries never expire by time: a stale epoch simply
// never gets asked for again.
func (c *Cache) Shares(contentID string, epoch time.Time) ([]model.EffectiveShare, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.shares[shareKey(contentID, epoch)]
	if !ok {
		return nil, false
	}
	result := make([]model.EffectiveShare, len(entry))
	copy(result, entry)
	return result, true
}

// SetShares stores a content's effective-share set under the epoch key.
func (c *Cache) SetShares(contentID string, epoch time.Time, shares []model.EffectiveShare) {
	entry := make([]model.EffectiveShare, len(shares))
	copy(entry, shares)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.shares[shareKey(contentID, epoch)] = entry
}

// Invalidate clears both caches entirely. Idempotent: calling it on empty
// caches is a no-op.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.coefficients = make(map[string]coefficientEntry)
	c.shares = make(map[string][]model.EffectiveShare)
}

// InvalidateUser removes one user's coefficient entry plus any share entry
// whose key references the username. Keys are deterministic
// "shares_{contentID}_{epochMillis}" strings, so the substring match is
// exact enough; epoch keying already guarantees correctness regardless.
func (c *Cache) InvalidateUser(username string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.coefficients, username)
	for key := range c.shares {
		if strings.Contains(key, username) {
			delete(c.shares, key)
		}
	}
}

// Len reports the number of cached coefficient and share entries.
func (c *Cache) Len() (coefficients, shares int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.coefficients), len(c.shares)
}

func shareKey(contentID string, epoch time.Time) string {
	return fmt.Sprintf("shares_%s_%d", contentID, epoch.UnixMilli())
}
