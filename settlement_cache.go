package x402

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// SettlementCache provides idempotency for settle operations: successful
// responses are cached for a TTL and concurrent requests for the same
// payment wait on the in-flight attempt instead of submitting a duplicate
// transaction.
type SettlementCache struct {
	mu       sync.Mutex
	entries  map[string]settlementEntry
	inFlight map[string]chan struct{}
	ttl      time.Duration
}

type settlementEntry struct {
	response  *SettleResponse
	expiresAt time.Time
}

// NewSettlementCache creates a settlement cache with the given result TTL
func NewSettlementCache(ttl time.Duration) *SettlementCache {
	return &SettlementCache{
		entries:  make(map[string]settlementEntry),
		inFlight: make(map[string]chan struct{}),
		ttl:      ttl,
	}
}

// SettlementKey derives a cache key from payment payload bytes. The payload
// contains the authorization signature and nonce, so the hash is unique per
// payment attempt.
func SettlementKey(payloadBytes []byte) string {
	hash := sha256.Sum256(payloadBytes)
	return hex.EncodeToString(hash[:])
}

// SettlementStatus is the result of checking the cache
type SettlementStatus int

const (
	// StatusNotFound means no cached result and no in-flight request
	StatusNotFound SettlementStatus = iota
	// StatusCached means a cached result was found
	StatusCached
	// StatusInFlight means another request is currently processing this settlement
	StatusInFlight
)

// CheckAndMark atomically checks the cache and, when the key is unknown,
// marks it in-flight. The returned channel is the wait channel for
// StatusInFlight, or the done channel the caller must complete/fail for
// StatusNotFound.
func (c *SettlementCache) CheckAndMark(key string) (SettlementStatus, *SettleResponse, chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, exists := c.entries[key]; exists {
		if time.Now().Before(entry.expiresAt) {
			return StatusCached, entry.response, nil
		}
		delete(c.entries, key)
	}

	if done, exists := c.inFlight[key]; exists {
		return StatusInFlight, nil, done
	}

	done := make(chan struct{})
	c.inFlight[key] = done
	return StatusNotFound, nil, done
}

// WaitForResult blocks until the in-flight request completes or the context
// is cancelled, then returns the cached result if one was stored.
func (c *SettlementCache) WaitForResult(ctx context.Context, key string, done chan struct{}) (*SettleResponse, error) {
	select {
	case <-done:
		return c.Get(key), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Get returns the cached settlement response for key, or nil
func (c *SettlementCache) Get(key string) *SettleResponse {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.entries[key]
	if !exists {
		return nil
	}
	if time.Now().After(entry.expiresAt) {
		delete(c.entries, key)
		return nil
	}
	return entry.response
}

// Complete caches the response, clears the in-flight marker and wakes waiters
func (c *SettlementCache) Complete(key string, response *SettleResponse, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = settlementEntry{response: response, expiresAt: time.Now().Add(c.ttl)}
	delete(c.inFlight, key)
	close(done)

	now := time.Now()
	for k, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, k)
		}
	}
}

// Fail clears the in-flight marker without caching, so the settlement can
// be retried. Waiters observe a nil result.
func (c *SettlementCache) Fail(key string, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.inFlight, key)
	close(done)
}
