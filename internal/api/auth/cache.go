package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"scamwarden/internal/suspension"
)

// DefaultCachePrefix namespaces cached credential fingerprints.
const DefaultCachePrefix = "warden:authkey:"

// DefaultCacheTTL bounds how long a validated credential stays cached.
const DefaultCacheTTL = 5 * time.Minute

// KeyCache remembers validated credentials in Redis so repeated requests
// skip the bcrypt comparison. It shares the RedisClient interface with
// the suspension registry; only credential fingerprints are stored, never
// the credentials themselves.
type KeyCache struct {
	client suspension.RedisClient
	prefix string
	ttl    time.Duration
}

// NewKeyCache creates a credential cache.
func NewKeyCache(client suspension.RedisClient, prefix string, ttl time.Duration) *KeyCache {
	if prefix == "" {
		prefix = DefaultCachePrefix
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &KeyCache{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

// Fingerprint hashes a presented credential for use as a cache key.
func Fingerprint(presented string) string {
	sum := sha256.Sum256([]byte(presented))
	return hex.EncodeToString(sum[:])
}

func (c *KeyCache) key(fingerprint string) string {
	return c.prefix + fingerprint
}

// Get returns the cached role for a fingerprint. Any Redis error is a
// miss; the caller falls back to the bcrypt path.
func (c *KeyCache) Get(ctx context.Context, fingerprint string) (Role, bool) {
	val, err := c.client.Get(ctx, c.key(fingerprint))
	if err != nil {
		return "", false
	}

	role := Role(val)
	if !role.IsValid() {
		return "", false
	}
	return role, true
}

// Put caches a validated fingerprint with its role.
func (c *KeyCache) Put(ctx context.Context, fingerprint string, role Role) error {
	if err := c.client.Set(ctx, c.key(fingerprint), []byte(role), c.ttl); err != nil {
		return fmt.Errorf("cache credential: %w", err)
	}
	return nil
}

// Invalidate drops a cached fingerprint.
func (c *KeyCache) Invalidate(ctx context.Context, fingerprint string) {
	_ = c.client.Delete(ctx, c.key(fingerprint))
}

// Purge drops every cached credential. Call it after rotating keys.
func (c *KeyCache) Purge(ctx context.Context) error {
	keys, err := c.client.ScanKeys(ctx, c.prefix+"*")
	if err != nil {
		return fmt.Errorf("scan cached credentials: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Delete(ctx, keys...); err != nil {
		return fmt.Errorf("purge cached credentials: %w", err)
	}
	return nil
}
