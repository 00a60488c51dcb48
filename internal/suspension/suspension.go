// Package suspension keeps the shared record of active user suspensions in
// Redis so every gateway instance, the ingest health probe and the console
// see the same state. Keys carry the suspension TTL; Redis expiry is the
// source of truth for when a timeout lapses.
package suspension

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// ErrNotFound is returned when a key does not exist or has expired.
var ErrNotFound = errors.New("key not found")

// DefaultKeyPrefix namespaces suspension keys.
const DefaultKeyPrefix = "warden:susp:"

// RedisClient is the slice of Redis the registry and the auth session cache
// need. GoRedisClient implements it against a real server, MockRedisClient
// in memory.
type RedisClient interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, keys ...string) error
	TTL(ctx context.Context, key string) (time.Duration, error)
	ScanKeys(ctx context.Context, pattern string) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

// Registry records active suspensions keyed by guild and user.
type Registry struct {
	client    RedisClient
	keyPrefix string

	suspends uint64
	lifts    uint64
	errors   uint64
}

// NewRegistry creates a suspension registry on the given client.
func NewRegistry(client RedisClient, keyPrefix string) *Registry {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &Registry{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

func (r *Registry) key(guildID, userID string) string {
	return r.keyPrefix + guildID + ":" + userID
}

// Suspend records a suspension that expires after dur. The stored value is
// the verdict id that caused it.
func (r *Registry) Suspend(ctx context.Context, guildID, userID string, dur time.Duration, verdictID string) error {
	if userID == "" {
		return fmt.Errorf("empty user id")
	}
	if dur <= 0 {
		return fmt.Errorf("non-positive suspension duration %s", dur)
	}

	if err := r.client.Set(ctx, r.key(guildID, userID), []byte(verdictID), dur); err != nil {
		atomic.AddUint64(&r.errors, 1)
		return fmt.Errorf("failed to record suspension: %w", err)
	}
	atomic.AddUint64(&r.suspends, 1)
	return nil
}

// IsSuspended reports whether the user currently has an active suspension.
func (r *Registry) IsSuspended(ctx context.Context, guildID, userID string) (bool, error) {
	_, err := r.client.Get(ctx, r.key(guildID, userID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		atomic.AddUint64(&r.errors, 1)
		return false, fmt.Errorf("failed to check suspension: %w", err)
	}
	return true, nil
}

// VerdictID returns the verdict id behind an active suspension.
func (r *Registry) VerdictID(ctx context.Context, guildID, userID string) (string, error) {
	val, err := r.client.Get(ctx, r.key(guildID, userID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", ErrNotFound
		}
		atomic.AddUint64(&r.errors, 1)
		return "", fmt.Errorf("failed to read suspension: %w", err)
	}
	return string(val), nil
}

// TTL returns the remaining suspension time, zero if none is active.
func (r *Registry) TTL(ctx context.Context, guildID, userID string) (time.Duration, error) {
	ttl, err := r.client.TTL(ctx, r.key(guildID, userID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, nil
		}
		atomic.AddUint64(&r.errors, 1)
		return 0, fmt.Errorf("failed to read suspension ttl: %w", err)
	}
	return ttl, nil
}

// Lift removes a suspension before it expires.
func (r *Registry) Lift(ctx context.Context, guildID, userID string) error {
	if err := r.client.Delete(ctx, r.key(guildID, userID)); err != nil {
		atomic.AddUint64(&r.errors, 1)
		return fmt.Errorf("failed to lift suspension: %w", err)
	}
	atomic.AddUint64(&r.lifts, 1)
	return nil
}

// ActiveCount returns how many suspensions are currently active.
func (r *Registry) ActiveCount(ctx context.Context) (int, error) {
	keys, err := r.client.ScanKeys(ctx, r.keyPrefix+"*")
	if err != nil {
		atomic.AddUint64(&r.errors, 1)
		return 0, fmt.Errorf("failed to scan suspensions: %w", err)
	}
	return len(keys), nil
}

// Active lists the guild:user pairs with active suspensions.
func (r *Registry) Active(ctx context.Context) ([]string, error) {
	keys, err := r.client.ScanKeys(ctx, r.keyPrefix+"*")
	if err != nil {
		atomic.AddUint64(&r.errors, 1)
		return nil, fmt.Errorf("failed to scan suspensions: %w", err)
	}
	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = strings.TrimPrefix(k, r.keyPrefix)
	}
	return pairs, nil
}

// Healthy probes the backing Redis.
func (r *Registry) Healthy(ctx context.Context) error {
	return r.client.Ping(ctx)
}

// Stats returns registry counters.
func (r *Registry) Stats() map[string]interface{} {
	return map[string]interface{}{
		"suspends": atomic.LoadUint64(&r.suspends),
		"lifts":    atomic.LoadUint64(&r.lifts),
		"errors":   atomic.LoadUint64(&r.errors),
	}
}

// Close releases the backing client.
func (r *Registry) Close() error {
	return r.client.Close()
}
