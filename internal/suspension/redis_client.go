package suspension

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis connection.
type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	TLSEnabled   bool
}

// GoRedisClient wraps the go-redis client to implement the RedisClient
// interface.
type GoRedisClient struct {
	client *redis.Client
}

// NewGoRedisClient creates a new Redis client from configuration and
// verifies connectivity.
func NewGoRedisClient(cfg RedisConfig) (*GoRedisClient, error) {
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
	}

	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &GoRedisClient{client: client}, nil
}

// Set stores a value with TTL.
func (g *GoRedisClient) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return g.client.Set(ctx, key, value, ttl).Err()
}

// Get retrieves a value.
func (g *GoRedisClient) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := g.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return []byte(val), nil
}

// Delete removes one or more keys.
func (g *GoRedisClient) Delete(ctx context.Context, keys ...string) error {
	return g.client.Del(ctx, keys...).Err()
}

// TTL returns the remaining lifetime of a key. Keys without an expiry and
// missing keys report ErrNotFound; suspension keys are always SET with EX.
func (g *GoRedisClient) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := g.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, ErrNotFound
	}
	return d, nil
}

// ScanKeys returns all keys matching the pattern using cursor iteration.
func (g *GoRedisClient) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := g.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

// Ping probes the server.
func (g *GoRedisClient) Ping(ctx context.Context) error {
	return g.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (g *GoRedisClient) Close() error {
	return g.client.Close()
}

// MockRedisClient is an in-memory implementation for testing.
type MockRedisClient struct {
	data   map[string][]byte
	expiry map[string]time.Time
	mu     sync.RWMutex
	closed bool
}

// NewMockRedisClient creates a new mock Redis client for testing.
func NewMockRedisClient() *MockRedisClient {
	return &MockRedisClient{
		data:   make(map[string][]byte),
		expiry: make(map[string]time.Time),
	}
}

func (m *MockRedisClient) expiredLocked(key string) bool {
	exp, ok := m.expiry[key]
	return ok && time.Now().After(exp)
}

// Set stores a value with TTL.
func (m *MockRedisClient) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errors.New("client closed")
	}

	m.data[key] = value
	if ttl > 0 {
		m.expiry[key] = time.Now().Add(ttl)
	} else {
		delete(m.expiry, key)
	}
	return nil
}

// Get retrieves a value.
func (m *MockRedisClient) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, errors.New("client closed")
	}

	if m.expiredLocked(key) {
		return nil, ErrNotFound
	}
	val, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return val, nil
}

// Delete removes keys.
func (m *MockRedisClient) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errors.New("client closed")
	}

	for _, key := range keys {
		delete(m.data, key)
		delete(m.expiry, key)
	}
	return nil
}

// TTL returns the remaining lifetime of a key.
func (m *MockRedisClient) TTL(_ context.Context, key string) (time.Duration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, errors.New("client closed")
	}

	if m.expiredLocked(key) {
		return 0, ErrNotFound
	}
	if _, ok := m.data[key]; !ok {
		return 0, ErrNotFound
	}
	exp, ok := m.expiry[key]
	if !ok {
		return 0, ErrNotFound
	}
	return time.Until(exp), nil
}

// ScanKeys returns all live keys matching a trailing-wildcard pattern.
func (m *MockRedisClient) ScanKeys(_ context.Context, pattern string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, errors.New("client closed")
	}

	prefix := strings.TrimSuffix(pattern, "*")
	var keys []string
	for key := range m.data {
		if strings.HasPrefix(key, prefix) && !m.expiredLocked(key) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Ping reports whether the mock is still open.
func (m *MockRedisClient) Ping(_ context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return errors.New("client closed")
	}
	return nil
}

// Close marks the client as closed.
func (m *MockRedisClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
