// Package auth guards the gateway's ops endpoints with API keys.
//
// A key is presented as "<key-id>.<secret>". Only the bcrypt hash of the
// secret is configured on the server; validated credentials are cached in
// Redis by fingerprint so the bcrypt comparison runs once per cache TTL,
// not once per request.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// HashCost is the bcrypt cost used for new key hashes.
const HashCost = 12

// DefaultHeader carries the API key.
const DefaultHeader = "X-API-Key"

var (
	// ErrMissingKey is returned when no credential was presented.
	ErrMissingKey = errors.New("auth: no API key presented")

	// ErrInvalidKey is returned when the credential does not verify.
	ErrInvalidKey = errors.New("auth: invalid API key")

	// ErrForbidden is returned when the key's role does not permit the
	// operation.
	ErrForbidden = errors.New("auth: insufficient role")
)

// Role classifies what a key may do.
type Role string

const (
	// RoleReader may read cases, policies and stats.
	RoleReader Role = "reader"

	// RoleOperator may additionally mutate policies and action cases.
	RoleOperator Role = "operator"
)

// IsValid reports whether the role is a known one.
func (r Role) IsValid() bool {
	return r == RoleReader || r == RoleOperator
}

// Allows reports whether a key with this role may act at the required
// level. Operators can do everything readers can.
func (r Role) Allows(required Role) bool {
	if r == RoleOperator {
		return true
	}
	return r == required
}

// Key is one configured API key.
type Key struct {
	ID   string
	Hash string
	Role Role
}

// Principal identifies the validated caller of a request.
type Principal struct {
	KeyID string `json:"key_id"`
	Role  Role   `json:"role"`
}

type contextKey string

const principalContextKey contextKey = "auth.principal"

// Config holds authenticator settings.
type Config struct {
	// Header is the request header carrying the key.
	Header string

	// Keys are the accepted credentials.
	Keys []Key

	// CacheTTL bounds how long a validated credential stays cached.
	CacheTTL time.Duration
}

// Keyring holds the configured keys.
type Keyring struct {
	keys []Key
}

// NewKeyring validates the configured keys.
func NewKeyring(keys []Key) (*Keyring, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("no API keys configured")
	}

	seen := make(map[string]bool, len(keys))
	for i, k := range keys {
		if k.ID == "" {
			return nil, fmt.Errorf("key %d: id is required", i)
		}
		if seen[k.ID] {
			return nil, fmt.Errorf("key %d: duplicate id %q", i, k.ID)
		}
		seen[k.ID] = true

		if !strings.HasPrefix(k.Hash, "$2") {
			return nil, fmt.Errorf("key %q: hash is not a bcrypt hash", k.ID)
		}
		if !k.Role.IsValid() {
			return nil, fmt.Errorf("key %q: unknown role %q", k.ID, k.Role)
		}
	}

	return &Keyring{keys: keys}, nil
}

// lookup finds a key by id. The scan always visits every entry.
func (kr *Keyring) lookup(id string) (Key, bool) {
	var found Key
	var match int
	for _, k := range kr.keys {
		eq := subtle.ConstantTimeCompare([]byte(k.ID), []byte(id))
		if eq == 1 && match == 0 {
			found = k
			match = 1
		}
	}
	return found, match == 1
}

// Authenticator validates API keys and enforces roles.
type Authenticator struct {
	keyring *Keyring
	cache   *KeyCache
	header  string
	logger  *slog.Logger

	authorized   uint64
	unauthorized uint64
	forbidden    uint64
	cacheHits    uint64
}

// New creates an Authenticator. The cache is optional; without it every
// request pays the full bcrypt comparison.
func New(config Config, cache *KeyCache, logger *slog.Logger) (*Authenticator, error) {
	keyring, err := NewKeyring(config.Keys)
	if err != nil {
		return nil, fmt.Errorf("invalid auth config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	header := config.Header
	if header == "" {
		header = DefaultHeader
	}

	if cache != nil && config.CacheTTL > 0 {
		cache.ttl = config.CacheTTL
	}

	return &Authenticator{
		keyring: keyring,
		cache:   cache,
		header:  header,
		logger:  logger,
	}, nil
}

// Authenticate validates a presented "<key-id>.<secret>" credential.
func (a *Authenticator) Authenticate(ctx context.Context, presented string) (*Principal, error) {
	if presented == "" {
		atomic.AddUint64(&a.unauthorized, 1)
		return nil, ErrMissingKey
	}

	id, secret, ok := strings.Cut(presented, ".")
	if !ok || id == "" || secret == "" {
		atomic.AddUint64(&a.unauthorized, 1)
		return nil, ErrInvalidKey
	}

	key, found := a.keyring.lookup(id)

	if a.cache != nil {
		if role, hit := a.cache.Get(ctx, Fingerprint(presented)); hit {
			if found && role == key.Role {
				atomic.AddUint64(&a.cacheHits, 1)
				atomic.AddUint64(&a.authorized, 1)
				return &Principal{KeyID: id, Role: role}, nil
			}
			// The key was rotated or removed; the stale entry must go.
			a.cache.Invalidate(ctx, Fingerprint(presented))
		}
	}

	if !found {
		// Burn a comparison so unknown ids cost the same as bad secrets.
		_ = bcrypt.CompareHashAndPassword(burnHash, []byte(secret))
		atomic.AddUint64(&a.unauthorized, 1)
		return nil, ErrInvalidKey
	}

	if err := bcrypt.CompareHashAndPassword([]byte(key.Hash), []byte(secret)); err != nil {
		atomic.AddUint64(&a.unauthorized, 1)
		return nil, ErrInvalidKey
	}

	if a.cache != nil {
		if err := a.cache.Put(ctx, Fingerprint(presented), key.Role); err != nil {
			a.logger.Debug("auth cache write failed", "key_id", id, "error", err)
		}
	}

	atomic.AddUint64(&a.authorized, 1)
	return &Principal{KeyID: id, Role: key.Role}, nil
}

// burnHash is compared against when the key id is unknown, keeping the
// failure path's timing independent of id validity.
var burnHash = func() []byte {
	h, err := bcrypt.GenerateFromPassword([]byte("scamwarden-burn"), bcrypt.MinCost)
	if err != nil {
		panic(err)
	}
	return h
}()

// Middleware authenticates every request and stores the principal in the
// request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := a.Authenticate(r.Context(), a.extractKey(r))
		if err != nil {
			writeAuthError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		ctx := context.WithValue(r.Context(), principalContextKey, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole returns a middleware rejecting principals below the
// required role. It must run inside Middleware.
func (a *Authenticator) RequireRole(required Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := PrincipalFrom(r.Context())
			if !ok {
				atomic.AddUint64(&a.unauthorized, 1)
				writeAuthError(w, http.StatusUnauthorized, "unauthorized")
				return
			}

			if !principal.Role.Allows(required) {
				atomic.AddUint64(&a.forbidden, 1)
				a.logger.Warn("request forbidden",
					"key_id", principal.KeyID,
					"role", principal.Role,
					"required", required,
					"path", r.URL.Path,
				)
				writeAuthError(w, http.StatusForbidden, "forbidden")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// PrincipalFrom returns the authenticated principal of the request.
func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	principal, ok := ctx.Value(principalContextKey).(*Principal)
	return principal, ok
}

// Metrics returns a snapshot of the authenticator counters.
func (a *Authenticator) Metrics() map[string]uint64 {
	return map[string]uint64{
		"authorized":   atomic.LoadUint64(&a.authorized),
		"unauthorized": atomic.LoadUint64(&a.unauthorized),
		"forbidden":    atomic.LoadUint64(&a.forbidden),
		"cache_hits":   atomic.LoadUint64(&a.cacheHits),
	}
}

// extractKey pulls the credential from the configured header, falling
// back to a bearer token.
func (a *Authenticator) extractKey(r *http.Request) string {
	if key := r.Header.Get(a.header); key != "" {
		return key
	}
	if bearer := r.Header.Get("Authorization"); strings.HasPrefix(bearer, "Bearer ") {
		return strings.TrimPrefix(bearer, "Bearer ")
	}
	return ""
}

// writeAuthError writes a JSON auth failure.
func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error":  message,
		"status": status,
	})
}

// HashKey hashes a key secret for configuration.
func HashKey(secret string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("secret is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), HashCost)
	if err != nil {
		return "", fmt.Errorf("hash key: %w", err)
	}
	return string(hash), nil
}

// GenerateSecret returns a new random key secret.
func GenerateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
