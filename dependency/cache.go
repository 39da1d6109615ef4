package dependency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/pkg/errors"

	"github.com/jobctl/orchestrator/store"
)

// DefaultCacheTTL is §4.3's "successful resolutions are inserted with
// a TTL (default 3 days)".
const DefaultCacheTTL = 3 * 24 * time.Hour

// Cache fronts the language toolchains with the persistent
// resolution-cache table (store.DependencyCacheEntry).
type Cache struct {
	store *store.Store
	ttl   time.Duration
}

// NewCache builds a Cache with the given TTL, or DefaultCacheTTL if
// ttl <= 0.
func NewCache(s *store.Store, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{store: s, ttl: ttl}
}

// Key hashes (language, normalized requirements) into the cache key,
// §4.3: "a stable hash of the normalized requirements text (and a
// language-version salt)".
func Key(language, languageVersion, normalizedRequirements string) string {
	h := sha256.New()
	h.Write([]byte(language))
	h.Write([]byte{0})
	h.Write([]byte(languageVersion))
	h.Write([]byte{0})
	h.Write([]byte(normalizedRequirements))
	return hex.EncodeToString(h.Sum(nil))
}

// Lookup returns the cached lockfile for key, or ok=false on a miss or
// expired entry.
func (c *Cache) Lookup(ctx context.Context, key string) (lockfile string, ok bool, err error) {
	entry, err := c.store.GetDependencyCache(ctx, key)
	if err != nil {
		return "", false, errors.Wrap(err, "dependency cache lookup")
	}
	if entry == nil {
		return "", false, nil
	}
	return entry.Lockfile, true, nil
}

// Put inserts a freshly resolved lockfile under key.
func (c *Cache) Put(ctx context.Context, key, language, lockfile string) error {
	now := time.Now()
	return errors.Wrap(c.store.PutDependencyCache(ctx, &store.DependencyCacheEntry{
		Key:       key,
		Language:  language,
		Lockfile:  lockfile,
		CreatedAt: now,
		ExpiresAt: now.Add(c.ttl),
	}), "dependency cache put")
}

// Resolve runs r against content/rawDeps, consulting the cache first
// unless noCache is set (§4.3: "A no_cache annotation on the source
// disables both lookup and insert").
func (c *Cache) Resolve(ctx context.Context, r Resolver, languageVersion, content string, rawDeps []string, noCache bool) (string, error) {
	normalized := NormalizeRequirements(rawDeps)
	if normalized == "" {
		normalized = content
	}
	key := Key(r.Language(), languageVersion, normalized)

	if !noCache {
		if lockfile, ok, err := c.Lookup(ctx, key); err != nil {
			return "", err
		} else if ok {
			return lockfile, nil
		}
	}

	lockfile, err := r.CaptureDependency(ctx, content, rawDeps)
	if err != nil {
		return "", errors.Wrap(err, "capture dependency")
	}

	if !noCache {
		if err := c.Put(ctx, key, r.Language(), lockfile); err != nil {
			return "", err
		}
	}
	return lockfile, nil
}
