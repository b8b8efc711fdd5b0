// Package tokencache implements the Token Cache (C7) from spec.md §4.5:
// a TTL cache over upload tokens, keyed by (schema_slug, mapping_name),
// backed by a single JSON document and a 300-second expiry safety buffer,
// grounded on original_source/sync/token_cache.py's CachedToken/TokenCache
// and a tempfile-then-rename atomic-rewrite idiom.
package tokencache

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/datasnap-cloud/bridge-agent/internal/clock"
)

const safetyBufferSeconds = 300

// Token is a cached upload token, matching spec.md §3's UploadToken.
type Token struct {
	TokenID    string         `json:"token_id"`
	UploadURL  string         `json:"upload_url"`
	SchemaSlug string         `json:"schema_slug"`
	Mapping    string         `json:"mapping_name"`
	ExpiresAt  time.Time      `json:"expires_at"`
	CreatedAt  time.Time      `json:"created_at"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// IsExpired reports whether the token is within the safety buffer of its
// expiry, given now.
func (t Token) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt.Add(-safetyBufferSeconds * time.Second))
}

// IsValid reports whether the token is unexpired and well-formed.
func (t Token) IsValid(now time.Time) bool {
	return !t.IsExpired(now) && t.TokenID != "" && t.UploadURL != ""
}

// Cache is the TTL token cache: get/store/invalidate/cleanup_expired/clear
// over a single on-disk JSON document, guarded by one mutex.
type Cache struct {
	mu     sync.Mutex
	path   string
	clock  clock.Clock
	tokens map[string]Token
	loaded bool
}

// New constructs a Cache backed by path (normally
// <cache_dir>/upload_tokens.json).
func New(path string, c clock.Clock) *Cache {
	return &Cache{path: path, clock: c, tokens: make(map[string]Token)}
}

func cacheKey(schemaSlug, mappingName string) string {
	return schemaSlug + ":" + mappingName
}

func (c *Cache) ensureLoadedLocked() error {
	if c.loaded {
		return nil
	}
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			c.loaded = true
			return nil
		}
		return fmt.Errorf("tokencache: read %s: %w", c.path, err)
	}
	if len(data) == 0 {
		c.loaded = true
		return nil
	}
	var tokens map[string]Token
	if err := json.Unmarshal(data, &tokens); err != nil {
		return fmt.Errorf("tokencache: decode %s: %w", c.path, err)
	}
	c.tokens = tokens
	c.loaded = true
	return nil
}

func (c *Cache) persistLocked() error {
	data, err := json.MarshalIndent(c.tokens, "", "  ")
	if err != nil {
		return fmt.Errorf("tokencache: encode: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o700); err != nil {
		return fmt.Errorf("tokencache: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(c.path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("tokencache: create tempfile: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("tokencache: write tempfile: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("tokencache: chmod tempfile: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("tokencache: close tempfile: %w", err)
	}
	return os.Rename(tmpName, c.path)
}

// Get returns the cached token for (schemaSlug, mappingName) if present
// and valid, or ok=false otherwise. An expired entry is treated as a
// miss and evicted (and the removal persisted) before returning.
func (c *Cache) Get(schemaSlug, mappingName string) (Token, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureLoadedLocked(); err != nil {
		return Token{}, false, err
	}
	key := cacheKey(schemaSlug, mappingName)
	tok, ok := c.tokens[key]
	if !ok {
		return Token{}, false, nil
	}
	if !tok.IsValid(c.clock.Now()) {
		delete(c.tokens, key)
		if err := c.persistLocked(); err != nil {
			return Token{}, false, err
		}
		return Token{}, false, nil
	}
	return tok, true, nil
}

// Store writes tok into the cache under (schemaSlug, mappingName) and
// persists the document.
func (c *Cache) Store(schemaSlug, mappingName string, tok Token) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureLoadedLocked(); err != nil {
		return err
	}
	c.tokens[cacheKey(schemaSlug, mappingName)] = tok
	return c.persistLocked()
}

// Invalidate evicts a single entry, used on 401/403 from the upload API.
func (c *Cache) Invalidate(schemaSlug, mappingName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureLoadedLocked(); err != nil {
		return err
	}
	delete(c.tokens, cacheKey(schemaSlug, mappingName))
	return c.persistLocked()
}

// CleanupExpired removes every entry whose token is expired as of now,
// returning the number evicted.
func (c *Cache) CleanupExpired() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureLoadedLocked(); err != nil {
		return 0, err
	}
	now := c.clock.Now()
	var evicted int
	for key, tok := range c.tokens {
		if tok.IsExpired(now) {
			delete(c.tokens, key)
			evicted++
		}
	}
	if evicted > 0 {
		if err := c.persistLocked(); err != nil {
			return 0, err
		}
	}
	return evicted, nil
}

// Clear empties the cache entirely.
func (c *Cache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens = make(map[string]Token)
	c.loaded = true
	return c.persistLocked()
}
