// Package websearch implements the web_fetch and web_search tools:
// readable-text extraction over HTTP with a same-host-only redirect policy,
// and a DuckDuckGo HTML search provider with a small TTL cache.
package websearch

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Config controls the network tools.
type Config struct {
	UserAgent       string
	Timeout         time.Duration
	MaxFetchBytes   int64
	MaxContentChars int
	CacheTTL        time.Duration

	// Disabled blocks all network tools (CLAUDE_NO_NETWORK).
	Disabled bool
	// AllowedDomains restricts fetches to the listed hosts and their
	// subdomains when non-empty (NETWORK_RESTRICTED).
	AllowedDomains []string
}

func (c Config) sanitized() Config {
	if c.UserAgent == "" {
		c.UserAgent = "Mozilla/5.0 (compatible; tacit/1.0)"
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxFetchBytes <= 0 {
		c.MaxFetchBytes = 1 << 20
	}
	if c.MaxContentChars <= 0 {
		c.MaxContentChars = 30000
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 15 * time.Minute
	}
	return c
}

// checkURL validates scheme and applies the domain policy.
func (c Config) checkURL(raw string) (*url.URL, error) {
	if c.Disabled {
		return nil, fmt.Errorf("network access is disabled")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q; only http and https are allowed", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("url has no host")
	}
	if len(c.AllowedDomains) > 0 && !domainAllowed(u.Hostname(), c.AllowedDomains) {
		return nil, fmt.Errorf("domain %q is not in the allowed list", u.Hostname())
	}
	return u, nil
}

// domainAllowed matches a host against the allowlist, accepting exact
// matches and subdomains.
func domainAllowed(host string, allowed []string) bool {
	host = strings.ToLower(host)
	for _, d := range allowed {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" {
			continue
		}
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

var htmlTagRe = regexp.MustCompile(`<[^>]+>`)

// stripTags is the fallback when readability extraction fails.
func stripTags(html string) string {
	text := htmlTagRe.ReplaceAllString(html, " ")
	return strings.Join(strings.Fields(text), " ")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n... (truncated)"
}

// ttlCache is a small in-memory cache for search responses.
type ttlCache struct {
	mu         sync.Mutex
	entries    map[string]cacheEntry
	ttl        time.Duration
	maxEntries int
}

type cacheEntry struct {
	value   string
	expires time.Time
}

func newTTLCache(maxEntries int, ttl time.Duration) *ttlCache {
	return &ttlCache{
		entries:    make(map[string]cacheEntry),
		ttl:        ttl,
		maxEntries: maxEntries,
	}
}

func (c *ttlCache) get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || time.Now().After(e.expires) {
		delete(c.entries, key)
		return "", false
	}
	return e.value, true
}

func (c *ttlCache) set(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.maxEntries {
		// Evict expired entries first; if none, drop an arbitrary one.
		now := time.Now()
		evicted := false
		for k, e := range c.entries {
			if now.After(e.expires) {
				delete(c.entries, k)
				evicted = true
			}
		}
		if !evicted {
			for k := range c.entries {
				delete(c.entries, k)
				break
			}
		}
	}
	c.entries[key] = cacheEntry{value: value, expires: time.Now().Add(c.ttl)}
}
