// Package catalog fetches the optional API catalog handed to the data
// sourcer, reduces it to plain text and caches it.
package catalog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"html"
	"log"
	"strings"
	"time"

	"github.com/mohammad-safakhou/dashforge/config"
	"github.com/mohammad-safakhou/dashforge/internal/helpers"
	"github.com/mohammad-safakhou/dashforge/repository"
)

// Catalog serves the catalog at one URL.
type Catalog struct {
	url      string
	ttl      time.Duration
	maxChars int
	client   *HTTPClient
	cache    repository.CatalogCache
	logger   *log.Logger
}

// New builds a catalog source. A nil cache disables caching.
func New(cfg config.CatalogConfig, cache repository.CatalogCache) *Catalog {
	cfg = cfg.Normalize()
	return &Catalog{
		url:      strings.TrimSpace(cfg.URL),
		ttl:      cfg.CacheTTL,
		maxChars: cfg.MaxChars,
		client:   NewHTTPClient(cfg.Timeout, 2, 0),
		cache:    cache,
		logger:   log.New(log.Writer(), "[CATALOG] ", log.LstdFlags),
	}
}

// Fetch returns the catalog text, or "" when no URL is configured. Cache
// errors are logged and otherwise ignored.
func (c *Catalog) Fetch(ctx context.Context) (string, error) {
	if c == nil || c.url == "" {
		return "", nil
	}
	key := cacheKey(c.url)
	if c.cache != nil {
		if text, ok, err := c.cache.Get(ctx, key); err != nil {
			c.logger.Printf("Warning: cache read failed: %v", err)
		} else if ok {
			return text, nil
		}
	}

	body, ctype, err := c.client.Get(ctx, c.url, map[string]string{"Accept": "text/html, application/json, text/plain"})
	if err != nil {
		return "", fmt.Errorf("fetch catalog %s: %w", c.url, err)
	}
	text := helpers.TruncateMiddle(toText(body, ctype), c.maxChars)
	c.logger.Printf("Fetched catalog %s: %d bytes -> %d chars", c.url, len(body), len(text))

	if c.cache != nil && text != "" {
		if err := c.cache.Set(ctx, key, text, c.ttl); err != nil {
			c.logger.Printf("Warning: cache write failed: %v", err)
		}
	}
	return text, nil
}

func cacheKey(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:8])
}

// toText keeps JSON compact, strips markup from HTML and passes anything else
// through.
func toText(body []byte, ctype string) string {
	ctype = strings.ToLower(ctype)
	trimmed := strings.TrimSpace(string(body))
	switch {
	case strings.Contains(ctype, "json") || json.Valid([]byte(trimmed)) && trimmed != "":
		var v interface{}
		if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
			if b, err := json.Marshal(v); err == nil {
				return string(b)
			}
		}
		return trimmed
	case strings.Contains(ctype, "html") || strings.HasPrefix(trimmed, "<"):
		return helpers.CollapseWhitespace(html.UnescapeString(helpers.SanitizeHTMLStrict(trimmed)))
	default:
		return trimmed
	}
}
