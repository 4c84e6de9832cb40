// Package logoprefetch wires the logo caching pipeline stage to the
// sandboxed logo store, fetching artwork over HTTP and persisting it
// under a hash of its normalized URL so the same URL is only ever
// downloaded once.
//
// Image format conversion is out of scope here: logos are stored exactly
// as the origin served them, keyed by a hash of their normalized URL.
package logoprefetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/streamgrid/playout/internal/httpclient"
	"github.com/streamgrid/playout/internal/storage"
)

// Cacher downloads and stores logos, implementing logocaching.LogoCacher.
type Cacher struct {
	cache      *storage.LogoCache
	httpClient *httpclient.Client
	logger     *slog.Logger
	concurrency int

	mu    sync.RWMutex
	index map[string]*storage.CachedLogoMetadata // keyed by normalized-URL id
}

// New creates a Cacher backed by the given logo store.
func New(cache *storage.LogoCache, logger *slog.Logger) *Cacher {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := httpclient.DefaultConfig()
	cfg.Logger = logger
	return &Cacher{
		cache:       cache,
		httpClient:  httpclient.New(cfg),
		logger:      logger,
		concurrency: 10,
		index:       make(map[string]*storage.CachedLogoMetadata),
	}
}

// WithConcurrency sets the concurrency hint reported to the stage.
func (c *Cacher) WithConcurrency(n int) *Cacher {
	if n > 0 {
		c.concurrency = n
	}
	return c
}

// Concurrency reports the configured download concurrency.
func (c *Cacher) Concurrency() int {
	return c.concurrency
}

// Contains reports whether a logo URL has already been cached.
func (c *Cacher) Contains(logoURL string) bool {
	id := storage.NewCachedLogoMetadata(logoURL).GetID()
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.index[id]
	return ok
}

// CacheLogo downloads and stores a logo, returning existing metadata if
// the (normalized) URL has already been cached.
func (c *Cacher) CacheLogo(ctx context.Context, logoURL string) (*storage.CachedLogoMetadata, error) {
	meta := storage.NewCachedLogoMetadata(logoURL)

	c.mu.RLock()
	existing, ok := c.index[meta.GetID()]
	c.mu.RUnlock()
	if ok {
		existing.MarkSeen()
		if err := c.cache.TouchMetadata(existing); err != nil {
			c.logger.Warn("failed to touch logo metadata",
				slog.String("url", logoURL),
				slog.String("error", err.Error()))
		}
		return existing, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, logoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating logo request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching logo: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching logo %q: HTTP %d", logoURL, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading logo body: %w", err)
	}

	meta.ContentType = resp.Header.Get("Content-Type")
	meta.FileSize = int64(len(body))

	if err := c.cache.StoreWithMetadata(meta, bytes.NewReader(body)); err != nil {
		return nil, fmt.Errorf("storing logo: %w", err)
	}

	c.mu.Lock()
	c.index[meta.GetID()] = meta
	c.mu.Unlock()

	c.logger.Debug("cached logo",
		slog.String("url", logoURL),
		slog.String("id", meta.GetID()),
		slog.Int("bytes", len(body)))

	return meta, nil
}
