package acme

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/shibukawa/acmeclient/internal/acmeerr"
	"github.com/shibukawa/acmeclient/internal/logger"
)

// DirectoryCache fetches and memoizes the CA's directory document
// (spec.md §4.1). Safe for concurrent readers; Invalidate is a write.
type DirectoryCache struct {
	url    string
	client *http.Client
	logger *logger.Logger

	mu    sync.RWMutex
	cache *Directory
}

// NewDirectoryCache creates a cache for the CA directory at url.
func NewDirectoryCache(url string, client *http.Client, log *logger.Logger) *DirectoryCache {
	return &DirectoryCache{
		url:    url,
		client: client,
		logger: log.WithComponent("directory-cache"),
	}
}

// Fetch returns the cached Directory, populating it with a GET on first use.
func (d *DirectoryCache) Fetch(ctx context.Context) (*Directory, error) {
	d.mu.RLock()
	if d.cache != nil {
		cached := d.cache
		d.mu.RUnlock()
		return cached, nil
	}
	d.mu.RUnlock()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cache != nil {
		return d.cache, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.url, nil)
	if err != nil {
		return nil, acmeerr.Transport("failed to build directory request").WithUnderlying(err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, acmeerr.Transport("directory request failed").WithUnderlying(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, acmeerr.Protocol("unexpected directory response status").WithContext("status", resp.StatusCode)
	}

	var dir Directory
	if err := json.NewDecoder(resp.Body).Decode(&dir); err != nil {
		return nil, acmeerr.Protocol("malformed directory document").WithUnderlying(err)
	}

	d.cache = &dir
	d.logger.Debug("directory cached", "new_nonce", dir.NewNonce, "new_order", dir.NewOrder)
	return &dir, nil
}

// Invalidate clears the cached directory, forcing the next Fetch to re-GET it.
func (d *DirectoryCache) Invalidate() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cache = nil
}
