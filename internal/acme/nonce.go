package acme

import (
	"context"
	"net/http"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/shibukawa/acmeclient/internal/acmeerr"
	"github.com/shibukawa/acmeclient/internal/logger"
)

// NoncePool prefetches, caches, and replenishes anti-replay nonces
// (spec.md §4.2). One pool is shared process-wide per directory URL.
type NoncePool struct {
	dirCache *DirectoryCache
	client   *http.Client
	logger   *logger.Logger
	minSize  int

	mu    sync.Mutex
	queue []string

	group singleflight.Group
}

// NewNoncePool creates a pool targeting minSize available nonces.
func NewNoncePool(dirCache *DirectoryCache, client *http.Client, minSize int, log *logger.Logger) *NoncePool {
	if minSize < 1 {
		minSize = 1
	}
	return &NoncePool{
		dirCache: dirCache,
		client:   client,
		minSize:  minSize,
		logger:   log.WithComponent("nonce-pool"),
	}
}

// Acquire returns a single-use nonce, prefetching from the CA if the queue
// is empty and triggering a background top-up if it's running low. Each
// call returns a nonce distinct from every other concurrently-returned one.
func (p *NoncePool) Acquire(ctx context.Context) (string, error) {
	p.mu.Lock()
	if len(p.queue) > 0 {
		nonce := p.queue[0]
		p.queue = p.queue[1:]
		low := len(p.queue) < p.minSize
		p.mu.Unlock()
		if low {
			p.prefetchAsync()
		}
		return nonce, nil
	}
	p.mu.Unlock()

	return p.fetchOne(ctx)
}

// Deposit returns a harvested Replay-Nonce response header to the pool.
func (p *NoncePool) Deposit(nonce string) {
	if nonce == "" {
		return
	}
	p.mu.Lock()
	p.queue = append(p.queue, nonce)
	p.mu.Unlock()
}

// prefetchAsync issues at most one in-flight HEAD request to top up the
// pool; concurrent callers join the in-flight fetch via singleflight so only
// one prefetch is ever outstanding, and its nonce is deposited exactly once.
// It outlives the caller's context so a cancelled caller doesn't cancel the
// fetch for everyone else.
func (p *NoncePool) prefetchAsync() {
	go func() {
		_, err, _ := p.group.Do("prefetch", func() (interface{}, error) {
			nonce, err := p.fetchOne(context.Background())
			if err != nil {
				return nil, err
			}
			p.Deposit(nonce)
			return nil, nil
		})
		if err != nil {
			p.logger.Debug("background nonce prefetch failed", "error", err)
		}
	}()
}

// fetchOne issues a HEAD to the directory's newNonce URL and returns the
// Replay-Nonce header directly, without touching the queue.
func (p *NoncePool) fetchOne(ctx context.Context) (string, error) {
	dir, err := p.dirCache.Fetch(ctx)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, dir.NewNonce, nil)
	if err != nil {
		return "", acmeerr.Transport("failed to build newNonce request").WithUnderlying(err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", acmeerr.Transport("newNonce request failed").WithUnderlying(err)
	}
	defer resp.Body.Close()

	nonce := resp.Header.Get("Replay-Nonce")
	if nonce == "" {
		return "", acmeerr.Protocol("newNonce response missing Replay-Nonce header")
	}
	return nonce, nil
}
