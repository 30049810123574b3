package acme

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/shibukawa/acmeclient/internal/logger"
)

// newNonceTestServer builds a server that serves a directory document at "/"
// and issues fresh Replay-Nonce headers from "/new-nonce". The server
// needs to know its own URL to build the directory links, so it is created
// unstarted and records its URL right after Start, before any request.
func newNonceTestServer(t *testing.T) (*httptest.Server, *int32) {
	t.Helper()
	var counter int32
	var selfURL string
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/new-nonce":
			n := atomic.AddInt32(&counter, 1)
			w.Header().Set("Replay-Nonce", fmt.Sprintf("nonce-%d", n))
			w.WriteHeader(http.StatusOK)
		default:
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"newNonce":"%s/new-nonce","newAccount":"%s/new-acct","newOrder":"%s/new-order","revokeCert":"%s/revoke","keyChange":"%s/key-change"}`,
				selfURL, selfURL, selfURL, selfURL, selfURL)
		}
	}))
	srv.Start()
	selfURL = srv.URL
	return srv, &counter
}

func TestNoncePoolAcquireFetchesWhenEmpty(t *testing.T) {
	srv, counter := newNonceTestServer(t)
	defer srv.Close()

	dirCache := NewDirectoryCache(srv.URL, srv.Client(), logger.New())
	pool := NewNoncePool(dirCache, srv.Client(), 2, logger.New())

	nonce, err := pool.Acquire(testContext())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if nonce == "" {
		t.Fatal("expected a non-empty nonce")
	}
	if atomic.LoadInt32(counter) < 1 {
		t.Error("expected at least one newNonce request")
	}
}

func TestNoncePoolDepositThenAcquireReusesWithoutFetch(t *testing.T) {
	srv, _ := newNonceTestServer(t)
	defer srv.Close()

	dirCache := NewDirectoryCache(srv.URL, srv.Client(), logger.New())
	pool := NewNoncePool(dirCache, srv.Client(), 100, logger.New())

	pool.Deposit("deposited-nonce")

	nonce, err := pool.Acquire(testContext())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if nonce != "deposited-nonce" {
		t.Errorf("Acquire = %q, want the deposited nonce first (FIFO)", nonce)
	}
}

func TestNoncePoolDepositIgnoresEmptyString(t *testing.T) {
	srv, _ := newNonceTestServer(t)
	defer srv.Close()

	dirCache := NewDirectoryCache(srv.URL, srv.Client(), logger.New())
	pool := NewNoncePool(dirCache, srv.Client(), 1, logger.New())

	pool.Deposit("")
	pool.mu.Lock()
	n := len(pool.queue)
	pool.mu.Unlock()
	if n != 0 {
		t.Errorf("queue length = %d, want 0 after depositing an empty nonce", n)
	}
}

func TestNoncePoolConcurrentAcquireReturnsDistinctNonces(t *testing.T) {
	srv, _ := newNonceTestServer(t)
	defer srv.Close()

	dirCache := NewDirectoryCache(srv.URL, srv.Client(), logger.New())
	pool := NewNoncePool(dirCache, srv.Client(), 1, logger.New())

	const n = 10
	seen := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			nonce, err := pool.Acquire(testContext())
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			seen <- nonce
		}()
	}
	wg.Wait()
	close(seen)

	unique := make(map[string]bool)
	for nonce := range seen {
		if unique[nonce] {
			t.Errorf("nonce %q returned to more than one caller", nonce)
		}
		unique[nonce] = true
	}
}

func TestNoncePoolRequiresAtLeastOne(t *testing.T) {
	dirCache := NewDirectoryCache("https://unused", http.DefaultClient, logger.New())
	pool := NewNoncePool(dirCache, http.DefaultClient, 0, logger.New())
	if pool.minSize != 1 {
		t.Errorf("minSize = %d, want clamped to 1", pool.minSize)
	}
}
