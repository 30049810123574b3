package solver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/shibukawa/acmeclient/internal/acme"
	"github.com/shibukawa/acmeclient/internal/acmeerr"
	"github.com/shibukawa/acmeclient/internal/logger"
	"github.com/shibukawa/acmeclient/internal/platform"
)

// HTTP01 serves key authorizations under /.well-known/acme-challenge/
// on a single shared listener (spec.md §4.6). One instance backs every
// concurrent authorization; setup/cleanup add and remove tokens from an
// in-memory map rather than starting a listener per challenge.
type HTTP01 struct {
	bindAddr string
	logger   *logger.Logger
	platform *platform.Manager

	mu       sync.Mutex
	tokens   map[string]string // token -> key authorization
	server   *http.Server
	listener net.Listener
	refcount int
}

// NewHTTP01 builds the http-01 solver descriptor bound to bindAddr
// (e.g. ":80").
func NewHTTP01(bindAddr string, log *logger.Logger) *Solver {
	h := &HTTP01{
		bindAddr: bindAddr,
		logger:   log.WithComponent("solver-http01"),
		platform: platform.New(),
		tokens:   make(map[string]string),
	}
	return &Solver{
		Type: acme.ChallengeTypeHTTP01,
		Supports: func(identifier string) bool {
			return !strings.HasPrefix(identifier, "*.")
		},
		Setup:   h.setup,
		Cleanup: h.cleanup,
	}
}

func (h *HTTP01) setup(ctx context.Context, challenge *acme.Challenge, identifier, keyAuth string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	_, existed := h.tokens[challenge.Token]
	h.tokens[challenge.Token] = keyAuth

	if h.listener == nil {
		ln, err := net.Listen("tcp", h.bindAddr)
		if err != nil {
			delete(h.tokens, challenge.Token)
			if port, ok := bindPort(h.bindAddr); ok && !h.platform.CanBindPrivilegedPort() && port < 1024 {
				return acmeerr.Transport(h.platform.ExplainPrivilegedPortFailure(port)).WithUnderlying(err)
			}
			return acmeerr.Transport("failed to bind http-01 listener").WithUnderlying(err)
		}
		h.listener = ln
		h.server = &http.Server{Handler: http.HandlerFunc(h.handle)}
		go func() {
			if err := h.server.Serve(ln); err != nil && err != http.ErrServerClosed {
				h.logger.Warn("http-01 listener exited", "error", err)
			}
		}()
	}
	if !existed {
		h.refcount++
	}
	return nil
}

func (h *HTTP01) cleanup(ctx context.Context, challenge *acme.Challenge, identifier string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.tokens[challenge.Token]; ok {
		delete(h.tokens, challenge.Token)
		h.refcount--
	}

	if h.refcount <= 0 && h.server != nil {
		err := h.server.Close()
		h.server = nil
		h.listener = nil
		h.refcount = 0
		if err != nil {
			return acmeerr.Transport("failed to stop http-01 listener").WithUnderlying(err)
		}
	}
	return nil
}

func (h *HTTP01) handle(w http.ResponseWriter, r *http.Request) {
	const prefix = "/.well-known/acme-challenge/"
	if !strings.HasPrefix(r.URL.Path, prefix) {
		http.NotFound(w, r)
		return
	}
	token := strings.TrimPrefix(r.URL.Path, prefix)

	h.mu.Lock()
	keyAuth, ok := h.tokens[token]
	h.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	fmt.Fprint(w, keyAuth)
}
