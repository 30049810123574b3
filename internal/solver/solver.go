// Package solver implements the Challenge Solver Registry (spec.md §4.6):
// a pluggable interface for proving control of an identifier, plus the
// HTTP-01, DNS-01, and TLS-ALPN-01 implementations.
package solver

import (
	"context"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/shibukawa/acmeclient/internal/acme"
	"github.com/shibukawa/acmeclient/internal/acmeerr"
)

// bindPort extracts the numeric port from a "host:port" bind address, for
// diagnosing privileged-port bind failures in the http-01/tls-alpn-01
// listeners.
func bindPort(bindAddr string) (int, bool) {
	_, portStr, err := net.SplitHostPort(bindAddr)
	if err != nil {
		return 0, false
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, false
	}
	return port, true
}

// Solver is the capability set every challenge backend implements.
type Solver struct {
	// Type is the ACME challenge type this implementation handles.
	Type string
	// Priority breaks ties when several solvers support the same type;
	// higher wins.
	Priority int

	// Supports reports whether this solver can service the given
	// identifier (wildcards require DNS-01; a solver for http-01 returns
	// false for wildcard names).
	Supports func(identifier string) bool

	// Setup publishes the evidence (file, TXT record, TLS responder).
	// Must be idempotent for identical (challenge, keyAuth) inputs.
	Setup func(ctx context.Context, challenge *acme.Challenge, identifier, keyAuth string) error

	// PollSelfReady optionally checks that published evidence is visible
	// before the orchestrator notifies the CA. Nil means "always ready".
	PollSelfReady func(ctx context.Context, identifier, expectedValue string) (bool, error)

	// Cleanup removes published evidence. Must be idempotent and safe to
	// call even when Setup never ran or failed.
	Cleanup func(ctx context.Context, challenge *acme.Challenge, identifier string) error
}

// Ready runs one PollSelfReady check and returns its result, or returns
// true immediately if the solver declines to implement the check. It does
// not wait or retry; the caller repeats it until it reports true.
func (s *Solver) Ready(ctx context.Context, identifier, expectedValue string) (bool, error) {
	if s.PollSelfReady == nil {
		return true, nil
	}
	return s.PollSelfReady(ctx, identifier, expectedValue)
}

// Registry holds solvers in registration order; Select ranks them by
// priority to resolve the best match for an authorization's offered challenges
// (spec.md §4.5's challenge selection policy).
type Registry struct {
	mu      sync.RWMutex
	solvers []*Solver
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a solver. Safe for concurrent use.
func (r *Registry) Register(s *Solver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.solvers = append(r.solvers, s)
}

// defaultTypePriority implements the default tie-break order, fixed in
// code: DNS-01 > TLS-ALPN-01 > HTTP-01. A solver's non-zero Priority
// replaces it; the config's challenge_priority list is not read here.
func defaultTypePriority(challengeType string) int {
	switch challengeType {
	case acme.ChallengeTypeDNS01:
		return 3
	case acme.ChallengeTypeTLSALPN01:
		return 2
	case acme.ChallengeTypeHTTP01:
		return 1
	default:
		return 0
	}
}

// Select picks the best (solver, challenge) pair from the set of
// challenges offered by an authorization, per spec.md §4.5. Wildcard
// identifiers that have no DNS-01-capable solver fail with NoSolver even
// if other types are offered, since only DNS-01 supports wildcards.
func (r *Registry) Select(identifier string, challenges []acme.Challenge) (*Solver, *acme.Challenge, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	type candidate struct {
		solver    *Solver
		challenge *acme.Challenge
		score     int
	}

	var candidates []candidate
	for i := range challenges {
		ch := &challenges[i]
		for _, s := range r.solvers {
			if s.Type != ch.Type || !s.Supports(identifier) {
				continue
			}
			score := s.Priority
			if score == 0 {
				score = defaultTypePriority(ch.Type)
			}
			candidates = append(candidates, candidate{solver: s, challenge: ch, score: score})
		}
	}

	if len(candidates) == 0 {
		return nil, nil, acmeerr.NoSolver(identifier)
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	best := candidates[0]
	return best.solver, best.challenge, nil
}

// dnsChallengeName computes the DNS-01 record name for an identifier,
// stripping a leading wildcard label per RFC 8555 §8.4.
func dnsChallengeName(identifier string) string {
	base := strings.TrimPrefix(identifier, "*.")
	return "_acme-challenge." + base
}
