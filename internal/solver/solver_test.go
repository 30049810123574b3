package solver

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/shibukawa/acmeclient/internal/acme"
	"github.com/shibukawa/acmeclient/internal/acmeerr"
	"github.com/shibukawa/acmeclient/internal/logger"
	"github.com/shibukawa/acmeclient/internal/platform"
)

func alwaysTrue(string) bool { return true }

func noopSetup(ctx context.Context, challenge *acme.Challenge, identifier, keyAuth string) error {
	return nil
}

func noopCleanup(ctx context.Context, challenge *acme.Challenge, identifier string) error {
	return nil
}

func TestSelectPrefersDNS01OverTLSALPNOverHTTP(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&Solver{Type: acme.ChallengeTypeHTTP01, Supports: alwaysTrue, Setup: noopSetup, Cleanup: noopCleanup})
	reg.Register(&Solver{Type: acme.ChallengeTypeTLSALPN01, Supports: alwaysTrue, Setup: noopSetup, Cleanup: noopCleanup})
	reg.Register(&Solver{Type: acme.ChallengeTypeDNS01, Supports: alwaysTrue, Setup: noopSetup, Cleanup: noopCleanup})

	challenges := []acme.Challenge{
		{Type: acme.ChallengeTypeHTTP01, URL: "http"},
		{Type: acme.ChallengeTypeTLSALPN01, URL: "tlsalpn"},
		{Type: acme.ChallengeTypeDNS01, URL: "dns"},
	}

	s, ch, err := reg.Select("example.com", challenges)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if s.Type != acme.ChallengeTypeDNS01 || ch.URL != "dns" {
		t.Fatalf("Select chose %s/%s, want dns-01", s.Type, ch.URL)
	}
}

func TestSelectExplicitPriorityOverridesDefault(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&Solver{Type: acme.ChallengeTypeDNS01, Supports: alwaysTrue, Setup: noopSetup, Cleanup: noopCleanup})
	reg.Register(&Solver{Type: acme.ChallengeTypeHTTP01, Priority: 100, Supports: alwaysTrue, Setup: noopSetup, Cleanup: noopCleanup})

	challenges := []acme.Challenge{
		{Type: acme.ChallengeTypeDNS01, URL: "dns"},
		{Type: acme.ChallengeTypeHTTP01, URL: "http"},
	}

	s, ch, err := reg.Select("example.com", challenges)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if s.Type != acme.ChallengeTypeHTTP01 || ch.URL != "http" {
		t.Fatalf("Select chose %s/%s, want http-01 (explicit priority)", s.Type, ch.URL)
	}
}

func TestSelectWildcardRequiresDNS01(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&Solver{
		Type: acme.ChallengeTypeHTTP01,
		Supports: func(identifier string) bool {
			return identifier[0] != '*'
		},
		Setup:   noopSetup,
		Cleanup: noopCleanup,
	})
	reg.Register(&Solver{
		Type: acme.ChallengeTypeTLSALPN01,
		Supports: func(identifier string) bool {
			return identifier[0] != '*'
		},
		Setup:   noopSetup,
		Cleanup: noopCleanup,
	})

	challenges := []acme.Challenge{
		{Type: acme.ChallengeTypeHTTP01, URL: "http"},
		{Type: acme.ChallengeTypeTLSALPN01, URL: "tlsalpn"},
	}

	_, _, err := reg.Select("*.example.com", challenges)
	if err == nil {
		t.Fatal("expected NoSolver error for wildcard with no DNS-01 solver")
	}
	aerr, ok := err.(*acmeerr.Error)
	if !ok {
		t.Fatalf("error type = %T, want *acmeerr.Error", err)
	}
	if aerr.Kind != acmeerr.KindNoSolver {
		t.Errorf("Kind = %v, want KindNoSolver", aerr.Kind)
	}
	if aerr.Identifier != "*.example.com" {
		t.Errorf("Identifier = %q, want %q", aerr.Identifier, "*.example.com")
	}
}

func TestSelectNoMatchingType(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&Solver{Type: acme.ChallengeTypeHTTP01, Supports: alwaysTrue, Setup: noopSetup, Cleanup: noopCleanup})

	challenges := []acme.Challenge{
		{Type: acme.ChallengeTypeDNS01, URL: "dns"},
	}

	if _, _, err := reg.Select("example.com", challenges); err == nil {
		t.Fatal("expected NoSolver error when no registered solver matches any offered type")
	}
}

func TestDNSChallengeNameStripsWildcard(t *testing.T) {
	cases := map[string]string{
		"example.com":     "_acme-challenge.example.com",
		"*.example.com":   "_acme-challenge.example.com",
		"www.example.com": "_acme-challenge.www.example.com",
	}
	for identifier, want := range cases {
		if got := dnsChallengeName(identifier); got != want {
			t.Errorf("dnsChallengeName(%q) = %q, want %q", identifier, got, want)
		}
	}
}

func TestBindPortParsesHostPort(t *testing.T) {
	port, ok := bindPort(":80")
	if !ok || port != 80 {
		t.Errorf("bindPort(:80) = (%d, %v), want (80, true)", port, ok)
	}

	port, ok = bindPort("0.0.0.0:8443")
	if !ok || port != 8443 {
		t.Errorf("bindPort(0.0.0.0:8443) = (%d, %v), want (8443, true)", port, ok)
	}

	if _, ok := bindPort("not-a-host-port"); ok {
		t.Error("expected bindPort to reject a malformed address")
	}
}

func TestHTTP01ServesTokenAndRejectsUnknown(t *testing.T) {
	log := logger.New()
	h := &HTTP01{
		bindAddr: "127.0.0.1:0",
		logger:   log.WithComponent("solver-http01-test"),
		platform: platform.New(),
		tokens:   make(map[string]string),
	}

	challenge := &acme.Challenge{Token: "test-token-123"}
	if err := h.setup(context.Background(), challenge, "example.com", "test-token-123.thumbprint"); err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer h.cleanup(context.Background(), challenge, "example.com")

	// Give the listener a moment to start accepting connections.
	time.Sleep(50 * time.Millisecond)

	addr := h.listener.Addr().String()
	resp, err := http.Get("http://" + addr + "/.well-known/acme-challenge/test-token-123")
	if err != nil {
		t.Fatalf("GET known token: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if string(body) != "test-token-123.thumbprint" {
		t.Errorf("body = %q, want key authorization", body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/octet-stream" {
		t.Errorf("Content-Type = %q, want application/octet-stream", ct)
	}

	resp2, err := http.Get("http://" + addr + "/.well-known/acme-challenge/unknown-token")
	if err != nil {
		t.Fatalf("GET unknown token: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404 for unknown token", resp2.StatusCode)
	}
}
