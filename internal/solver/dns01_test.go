package solver

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shibukawa/acmeclient/internal/acme"
	"github.com/shibukawa/acmeclient/internal/acmeerr"
	"github.com/shibukawa/acmeclient/internal/logger"
)

var errProviderDown = errors.New("dns provider unavailable")

type fakeDNSProvider struct {
	mu      sync.Mutex
	created []string // fqdn:value
	deleted []string
	err     error
}

func (f *fakeDNSProvider) CreateTXTRecord(ctx context.Context, fqdn, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.created = append(f.created, fqdn+":"+value)
	return nil
}

func (f *fakeDNSProvider) DeleteTXTRecord(ctx context.Context, fqdn, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, fqdn)
	return nil
}

func TestRecordValueIsStableAndBase64URLEncoded(t *testing.T) {
	got := RecordValue("token.thumbprint")
	want := RecordValue("token.thumbprint")
	if got != want {
		t.Error("expected RecordValue to be deterministic for the same input")
	}
	if got != RecordValue("token.thumbprint") {
		t.Error("expected a stable digest across calls")
	}
	for _, c := range got {
		if c == '+' || c == '/' || c == '=' {
			t.Errorf("RecordValue produced a non-URL-safe or padded character: %q", got)
		}
	}
}

func TestRecordValueDiffersForDifferentKeyAuthorizations(t *testing.T) {
	if RecordValue("a") == RecordValue("b") {
		t.Error("expected different key authorizations to hash to different values")
	}
}

func TestDNS01SetupPublishesTXTRecordAtChallengeName(t *testing.T) {
	provider := &fakeDNSProvider{}
	s := NewDNS01(provider, "127.0.0.1:53", logger.New())

	challenge := &acme.Challenge{Type: acme.ChallengeTypeDNS01, Token: "tok"}
	if err := s.Setup(context.Background(), challenge, "example.com", "tok.thumb"); err != nil {
		t.Fatalf("Setup: %v", err)
	}

	provider.mu.Lock()
	defer provider.mu.Unlock()
	if len(provider.created) != 1 {
		t.Fatalf("created records = %d, want 1", len(provider.created))
	}
	want := "_acme-challenge.example.com.:" + RecordValue("tok.thumb")
	if provider.created[0] != want {
		t.Errorf("created record = %q, want %q", provider.created[0], want)
	}
}

func TestDNS01SetupStripsWildcardFromChallengeName(t *testing.T) {
	provider := &fakeDNSProvider{}
	s := NewDNS01(provider, "127.0.0.1:53", logger.New())

	challenge := &acme.Challenge{Type: acme.ChallengeTypeDNS01, Token: "tok"}
	if err := s.Setup(context.Background(), challenge, "*.example.com", "tok.thumb"); err != nil {
		t.Fatalf("Setup: %v", err)
	}

	provider.mu.Lock()
	defer provider.mu.Unlock()
	want := "_acme-challenge.example.com.:" + RecordValue("tok.thumb")
	if provider.created[0] != want {
		t.Errorf("created record = %q, want %q", provider.created[0], want)
	}
}

func TestDNS01CleanupRemovesRecordByName(t *testing.T) {
	provider := &fakeDNSProvider{}
	s := NewDNS01(provider, "127.0.0.1:53", logger.New())

	challenge := &acme.Challenge{Type: acme.ChallengeTypeDNS01, Token: "tok"}
	if err := s.Cleanup(context.Background(), challenge, "example.com"); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}

	provider.mu.Lock()
	defer provider.mu.Unlock()
	if len(provider.deleted) != 1 || provider.deleted[0] != "_acme-challenge.example.com." {
		t.Errorf("deleted = %v, want one entry for _acme-challenge.example.com.", provider.deleted)
	}
}

func TestDNS01SetupReturnsTransportErrorOnProviderFailure(t *testing.T) {
	provider := &fakeDNSProvider{err: errProviderDown}
	s := NewDNS01(provider, "127.0.0.1:53", logger.New())

	challenge := &acme.Challenge{Type: acme.ChallengeTypeDNS01, Token: "tok"}
	err := s.Setup(context.Background(), challenge, "example.com", "tok.thumb")
	if err == nil {
		t.Fatal("expected an error when the DNS provider fails")
	}
	aerr, ok := err.(*acmeerr.Error)
	if !ok || aerr.Kind != acmeerr.KindTransport {
		t.Errorf("error = %v, want KindTransport", err)
	}
}

func TestDNS01SupportsWildcardIdentifiers(t *testing.T) {
	s := NewDNS01(&fakeDNSProvider{}, "127.0.0.1:53", logger.New())
	if !s.Supports("*.example.com") {
		t.Error("expected dns-01 to support wildcard identifiers")
	}
	if !s.Supports("example.com") {
		t.Error("expected dns-01 to support plain identifiers too")
	}
}
