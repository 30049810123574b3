package solver

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"time"

	"github.com/miekg/dns"

	"github.com/shibukawa/acmeclient/internal/acme"
	"github.com/shibukawa/acmeclient/internal/acmeerr"
	"github.com/shibukawa/acmeclient/internal/logger"
)

// DNSProvider is the abstract interface for publishing/removing TXT
// records (spec.md §1 Non-goals: "concrete DNS provider integrations...
// only the abstract solver interface is specified"). Cloudflare, Route53,
// etc. each implement this.
type DNSProvider interface {
	CreateTXTRecord(ctx context.Context, fqdn, value string) error
	DeleteTXTRecord(ctx context.Context, fqdn, value string) error
}

// DNS01 drives DNSProvider through setup/cleanup and performs its own
// propagation self-check by querying a recursive resolver directly with
// miekg/dns, rather than trusting the provider's API to mean "live".
type DNS01 struct {
	provider   DNSProvider
	resolver   string // e.g. "8.8.8.8:53"
	logger     *logger.Logger
	pollEvery  time.Duration
}

// NewDNS01 builds the dns-01 solver descriptor.
func NewDNS01(provider DNSProvider, resolver string, log *logger.Logger) *Solver {
	d := &DNS01{
		provider:  provider,
		resolver:  resolver,
		logger:    log.WithComponent("solver-dns01"),
		pollEvery: 5 * time.Second,
	}
	return &Solver{
		Type:          acme.ChallengeTypeDNS01,
		Supports:      func(identifier string) bool { return true },
		Setup:         d.setup,
		PollSelfReady: d.pollSelfReady,
		Cleanup:       d.cleanup,
	}
}

// RecordValue computes base64url(SHA-256(key_authorization)), unpadded —
// the exact value dns-01 publishes (spec.md §3, §8 invariant 5).
func RecordValue(keyAuth string) string {
	sum := sha256.Sum256([]byte(keyAuth))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func (d *DNS01) setup(ctx context.Context, challenge *acme.Challenge, identifier, keyAuth string) error {
	fqdn := dns.Fqdn(dnsChallengeName(identifier))
	value := RecordValue(keyAuth)
	if err := d.provider.CreateTXTRecord(ctx, fqdn, value); err != nil {
		return acmeerr.Transport("failed to publish dns-01 TXT record").WithUnderlying(err)
	}
	return nil
}

func (d *DNS01) cleanup(ctx context.Context, challenge *acme.Challenge, identifier string) error {
	fqdn := dns.Fqdn(dnsChallengeName(identifier))
	// keyAuth isn't available at cleanup time in the registry's interface;
	// providers are required to treat value as advisory and delete by name.
	if err := d.provider.DeleteTXTRecord(ctx, fqdn, ""); err != nil {
		return acmeerr.Transport("failed to remove dns-01 TXT record").WithUnderlying(err)
	}
	return nil
}

// pollSelfReady queries d.resolver directly for the TXT record and
// compares it against expectedValue, so the orchestrator doesn't notify
// the CA before the record has actually propagated.
func (d *DNS01) pollSelfReady(ctx context.Context, identifier, expectedValue string) (bool, error) {
	fqdn := dns.Fqdn(dnsChallengeName(identifier))

	msg := new(dns.Msg)
	msg.SetQuestion(fqdn, dns.TypeTXT)

	client := new(dns.Client)
	client.Timeout = 5 * time.Second

	resp, _, err := client.ExchangeContext(ctx, msg, d.resolver)
	if err != nil {
		d.logger.Debug("dns-01 propagation check failed", "fqdn", fqdn, "error", err)
		return false, nil
	}

	for _, rr := range resp.Answer {
		txt, ok := rr.(*dns.TXT)
		if !ok {
			continue
		}
		for _, chunk := range txt.Txt {
			if chunk == expectedValue {
				return true, nil
			}
		}
	}
	return false, nil
}
