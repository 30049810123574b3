// Package certbundle implements the Certificate Model (spec.md §3, §4.5
// step 7): parsing a PEM chain into a Bundle, tracking validity windows,
// and generating the per-order key pair and CSR used at finalize time.
package certbundle

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"time"

	"github.com/shibukawa/acmeclient/internal/acmeerr"
)

// Bundle is an immutable issued certificate: the PEM chain (end-entity
// first, then intermediates) plus the certificate-specific private key.
type Bundle struct {
	ChainPEM   []byte
	KeyPEM     []byte
	NotBefore  time.Time
	NotAfter   time.Time
	SerialHex  string
	Identifiers []string
}

// GenerateKeyAndCSR creates a fresh ECDSA P-256 key pair and a CSR
// covering every identifier as a SAN (spec.md §4.5 step 4). Wildcard
// identifiers are carried through as-is; the CA is responsible for
// rejecting anything it won't issue for.
func GenerateKeyAndCSR(identifiers []string) (keyPEM []byte, csrDER []byte, err error) {
	if len(identifiers) == 0 {
		return nil, nil, acmeerr.Protocol("order has zero identifiers")
	}

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, acmeerr.Crypto("failed to generate certificate key").WithUnderlying(err)
	}

	template := &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: identifiers[0]},
		DNSNames: identifiers,
	}

	csrDER, err = x509.CreateCertificateRequest(rand.Reader, template, priv)
	if err != nil {
		return nil, nil, acmeerr.Crypto("failed to create CSR").WithUnderlying(err)
	}

	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, acmeerr.Crypto("failed to marshal certificate key").WithUnderlying(err)
	}
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	return keyPEM, csrDER, nil
}

// FromChain parses a PEM certificate chain returned by the CA and bundles
// it with the key generated at finalize time, extracting the end-entity
// certificate's validity window and serial for renewal-due computation.
func FromChain(chainPEM, keyPEM []byte, identifiers []string) (*Bundle, error) {
	block, _ := pem.Decode(chainPEM)
	if block == nil {
		return nil, acmeerr.Protocol("CA certificate response contains no PEM block")
	}

	leaf, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, acmeerr.Protocol("failed to parse end-entity certificate").WithUnderlying(err)
	}

	return &Bundle{
		ChainPEM:    chainPEM,
		KeyPEM:      keyPEM,
		NotBefore:   leaf.NotBefore,
		NotAfter:    leaf.NotAfter,
		SerialHex:   leaf.SerialNumber.Text(16),
		Identifiers: identifiers,
	}, nil
}

// RenewalDue reports whether the bundle's remaining lifetime is below
// threshold (spec.md §4.8).
func (b *Bundle) RenewalDue(now time.Time, threshold time.Duration) bool {
	return b.NotAfter.Sub(now) < threshold
}
