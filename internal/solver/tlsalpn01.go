package solver

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/shibukawa/acmeclient/internal/acme"
	"github.com/shibukawa/acmeclient/internal/acmeerr"
	"github.com/shibukawa/acmeclient/internal/logger"
	"github.com/shibukawa/acmeclient/internal/platform"
)

// acmeTLS1 is the ALPN protocol identifier that routes a ClientHello to
// this solver instead of any real application listener (RFC 8737).
const acmeTLS1 = "acme-tls/1"

// idPeACMEIdentifier is the critical extension OID carrying the
// SHA-256(key_authorization) value (spec.md §4.6).
var idPeACMEIdentifier = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 31}

// TLSALPN01 answers acme-tls/1 ClientHellos on a shared TCP 443 listener,
// presenting a self-signed certificate per matching SNI and tearing the
// listener down once the last challenge is cleaned up.
type TLSALPN01 struct {
	bindAddr string
	logger   *logger.Logger
	platform *platform.Manager

	mu       sync.Mutex
	certs    map[string]*tls.Certificate // identifier -> responder cert
	listener net.Listener
	refcount int
}

// NewTLSALPN01 builds the tls-alpn-01 solver descriptor bound to bindAddr
// (e.g. ":443").
func NewTLSALPN01(bindAddr string, log *logger.Logger) *Solver {
	t := &TLSALPN01{
		bindAddr: bindAddr,
		logger:   log.WithComponent("solver-tlsalpn01"),
		platform: platform.New(),
		certs:    make(map[string]*tls.Certificate),
	}
	return &Solver{
		Type:     acme.ChallengeTypeTLSALPN01,
		Supports: func(identifier string) bool { return !strings.HasPrefix(identifier, "*.") },
		Setup:    t.setup,
		Cleanup:  t.cleanup,
	}
}

func (t *TLSALPN01) setup(ctx context.Context, challenge *acme.Challenge, identifier, keyAuth string) error {
	cert, err := responderCertificate(identifier, keyAuth)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	_, existed := t.certs[identifier]
	t.certs[identifier] = cert

	if t.listener == nil {
		tlsConfig := &tls.Config{
			NextProtos: []string{acmeTLS1},
			GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
				t.mu.Lock()
				defer t.mu.Unlock()
				if c, ok := t.certs[hello.ServerName]; ok {
					return c, nil
				}
				return nil, acmeerr.Protocol("no tls-alpn-01 responder certificate for SNI")
			},
		}
		ln, err := tls.Listen("tcp", t.bindAddr, tlsConfig)
		if err != nil {
			delete(t.certs, identifier)
			if port, ok := bindPort(t.bindAddr); ok && !t.platform.CanBindPrivilegedPort() && port < 1024 {
				return acmeerr.Transport(t.platform.ExplainPrivilegedPortFailure(port)).WithUnderlying(err)
			}
			return acmeerr.Transport("failed to bind tls-alpn-01 listener").WithUnderlying(err)
		}
		t.listener = ln
		go t.acceptLoop(ln)
	}
	if !existed {
		t.refcount++
	}
	return nil
}

func (t *TLSALPN01) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		// The handshake alone satisfies the challenge; no application
		// data is exchanged (spec.md §4.6).
		go func() {
			defer conn.Close()
			tlsConn, ok := conn.(*tls.Conn)
			if !ok {
				return
			}
			_ = tlsConn.SetDeadline(time.Now().Add(10 * time.Second))
			_ = tlsConn.Handshake()
		}()
	}
}

func (t *TLSALPN01) cleanup(ctx context.Context, challenge *acme.Challenge, identifier string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.certs[identifier]; ok {
		delete(t.certs, identifier)
		t.refcount--
	}

	if t.refcount <= 0 && t.listener != nil {
		err := t.listener.Close()
		t.listener = nil
		t.refcount = 0
		if err != nil {
			return acmeerr.Transport("failed to stop tls-alpn-01 listener").WithUnderlying(err)
		}
	}
	return nil
}

// responderCertificate builds a self-signed certificate naming identifier
// as its sole SAN, carrying the critical acmeIdentifier extension.
func responderCertificate(identifier, keyAuth string) (*tls.Certificate, error) {
	sum := sha256.Sum256([]byte(keyAuth))
	extValue, err := asn1.Marshal(sum[:])
	if err != nil {
		return nil, acmeerr.Crypto("failed to marshal acmeIdentifier extension").WithUnderlying(err)
	}

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, acmeerr.Crypto("failed to generate tls-alpn-01 responder key").WithUnderlying(err)
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: identifier},
		DNSNames:     []string{identifier},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		ExtraExtensions: []pkix.Extension{{
			Id:       idPeACMEIdentifier,
			Critical: true,
			Value:    extValue,
		}},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		return nil, acmeerr.Crypto("failed to create tls-alpn-01 responder certificate").WithUnderlying(err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}, nil
}
