package acme

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	cryptorand "crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"

	jose "gopkg.in/square/go-jose.v2"

	"github.com/shibukawa/acmeclient/internal/acmeerr"
)

// AccountKey is an asymmetric key pair usable to sign ACME requests
// (spec.md §3: Ed25519, ECDSA P-256/P-384, or RSA 2048/4096).
type AccountKey struct {
	Signer    crypto.Signer
	Algorithm jose.SignatureAlgorithm
}

// GenerateAccountKey creates a fresh key pair for the given algorithm name:
// "ed25519", "ecdsa-p256", "ecdsa-p384", "rsa2048", "rsa4096".
func GenerateAccountKey(alg string) (*AccountKey, error) {
	switch alg {
	case "ed25519":
		_, priv, err := ed25519.GenerateKey(cryptorand.Reader)
		if err != nil {
			return nil, acmeerr.Crypto("failed to generate ed25519 key").WithUnderlying(err)
		}
		return &AccountKey{Signer: priv, Algorithm: jose.EdDSA}, nil
	case "ecdsa-p256":
		priv, err := ecdsa.GenerateKey(elliptic.P256(), cryptorand.Reader)
		if err != nil {
			return nil, acmeerr.Crypto("failed to generate ecdsa p256 key").WithUnderlying(err)
		}
		return &AccountKey{Signer: priv, Algorithm: jose.ES256}, nil
	case "ecdsa-p384":
		priv, err := ecdsa.GenerateKey(elliptic.P384(), cryptorand.Reader)
		if err != nil {
			return nil, acmeerr.Crypto("failed to generate ecdsa p384 key").WithUnderlying(err)
		}
		return &AccountKey{Signer: priv, Algorithm: jose.ES384}, nil
	case "rsa2048":
		priv, err := rsa.GenerateKey(cryptorand.Reader, 2048)
		if err != nil {
			return nil, acmeerr.Crypto("failed to generate rsa2048 key").WithUnderlying(err)
		}
		return &AccountKey{Signer: priv, Algorithm: jose.RS256}, nil
	case "rsa4096":
		priv, err := rsa.GenerateKey(cryptorand.Reader, 4096)
		if err != nil {
			return nil, acmeerr.Crypto("failed to generate rsa4096 key").WithUnderlying(err)
		}
		return &AccountKey{Signer: priv, Algorithm: jose.RS256}, nil
	default:
		return nil, acmeerr.Crypto(fmt.Sprintf("unsupported account key algorithm %q", alg))
	}
}

// JWK returns the public JSON Web Key for this account key.
func (k *AccountKey) JWK() *jose.JSONWebKey {
	return &jose.JSONWebKey{
		Key:       k.Signer.Public(),
		Algorithm: string(k.Algorithm),
		Use:       "sig",
	}
}

// Thumbprint computes the RFC 7638 JWK thumbprint: SHA-256 over the
// lexically ordered, minimally encoded JSON of required members,
// url-safe base64 with no padding. Recomputed on every call — callers
// must not cache it across a key-rollover boundary (spec.md §4.4).
func (k *AccountKey) Thumbprint() (string, error) {
	sum, err := k.JWK().Thumbprint(crypto.SHA256)
	if err != nil {
		return "", acmeerr.Crypto("failed to compute jwk thumbprint").WithUnderlying(err)
	}
	return base64.RawURLEncoding.EncodeToString(sum), nil
}

// MarshalPKCS8PEM serializes the private key as PKCS#8/PEM, the format
// persisted by the storage layer (spec.md §6).
func (k *AccountKey) MarshalPKCS8PEM() ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(k.Signer)
	if err != nil {
		return nil, acmeerr.Crypto("failed to marshal account key").WithUnderlying(err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// ParseAccountKeyPEM parses a PKCS#8/PEM-encoded private key back into an
// AccountKey, inferring the JWS algorithm from its concrete type.
func ParseAccountKeyPEM(data []byte) (*AccountKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, acmeerr.Crypto("no PEM block found in account key file")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, acmeerr.Crypto("failed to parse account key").WithUnderlying(err)
	}

	switch priv := key.(type) {
	case ed25519.PrivateKey:
		return &AccountKey{Signer: priv, Algorithm: jose.EdDSA}, nil
	case *ecdsa.PrivateKey:
		switch priv.Curve {
		case elliptic.P256():
			return &AccountKey{Signer: priv, Algorithm: jose.ES256}, nil
		case elliptic.P384():
			return &AccountKey{Signer: priv, Algorithm: jose.ES384}, nil
		default:
			return nil, acmeerr.Crypto("unsupported ecdsa curve in account key")
		}
	case *rsa.PrivateKey:
		return &AccountKey{Signer: priv, Algorithm: jose.RS256}, nil
	default:
		return nil, acmeerr.Crypto("unsupported account key type")
	}
}
