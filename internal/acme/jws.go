package acme

import (
	"encoding/json"

	jose "gopkg.in/square/go-jose.v2"

	"github.com/shibukawa/acmeclient/internal/acmeerr"
)

// Signer constructs JWS Flattened JSON envelopes for ACME requests
// (spec.md §4.3). It never performs the HTTP request itself.
type Signer struct{}

// NewSigner creates a Signer. It is stateless; one instance is shared
// process-wide.
func NewSigner() *Signer { return &Signer{} }

// SignKID produces a request signed with the account's "kid" (its CA-
// issued account URL) — used by every authenticated POST except
// newAccount, keyChange's inner JWS, and certificate-key revocation.
func (s *Signer) SignKID(key *AccountKey, kid, url, nonce string, payload []byte) (*JWS, error) {
	return s.sign(key.Signer, key.Algorithm, &jose.SignerOptions{}, func(o *jose.SignerOptions) {
		o.WithHeader("kid", kid)
		o.WithHeader("url", url)
		o.WithHeader("nonce", nonce)
	}, payload)
}

// SignJWK produces a request with the account public key embedded inline
// as "jwk" — used for newAccount, the inner JWS of keyChange, and
// revokeCert when revoking with the certificate's own key. An empty nonce
// omits the "nonce" header entirely, as required for keyChange's inner
// JWS (RFC 8555 §7.3.5), which carries no nonce of its own.
func (s *Signer) SignJWK(key *AccountKey, url, nonce string, payload []byte) (*JWS, error) {
	return s.sign(key.Signer, key.Algorithm, &jose.SignerOptions{EmbedJWK: true}, func(o *jose.SignerOptions) {
		o.WithHeader("url", url)
		if nonce != "" {
			o.WithHeader("nonce", nonce)
		}
	}, payload)
}

// SignHMAC produces the inner JWS of an External Account Binding request,
// keyed by the CA-supplied EAB HMAC secret and identified by kid (the EAB
// key identifier, not an account URL).
func (s *Signer) SignHMAC(hmacKey []byte, kid, url string, payload []byte) (*JWS, error) {
	signingKey := jose.SigningKey{Algorithm: jose.HS256, Key: hmacKey}
	opts := &jose.SignerOptions{}
	opts.WithHeader("kid", kid)
	opts.WithHeader("url", url)

	signer, err := jose.NewSigner(signingKey, opts)
	if err != nil {
		return nil, acmeerr.Crypto("failed to build EAB signer").WithUnderlying(err)
	}
	return serialize(signer, payload)
}

func (s *Signer) sign(signer interface{}, alg jose.SignatureAlgorithm, opts *jose.SignerOptions, configure func(*jose.SignerOptions), payload []byte) (*JWS, error) {
	configure(opts)

	joseSigner, err := jose.NewSigner(jose.SigningKey{Algorithm: alg, Key: signer}, opts)
	if err != nil {
		return nil, acmeerr.Crypto("failed to build JWS signer").WithUnderlying(err)
	}
	return serialize(joseSigner, payload)
}

// serialize signs payload and decodes go-jose's flattened JSON
// serialization (the form it emits for a single signature) into our JWS
// shape, so the protected header sent is exactly the one the signature
// covers.
func serialize(signer jose.Signer, payload []byte) (*JWS, error) {
	sig, err := signer.Sign(payload)
	if err != nil {
		return nil, acmeerr.Crypto("JWS signing failed").WithUnderlying(err)
	}
	if len(sig.Signatures) != 1 {
		return nil, acmeerr.Crypto("signer produced an unexpected number of signatures")
	}

	var out JWS
	if err := json.Unmarshal([]byte(sig.FullSerialize()), &out); err != nil {
		return nil, acmeerr.Crypto("failed to decode serialized JWS").WithUnderlying(err)
	}
	return &out, nil
}
