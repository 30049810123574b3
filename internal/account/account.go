// Package account implements the ACME Account Manager (spec.md §4.4):
// registration, lookup, contact updates, deactivation, and key rollover.
package account

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/shibukawa/acmeclient/internal/acme"
	"github.com/shibukawa/acmeclient/internal/acmeerr"
	"github.com/shibukawa/acmeclient/internal/logger"
)

// ExternalBinding carries the CA-issued EAB credentials a caller supplies
// to register, when the directory demands them.
type ExternalBinding struct {
	KeyID string
	Key   []byte // shared HMAC secret, base64url-decoded
}

// Manager owns the live account key and URL. Mutation (rollover,
// deactivate) takes an exclusive lock; reads take a shared lock
// (spec.md §5: "Account Manager state... mutation acquires an exclusive
// lock, readers take a shared lock").
type Manager struct {
	client *acme.Client
	logger *logger.Logger

	mu      sync.RWMutex
	key     *acme.AccountKey
	url     string
	account *acme.Account
}

// NewManager wires a Manager to an existing account key. key may be nil;
// Register and Lookup then fail with a Crypto error.
func NewManager(client *acme.Client, key *acme.AccountKey, log *logger.Logger) *Manager {
	return &Manager{
		client: client,
		key:    key,
		logger: log.WithComponent("account-manager"),
	}
}

// Key returns the currently active account key.
func (m *Manager) Key() *acme.AccountKey {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.key
}

// URL returns the CA-issued account URL ("kid"), empty if not yet registered.
func (m *Manager) URL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.url
}

// SetURL restores a previously persisted account URL without a round trip
// to the CA, for resuming a session across process restarts.
func (m *Manager) SetURL(url string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.url = url
}

// Register creates a new account via newAccount, inlining the account
// public key as "jwk" (spec.md §4.3's constraint: jwk only for
// newAccount/keyChange-inner/revokeCert). If the directory requires
// External Account Binding and none is supplied, it fails with EabRequired.
func (m *Manager) Register(ctx context.Context, contacts []string, tosAgreed bool, eab *ExternalBinding) (*acme.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.key == nil {
		return nil, acmeerr.Crypto("no account key available to register")
	}

	dir, err := m.client.Directory(ctx)
	if err != nil {
		return nil, err
	}

	if dir.Meta != nil && dir.Meta.ExternalAccountRequired && eab == nil {
		return nil, acmeerr.EabRequired()
	}

	req := acme.Account{
		Contact:              contacts,
		TermsOfServiceAgreed: tosAgreed,
	}

	if eab != nil {
		binding, err := m.buildEAB(dir.NewAccount, eab)
		if err != nil {
			return nil, err
		}
		req.ExternalAccountBinding = binding
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, acmeerr.Protocol("failed to marshal newAccount request").WithUnderlying(err)
	}

	resp, err := m.client.PostJWK(ctx, m.key, dir.NewAccount, payload)
	if err != nil {
		return nil, err
	}

	var acc acme.Account
	if err := json.Unmarshal(resp.Body, &acc); err != nil {
		return nil, acmeerr.Protocol("malformed newAccount response").WithUnderlying(err)
	}
	if resp.Location == "" {
		return nil, acmeerr.Protocol("newAccount response missing Location header")
	}

	m.url = resp.Location
	m.account = &acc
	m.logger.Info("account registered", "url", m.url)
	return &acc, nil
}

// buildEAB signs the account's public JWK with the EAB HMAC key, producing
// the inner JWS required by RFC 8555 §7.3.4.
func (m *Manager) buildEAB(newAccountURL string, eab *ExternalBinding) (*acme.JWS, error) {
	jwkPayload, err := json.Marshal(m.key.JWK())
	if err != nil {
		return nil, acmeerr.Crypto("failed to marshal account jwk for EAB").WithUnderlying(err)
	}
	signer := acme.NewSigner()
	return signer.SignHMAC(eab.Key, eab.KeyID, newAccountURL, jwkPayload)
}

// Lookup checks whether an account already exists for the current key,
// via onlyReturnExisting. Returns AccountDoesNotExist if not.
func (m *Manager) Lookup(ctx context.Context) (*acme.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.key == nil {
		return nil, acmeerr.Crypto("no account key available to look up")
	}

	dir, err := m.client.Directory(ctx)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(acme.Account{OnlyReturnExisting: true})
	if err != nil {
		return nil, acmeerr.Protocol("failed to marshal lookup request").WithUnderlying(err)
	}

	resp, err := m.client.PostJWK(ctx, m.key, dir.NewAccount, payload)
	if err != nil {
		if ae, ok := err.(*acmeerr.Error); ok && ae.Kind == acmeerr.KindAccountDoesNotExist {
			return nil, err
		}
		return nil, err
	}

	var acc acme.Account
	if err := json.Unmarshal(resp.Body, &acc); err != nil {
		return nil, acmeerr.Protocol("malformed lookup response").WithUnderlying(err)
	}

	m.url = resp.Location
	m.account = &acc
	return &acc, nil
}

// UpdateContacts replaces the account's contact set.
func (m *Manager) UpdateContacts(ctx context.Context, contacts []string) (*acme.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.url == "" {
		return nil, acmeerr.Unauthorized("account is not registered")
	}
	if m.key == nil {
		return nil, acmeerr.Unauthorized("account key is no longer available (account deactivated)")
	}

	payload, err := json.Marshal(acme.Account{Contact: contacts})
	if err != nil {
		return nil, acmeerr.Protocol("failed to marshal contact update").WithUnderlying(err)
	}

	resp, err := m.client.PostKID(ctx, m.key, m.url, m.url, payload)
	if err != nil {
		return nil, err
	}

	var acc acme.Account
	if err := json.Unmarshal(resp.Body, &acc); err != nil {
		return nil, acmeerr.Protocol("malformed contact update response").WithUnderlying(err)
	}
	m.account = &acc
	return &acc, nil
}

// Deactivate marks the account deactivated. The account URL is retained
// for diagnostics but all further requests under this manager fail with
// Unauthorized, mirroring the CA's own post-deactivation behavior.
func (m *Manager) Deactivate(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.url == "" {
		return acmeerr.Unauthorized("account is not registered")
	}
	if m.key == nil {
		return acmeerr.Unauthorized("account key is no longer available (account deactivated)")
	}

	payload, err := json.Marshal(struct {
		Status string `json:"status"`
	}{Status: "deactivated"})
	if err != nil {
		return acmeerr.Protocol("failed to marshal deactivation request").WithUnderlying(err)
	}

	_, err = m.client.PostKID(ctx, m.key, m.url, m.url, payload)
	if err != nil {
		return err
	}

	m.logger.Info("account deactivated", "url", m.url)
	m.key = nil
	return nil
}

// Rollover replaces the active account key, signing the inner JWS with
// newKey per spec.md §4.4. The live key is only swapped once the CA
// confirms the rollover; on any failure the old key remains active.
func (m *Manager) Rollover(ctx context.Context, newKey *acme.AccountKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.url == "" {
		return acmeerr.Unauthorized("account is not registered")
	}
	if m.key == nil {
		return acmeerr.Unauthorized("account key is no longer available (account deactivated)")
	}

	dir, err := m.client.Directory(ctx)
	if err != nil {
		return err
	}

	inner := acme.KeyChangeInner{
		Account: m.url,
		OldKey:  m.key.JWK(),
	}
	innerPayload, err := json.Marshal(inner)
	if err != nil {
		return acmeerr.Protocol("failed to marshal keyChange inner payload").WithUnderlying(err)
	}

	signer := acme.NewSigner()
	innerJWS, err := signer.SignJWK(newKey, dir.KeyChange, "", innerPayload)
	if err != nil {
		return err
	}

	outerPayload, err := json.Marshal(innerJWS)
	if err != nil {
		return acmeerr.Protocol("failed to marshal keyChange outer payload").WithUnderlying(err)
	}

	_, err = m.client.PostKID(ctx, m.key, m.url, dir.KeyChange, outerPayload)
	if err != nil {
		return err
	}

	m.key = newKey
	m.logger.Info("account key rollover complete", "url", m.url)
	return nil
}

// Thumbprint returns the current account key's RFC 7638 thumbprint.
// Recomputed every call; never cached across a rollover (spec.md §4.4).
func (m *Manager) Thumbprint() (string, error) {
	m.mu.RLock()
	key := m.key
	m.mu.RUnlock()
	if key == nil {
		return "", acmeerr.Crypto("no account key available")
	}
	return key.Thumbprint()
}
