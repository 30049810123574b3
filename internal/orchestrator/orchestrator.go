// Package orchestrator drives a single Order through the ACME v2 state
// machine — create, authorize, poll, finalize, poll, download, bundle —
// per spec.md §4.5. One orchestration run owns one Order.
package orchestrator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/shibukawa/acmeclient/internal/acme"
	"github.com/shibukawa/acmeclient/internal/acmeerr"
	"github.com/shibukawa/acmeclient/internal/certbundle"
	"github.com/shibukawa/acmeclient/internal/logger"
	"github.com/shibukawa/acmeclient/internal/solver"
)

// Config bounds the orchestrator's polling behavior (spec.md §5).
type Config struct {
	AuthzPollInitial time.Duration
	AuthzPollFactor  float64
	AuthzPollCap     time.Duration
	AuthzPollTimeout time.Duration
	OrderPollTimeout time.Duration
}

// DefaultConfig matches spec.md §4.5/§5's stated defaults.
func DefaultConfig() Config {
	return Config{
		AuthzPollInitial: 2 * time.Second,
		AuthzPollFactor:  1.5,
		AuthzPollCap:     30 * time.Second,
		AuthzPollTimeout: 5 * time.Minute,
		OrderPollTimeout: 15 * time.Minute,
	}
}

// AccountKeyer is the minimal surface the orchestrator needs from the
// Account Manager: the current key, its kid, and its thumbprint.
type AccountKeyer interface {
	Key() *acme.AccountKey
	URL() string
	Thumbprint() (string, error)
}

// Orchestrator runs the order workflow for one set of identifiers.
type Orchestrator struct {
	client   *acme.Client
	account  AccountKeyer
	registry *solver.Registry
	cfg      Config
	logger   *logger.Logger
}

// New builds an Orchestrator.
func New(client *acme.Client, account AccountKeyer, registry *solver.Registry, cfg Config, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		client:   client,
		account:  account,
		registry: registry,
		cfg:      cfg,
		logger:   log.WithComponent("orchestrator"),
	}
}

// setupRecord tracks one solver invocation so cleanup can run in reverse
// order regardless of which exit path is taken (spec.md §4.5's cleanup
// contract).
type setupRecord struct {
	solver     *solver.Solver
	challenge  *acme.Challenge
	identifier string
}

// Run drives identifiers through the full order lifecycle and returns the
// resulting Certificate Bundle. progress narrates state transitions for
// the Task Tracker; it may be nil.
func (o *Orchestrator) Run(ctx context.Context, identifiers []string, progress func(string)) (*certbundle.Bundle, error) {
	if progress == nil {
		progress = func(string) {}
	}
	if len(identifiers) == 0 {
		return nil, acmeerr.Protocol("order has zero identifiers")
	}

	dir, err := o.client.Directory(ctx)
	if err != nil {
		return nil, err
	}

	progress("creating order")
	order, orderURL, err := o.createOrder(ctx, dir, identifiers)
	if err != nil {
		return nil, err
	}

	var setups []setupRecord
	cleanup := func() {
		for i := len(setups) - 1; i >= 0; i-- {
			s := setups[i]
			if cerr := s.solver.Cleanup(ctx, s.challenge, s.identifier); cerr != nil {
				o.logger.Warn("solver cleanup failed", "identifier", s.identifier, "error", cerr)
			}
		}
	}
	defer cleanup()

	if order.Status == acme.OrderStatusPending {
		progress("authorizing")
		setups, err = o.authorize(ctx, order, progress)
		if err != nil {
			return nil, err
		}
	}

	// Idempotence (spec.md §4.5): re-running against an already-valid
	// order fast-forwards past authorize/finalize.
	if order.Certificate != "" {
		progress("downloading")
		return o.downloadAndBundle(ctx, order.Certificate, identifiers)
	}

	// A resumed order that already has finalization in flight (e.g. after a
	// prior run was cancelled mid-poll) must not re-enter finalize: that
	// would generate a fresh key+CSR and re-submit, violating the
	// finalize-is-submitted-at-most-once contract (spec.md §4.5, §8).
	// Resume just continues polling for the existing submission.
	if order.Status == acme.OrderStatusProcessing {
		progress("polling order")
		certURL, err := o.pollOrder(ctx, orderURL)
		if err != nil {
			return nil, err
		}
		return o.downloadAndBundle(ctx, certURL, identifiers)
	}

	if order.Status != acme.OrderStatusValid {
		progress("finalizing")
		keyPEM, certURL, err := o.finalize(ctx, order, orderURL, identifiers)
		if err != nil {
			return nil, err
		}
		progress("downloading")
		bundle, err := o.downloadAndBundle(ctx, certURL, identifiers)
		if err != nil {
			return nil, err
		}
		bundle.KeyPEM = keyPEM
		return bundle, nil
	}

	progress("downloading")
	return o.downloadAndBundle(ctx, order.Certificate, identifiers)
}

func (o *Orchestrator) createOrder(ctx context.Context, dir *acme.Directory, identifiers []string) (*acme.Order, string, error) {
	idents := make([]acme.Identifier, len(identifiers))
	for i, d := range identifiers {
		idents[i] = acme.Identifier{Type: "dns", Value: d}
	}

	payload, err := json.Marshal(struct {
		Identifiers []acme.Identifier `json:"identifiers"`
	}{Identifiers: idents})
	if err != nil {
		return nil, "", acmeerr.Protocol("failed to marshal newOrder request").WithUnderlying(err)
	}

	resp, err := o.client.PostKID(ctx, o.account.Key(), o.account.URL(), dir.NewOrder, payload)
	if err != nil {
		return nil, "", err
	}

	var order acme.Order
	if err := json.Unmarshal(resp.Body, &order); err != nil {
		return nil, "", acmeerr.Protocol("malformed newOrder response").WithUnderlying(err)
	}
	if resp.Location == "" {
		return nil, "", acmeerr.Protocol("newOrder response missing Location header")
	}
	return &order, resp.Location, nil
}

// authorize walks every authorization URL, setting up and signaling
// readiness for the first compatible challenge, then polling to valid.
func (o *Orchestrator) authorize(ctx context.Context, order *acme.Order, progress func(string)) ([]setupRecord, error) {
	var setups []setupRecord

	for _, authzURL := range order.Authorizations {
		authz, err := o.fetchAuthorization(ctx, authzURL)
		if err != nil {
			return setups, err
		}
		if authz.Status == acme.AuthzStatusValid {
			continue
		}

		s, challenge, err := o.registry.Select(authz.Identifier.Value, authz.Challenges)
		if err != nil {
			return setups, err
		}

		thumbprint, err := o.account.Thumbprint()
		if err != nil {
			return setups, err
		}
		keyAuth := challenge.Token + "." + thumbprint

		if err := s.Setup(ctx, challenge, authz.Identifier.Value, keyAuth); err != nil {
			return setups, err
		}
		setups = append(setups, setupRecord{solver: s, challenge: challenge, identifier: authz.Identifier.Value})

		expected := keyAuth
		if challenge.Type == acme.ChallengeTypeDNS01 {
			expected = solver.RecordValue(keyAuth)
		}
		ready, err := s.Ready(ctx, authz.Identifier.Value, expected)
		if err != nil {
			return setups, err
		}
		if !ready {
			if err := o.waitSelfReady(ctx, s, authz.Identifier.Value, expected); err != nil {
				return setups, err
			}
		}

		if err := o.notifyChallengeReady(ctx, challenge.URL); err != nil {
			return setups, err
		}

		progress("polling authorization for " + authz.Identifier.Value)
		if err := o.pollAuthorization(ctx, authzURL); err != nil {
			return setups, err
		}
	}

	return setups, nil
}

func (o *Orchestrator) waitSelfReady(ctx context.Context, s *solver.Solver, identifier, expected string) error {
	deadline := time.Now().Add(o.cfg.AuthzPollTimeout)
	for {
		if time.Now().After(deadline) {
			return acmeerr.ChallengeFailed(identifier, "self-check timed out waiting for evidence to propagate")
		}
		ready, err := s.Ready(ctx, identifier, expected)
		if err != nil {
			return err
		}
		if ready {
			return nil
		}
		select {
		case <-ctx.Done():
			return acmeerr.Cancelled()
		case <-time.After(2 * time.Second):
		}
	}
}

func (o *Orchestrator) fetchAuthorization(ctx context.Context, url string) (*acme.Authorization, error) {
	resp, err := o.client.PostAsGet(ctx, o.account.Key(), o.account.URL(), url)
	if err != nil {
		return nil, err
	}
	var authz acme.Authorization
	if err := json.Unmarshal(resp.Body, &authz); err != nil {
		return nil, acmeerr.Protocol("malformed authorization response").WithUnderlying(err)
	}
	return &authz, nil
}

func (o *Orchestrator) notifyChallengeReady(ctx context.Context, challengeURL string) error {
	_, err := o.client.PostKID(ctx, o.account.Key(), o.account.URL(), challengeURL, []byte("{}"))
	return err
}

// pollAuthorization implements the backoff policy of spec.md §4.5 step 3.
func (o *Orchestrator) pollAuthorization(ctx context.Context, authzURL string) error {
	deadline := time.Now().Add(o.cfg.AuthzPollTimeout)
	delay := o.cfg.AuthzPollInitial

	for {
		if ctx.Err() != nil {
			return acmeerr.Cancelled()
		}
		if time.Now().After(deadline) {
			return acmeerr.Protocol("authorization poll timed out")
		}

		authz, err := o.fetchAuthorization(ctx, authzURL)
		if err != nil {
			return err
		}

		switch authz.Status {
		case acme.AuthzStatusValid:
			return nil
		case acme.AuthzStatusInvalid, acme.AuthzStatusExpired, acme.AuthzStatusRevoked, acme.AuthzStatusDeactivated:
			return acmeerr.ChallengeFailed(authz.Identifier.Value, "authorization terminated as "+authz.Status)
		}

		select {
		case <-ctx.Done():
			return acmeerr.Cancelled()
		case <-time.After(delay):
		}

		delay = time.Duration(float64(delay) * o.cfg.AuthzPollFactor)
		if delay > o.cfg.AuthzPollCap {
			delay = o.cfg.AuthzPollCap
		}
	}
}

// finalize generates the certificate key and CSR, submits it, and polls
// the order to a terminal state (spec.md §4.5 steps 4-5).
func (o *Orchestrator) finalize(ctx context.Context, order *acme.Order, orderURL string, identifiers []string) (keyPEM []byte, certURL string, err error) {
	keyPEM, csrDER, err := certbundle.GenerateKeyAndCSR(identifiers)
	if err != nil {
		return nil, "", err
	}

	payload, err := json.Marshal(acme.FinalizeRequest{CSR: base64.RawURLEncoding.EncodeToString(csrDER)})
	if err != nil {
		return nil, "", acmeerr.Protocol("failed to marshal finalize request").WithUnderlying(err)
	}

	if _, err := o.client.PostKID(ctx, o.account.Key(), o.account.URL(), order.Finalize, payload); err != nil {
		return nil, "", err
	}

	certURL, err = o.pollOrder(ctx, orderURL)
	if err != nil {
		return nil, "", err
	}
	return keyPEM, certURL, nil
}

// pollOrder polls until the order is valid or invalid, returning the
// certificate URL on success.
func (o *Orchestrator) pollOrder(ctx context.Context, orderURL string) (string, error) {
	deadline := time.Now().Add(o.cfg.OrderPollTimeout)
	delay := o.cfg.AuthzPollInitial

	for {
		if ctx.Err() != nil {
			return "", acmeerr.Cancelled()
		}
		if time.Now().After(deadline) {
			return "", acmeerr.Protocol("order poll timed out")
		}

		resp, err := o.client.PostAsGet(ctx, o.account.Key(), o.account.URL(), orderURL)
		if err != nil {
			return "", err
		}
		var order acme.Order
		if err := json.Unmarshal(resp.Body, &order); err != nil {
			return "", acmeerr.Protocol("malformed order response").WithUnderlying(err)
		}

		switch order.Status {
		case acme.OrderStatusValid:
			if order.Certificate == "" {
				return "", acmeerr.Protocol("order valid but certificate URL missing")
			}
			return order.Certificate, nil
		case acme.OrderStatusInvalid:
			detail := "order finalization failed"
			if order.Error != nil {
				detail = order.Error.Detail
			}
			return "", acmeerr.ChallengeFailed("", detail)
		}

		wait := delay
		if resp.RetryAfter != "" {
			if d, perr := time.ParseDuration(resp.RetryAfter + "s"); perr == nil {
				wait = d
			}
		}
		select {
		case <-ctx.Done():
			return "", acmeerr.Cancelled()
		case <-time.After(wait):
		}

		delay = time.Duration(float64(delay) * o.cfg.AuthzPollFactor)
		if delay > o.cfg.AuthzPollCap {
			delay = o.cfg.AuthzPollCap
		}
	}
}

func (o *Orchestrator) downloadAndBundle(ctx context.Context, certURL string, identifiers []string) (*certbundle.Bundle, error) {
	resp, err := o.client.PostAsGet(ctx, o.account.Key(), o.account.URL(), certURL)
	if err != nil {
		return nil, err
	}
	return certbundle.FromChain(resp.Body, nil, identifiers)
}
