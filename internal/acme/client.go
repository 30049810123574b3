package acme

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/shibukawa/acmeclient/internal/acmeerr"
	"github.com/shibukawa/acmeclient/internal/logger"
)

const jwsContentType = "application/jose+json"

// Client is the transport layer every higher package talks through: it
// owns nonce handling, retries a bad-nonce response exactly once
// (spec.md §4.5), and never exposes raw net/http to callers.
type Client struct {
	http   *http.Client
	dir    *DirectoryCache
	nonces *NoncePool
	signer *Signer
	logger *logger.Logger
}

// NewClient wires an http.Client to the directory cache and nonce pool
// that back every signed request.
func NewClient(httpClient *http.Client, dir *DirectoryCache, nonces *NoncePool, log *logger.Logger) *Client {
	return &Client{
		http:   httpClient,
		dir:    dir,
		nonces: nonces,
		signer: NewSigner(),
		logger: log.WithComponent("acme-client"),
	}
}

// Directory returns the cached CA directory, fetching it on first use.
func (c *Client) Directory(ctx context.Context) (*Directory, error) {
	return c.dir.Fetch(ctx)
}

// Response wraps a decoded ACME response together with the headers
// callers commonly need (Location for newAccount/newOrder, Retry-After
// for processing polls).
type Response struct {
	StatusCode int
	Location   string
	RetryAfter string
	Body       []byte
}

// PostKID signs payload with the account's kid and POSTs it to url,
// retrying once on badNonce.
func (c *Client) PostKID(ctx context.Context, key *AccountKey, kid, url string, payload []byte) (*Response, error) {
	return c.post(ctx, url, func(nonce string) (*JWS, error) {
		return c.signer.SignKID(key, kid, url, nonce, payload)
	})
}

// PostJWK signs payload with the account key embedded inline and POSTs
// it to url — newAccount and certificate-key revocation.
func (c *Client) PostJWK(ctx context.Context, key *AccountKey, url string, payload []byte) (*Response, error) {
	return c.post(ctx, url, func(nonce string) (*JWS, error) {
		return c.signer.SignJWK(key, url, nonce, payload)
	})
}

// PostAsGet performs an authenticated GET (an empty-payload POST signed
// with kid), the mechanism RFC 8555 uses for fetching order/authorization/
// challenge resources.
func (c *Client) PostAsGet(ctx context.Context, key *AccountKey, kid, url string) (*Response, error) {
	return c.PostKID(ctx, key, kid, url, []byte{})
}

// post performs the sign-send-retry-on-bad-nonce cycle shared by every
// authenticated request shape.
func (c *Client) post(ctx context.Context, url string, build func(nonce string) (*JWS, error)) (*Response, error) {
	resp, retryErr := c.attempt(ctx, url, build)
	if retryErr == nil {
		return resp, nil
	}
	if !isBadNonce(retryErr) {
		return nil, retryErr
	}

	c.logger.Debug("retrying request after bad nonce", "url", url)
	resp, err := c.attempt(ctx, url, build)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) attempt(ctx context.Context, url string, build func(nonce string) (*JWS, error)) (*Response, error) {
	nonce, err := c.nonces.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	jws, err := build(nonce)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(jws)
	if err != nil {
		return nil, acmeerr.Crypto("failed to marshal JWS envelope").WithUnderlying(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, acmeerr.Transport("failed to build ACME request").WithUnderlying(err)
	}
	req.Header.Set("Content-Type", jwsContentType)

	httpResp, err := c.http.Do(req)
	if err != nil {
		return nil, acmeerr.Transport("ACME request failed").WithUnderlying(err)
	}
	defer httpResp.Body.Close()

	if replay := httpResp.Header.Get("Replay-Nonce"); replay != "" {
		c.nonces.Deposit(replay)
	}

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, acmeerr.Transport("failed to read ACME response body").WithUnderlying(err)
	}

	result := &Response{
		StatusCode: httpResp.StatusCode,
		Location:   httpResp.Header.Get("Location"),
		RetryAfter: httpResp.Header.Get("Retry-After"),
		Body:       respBody,
	}

	if httpResp.StatusCode >= 400 {
		return result, problemError(respBody, httpResp.StatusCode, httpResp.Header.Get("Retry-After"))
	}
	return result, nil
}

// problemError decodes an RFC 7807 error body and maps it to our taxonomy
// per spec.md §7.
func problemError(body []byte, status int, retryAfter string) error {
	var pd ProblemDetails
	if err := json.Unmarshal(body, &pd); err != nil || pd.Type == "" {
		return acmeerr.Protocol("CA returned an error without a parseable problem document").WithContext("status", status)
	}

	switch pd.Type {
	case ErrorTypeBadNonce:
		return acmeerr.BadNonce(pd.Detail)
	case ErrorTypeRateLimited:
		return acmeerr.RateLimited(parseRetryAfter(retryAfter)).WithDetails(pd.Detail)
	case ErrorTypeAccountDoesNotExist:
		return acmeerr.AccountDoesNotExist().WithDetails(pd.Detail)
	case ErrorTypeExternalAccountRequired:
		return acmeerr.EabRequired().WithDetails(pd.Detail)
	case ErrorTypeUnauthorized:
		return acmeerr.Unauthorized(pd.Detail)
	default:
		return acmeerr.Protocol(pd.Detail).WithContext("problem_type", pd.Type).WithContext("status", status)
	}
}

// parseRetryAfter reads a Retry-After header as a delay in seconds, the
// form RFC 8555 CAs use; an absent or non-numeric header yields zero,
// leaving the choice of a default backoff to the caller.
func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	secs, err := strconv.Atoi(header)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func isBadNonce(err error) bool {
	ae, ok := err.(*acmeerr.Error)
	return ok && ae.Kind == acmeerr.KindBadNonce
}
