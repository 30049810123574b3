// Package acme implements the ACME v2 (RFC 8555) wire protocol as seen
// from the client: directory discovery, nonce handling, JWS-signed
// requests, and the Order/Authorization/Challenge resource shapes.
package acme

import "time"

// Directory describes the CA's endpoint URLs (spec.md §4.1).
type Directory struct {
	NewNonce   string         `json:"newNonce"`
	NewAccount string         `json:"newAccount"`
	NewOrder   string         `json:"newOrder"`
	NewAuthz   string         `json:"newAuthz,omitempty"`
	RevokeCert string         `json:"revokeCert"`
	KeyChange  string         `json:"keyChange"`
	Meta       *DirectoryMeta `json:"meta,omitempty"`
}

// DirectoryMeta carries CA metadata, notably whether EAB is mandatory.
type DirectoryMeta struct {
	TermsOfService          string   `json:"termsOfService,omitempty"`
	Website                 string   `json:"website,omitempty"`
	CaaIdentities           []string `json:"caaIdentities,omitempty"`
	ExternalAccountRequired bool     `json:"externalAccountRequired,omitempty"`
}

// Identifier is a domain identifier, possibly a wildcard.
type Identifier struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Account is the wire representation of an ACME account resource.
type Account struct {
	Status               string   `json:"status"`
	Contact               []string `json:"contact,omitempty"`
	TermsOfServiceAgreed  bool     `json:"termsOfServiceAgreed,omitempty"`
	OnlyReturnExisting    bool     `json:"onlyReturnExisting,omitempty"`
	ExternalAccountBinding *JWS    `json:"externalAccountBinding,omitempty"`
	Orders                string  `json:"orders,omitempty"`
}

// Order is the wire representation of an order resource (spec.md §3).
type Order struct {
	Status         string          `json:"status"`
	Expires        time.Time       `json:"expires,omitempty"`
	Identifiers    []Identifier    `json:"identifiers"`
	NotBefore      *time.Time      `json:"notBefore,omitempty"`
	NotAfter       *time.Time      `json:"notAfter,omitempty"`
	Error          *ProblemDetails `json:"error,omitempty"`
	Authorizations []string        `json:"authorizations"`
	Finalize       string          `json:"finalize"`
	Certificate    string          `json:"certificate,omitempty"`
}

// Order status constants (spec.md §3).
const (
	OrderStatusPending    = "pending"
	OrderStatusReady      = "ready"
	OrderStatusProcessing = "processing"
	OrderStatusValid      = "valid"
	OrderStatusInvalid    = "invalid"
)

// Authorization is the wire representation of an authorization resource.
type Authorization struct {
	Identifier Identifier      `json:"identifier"`
	Status     string          `json:"status"`
	Expires    time.Time       `json:"expires,omitempty"`
	Challenges []Challenge     `json:"challenges"`
	Wildcard   bool            `json:"wildcard,omitempty"`
}

// Authorization status constants.
const (
	AuthzStatusPending     = "pending"
	AuthzStatusValid       = "valid"
	AuthzStatusInvalid     = "invalid"
	AuthzStatusDeactivated = "deactivated"
	AuthzStatusExpired     = "expired"
	AuthzStatusRevoked     = "revoked"
)

// Challenge is one validation method offered for an authorization.
type Challenge struct {
	Type      string          `json:"type"`
	URL       string          `json:"url"`
	Status    string          `json:"status"`
	Token     string          `json:"token"`
	Validated *time.Time      `json:"validated,omitempty"`
	Error     *ProblemDetails `json:"error,omitempty"`
}

// Challenge type and status constants (spec.md §3).
const (
	ChallengeTypeHTTP01    = "http-01"
	ChallengeTypeDNS01     = "dns-01"
	ChallengeTypeTLSALPN01 = "tls-alpn-01"

	ChallengeStatusPending    = "pending"
	ChallengeStatusProcessing = "processing"
	ChallengeStatusValid      = "valid"
	ChallengeStatusInvalid    = "invalid"
)

// ProblemDetails is the RFC 7807 error body the CA returns.
type ProblemDetails struct {
	Type        string       `json:"type"`
	Title       string       `json:"title,omitempty"`
	Status      int          `json:"status,omitempty"`
	Detail      string       `json:"detail"`
	Instance    string       `json:"instance,omitempty"`
	SubProblems []SubProblem `json:"subproblems,omitempty"`
}

func (p *ProblemDetails) Error() string {
	return p.Type + ": " + p.Detail
}

// SubProblem is one entry in a compound ProblemDetails.
type SubProblem struct {
	Type       string     `json:"type"`
	Detail     string     `json:"detail"`
	Identifier Identifier `json:"identifier"`
}

// Well-known ACME error document types (RFC 8555 §6.7) the client
// recognizes and reacts to (spec.md §6).
const (
	ErrorTypeBadNonce                = "urn:ietf:params:acme:error:badNonce"
	ErrorTypeRateLimited             = "urn:ietf:params:acme:error:rateLimited"
	ErrorTypeAccountDoesNotExist     = "urn:ietf:params:acme:error:accountDoesNotExist"
	ErrorTypeExternalAccountRequired = "urn:ietf:params:acme:error:externalAccountRequired"
	ErrorTypeUnauthorized            = "urn:ietf:params:acme:error:unauthorized"
)

// FinalizeRequest is the payload POSTed to an order's finalize URL.
type FinalizeRequest struct {
	CSR string `json:"csr"`
}

// KeyChangeInner is the inner-JWS payload for account key rollover.
type KeyChangeInner struct {
	Account string      `json:"account"`
	OldKey  interface{} `json:"oldKey"`
}

// RevocationRequest is the payload POSTed to revokeCert.
type RevocationRequest struct {
	Certificate string `json:"certificate"`
	Reason      *int   `json:"reason,omitempty"`
}

// JWS is the flattened-JSON serialization used by every ACME request.
type JWS struct {
	Protected string `json:"protected"`
	Payload   string `json:"payload"`
	Signature string `json:"signature"`
}
