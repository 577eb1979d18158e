// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package storage provides the durable-state contracts for the authorization
// server (clients, consents, authorization codes, refresh tokens, signing
// keys) and in-memory and Redis implementations of them.
package storage

import (
	"context"
	"errors"
	"time"
)

// Storage errors.
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyExists indicates a create would overwrite an existing record.
	ErrAlreadyExists = errors.New("record already exists")

	// ErrCodeConsumed indicates an authorization code was already redeemed.
	// Redemption is single-use; seeing this error means the code is being
	// replayed.
	ErrCodeConsumed = errors.New("authorization code already consumed")
)

// DefaultConsumedCodeRetention is how long a redeemed code's tombstone is
// kept so that replays can be distinguished from unknown codes.
const DefaultConsumedCodeRetention = 24 * time.Hour

// Address is the OIDC address claim structure.
type Address struct {
	Formatted     string `json:"formatted,omitempty"`
	StreetAddress string `json:"street_address,omitempty"`
	Locality      string `json:"locality,omitempty"`
	Region        string `json:"region,omitempty"`
	PostalCode    string `json:"postal_code,omitempty"`
	Country       string `json:"country,omitempty"`
}

// User is the end-user identity the login collaborator resolves for a
// request. ID becomes the "sub" claim of issued tokens.
type User struct {
	ID string `json:"id"`

	// Profile scope claims.
	Name              string    `json:"name,omitempty"`
	GivenName         string    `json:"given_name,omitempty"`
	FamilyName        string    `json:"family_name,omitempty"`
	Nickname          string    `json:"nickname,omitempty"`
	PreferredUsername string    `json:"preferred_username,omitempty"`
	Picture           string    `json:"picture,omitempty"`
	Website           string    `json:"website,omitempty"`
	Gender            string    `json:"gender,omitempty"`
	Birthdate         string    `json:"birthdate,omitempty"`
	Zoneinfo          string    `json:"zoneinfo,omitempty"`
	Locale            string    `json:"locale,omitempty"`
	UpdatedAt         time.Time `json:"updated_at,omitempty"`

	// Email scope claims.
	Email         string `json:"email,omitempty"`
	EmailVerified bool   `json:"email_verified,omitempty"`

	// Phone scope claims.
	PhoneNumber         string `json:"phone_number,omitempty"`
	PhoneNumberVerified bool   `json:"phone_number_verified,omitempty"`

	// Address scope claim.
	Address *Address `json:"address,omitempty"`

	// LastAuthenticatedAt is when the user last authenticated with the
	// login collaborator; it becomes the auth_time claim.
	LastAuthenticatedAt time.Time `json:"last_authenticated_at,omitempty"`
}

// Client is a registered relying party. Clients are created and updated by
// an external admin surface; the protocol engine reads them only.
type Client struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Secret string `json:"secret,omitempty"`

	// RedirectURIs is the exact-match set of allowed redirect targets.
	RedirectURIs []string `json:"redirect_uris"`

	// PostLogoutRedirectURIs is the exact-match set of allowed post-logout
	// redirect targets for RP-initiated logout.
	PostLogoutRedirectURIs []string `json:"post_logout_redirect_uris,omitempty"`

	// ResponseTypes holds the registered response_type values in canonical
	// space-separated form (e.g. "code", "code id_token").
	ResponseTypes []string `json:"response_types"`

	// GrantTypes holds the allowed token endpoint grants.
	GrantTypes []string `json:"grant_types"`

	// Scopes the client may request. Empty means any scope.
	Scopes []string `json:"scopes,omitempty"`

	// SigningAlgorithm for tokens issued to this client (RS256 by default).
	SigningAlgorithm string `json:"signing_algorithm,omitempty"`

	// SkipConsent marks clients trusted enough to bypass the consent
	// prompt regardless of the ledger.
	SkipConsent bool `json:"skip_consent,omitempty"`

	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// IsPublic reports whether the client is a public client (no secret).
func (c *Client) IsPublic() bool {
	return c.Secret == ""
}

// AllowsRedirectURI reports whether uri is an exact member of the registered
// redirect URI set. No normalization: RFC 6749 Section 3.1.2.3 requires the
// comparison to be literal.
func (c *Client) AllowsRedirectURI(uri string) bool {
	for _, registered := range c.RedirectURIs {
		if registered == uri {
			return true
		}
	}
	return false
}

// AllowsPostLogoutRedirectURI reports whether uri is a registered
// post-logout redirect target, with the same literal comparison.
func (c *Client) AllowsPostLogoutRedirectURI(uri string) bool {
	for _, registered := range c.PostLogoutRedirectURIs {
		if registered == uri {
			return true
		}
	}
	return false
}

// AllowsGrantType reports whether the client is registered for grantType.
// A client with no registered grant types allows authorization_code only.
func (c *Client) AllowsGrantType(grantType string) bool {
	if len(c.GrantTypes) == 0 {
		return grantType == "authorization_code"
	}
	for _, g := range c.GrantTypes {
		if g == grantType {
			return true
		}
	}
	return false
}

// AuthorizationCode is a short-lived single-use grant minted by the
// authorize flow and redeemed exactly once by the token flow.
type AuthorizationCode struct {
	Code string `json:"code"`

	ClientID    string    `json:"client_id"`
	UserID      string    `json:"user_id"`
	Scopes      []string  `json:"scopes"`
	RedirectURI string    `json:"redirect_uri"`
	Nonce       string    `json:"nonce,omitempty"`
	AuthTime    time.Time `json:"auth_time"`

	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IsExpired reports whether the code has passed its expiry.
func (c *AuthorizationCode) IsExpired() bool {
	return time.Now().After(c.ExpiresAt)
}

// Consent records that a user approved a client for a scope set.
type Consent struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	ClientID  string    `json:"client_id"`
	Scopes    []string  `json:"scopes"`
	GrantedAt time.Time `json:"granted_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IsExpired reports whether the consent has passed its expiry. A zero
// ExpiresAt never expires.
func (c *Consent) IsExpired() bool {
	return !c.ExpiresAt.IsZero() && time.Now().After(c.ExpiresAt)
}

// Covers reports whether this consent honors a request for the given scopes:
// the consent must be unexpired and the requested scopes a subset of the
// granted set.
func (c *Consent) Covers(requested []string) bool {
	if c.IsExpired() {
		return false
	}
	granted := make(map[string]bool, len(c.Scopes))
	for _, s := range c.Scopes {
		granted[s] = true
	}
	for _, s := range requested {
		if !granted[s] {
			return false
		}
	}
	return true
}

// RefreshToken is a durable grant for re-issuing tokens without user
// interaction. CodeID links the token back to the authorization code it was
// minted from, for replay-triggered revocation.
type RefreshToken struct {
	Token string `json:"token"`

	ClientID string    `json:"client_id"`
	UserID   string    `json:"user_id"`
	Scopes   []string  `json:"scopes"`
	Nonce    string    `json:"nonce,omitempty"`
	AuthTime time.Time `json:"auth_time"`

	CodeID string `json:"code_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// IsExpired reports whether the refresh token has passed its expiry. A zero
// ExpiresAt never expires.
func (t *RefreshToken) IsExpired() bool {
	return !t.ExpiresAt.IsZero() && time.Now().After(t.ExpiresAt)
}

// SigningKeyRecord is a provisioned signing key persisted through the
// storage collaborator. PEM holds the PKCS8 private key; only the key
// provider ever reads it.
type SigningKeyRecord struct {
	KeyID     string    `json:"kid"`
	Algorithm string    `json:"alg"`
	PEM       []byte    `json:"pem"`
	Retired   bool      `json:"retired,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ClientStore provides registered client lookup and admin CRUD.
type ClientStore interface {
	// GetClient returns the client with the given ID, or ErrNotFound.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// CreateClient registers a new client, or ErrAlreadyExists.
	CreateClient(ctx context.Context, client *Client) error

	// UpdateClient replaces an existing client, or ErrNotFound.
	UpdateClient(ctx context.Context, client *Client) error

	// DeleteClient removes a client, or ErrNotFound.
	DeleteClient(ctx context.Context, clientID string) error
}

// ConsentStore is the consent ledger.
type ConsentStore interface {
	// SaveConsent records or replaces the consent for (user, client).
	SaveConsent(ctx context.Context, consent *Consent) error

	// GetConsent returns the consent for (user, client), or ErrNotFound.
	GetConsent(ctx context.Context, userID, clientID string) (*Consent, error)

	// DeleteConsent removes the consent for (user, client), or ErrNotFound.
	DeleteConsent(ctx context.Context, userID, clientID string) error
}

// CodeStore persists authorization codes with atomic single-use redemption.
type CodeStore interface {
	// SaveAuthorizationCode persists a freshly minted code. The write must
	// be durable before the authorize flow redirects, since the client
	// redeems immediately.
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// RedeemAuthorizationCode atomically looks up and invalidates a code.
	// Exactly one concurrent caller observes the record; later callers get
	// ErrCodeConsumed, unknown codes get ErrNotFound. Expiry is not checked
	// here; the token flow checks it so that an expired code still consumes
	// its single use.
	RedeemAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)
}

// RefreshTokenStore persists refresh tokens with rotation semantics.
type RefreshTokenStore interface {
	// SaveRefreshToken persists a refresh token.
	SaveRefreshToken(ctx context.Context, token *RefreshToken) error

	// RedeemRefreshToken atomically looks up and removes a refresh token
	// (rotation). Unknown tokens get ErrNotFound.
	RedeemRefreshToken(ctx context.Context, token string) (*RefreshToken, error)

	// RevokeRefreshTokensByCode removes every refresh token minted from
	// the given authorization code and returns how many were removed.
	// Called when code replay is detected.
	RevokeRefreshTokensByCode(ctx context.Context, codeID string) (int, error)
}

// SigningKeyStore persists provisioned signing keys.
type SigningKeyStore interface {
	// SaveSigningKey persists a key record, keyed by KeyID.
	SaveSigningKey(ctx context.Context, record *SigningKeyRecord) error

	// GetSigningKey returns the record for kid, or ErrNotFound.
	GetSigningKey(ctx context.Context, kid string) (*SigningKeyRecord, error)

	// ListSigningKeys returns all key records, oldest first.
	ListSigningKeys(ctx context.Context) ([]*SigningKeyRecord, error)

	// DeleteSigningKey removes the record for kid, or ErrNotFound.
	DeleteSigningKey(ctx context.Context, kid string) error
}

// Storage combines all durable-state contracts the protocol engine needs.
type Storage interface {
	ClientStore
	ConsentStore
	CodeStore
	RefreshTokenStore
	SigningKeyStore
}
