// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package bearer verifies access tokens this server issued, for the
// userinfo endpoint and any host resource that trusts the key store
// directly instead of fetching the public JWKS.
package bearer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/stacklok/oidcd/pkg/authserver/keys"
)

// Validation errors.
var (
	ErrNoToken        = errors.New("no bearer token provided")
	ErrInvalidToken   = errors.New("invalid bearer token")
	ErrMissingScope   = errors.New("token does not carry the required scope")
	ErrUnknownKey     = errors.New("token signed with an unknown key")
	ErrInvalidIssuer  = errors.New("invalid token issuer")
	ErrInvalidSubject = errors.New("token has no subject")
)

// AccessClaims is the validated content of an access token.
type AccessClaims struct {
	Subject   string
	ClientID  string
	Scopes    []string
	ExpiresAt time.Time
}

// HasScope reports whether the token was granted the given scope.
func (c *AccessClaims) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Validator verifies access tokens against the key store's published keys.
type Validator struct {
	keys   keys.KeyProvider
	issuer string
}

// NewValidator creates a validator for tokens carrying the given issuer.
func NewValidator(keyProvider keys.KeyProvider, issuer string) *Validator {
	return &Validator{keys: keyProvider, issuer: issuer}
}

// allowedMethods are the signing algorithms this server ever uses.
var allowedMethods = []string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}

// Validate parses and verifies a serialized access token: signature against
// a published key selected by kid, issuer, and expiry.
func (v *Validator) Validate(ctx context.Context, tokenString string) (*AccessClaims, error) {
	if tokenString == "" {
		return nil, ErrNoToken
	}

	parsed, err := jwt.Parse(tokenString,
		func(t *jwt.Token) (any, error) { return v.verificationKey(ctx, t) },
		jwt.WithValidMethods(allowedMethods),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenInvalidIssuer) {
			return nil, ErrInvalidIssuer
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	mapClaims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	sub, _ := mapClaims["sub"].(string)
	if sub == "" {
		return nil, ErrInvalidSubject
	}

	out := &AccessClaims{Subject: sub}
	if clientID, ok := mapClaims["client_id"].(string); ok {
		out.ClientID = clientID
	}
	if scope, ok := mapClaims["scope"].(string); ok {
		out.Scopes = strings.Fields(scope)
	}
	if exp, err := mapClaims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time
	}
	return out, nil
}

// verificationKey resolves the public key for the token's kid header.
func (v *Validator) verificationKey(ctx context.Context, t *jwt.Token) (any, error) {
	kid, _ := t.Header["kid"].(string)
	if kid == "" {
		return nil, fmt.Errorf("%w: missing kid header", ErrUnknownKey)
	}

	published, err := v.keys.PublicKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read public keys: %w", err)
	}
	for _, key := range published {
		if key.KeyID == kid {
			return key.PublicKey, nil
		}
	}
	return nil, fmt.Errorf("%w: kid %q", ErrUnknownKey, kid)
}

// FromRequest extracts the bearer token from the Authorization header or,
// for POST userinfo calls, the access_token form field (OIDC Core
// Section 5.3.1).
func FromRequest(r *http.Request) (string, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return "", fmt.Errorf("%w: malformed Authorization header", ErrNoToken)
		}
		return parts[1], nil
	}
	if r.Method == http.MethodPost {
		if token := r.PostFormValue("access_token"); token != "" {
			return token, nil
		}
	}
	return "", ErrNoToken
}
