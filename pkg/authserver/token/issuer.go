// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package token implements the token-issuance engine and the token endpoint
// flow: client authentication, authorization-code and refresh-token
// redemption, and signed JWT construction.
package token

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"hash"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"

	"github.com/stacklok/oidcd/pkg/authserver/claims"
	"github.com/stacklok/oidcd/pkg/authserver/keys"
	"github.com/stacklok/oidcd/pkg/authserver/storage"
)

// Issuer signs ID tokens and access tokens with the key store's current
// signing key.
type Issuer struct {
	issuer              string
	keys                keys.KeyProvider
	resolver            *claims.Resolver
	accessTokenLifespan time.Duration
	idTokenLifespan     time.Duration
}

// NewIssuer creates a token issuer. The issuer string becomes the "iss"
// claim of every token.
func NewIssuer(
	issuerURL string,
	keyProvider keys.KeyProvider,
	resolver *claims.Resolver,
	accessTokenLifespan, idTokenLifespan time.Duration,
) *Issuer {
	return &Issuer{
		issuer:              issuerURL,
		keys:                keyProvider,
		resolver:            resolver,
		accessTokenLifespan: accessTokenLifespan,
		idTokenLifespan:     idTokenLifespan,
	}
}

// Issuer returns the "iss" value this issuer stamps on tokens.
func (i *Issuer) Issuer() string {
	return i.issuer
}

// AccessTokenLifespan returns the configured access token lifetime.
func (i *Issuer) AccessTokenLifespan() time.Duration {
	return i.accessTokenLifespan
}

// Resolver returns the claims resolver used for userinfo-style claim sets.
func (i *Issuer) Resolver() *claims.Resolver {
	return i.resolver
}

// IDTokenParams carries the inputs for signing an ID token.
type IDTokenParams struct {
	User     *storage.User
	ClientID string
	Scopes   []string
	Nonce    string
	AuthTime time.Time

	// AccessToken, when set, adds the at_hash claim (OIDC Core 3.2.2.9).
	AccessToken string

	// Code, when set, adds the c_hash claim (OIDC Core 3.3.2.11).
	Code string
}

// SignIDToken builds and signs an ID token.
func (i *Issuer) SignIDToken(ctx context.Context, p IDTokenParams) (string, error) {
	key, err := i.keys.SigningKey(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get signing key: %w", err)
	}

	now := time.Now()
	body := map[string]any{
		"iss": i.issuer,
		"sub": p.User.ID,
		"aud": p.ClientID,
		"iat": now.Unix(),
		"exp": now.Add(i.idTokenLifespan).Unix(),
	}
	if p.Nonce != "" {
		body["nonce"] = p.Nonce
	}
	if !p.AuthTime.IsZero() {
		body["auth_time"] = p.AuthTime.Unix()
	}
	if p.AccessToken != "" {
		h, err := halfHash(key.Algorithm, p.AccessToken)
		if err != nil {
			return "", err
		}
		body["at_hash"] = h
	}
	if p.Code != "" {
		h, err := halfHash(key.Algorithm, p.Code)
		if err != nil {
			return "", err
		}
		body["c_hash"] = h
	}

	return i.sign(key, body)
}

// SignAccessToken builds and signs a JWT access token. The scope claim
// carries the granted scopes so the userinfo path can gate claims without a
// token table.
func (i *Issuer) SignAccessToken(ctx context.Context, user *storage.User, clientID string, scopes []string) (string, error) {
	key, err := i.keys.SigningKey(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get signing key: %w", err)
	}

	now := time.Now()
	body := map[string]any{
		"iss":       i.issuer,
		"sub":       user.ID,
		"aud":       clientID,
		"client_id": clientID,
		"scope":     strings.Join(scopes, " "),
		"iat":       now.Unix(),
		"exp":       now.Add(i.accessTokenLifespan).Unix(),
		"jti":       uuid.New().String(),
	}

	return i.sign(key, body)
}

func (i *Issuer) sign(key *keys.SigningKeyData, body map[string]any) (string, error) {
	signingKey := jose.SigningKey{
		Algorithm: jose.SignatureAlgorithm(key.Algorithm),
		Key: jose.JSONWebKey{
			Key:       key.Key,
			KeyID:     key.KeyID,
			Algorithm: key.Algorithm,
		},
	}
	opts := (&jose.SignerOptions{}).WithType("JWT")

	signer, err := jose.NewSigner(signingKey, opts)
	if err != nil {
		return "", fmt.Errorf("failed to create signer: %w", err)
	}

	serialized, err := jwt.Signed(signer).Claims(body).Serialize()
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return serialized, nil
}

// halfHash computes the OIDC token hash: base64url of the left half of the
// hash matching the signing algorithm's bit size.
func halfHash(alg, value string) (string, error) {
	var h hash.Hash
	switch alg {
	case "RS256", "ES256", "PS256":
		h = sha256.New()
	case "RS384", "ES384", "PS384":
		h = sha512.New384()
	case "RS512", "ES512", "PS512":
		h = sha512.New()
	default:
		return "", fmt.Errorf("unsupported algorithm for token hash: %s", alg)
	}
	h.Write([]byte(value))
	sum := h.Sum(nil)
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2]), nil
}
