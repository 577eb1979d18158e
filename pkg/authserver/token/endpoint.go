// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/stacklok/oidcd/pkg/authserver/claims"
	"github.com/stacklok/oidcd/pkg/authserver/crypto"
	"github.com/stacklok/oidcd/pkg/authserver/oauthproto"
	"github.com/stacklok/oidcd/pkg/authserver/storage"
)

// Supported grant types.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
)

// Request is a validated token endpoint request: the client has
// authenticated and the grant parameters are syntactically present.
type Request struct {
	GrantType string
	Client    *storage.Client

	// Authorization code grant.
	Code         string
	RedirectURI  string
	CodeVerifier string

	// Refresh token grant.
	RefreshToken string
	Scope        string

	// UsedBasicAuth records how the client authenticated, so a 401 can
	// carry the matching WWW-Authenticate challenge.
	UsedBasicAuth bool
}

// Response is the successful token endpoint response body (RFC 6749
// Section 5.1, OIDC Core Section 3.1.3.3).
type Response struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// Endpoint implements the token endpoint flow over the storage and issuance
// collaborators.
type Endpoint struct {
	store                storage.Storage
	issuer               *Issuer
	refreshTokenLifespan time.Duration
}

// NewEndpoint creates a token endpoint. refreshTokenLifespan of zero means
// refresh tokens never expire.
func NewEndpoint(store storage.Storage, issuer *Issuer, refreshTokenLifespan time.Duration) *Endpoint {
	return &Endpoint{
		store:                store,
		issuer:               issuer,
		refreshTokenLifespan: refreshTokenLifespan,
	}
}

// ParseRequest authenticates the client and extracts grant parameters.
// Client authentication happens before any grant validation; failures are
// *oauthproto.TokenError with invalid_client and 401.
func (e *Endpoint) ParseRequest(ctx context.Context, r *http.Request) (*Request, error) {
	if err := r.ParseForm(); err != nil {
		return nil, oauthproto.NewTokenError(oauthproto.ErrorInvalidRequest, "malformed request body")
	}

	clientID, clientSecret, usedBasic := clientCredentials(r)
	if clientID == "" {
		return nil, oauthproto.NewInvalidClientError("client authentication required")
	}

	client, err := e.store.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, oauthproto.NewInvalidClientError("unknown client")
		}
		slog.Error("failed to load client", "client_id", clientID, "error", err)
		return nil, oauthproto.NewTokenError(oauthproto.ErrorServerError, "failed to load client")
	}

	if !client.IsPublic() {
		if subtle.ConstantTimeCompare([]byte(client.Secret), []byte(clientSecret)) != 1 {
			slog.Warn("client authentication failed", "client_id", clientID)
			return nil, oauthproto.NewInvalidClientError("invalid client credentials")
		}
	}

	grantType := r.PostFormValue("grant_type")
	switch grantType {
	case GrantTypeAuthorizationCode, GrantTypeRefreshToken:
	case "":
		return nil, oauthproto.NewTokenError(oauthproto.ErrorInvalidRequest, "grant_type is required")
	default:
		return nil, oauthproto.NewTokenError(oauthproto.ErrorUnsupportedGrantType,
			fmt.Sprintf("grant_type %q is not supported", grantType))
	}

	if !client.AllowsGrantType(grantType) {
		return nil, oauthproto.NewTokenError(oauthproto.ErrorUnauthorizedClient,
			"client is not authorized for this grant type")
	}

	req := &Request{
		GrantType:     grantType,
		Client:        client,
		Code:          r.PostFormValue("code"),
		RedirectURI:   r.PostFormValue("redirect_uri"),
		CodeVerifier:  r.PostFormValue("code_verifier"),
		RefreshToken:  r.PostFormValue("refresh_token"),
		Scope:         r.PostFormValue("scope"),
		UsedBasicAuth: usedBasic,
	}

	switch grantType {
	case GrantTypeAuthorizationCode:
		if req.Code == "" {
			return nil, oauthproto.NewTokenError(oauthproto.ErrorInvalidRequest, "code is required")
		}
	case GrantTypeRefreshToken:
		if req.RefreshToken == "" {
			return nil, oauthproto.NewTokenError(oauthproto.ErrorInvalidRequest, "refresh_token is required")
		}
	}

	return req, nil
}

// clientCredentials extracts client credentials, preferring HTTP basic auth
// over POST body parameters per RFC 6749 Section 2.3.1.
func clientCredentials(r *http.Request) (clientID, clientSecret string, usedBasic bool) {
	if id, secret, ok := r.BasicAuth(); ok {
		return id, secret, true
	}
	return r.PostFormValue("client_id"), r.PostFormValue("client_secret"), false
}

// Exchange redeems the validated grant and issues tokens. Errors are
// *oauthproto.TokenError (or *oauthproto.ReplayError for code replay).
func (e *Endpoint) Exchange(ctx context.Context, req *Request) (*Response, error) {
	switch req.GrantType {
	case GrantTypeAuthorizationCode:
		return e.exchangeCode(ctx, req)
	case GrantTypeRefreshToken:
		return e.exchangeRefreshToken(ctx, req)
	default:
		return nil, oauthproto.NewTokenError(oauthproto.ErrorUnsupportedGrantType, "unsupported grant type")
	}
}

func (e *Endpoint) exchangeCode(ctx context.Context, req *Request) (*Response, error) {
	code, err := e.store.RedeemAuthorizationCode(ctx, req.Code)
	if err != nil {
		if errors.Is(err, storage.ErrCodeConsumed) {
			// Replay: burn everything previously minted from this code.
			revoked, revokeErr := e.store.RevokeRefreshTokensByCode(ctx, req.Code)
			if revokeErr != nil {
				slog.Error("failed to revoke tokens after code replay", "error", revokeErr)
			}
			slog.Warn("authorization code replay detected",
				"client_id", req.Client.ID,
				"refresh_tokens_revoked", revoked,
			)
			return nil, oauthproto.NewReplayError("authorization code already used")
		}
		if errors.Is(err, storage.ErrNotFound) {
			return nil, oauthproto.NewTokenError(oauthproto.ErrorInvalidGrant, "unknown authorization code")
		}
		slog.Error("failed to redeem authorization code", "error", err)
		return nil, oauthproto.NewTokenError(oauthproto.ErrorServerError, "failed to redeem authorization code")
	}

	if code.IsExpired() {
		return nil, oauthproto.NewTokenError(oauthproto.ErrorInvalidGrant, "authorization code has expired")
	}
	if code.ClientID != req.Client.ID {
		slog.Warn("authorization code presented by wrong client",
			"issued_to", code.ClientID,
			"presented_by", req.Client.ID,
		)
		return nil, oauthproto.NewTokenError(oauthproto.ErrorInvalidGrant, "authorization code was issued to another client")
	}
	if code.RedirectURI != req.RedirectURI {
		return nil, oauthproto.NewTokenError(oauthproto.ErrorInvalidGrant, "redirect_uri does not match the authorization request")
	}
	if code.CodeChallenge != "" {
		if err := crypto.VerifyPKCE(code.CodeChallenge, code.CodeChallengeMethod, req.CodeVerifier); err != nil {
			return nil, oauthproto.NewTokenError(oauthproto.ErrorInvalidGrant, err.Error())
		}
	}

	user := &storage.User{ID: code.UserID, LastAuthenticatedAt: code.AuthTime}

	accessToken, err := e.issuer.SignAccessToken(ctx, user, req.Client.ID, code.Scopes)
	if err != nil {
		slog.Error("failed to sign access token", "error", err)
		return nil, oauthproto.NewTokenError(oauthproto.ErrorServerError, "failed to issue access token")
	}

	resp := &Response{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(e.issuer.AccessTokenLifespan().Seconds()),
		Scope:       strings.Join(code.Scopes, " "),
	}

	if claims.HasOpenID(code.Scopes) {
		idToken, err := e.issuer.SignIDToken(ctx, IDTokenParams{
			User:        user,
			ClientID:    req.Client.ID,
			Scopes:      code.Scopes,
			Nonce:       code.Nonce,
			AuthTime:    code.AuthTime,
			AccessToken: accessToken,
		})
		if err != nil {
			slog.Error("failed to sign ID token", "error", err)
			return nil, oauthproto.NewTokenError(oauthproto.ErrorServerError, "failed to issue ID token")
		}
		resp.IDToken = idToken
	}

	if req.Client.AllowsGrantType(GrantTypeRefreshToken) {
		refreshToken, err := e.mintRefreshToken(ctx, req.Client.ID, code.UserID, code.Scopes, code.Nonce, code.AuthTime, code.Code)
		if err != nil {
			return nil, err
		}
		resp.RefreshToken = refreshToken
	}

	return resp, nil
}

func (e *Endpoint) exchangeRefreshToken(ctx context.Context, req *Request) (*Response, error) {
	record, err := e.store.RedeemRefreshToken(ctx, req.RefreshToken)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, oauthproto.NewTokenError(oauthproto.ErrorInvalidGrant, "unknown refresh token")
		}
		slog.Error("failed to redeem refresh token", "error", err)
		return nil, oauthproto.NewTokenError(oauthproto.ErrorServerError, "failed to redeem refresh token")
	}

	if record.IsExpired() {
		return nil, oauthproto.NewTokenError(oauthproto.ErrorInvalidGrant, "refresh token has expired")
	}
	if record.ClientID != req.Client.ID {
		slog.Warn("refresh token presented by wrong client",
			"issued_to", record.ClientID,
			"presented_by", req.Client.ID,
		)
		return nil, oauthproto.NewTokenError(oauthproto.ErrorInvalidGrant, "refresh token was issued to another client")
	}

	scopes := record.Scopes
	if req.Scope != "" {
		// A narrowed scope must be a subset of the original grant.
		requested := strings.Fields(req.Scope)
		granted := make(map[string]bool, len(record.Scopes))
		for _, s := range record.Scopes {
			granted[s] = true
		}
		for _, s := range requested {
			if !granted[s] {
				return nil, oauthproto.NewTokenError(oauthproto.ErrorInvalidScope,
					fmt.Sprintf("scope %q exceeds the original grant", s))
			}
		}
		scopes = requested
	}

	user := &storage.User{ID: record.UserID, LastAuthenticatedAt: record.AuthTime}

	accessToken, err := e.issuer.SignAccessToken(ctx, user, req.Client.ID, scopes)
	if err != nil {
		slog.Error("failed to sign access token", "error", err)
		return nil, oauthproto.NewTokenError(oauthproto.ErrorServerError, "failed to issue access token")
	}

	resp := &Response{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(e.issuer.AccessTokenLifespan().Seconds()),
		Scope:       strings.Join(scopes, " "),
	}

	if claims.HasOpenID(scopes) {
		idToken, err := e.issuer.SignIDToken(ctx, IDTokenParams{
			User:        user,
			ClientID:    req.Client.ID,
			Scopes:      scopes,
			Nonce:       record.Nonce,
			AuthTime:    record.AuthTime,
			AccessToken: accessToken,
		})
		if err != nil {
			slog.Error("failed to sign ID token", "error", err)
			return nil, oauthproto.NewTokenError(oauthproto.ErrorServerError, "failed to issue ID token")
		}
		resp.IDToken = idToken
	}

	// Rotation: the redeemed token is gone, mint a replacement bound to the
	// same origin code so replay revocation still reaches it.
	refreshToken, err := e.mintRefreshToken(ctx, req.Client.ID, record.UserID, record.Scopes, record.Nonce, record.AuthTime, record.CodeID)
	if err != nil {
		return nil, err
	}
	resp.RefreshToken = refreshToken

	return resp, nil
}

func (e *Endpoint) mintRefreshToken(
	ctx context.Context,
	clientID, userID string,
	scopes []string,
	nonce string,
	authTime time.Time,
	codeID string,
) (string, error) {
	record := &storage.RefreshToken{
		Token:     rand.Text(),
		ClientID:  clientID,
		UserID:    userID,
		Scopes:    scopes,
		Nonce:     nonce,
		AuthTime:  authTime,
		CodeID:    codeID,
		CreatedAt: time.Now(),
	}
	if e.refreshTokenLifespan > 0 {
		record.ExpiresAt = record.CreatedAt.Add(e.refreshTokenLifespan)
	}

	if err := e.store.SaveRefreshToken(ctx, record); err != nil {
		slog.Error("failed to save refresh token", "error", err)
		return "", oauthproto.NewTokenError(oauthproto.ErrorServerError, "failed to issue refresh token")
	}
	return record.Token, nil
}
