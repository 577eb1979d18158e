// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/oidcd/pkg/authserver/claims"
	"github.com/stacklok/oidcd/pkg/authserver/crypto"
	"github.com/stacklok/oidcd/pkg/authserver/keys"
	"github.com/stacklok/oidcd/pkg/authserver/oauthproto"
	"github.com/stacklok/oidcd/pkg/authserver/storage"
)

const testRedirectURI = "https://client.example.com/cb"

func endpointSetup(t *testing.T) (*Endpoint, *storage.MemoryStorage) {
	t.Helper()

	set := keys.NewRotatingKeySet()
	_, err := set.Generate("RS256")
	require.NoError(t, err)

	store := storage.NewMemoryStorage()
	issuer := NewIssuer("https://idp.example.com", set, &claims.Resolver{}, time.Hour, 10*time.Minute)
	endpoint := NewEndpoint(store, issuer, 24*time.Hour)

	require.NoError(t, store.CreateClient(context.Background(), &storage.Client{
		ID:           "web-app",
		Secret:       "s3cret",
		RedirectURIs: []string{testRedirectURI},
		GrantTypes:   []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken},
	}))
	require.NoError(t, store.CreateClient(context.Background(), &storage.Client{
		ID:           "code-only",
		Secret:       "s3cret2",
		RedirectURIs: []string{testRedirectURI},
	}))
	require.NoError(t, store.CreateClient(context.Background(), &storage.Client{
		ID:           "native-app",
		RedirectURIs: []string{testRedirectURI},
	}))

	return endpoint, store
}

func saveCode(t *testing.T, store *storage.MemoryStorage, code *storage.AuthorizationCode) {
	t.Helper()
	if code.ExpiresAt.IsZero() {
		code.ExpiresAt = time.Now().Add(10 * time.Minute)
	}
	if code.RedirectURI == "" {
		code.RedirectURI = testRedirectURI
	}
	if code.AuthTime.IsZero() {
		code.AuthTime = time.Now().Add(-time.Minute)
	}
	require.NoError(t, store.SaveAuthorizationCode(context.Background(), code))
}

func tokenRequest(t *testing.T, form url.Values, basicAuth ...string) *http.Request {
	t.Helper()
	r := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if len(basicAuth) == 2 {
		r.SetBasicAuth(basicAuth[0], basicAuth[1])
	}
	return r
}

func requireTokenError(t *testing.T, err error, code string) *oauthproto.TokenError {
	t.Helper()
	var tokenErr *oauthproto.TokenError
	require.ErrorAs(t, err, &tokenErr)
	assert.Equal(t, code, tokenErr.Code)
	return tokenErr
}

func TestParseRequestClientAuth(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	endpoint, _ := endpointSetup(t)

	form := url.Values{
		"grant_type": {GrantTypeAuthorizationCode},
		"code":       {"abc"},
	}

	// Basic auth.
	req, err := endpoint.ParseRequest(ctx, tokenRequest(t, form, "web-app", "s3cret"))
	require.NoError(t, err)
	assert.Equal(t, "web-app", req.Client.ID)
	assert.True(t, req.UsedBasicAuth)

	// POST body credentials.
	bodyForm := url.Values{
		"grant_type":    {GrantTypeAuthorizationCode},
		"code":          {"abc"},
		"client_id":     {"web-app"},
		"client_secret": {"s3cret"},
	}
	req, err = endpoint.ParseRequest(ctx, tokenRequest(t, bodyForm))
	require.NoError(t, err)
	assert.False(t, req.UsedBasicAuth)

	// Wrong secret.
	_, err = endpoint.ParseRequest(ctx, tokenRequest(t, form, "web-app", "wrong"))
	tokenErr := requireTokenError(t, err, oauthproto.ErrorInvalidClient)
	assert.Equal(t, http.StatusUnauthorized, tokenErr.HTTPStatus())

	// Unknown client.
	_, err = endpoint.ParseRequest(ctx, tokenRequest(t, form, "ghost", "s3cret"))
	requireTokenError(t, err, oauthproto.ErrorInvalidClient)

	// No credentials at all.
	_, err = endpoint.ParseRequest(ctx, tokenRequest(t, form))
	requireTokenError(t, err, oauthproto.ErrorInvalidClient)

	// Public clients authenticate with client_id alone.
	publicForm := url.Values{
		"grant_type": {GrantTypeAuthorizationCode},
		"code":       {"abc"},
		"client_id":  {"native-app"},
	}
	req, err = endpoint.ParseRequest(ctx, tokenRequest(t, publicForm))
	require.NoError(t, err)
	assert.True(t, req.Client.IsPublic())
}

func TestParseRequestGrantValidation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	endpoint, _ := endpointSetup(t)

	// Missing grant_type.
	_, err := endpoint.ParseRequest(ctx, tokenRequest(t, url.Values{"code": {"abc"}}, "web-app", "s3cret"))
	requireTokenError(t, err, oauthproto.ErrorInvalidRequest)

	// Unsupported grant_type.
	_, err = endpoint.ParseRequest(ctx, tokenRequest(t, url.Values{
		"grant_type": {"client_credentials"},
	}, "web-app", "s3cret"))
	requireTokenError(t, err, oauthproto.ErrorUnsupportedGrantType)

	// Client not registered for the grant.
	_, err = endpoint.ParseRequest(ctx, tokenRequest(t, url.Values{
		"grant_type":    {GrantTypeRefreshToken},
		"refresh_token": {"rt"},
	}, "code-only", "s3cret2"))
	requireTokenError(t, err, oauthproto.ErrorUnauthorizedClient)

	// Missing code.
	_, err = endpoint.ParseRequest(ctx, tokenRequest(t, url.Values{
		"grant_type": {GrantTypeAuthorizationCode},
	}, "web-app", "s3cret"))
	requireTokenError(t, err, oauthproto.ErrorInvalidRequest)

	// Missing refresh_token.
	_, err = endpoint.ParseRequest(ctx, tokenRequest(t, url.Values{
		"grant_type": {GrantTypeRefreshToken},
	}, "web-app", "s3cret"))
	requireTokenError(t, err, oauthproto.ErrorInvalidRequest)
}

func TestExchangeCode(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	endpoint, store := endpointSetup(t)

	saveCode(t, store, &storage.AuthorizationCode{
		Code:     "good-code",
		ClientID: "web-app",
		UserID:   "user-1",
		Scopes:   []string{"openid", "email"},
		Nonce:    "n-1",
	})

	client, err := store.GetClient(ctx, "web-app")
	require.NoError(t, err)

	resp, err := endpoint.Exchange(ctx, &Request{
		GrantType:   GrantTypeAuthorizationCode,
		Client:      client,
		Code:        "good-code",
		RedirectURI: testRedirectURI,
	})
	require.NoError(t, err)

	assert.NotEmpty(t, resp.AccessToken)
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.EqualValues(t, 3600, resp.ExpiresIn)
	assert.Equal(t, "openid email", resp.Scope)
	assert.NotEmpty(t, resp.IDToken, "openid scope yields an ID token")
	assert.NotEmpty(t, resp.RefreshToken, "client registered for refresh_token")
}

func TestExchangeCodeWithoutOpenID(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	endpoint, store := endpointSetup(t)

	saveCode(t, store, &storage.AuthorizationCode{
		Code:     "plain-oauth",
		ClientID: "code-only",
		UserID:   "user-1",
		Scopes:   []string{"api:read"},
	})

	client, err := store.GetClient(ctx, "code-only")
	require.NoError(t, err)

	resp, err := endpoint.Exchange(ctx, &Request{
		GrantType:   GrantTypeAuthorizationCode,
		Client:      client,
		Code:        "plain-oauth",
		RedirectURI: testRedirectURI,
	})
	require.NoError(t, err)

	assert.Empty(t, resp.IDToken, "no openid scope, no ID token")
	assert.Empty(t, resp.RefreshToken, "client not registered for refresh_token")
}

func TestExchangeCodeRejections(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	endpoint, store := endpointSetup(t)

	webApp, err := store.GetClient(ctx, "web-app")
	require.NoError(t, err)
	codeOnly, err := store.GetClient(ctx, "code-only")
	require.NoError(t, err)

	// Unknown code.
	_, err = endpoint.Exchange(ctx, &Request{
		GrantType: GrantTypeAuthorizationCode, Client: webApp,
		Code: "never-issued", RedirectURI: testRedirectURI,
	})
	requireTokenError(t, err, oauthproto.ErrorInvalidGrant)

	// Expired code. It still burns its single use.
	saveCode(t, store, &storage.AuthorizationCode{
		Code: "stale", ClientID: "web-app", UserID: "user-1",
		Scopes: []string{"openid"}, ExpiresAt: time.Now().Add(-time.Minute),
	})
	_, err = endpoint.Exchange(ctx, &Request{
		GrantType: GrantTypeAuthorizationCode, Client: webApp,
		Code: "stale", RedirectURI: testRedirectURI,
	})
	requireTokenError(t, err, oauthproto.ErrorInvalidGrant)

	// Wrong client.
	saveCode(t, store, &storage.AuthorizationCode{
		Code: "stolen", ClientID: "web-app", UserID: "user-1", Scopes: []string{"openid"},
	})
	_, err = endpoint.Exchange(ctx, &Request{
		GrantType: GrantTypeAuthorizationCode, Client: codeOnly,
		Code: "stolen", RedirectURI: testRedirectURI,
	})
	requireTokenError(t, err, oauthproto.ErrorInvalidGrant)

	// Mismatched redirect_uri.
	saveCode(t, store, &storage.AuthorizationCode{
		Code: "wrong-uri", ClientID: "web-app", UserID: "user-1", Scopes: []string{"openid"},
	})
	_, err = endpoint.Exchange(ctx, &Request{
		GrantType: GrantTypeAuthorizationCode, Client: webApp,
		Code: "wrong-uri", RedirectURI: "https://client.example.com/other",
	})
	requireTokenError(t, err, oauthproto.ErrorInvalidGrant)
}

func TestExchangeCodeReplayRevokesRefreshTokens(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	endpoint, store := endpointSetup(t)

	saveCode(t, store, &storage.AuthorizationCode{
		Code: "replayed", ClientID: "web-app", UserID: "user-1",
		Scopes: []string{"openid"},
	})

	client, err := store.GetClient(ctx, "web-app")
	require.NoError(t, err)
	req := &Request{
		GrantType: GrantTypeAuthorizationCode, Client: client,
		Code: "replayed", RedirectURI: testRedirectURI,
	}

	resp, err := endpoint.Exchange(ctx, req)
	require.NoError(t, err)
	require.NotEmpty(t, resp.RefreshToken)

	// Second redemption is a replay with the dedicated error type.
	_, err = endpoint.Exchange(ctx, req)
	var replayErr *oauthproto.ReplayError
	require.ErrorAs(t, err, &replayErr)
	assert.Equal(t, oauthproto.ErrorInvalidGrant, replayErr.Code)

	// The refresh token from the first redemption is revoked.
	_, err = store.RedeemRefreshToken(ctx, resp.RefreshToken)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestExchangeCodePKCE(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	endpoint, store := endpointSetup(t)

	verifier := crypto.GeneratePKCEVerifier()
	challenge := crypto.ComputePKCEChallenge(verifier)

	client, err := store.GetClient(ctx, "native-app")
	require.NoError(t, err)

	saveCode(t, store, &storage.AuthorizationCode{
		Code: "pkce-code", ClientID: "native-app", UserID: "user-1",
		Scopes:              []string{"openid"},
		CodeChallenge:       challenge,
		CodeChallengeMethod: crypto.PKCEMethodS256,
	})

	// Missing verifier.
	_, err = endpoint.Exchange(ctx, &Request{
		GrantType: GrantTypeAuthorizationCode, Client: client,
		Code: "pkce-code", RedirectURI: testRedirectURI,
	})
	requireTokenError(t, err, oauthproto.ErrorInvalidGrant)

	// The failed attempt consumed the code; mint another for the good path.
	saveCode(t, store, &storage.AuthorizationCode{
		Code: "pkce-code-2", ClientID: "native-app", UserID: "user-1",
		Scopes:              []string{"openid"},
		CodeChallenge:       challenge,
		CodeChallengeMethod: crypto.PKCEMethodS256,
	})
	resp, err := endpoint.Exchange(ctx, &Request{
		GrantType: GrantTypeAuthorizationCode, Client: client,
		Code: "pkce-code-2", RedirectURI: testRedirectURI,
		CodeVerifier: verifier,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.AccessToken)
}

func TestExchangeRefreshToken(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	endpoint, store := endpointSetup(t)

	saveCode(t, store, &storage.AuthorizationCode{
		Code: "seed", ClientID: "web-app", UserID: "user-1",
		Scopes: []string{"openid", "email"}, Nonce: "n-1",
	})
	client, err := store.GetClient(ctx, "web-app")
	require.NoError(t, err)

	first, err := endpoint.Exchange(ctx, &Request{
		GrantType: GrantTypeAuthorizationCode, Client: client,
		Code: "seed", RedirectURI: testRedirectURI,
	})
	require.NoError(t, err)
	require.NotEmpty(t, first.RefreshToken)

	second, err := endpoint.Exchange(ctx, &Request{
		GrantType: GrantTypeRefreshToken, Client: client,
		RefreshToken: first.RefreshToken,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, second.AccessToken)
	assert.NotEmpty(t, second.IDToken)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken, "refresh tokens rotate")

	// The old refresh token is spent.
	_, err = endpoint.Exchange(ctx, &Request{
		GrantType: GrantTypeRefreshToken, Client: client,
		RefreshToken: first.RefreshToken,
	})
	requireTokenError(t, err, oauthproto.ErrorInvalidGrant)
}

func TestExchangeRefreshTokenScopeNarrowing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	endpoint, store := endpointSetup(t)

	require.NoError(t, store.SaveRefreshToken(ctx, &storage.RefreshToken{
		Token: "rt-narrow", ClientID: "web-app", UserID: "user-1",
		Scopes: []string{"openid", "email", "profile"},
	}))
	client, err := store.GetClient(ctx, "web-app")
	require.NoError(t, err)

	resp, err := endpoint.Exchange(ctx, &Request{
		GrantType: GrantTypeRefreshToken, Client: client,
		RefreshToken: "rt-narrow",
		Scope:        "openid email",
	})
	require.NoError(t, err)
	assert.Equal(t, "openid email", resp.Scope)

	// Widening beyond the original grant is rejected.
	require.NoError(t, store.SaveRefreshToken(ctx, &storage.RefreshToken{
		Token: "rt-widen", ClientID: "web-app", UserID: "user-1",
		Scopes: []string{"openid"},
	}))
	_, err = endpoint.Exchange(ctx, &Request{
		GrantType: GrantTypeRefreshToken, Client: client,
		RefreshToken: "rt-widen",
		Scope:        "openid email",
	})
	requireTokenError(t, err, oauthproto.ErrorInvalidScope)
}

func TestExchangeRefreshTokenWrongClient(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	endpoint, store := endpointSetup(t)

	require.NoError(t, store.SaveRefreshToken(ctx, &storage.RefreshToken{
		Token: "rt-1", ClientID: "web-app", UserID: "user-1", Scopes: []string{"openid"},
	}))
	other, err := store.GetClient(ctx, "code-only")
	require.NoError(t, err)

	_, err = endpoint.Exchange(ctx, &Request{
		GrantType: GrantTypeRefreshToken, Client: other,
		RefreshToken: "rt-1",
	})
	requireTokenError(t, err, oauthproto.ErrorInvalidGrant)
}

func TestExchangeRefreshTokenExpired(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	endpoint, store := endpointSetup(t)

	require.NoError(t, store.SaveRefreshToken(ctx, &storage.RefreshToken{
		Token: "rt-expired", ClientID: "web-app", UserID: "user-1",
		Scopes:    []string{"openid"},
		ExpiresAt: time.Now().Add(-time.Minute),
	}))
	client, err := store.GetClient(ctx, "web-app")
	require.NoError(t, err)

	_, err = endpoint.Exchange(ctx, &Request{
		GrantType: GrantTypeRefreshToken, Client: client,
		RefreshToken: "rt-expired",
	})
	requireTokenError(t, err, oauthproto.ErrorInvalidGrant)
}

func TestReplayErrorDetection(t *testing.T) {
	t.Parallel()

	// ReplayError must remain distinguishable through the error chain for
	// handler-level logging.
	err := oauthproto.NewReplayError("already used")
	var tokenErr *oauthproto.TokenError
	assert.True(t, errors.As(err, &tokenErr))
}
