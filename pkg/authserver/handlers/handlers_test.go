// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/oidcd/pkg/authserver/authorize"
	"github.com/stacklok/oidcd/pkg/authserver/bearer"
	"github.com/stacklok/oidcd/pkg/authserver/claims"
	"github.com/stacklok/oidcd/pkg/authserver/keys"
	"github.com/stacklok/oidcd/pkg/authserver/storage"
	"github.com/stacklok/oidcd/pkg/authserver/token"
)

const (
	testIssuer      = "https://idp.example.com"
	testRedirectURI = "https://client.example.com/cb"
)

// fakeAuth is a session stand-in: either everyone is the configured user,
// or nobody is logged in.
type fakeAuth struct {
	user *storage.User
}

func (a *fakeAuth) IsAuthenticated(_ *http.Request) bool { return a.user != nil }

func (a *fakeAuth) CurrentUser(_ *http.Request) (*storage.User, error) {
	if a.user == nil {
		return nil, storage.ErrNotFound
	}
	return a.user, nil
}

func (*fakeAuth) RedirectToLogin(w http.ResponseWriter, r *http.Request, returnTo string) {
	http.Redirect(w, r, "/login?next="+url.QueryEscape(returnTo), http.StatusFound)
}

type fakeUsers struct {
	users map[string]*storage.User
}

func (f *fakeUsers) FindUser(_ context.Context, userID string) (*storage.User, error) {
	user, ok := f.users[userID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return user, nil
}

type testEnv struct {
	router http.Handler
	store  storage.Storage
	auth   *fakeAuth
	issuer *token.Issuer
}

func handlerSetup(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	store := storage.NewMemoryStorage()
	require.NoError(t, store.CreateClient(ctx, &storage.Client{
		ID:                     "web-app",
		Name:                   "Web App",
		Secret:                 "s3cret",
		RedirectURIs:           []string{testRedirectURI},
		ResponseTypes:          []string{"code", "id_token token"},
		GrantTypes:             []string{"authorization_code", "refresh_token"},
		PostLogoutRedirectURIs: []string{"https://client.example.com/bye"},
	}))

	user := &storage.User{
		ID:                  "user-1",
		Name:                "Ada Lovelace",
		Email:               "ada@example.com",
		EmailVerified:       true,
		LastAuthenticatedAt: time.Now().Add(-time.Minute),
	}

	set := keys.NewRotatingKeySet()
	_, err := set.Generate("RS256")
	require.NoError(t, err)

	resolver := &claims.Resolver{}
	issuer := token.NewIssuer(testIssuer, set, resolver, time.Hour, 10*time.Minute)
	flow := authorize.NewFlow(store, issuer, authorize.FlowConfig{
		CodeLifespan:         10 * time.Minute,
		SkipConsentIfGranted: true,
	})

	auth := &fakeAuth{user: user}
	handler := NewHandler(HandlerConfig{
		Issuer:        testIssuer,
		Clients:       store,
		Flow:          flow,
		Tokens:        token.NewEndpoint(store, issuer, 30*24*time.Hour),
		Bearer:        bearer.NewValidator(set, testIssuer),
		Keys:          set,
		Resolver:      resolver,
		Authenticator: auth,
		Users:         &fakeUsers{users: map[string]*storage.User{user.ID: user}},
	})

	return &testEnv{
		router: handler.Routes(),
		store:  store,
		auth:   auth,
		issuer: issuer,
	}
}

func authorizeQuery() url.Values {
	return url.Values{
		"client_id":     {"web-app"},
		"redirect_uri":  {testRedirectURI},
		"response_type": {"code"},
		"scope":         {"openid email"},
		"state":         {"st-1"},
	}
}

func (e *testEnv) get(t *testing.T, path string, query url.Values) *httptest.ResponseRecorder {
	t.Helper()
	target := path
	if query != nil {
		target += "?" + query.Encode()
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
	return w
}

func (e *testEnv) postForm(t *testing.T, path string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, r)
	return w
}

func locationQuery(t *testing.T, w *httptest.ResponseRecorder) (string, url.Values) {
	t.Helper()
	loc := w.Header().Get("Location")
	require.NotEmpty(t, loc)
	u, err := url.Parse(loc)
	require.NoError(t, err)
	return loc, u.Query()
}

func TestAuthorizeRendersConsent(t *testing.T) {
	t.Parallel()
	env := handlerSetup(t)

	w := env.get(t, PathAuthorize, authorizeQuery())
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, "Web App")
	assert.Contains(t, body, "email")
	assert.NotContains(t, body, ">openid<", "openid is a protocol marker, not a grantable scope")
	assert.Contains(t, body, `name="client_id" value="web-app"`)
	assert.Contains(t, body, `name="state" value="st-1"`)
}

func TestAuthorizeCodeFlowEndToEnd(t *testing.T) {
	t.Parallel()
	env := handlerSetup(t)

	// Consent decision: replay the hidden fields with allow set.
	form := authorizeQuery()
	form.Set("allow", "1")
	w := env.postForm(t, PathAuthorize, form)
	require.Equal(t, http.StatusFound, w.Code)

	loc, q := locationQuery(t, w)
	assert.True(t, strings.HasPrefix(loc, testRedirectURI))
	code := q.Get("code")
	require.NotEmpty(t, code)
	assert.Equal(t, "st-1", q.Get("state"))

	// Redeem the code.
	tokenForm := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {testRedirectURI},
	}
	r := httptest.NewRequest(http.MethodPost, PathToken, strings.NewReader(tokenForm.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r.SetBasicAuth("web-app", "s3cret")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, r)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	var resp token.Response
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.NotEmpty(t, resp.AccessToken)
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.NotEmpty(t, resp.IDToken)
	assert.NotEmpty(t, resp.RefreshToken)

	// Replaying the code is refused.
	r = httptest.NewRequest(http.MethodPost, PathToken, strings.NewReader(tokenForm.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r.SetBasicAuth("web-app", "s3cret")
	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, r)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var errBody map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&errBody))
	assert.Equal(t, "invalid_grant", errBody["error"])

	// The replay also revoked the refresh token minted from this code.
	_, err := env.store.RedeemRefreshToken(context.Background(), resp.RefreshToken)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAuthorizeSkipsConsentWhenGranted(t *testing.T) {
	t.Parallel()
	env := handlerSetup(t)

	form := authorizeQuery()
	form.Set("allow", "1")
	w := env.postForm(t, PathAuthorize, form)
	require.Equal(t, http.StatusFound, w.Code)

	// The recorded consent covers the second visit; no prompt.
	w = env.get(t, PathAuthorize, authorizeQuery())
	require.Equal(t, http.StatusFound, w.Code)
	_, q := locationQuery(t, w)
	assert.NotEmpty(t, q.Get("code"))
}

func TestAuthorizeDeny(t *testing.T) {
	t.Parallel()
	env := handlerSetup(t)

	// No allow field means the user pressed deny.
	w := env.postForm(t, PathAuthorize, authorizeQuery())
	require.Equal(t, http.StatusFound, w.Code)

	_, q := locationQuery(t, w)
	assert.Equal(t, "access_denied", q.Get("error"))
	assert.Equal(t, "st-1", q.Get("state"))
	assert.Empty(t, q.Get("code"))
}

func TestAuthorizeUnauthenticated(t *testing.T) {
	t.Parallel()
	env := handlerSetup(t)
	env.auth.user = nil

	w := env.get(t, PathAuthorize, authorizeQuery())
	require.Equal(t, http.StatusFound, w.Code)
	loc := w.Header().Get("Location")
	assert.True(t, strings.HasPrefix(loc, "/login?next="))
	assert.Contains(t, loc, url.QueryEscape("client_id=web-app"))
}

func TestAuthorizePromptNoneUnauthenticated(t *testing.T) {
	t.Parallel()
	env := handlerSetup(t)
	env.auth.user = nil

	query := authorizeQuery()
	query.Set("prompt", "none")
	w := env.get(t, PathAuthorize, query)
	require.Equal(t, http.StatusFound, w.Code)

	loc, q := locationQuery(t, w)
	assert.True(t, strings.HasPrefix(loc, testRedirectURI))
	assert.Equal(t, "login_required", q.Get("error"))
}

func TestAuthorizePromptNoneWithoutConsent(t *testing.T) {
	t.Parallel()
	env := handlerSetup(t)

	query := authorizeQuery()
	query.Set("prompt", "none")
	w := env.get(t, PathAuthorize, query)
	require.Equal(t, http.StatusFound, w.Code)

	_, q := locationQuery(t, w)
	assert.Equal(t, "consent_required", q.Get("error"))
}

func TestAuthorizeUnknownClientRendersDirectly(t *testing.T) {
	t.Parallel()
	env := handlerSetup(t)

	query := authorizeQuery()
	query.Set("client_id", "ghost")
	w := env.get(t, PathAuthorize, query)

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, w.Header().Get("Location"), "an untrusted request must never redirect")
	assert.Contains(t, w.Body.String(), "unauthorized_client")
}

func TestAuthorizeValidationErrorRedirects(t *testing.T) {
	t.Parallel()
	env := handlerSetup(t)

	query := authorizeQuery()
	query.Set("response_type", "code token")
	w := env.get(t, PathAuthorize, query)
	require.Equal(t, http.StatusFound, w.Code)

	loc, _ := locationQuery(t, w)
	_, frag, found := strings.Cut(loc, "#")
	require.True(t, found, "token-bearing response types report errors in the fragment")
	params, err := url.ParseQuery(frag)
	require.NoError(t, err)
	assert.Equal(t, "unsupported_response_type", params.Get("error"))
	assert.Equal(t, "st-1", params.Get("state"))
}

func TestTokenHandlerBadClientSecret(t *testing.T) {
	t.Parallel()
	env := handlerSetup(t)

	form := url.Values{
		"grant_type": {"authorization_code"},
		"code":       {"whatever"},
	}
	r := httptest.NewRequest(http.MethodPost, PathToken, strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r.SetBasicAuth("web-app", "wrong")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, r)

	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Header().Get("WWW-Authenticate"), "Basic")

	var errBody map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&errBody))
	assert.Equal(t, "invalid_client", errBody["error"])
}

func issueAccessToken(t *testing.T, env *testEnv, scopes []string) string {
	t.Helper()
	raw, err := env.issuer.SignAccessToken(context.Background(),
		env.auth.user, "web-app", scopes)
	require.NoError(t, err)
	return raw
}

func TestUserInfo(t *testing.T) {
	t.Parallel()
	env := handlerSetup(t)
	raw := issueAccessToken(t, env, []string{"openid", "email"})

	r := httptest.NewRequest(http.MethodGet, PathUserInfo, nil)
	r.Header.Set("Authorization", "Bearer "+raw)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "user-1", body["sub"])
	assert.Equal(t, "ada@example.com", body["email"])
	assert.Equal(t, true, body["email_verified"])
	assert.NotContains(t, body, "name", "profile scope was not granted")
}

func TestUserInfoNoToken(t *testing.T) {
	t.Parallel()
	env := handlerSetup(t)

	w := env.get(t, PathUserInfo, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Header().Get("WWW-Authenticate"), `Bearer error="invalid_request"`)
}

func TestUserInfoBadToken(t *testing.T) {
	t.Parallel()
	env := handlerSetup(t)

	r := httptest.NewRequest(http.MethodGet, PathUserInfo, nil)
	r.Header.Set("Authorization", "Bearer not.a.token")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, r)

	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Header().Get("WWW-Authenticate"), `Bearer error="invalid_token"`)
}

func TestUserInfoMissingOpenIDScope(t *testing.T) {
	t.Parallel()
	env := handlerSetup(t)
	raw := issueAccessToken(t, env, []string{"email"})

	r := httptest.NewRequest(http.MethodGet, PathUserInfo, nil)
	r.Header.Set("Authorization", "Bearer "+raw)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, r)

	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Header().Get("WWW-Authenticate"), `Bearer error="insufficient_scope"`)
}

func TestDiscovery(t *testing.T) {
	t.Parallel()
	env := handlerSetup(t)

	w := env.get(t, PathDiscovery, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	var doc DiscoveryDocument
	require.NoError(t, json.NewDecoder(w.Body).Decode(&doc))
	assert.Equal(t, testIssuer, doc.Issuer)
	assert.Equal(t, testIssuer+PathAuthorize, doc.AuthorizationEndpoint)
	assert.Equal(t, testIssuer+PathToken, doc.TokenEndpoint)
	assert.Equal(t, testIssuer+PathJWKS, doc.JWKSURI)
	assert.Contains(t, doc.ResponseTypesSupported, "code")
	assert.Equal(t, []string{"RS256"}, doc.IDTokenSigningAlgValuesSupported)
	assert.Contains(t, doc.CodeChallengeMethodsSupported, "S256")
	assert.Contains(t, doc.ScopesSupported, "openid")
}

func TestJWKS(t *testing.T) {
	t.Parallel()
	env := handlerSetup(t)

	w := env.get(t, PathJWKS, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "public, max-age=3600", w.Header().Get("Cache-Control"))

	var set struct {
		Keys []map[string]any `json:"keys"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&set))
	require.Len(t, set.Keys, 1)
	assert.Equal(t, "sig", set.Keys[0]["use"])
	assert.Equal(t, "RSA", set.Keys[0]["kty"])
	assert.NotEmpty(t, set.Keys[0]["kid"])
	assert.NotContains(t, set.Keys[0], "d", "private material must never be published")
}

func TestEndSession(t *testing.T) {
	t.Parallel()
	env := handlerSetup(t)

	// Without parameters there is nowhere to go.
	w := env.get(t, PathEndSession, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	// A registered post-logout URI is honored.
	w = env.get(t, PathEndSession, url.Values{
		"client_id":                {"web-app"},
		"post_logout_redirect_uri": {"https://client.example.com/bye"},
	})
	require.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "https://client.example.com/bye", w.Header().Get("Location"))

	// Unregistered targets are dropped, not followed.
	w = env.get(t, PathEndSession, url.Values{
		"client_id":                {"web-app"},
		"post_logout_redirect_uri": {"https://evil.example.com/"},
	})
	assert.Equal(t, http.StatusNoContent, w.Code)
}
