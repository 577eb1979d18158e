// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package authorize implements the authorization endpoint: request
// parameter validation with the RFC 6749 trust ordering, the consent
// state machine, and code/token response construction.
package authorize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/stacklok/oidcd/pkg/authserver/claims"
	"github.com/stacklok/oidcd/pkg/authserver/crypto"
	"github.com/stacklok/oidcd/pkg/authserver/oauthproto"
	"github.com/stacklok/oidcd/pkg/authserver/storage"
)

// Known prompt values (OIDC Core Section 3.1.2.1).
const (
	PromptNone          = "none"
	PromptLogin         = "login"
	PromptConsent       = "consent"
	PromptSelectAccount = "select_account"
)

// Request is a validated authorization request. It is immutable after
// ParseRequest; DisplayScopes derives the user-facing copy without touching
// the canonical scope set.
type Request struct {
	Client       *storage.Client
	ResponseType oauthproto.ResponseType
	RedirectURI  string
	Scopes       []string
	State        string
	Nonce        string

	CodeChallenge       string
	CodeChallengeMethod string

	Prompt    []string
	MaxAge    time.Duration
	MaxAgeSet bool
}

// IsOIDC reports whether the request carries the openid scope. Without it
// the request is handled as plain OAuth2: no ID token is ever produced.
func (r *Request) IsOIDC() bool {
	return claims.HasOpenID(r.Scopes)
}

// HasPrompt reports whether the prompt parameter contains value.
func (r *Request) HasPrompt(value string) bool {
	for _, p := range r.Prompt {
		if p == value {
			return true
		}
	}
	return false
}

// DisplayScopes returns the scope list for consent rendering, with the
// openid marker removed.
func (r *Request) DisplayScopes() []string {
	return claims.DisplayScopes(r.Scopes)
}

// HiddenFields returns the parameters a consent form must replay as hidden
// inputs so the decision POST revalidates the same request.
func (r *Request) HiddenFields() url.Values {
	fields := url.Values{}
	fields.Set("client_id", r.Client.ID)
	fields.Set("redirect_uri", r.RedirectURI)
	fields.Set("response_type", r.ResponseType.String())
	fields.Set("scope", strings.Join(r.Scopes, " "))
	if r.State != "" {
		fields.Set("state", r.State)
	}
	if r.Nonce != "" {
		fields.Set("nonce", r.Nonce)
	}
	if r.CodeChallenge != "" {
		fields.Set("code_challenge", r.CodeChallenge)
		fields.Set("code_challenge_method", r.CodeChallengeMethod)
	}
	return fields
}

// ParseRequest validates raw authorization parameters against the client
// registry.
//
// The ordering is load-bearing: the client and redirect_uri are confirmed
// first, and their failures return *oauthproto.RequestError because no
// redirect target can be trusted yet. Every later failure returns
// *oauthproto.AuthorizeError for delivery to the validated redirect_uri.
func ParseRequest(ctx context.Context, params url.Values, clients storage.ClientStore) (*Request, error) {
	clientID := params.Get("client_id")
	if clientID == "" {
		return nil, oauthproto.NewRequestError(oauthproto.ErrorInvalidRequest, "client_id is required")
	}

	client, err := clients.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			slog.Warn("authorization request for unknown client", "client_id", clientID)
			return nil, oauthproto.NewRequestError(oauthproto.ErrorUnauthorizedClient, "unknown client")
		}
		slog.Error("failed to load client", "client_id", clientID, "error", err)
		return nil, oauthproto.NewRequestError(oauthproto.ErrorServerError, "failed to load client")
	}

	redirectURI := params.Get("redirect_uri")
	if redirectURI == "" {
		return nil, oauthproto.NewRequestError(oauthproto.ErrorInvalidRequest, "redirect_uri is required")
	}
	if u, err := url.Parse(redirectURI); err != nil || !u.IsAbs() {
		return nil, oauthproto.NewRequestError(oauthproto.ErrorInvalidRequest, "redirect_uri is malformed")
	}
	if !client.AllowsRedirectURI(redirectURI) {
		slog.Warn("redirect_uri does not match registration",
			"client_id", clientID,
			"redirect_uri", redirectURI,
		)
		return nil, oauthproto.NewRequestError(oauthproto.ErrorInvalidRequest,
			"redirect_uri does not match any registered redirect URI")
	}

	// The redirect target is trusted from here on; remaining failures are
	// delivered to it.
	state := params.Get("state")
	redirectErr := func(useFragment bool, code, description string) error {
		return oauthproto.NewAuthorizeError(redirectURI, state, code, description, useFragment)
	}

	rawResponseType := params.Get("response_type")
	responseType, err := oauthproto.ParseResponseType(rawResponseType)
	if err != nil {
		// Delivery mode is unknowable for an unparseable response_type;
		// the query component is the conservative choice.
		return nil, redirectErr(false, oauthproto.ErrorUnsupportedResponseType, err.Error())
	}
	useFragment := responseType.UsesFragment()

	if !responseType.AllowedBy(client.ResponseTypes) {
		return nil, redirectErr(useFragment, oauthproto.ErrorUnsupportedResponseType,
			fmt.Sprintf("client is not registered for response_type %q", responseType.String()))
	}

	scopes := strings.Fields(params.Get("scope"))
	if len(client.Scopes) > 0 {
		allowed := make(map[string]bool, len(client.Scopes))
		for _, s := range client.Scopes {
			allowed[s] = true
		}
		for _, s := range scopes {
			if !allowed[s] {
				return nil, redirectErr(useFragment, oauthproto.ErrorInvalidScope,
					fmt.Sprintf("scope %q is not allowed for this client", s))
			}
		}
	}

	isOIDC := claims.HasOpenID(scopes)

	// The id_token response types are OIDC-only; without openid there is
	// nothing to put in them.
	if responseType.IDToken && !isOIDC {
		return nil, redirectErr(useFragment, oauthproto.ErrorInvalidScope,
			"response_type id_token requires the openid scope")
	}

	nonce := params.Get("nonce")
	if responseType.IDToken && nonce == "" {
		return nil, redirectErr(useFragment, oauthproto.ErrorInvalidRequest,
			"nonce is required for implicit and hybrid flows")
	}

	codeChallenge := params.Get("code_challenge")
	codeChallengeMethod := params.Get("code_challenge_method")
	if codeChallenge == "" && codeChallengeMethod != "" {
		return nil, redirectErr(useFragment, oauthproto.ErrorInvalidRequest,
			"code_challenge_method without code_challenge")
	}
	if codeChallenge != "" && !crypto.ValidPKCEMethod(codeChallengeMethod) {
		return nil, redirectErr(useFragment, oauthproto.ErrorInvalidRequest,
			fmt.Sprintf("unsupported code_challenge_method %q", codeChallengeMethod))
	}
	if client.IsPublic() && responseType.Code && codeChallenge == "" {
		return nil, redirectErr(useFragment, oauthproto.ErrorInvalidRequest,
			"code_challenge is required for public clients")
	}

	prompt, err := parsePrompt(params.Get("prompt"))
	if err != nil {
		return nil, redirectErr(useFragment, oauthproto.ErrorInvalidRequest, err.Error())
	}

	req := &Request{
		Client:              client,
		ResponseType:        responseType,
		RedirectURI:         redirectURI,
		Scopes:              scopes,
		State:               state,
		Nonce:               nonce,
		CodeChallenge:       codeChallenge,
		CodeChallengeMethod: codeChallengeMethod,
		Prompt:              prompt,
	}

	if rawMaxAge := params.Get("max_age"); rawMaxAge != "" {
		seconds, err := strconv.ParseInt(rawMaxAge, 10, 64)
		if err != nil || seconds < 0 {
			return nil, redirectErr(useFragment, oauthproto.ErrorInvalidRequest, "max_age must be a non-negative integer")
		}
		req.MaxAge = time.Duration(seconds) * time.Second
		req.MaxAgeSet = true
	}

	return req, nil
}

func parsePrompt(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	values := strings.Fields(raw)
	for _, v := range values {
		switch v {
		case PromptNone, PromptLogin, PromptConsent, PromptSelectAccount:
		default:
			return nil, fmt.Errorf("unknown prompt value %q", v)
		}
	}
	if len(values) > 1 {
		for _, v := range values {
			if v == PromptNone {
				return nil, fmt.Errorf("prompt none cannot be combined with other values")
			}
		}
	}
	return values, nil
}

// RedirectableError builds an AuthorizeError for a request that already
// passed validation, e.g. a consent denial.
func (r *Request) RedirectableError(code, description string) *oauthproto.AuthorizeError {
	return oauthproto.NewAuthorizeError(r.RedirectURI, r.State, code, description, r.ResponseType.UsesFragment())
}
