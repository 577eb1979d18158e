// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oauthproto

import (
	"fmt"
	"net/http"
	"net/url"
)

// OAuth 2.0 error codes used by the authorization endpoint (RFC 6749
// Section 4.1.2.1) and OIDC Core Section 3.1.2.6.
const (
	ErrorInvalidRequest          = "invalid_request"
	ErrorUnauthorizedClient      = "unauthorized_client"
	ErrorAccessDenied            = "access_denied"
	ErrorUnsupportedResponseType = "unsupported_response_type"
	ErrorInvalidScope            = "invalid_scope"
	ErrorServerError             = "server_error"
	ErrorTemporarilyUnavailable  = "temporarily_unavailable"
	ErrorLoginRequired           = "login_required"
	ErrorConsentRequired         = "consent_required"
)

// OAuth 2.0 error codes used by the token endpoint (RFC 6749 Section 5.2).
const (
	ErrorInvalidClient        = "invalid_client"
	ErrorInvalidGrant         = "invalid_grant"
	ErrorUnsupportedGrantType = "unsupported_grant_type"
)

// RequestError reports an authorization request whose client_id or
// redirect_uri could not be validated. It must be rendered directly to the
// user; redirecting would send data to an unverified destination.
type RequestError struct {
	Code        string
	Description string
}

// Error implements the error interface.
func (e *RequestError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewRequestError builds a RequestError with the given code and description.
func NewRequestError(code, description string) *RequestError {
	return &RequestError{Code: code, Description: description}
}

// AuthorizeError reports an authorization request failure after the client
// and redirect_uri have been validated. It is delivered to the redirect_uri,
// in the query component for code-only requests and in the fragment for
// requests that would have delivered tokens in the fragment.
type AuthorizeError struct {
	Code        string
	Description string
	RedirectURI string
	State       string
	// UseFragment selects fragment delivery for the error parameters,
	// mirroring where the success response would have gone.
	UseFragment bool
}

// Error implements the error interface.
func (e *AuthorizeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// RedirectTo builds the error redirect URI with error, error_description and,
// when present, the client's state echoed back.
func (e *AuthorizeError) RedirectTo() string {
	u, err := url.Parse(e.RedirectURI)
	if err != nil {
		return e.RedirectURI
	}

	q := url.Values{}
	q.Set("error", e.Code)
	if e.Description != "" {
		q.Set("error_description", e.Description)
	}
	if e.State != "" {
		q.Set("state", e.State)
	}

	if e.UseFragment {
		u.Fragment = ""
		u.RawFragment = ""
		return u.String() + "#" + q.Encode()
	}

	query := u.Query()
	for k, vs := range q {
		for _, v := range vs {
			query.Set(k, v)
		}
	}
	u.RawQuery = query.Encode()
	return u.String()
}

// NewAuthorizeError builds a redirect-deliverable authorization error.
func NewAuthorizeError(redirectURI, state, code, description string, useFragment bool) *AuthorizeError {
	return &AuthorizeError{
		Code:        code,
		Description: description,
		RedirectURI: redirectURI,
		State:       state,
		UseFragment: useFragment,
	}
}

// TokenError reports a token endpoint failure. It is serialized as a JSON
// body; Status defaults to 400 when zero.
type TokenError struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`

	// Status is the HTTP status to respond with. 401 for failed client
	// authentication, 400 for everything else.
	Status int `json:"-"`
}

// Error implements the error interface.
func (e *TokenError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// HTTPStatus returns the HTTP status for this error, defaulting to 400.
func (e *TokenError) HTTPStatus() int {
	if e.Status == 0 {
		return http.StatusBadRequest
	}
	return e.Status
}

// NewTokenError builds a token endpoint error with the default 400 status.
func NewTokenError(code, description string) *TokenError {
	return &TokenError{Code: code, Description: description}
}

// NewInvalidClientError builds the invalid_client error with 401 status per
// RFC 6749 Section 5.2.
func NewInvalidClientError(description string) *TokenError {
	return &TokenError{Code: ErrorInvalidClient, Description: description, Status: http.StatusUnauthorized}
}

// ReplayError reports redemption of an authorization code that was already
// consumed. Callers treat it as a compromise signal (RFC 6749 Section 4.1.2)
// and revoke tokens previously minted from the code.
type ReplayError struct {
	TokenError
}

// Unwrap exposes the embedded TokenError so errors.As finds it through the
// chain.
func (e *ReplayError) Unwrap() error {
	return &e.TokenError
}

// NewReplayError builds a ReplayError carrying the invalid_grant code.
func NewReplayError(description string) *ReplayError {
	return &ReplayError{TokenError: TokenError{Code: ErrorInvalidGrant, Description: description}}
}
