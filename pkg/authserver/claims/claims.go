// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package claims resolves the identity claims exposed for a user and a
// granted scope set, per the OIDC Core Section 5.4 standard claim table,
// with a host extension point for site-specific claims.
package claims

import (
	"github.com/stacklok/oidcd/pkg/authserver/storage"
)

// Scopes carrying standard claims.
const (
	ScopeOpenID  = "openid"
	ScopeProfile = "profile"
	ScopeEmail   = "email"
	ScopeAddress = "address"
	ScopePhone   = "phone"
)

// ExtraClaimsFunc lets the host append site-specific claims after the
// standard claims are computed. Returned claims override standard claims on
// key collisions.
type ExtraClaimsFunc func(user *storage.User, scopes []string) map[string]any

// Resolver produces the claim set for a user and granted scopes.
// The zero value resolves standard claims only.
type Resolver struct {
	// Extra is the optional host extension hook.
	Extra ExtraClaimsFunc
}

// Resolve returns the claims gated by the granted scopes. Standard claims
// come first; Extra claims are merged on top, last write wins.
func (r *Resolver) Resolve(user *storage.User, scopes []string) map[string]any {
	out := StandardClaims(user, scopes)

	if r.Extra != nil {
		for k, v := range r.Extra(user, scopes) {
			out[k] = v
		}
	}
	return out
}

// StandardClaims returns the OIDC standard claims the granted scopes allow.
// Claims with empty values are omitted.
func StandardClaims(user *storage.User, scopes []string) map[string]any {
	granted := make(map[string]bool, len(scopes))
	for _, s := range scopes {
		granted[s] = true
	}

	out := make(map[string]any)

	if granted[ScopeProfile] {
		putString(out, "name", user.Name)
		putString(out, "given_name", user.GivenName)
		putString(out, "family_name", user.FamilyName)
		putString(out, "nickname", user.Nickname)
		putString(out, "preferred_username", user.PreferredUsername)
		putString(out, "picture", user.Picture)
		putString(out, "website", user.Website)
		putString(out, "gender", user.Gender)
		putString(out, "birthdate", user.Birthdate)
		putString(out, "zoneinfo", user.Zoneinfo)
		putString(out, "locale", user.Locale)
		if !user.UpdatedAt.IsZero() {
			out["updated_at"] = user.UpdatedAt.Unix()
		}
	}

	if granted[ScopeEmail] && user.Email != "" {
		out["email"] = user.Email
		out["email_verified"] = user.EmailVerified
	}

	if granted[ScopeAddress] && user.Address != nil {
		out["address"] = user.Address
	}

	if granted[ScopePhone] && user.PhoneNumber != "" {
		out["phone_number"] = user.PhoneNumber
		out["phone_number_verified"] = user.PhoneNumberVerified
	}

	return out
}

func putString(m map[string]any, key, value string) {
	if value != "" {
		m[key] = value
	}
}

// HasOpenID reports whether the scope set contains "openid", i.e. whether
// the request is an OIDC request rather than plain OAuth2.
func HasOpenID(scopes []string) bool {
	for _, s := range scopes {
		if s == ScopeOpenID {
			return true
		}
	}
	return false
}

// DisplayScopes returns a copy of scopes with the "openid" marker removed,
// for user-facing consent rendering. The canonical scope set is untouched;
// issuance always works from the original.
func DisplayScopes(scopes []string) []string {
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		if s != ScopeOpenID {
			out = append(out, s)
		}
	}
	return out
}
