// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oauthproto

import (
	"fmt"
	"sort"
	"strings"
)

// ResponseType is a parsed response_type parameter: a non-empty subset of
// {code, token, id_token} per OAuth 2.0 Multiple Response Type Encoding
// Practices.
type ResponseType struct {
	Code    bool
	Token   bool
	IDToken bool
}

// Known response_type values.
const (
	responseTypeCode    = "code"
	responseTypeToken   = "token"
	responseTypeIDToken = "id_token"
)

// ParseResponseType parses a space-separated response_type value. Order and
// duplicates are ignored; an empty or unknown value is an error.
func ParseResponseType(raw string) (ResponseType, error) {
	var rt ResponseType
	if strings.TrimSpace(raw) == "" {
		return rt, fmt.Errorf("response_type is required")
	}
	for _, v := range strings.Fields(raw) {
		switch v {
		case responseTypeCode:
			rt.Code = true
		case responseTypeToken:
			rt.Token = true
		case responseTypeIDToken:
			rt.IDToken = true
		default:
			return ResponseType{}, fmt.Errorf("unknown response_type value %q", v)
		}
	}
	return rt, nil
}

// String returns the canonical space-separated form, with values in the
// conventional code/id_token/token order.
func (rt ResponseType) String() string {
	var parts []string
	if rt.Code {
		parts = append(parts, responseTypeCode)
	}
	if rt.IDToken {
		parts = append(parts, responseTypeIDToken)
	}
	if rt.Token {
		parts = append(parts, responseTypeToken)
	}
	return strings.Join(parts, " ")
}

// UsesFragment reports whether response parameters are delivered in the URI
// fragment. Only the plain code flow uses the query component; any flow that
// delivers a token or ID token uses the fragment.
func (rt ResponseType) UsesFragment() bool {
	return rt.Token || rt.IDToken
}

// IsImplicitOrHybrid reports whether the flow delivers an ID token directly
// from the authorization endpoint, which makes nonce mandatory per OIDC Core
// Section 3.2.2.1 and Section 3.3.2.11.
func (rt ResponseType) IsImplicitOrHybrid() bool {
	return rt.IDToken || rt.Token
}

// Matches reports whether this response type equals another, ignoring the
// textual order the client used.
func (rt ResponseType) Matches(other ResponseType) bool {
	return rt == other
}

// AllowedBy reports whether this response type is one of the client's
// registered response types (each given in any textual order).
func (rt ResponseType) AllowedBy(registered []string) bool {
	for _, r := range registered {
		parsed, err := ParseResponseType(r)
		if err != nil {
			continue
		}
		if rt == parsed {
			return true
		}
	}
	return false
}

// NormalizeResponseTypes canonicalizes a list of registered response_type
// strings, dropping unparseable entries and duplicates. Used when reading
// client registrations from external stores.
func NormalizeResponseTypes(registered []string) []string {
	seen := make(map[string]bool, len(registered))
	var out []string
	for _, r := range registered {
		parsed, err := ParseResponseType(r)
		if err != nil {
			continue
		}
		s := parsed.String()
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
