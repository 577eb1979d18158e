// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package oauthproto defines the OAuth 2.0 / OIDC protocol vocabulary shared
// by the authorize and token flows: error codes, the closed set of error
// kinds with their delivery rules, and the response_type grammar.
//
// Error delivery follows RFC 6749 Section 4.1.2.1 and Section 5.2:
//   - RequestError: the client identity or redirect target could not be
//     trusted, so the error is rendered directly to the user and never
//     delivered via redirect.
//   - AuthorizeError: the redirect target has been validated, so the error
//     is delivered to it with the client's state echoed back.
//   - TokenError: returned to the calling client as a JSON body with an
//     HTTP 400 (or 401 for failed client authentication).
package oauthproto
