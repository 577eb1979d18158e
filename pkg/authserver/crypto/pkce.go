// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"crypto/subtle"
	"fmt"

	"golang.org/x/oauth2"
)

// PKCE challenge methods per RFC 7636.
const (
	PKCEMethodS256  = "S256"
	PKCEMethodPlain = "plain"
)

// GeneratePKCEVerifier generates a cryptographically random code_verifier
// per RFC 7636 Section 4.1. Delegates to oauth2.GenerateVerifier, which
// panics on crypto/rand failure.
func GeneratePKCEVerifier() string {
	return oauth2.GenerateVerifier()
}

// ComputePKCEChallenge computes the S256 code_challenge from a code_verifier
// per RFC 7636 Section 4.2: BASE64URL(SHA256(code_verifier)).
func ComputePKCEChallenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// ValidPKCEMethod reports whether method is a supported code_challenge_method.
// An empty method defaults to plain per RFC 7636 Section 4.3.
func ValidPKCEMethod(method string) bool {
	switch method {
	case "", PKCEMethodS256, PKCEMethodPlain:
		return true
	default:
		return false
	}
}

// VerifyPKCE checks a presented code_verifier against the challenge stored
// at authorization time. Comparison is constant-time.
func VerifyPKCE(challenge, method, verifier string) error {
	if verifier == "" {
		return fmt.Errorf("code_verifier is required")
	}

	var expected string
	switch method {
	case PKCEMethodS256:
		expected = ComputePKCEChallenge(verifier)
	case "", PKCEMethodPlain:
		expected = verifier
	default:
		return fmt.Errorf("unsupported code_challenge_method %q", method)
	}

	if subtle.ConstantTimeCompare([]byte(expected), []byte(challenge)) != 1 {
		return fmt.Errorf("code_verifier does not match code_challenge")
	}
	return nil
}
