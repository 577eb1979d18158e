// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package keys provides signing key management for the authorization
// server: key providers (file-backed, storage-backed, in-memory rotating),
// the current-key selection rule, and public JWKS construction.
package keys

import (
	"crypto"
	"time"
)

// DefaultAlgorithm is the algorithm used for auto-generated keys. RS256 is
// the one algorithm every OIDC relying party must support (OIDC Core
// Section 15.1).
const DefaultAlgorithm = "RS256"

// SigningKeyData is a signing key with its metadata. It contains private
// key material and must never be exposed externally.
type SigningKeyData struct {
	// KeyID is the RFC 7638 thumbprint identifying this key.
	KeyID string

	// Algorithm is the signing algorithm (e.g. "RS256", "ES256").
	Algorithm string

	// Key is the private key used for signing.
	Key crypto.Signer

	// CreatedAt is when this key was generated or loaded.
	CreatedAt time.Time
}

// PublicKeyData is the public portion of a signing key, safe to expose via
// the JWKS endpoint.
type PublicKeyData struct {
	// KeyID is the RFC 7638 thumbprint identifying this key.
	KeyID string

	// Algorithm is the signing algorithm (e.g. "RS256", "ES256").
	Algorithm string

	// PublicKey is the public key for verification.
	PublicKey crypto.PublicKey

	// CreatedAt is when this key was generated or loaded.
	CreatedAt time.Time
}
