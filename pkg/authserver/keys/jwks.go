// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"context"
	"fmt"

	"github.com/go-jose/go-jose/v4"
)

// PublicJWKS builds the public JWKS document for a provider's non-retired
// keys. Only public parameters appear; the order follows the provider's
// ordering (oldest first).
func PublicJWKS(ctx context.Context, provider KeyProvider) (*jose.JSONWebKeySet, error) {
	pub, err := provider.PublicKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read public keys: %w", err)
	}

	set := &jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(pub))}
	for _, key := range pub {
		set.Keys = append(set.Keys, jose.JSONWebKey{
			Key:       key.PublicKey,
			KeyID:     key.KeyID,
			Algorithm: key.Algorithm,
			Use:       "sig",
		})
	}
	return set, nil
}
