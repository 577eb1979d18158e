// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyPKCES256(t *testing.T) {
	t.Parallel()

	verifier := GeneratePKCEVerifier()
	challenge := ComputePKCEChallenge(verifier)

	require.NoError(t, VerifyPKCE(challenge, PKCEMethodS256, verifier))
	assert.Error(t, VerifyPKCE(challenge, PKCEMethodS256, GeneratePKCEVerifier()))
	assert.Error(t, VerifyPKCE(challenge, PKCEMethodS256, ""))
}

func TestVerifyPKCEPlain(t *testing.T) {
	t.Parallel()

	require.NoError(t, VerifyPKCE("plain-value", PKCEMethodPlain, "plain-value"))
	// Empty method defaults to plain.
	require.NoError(t, VerifyPKCE("plain-value", "", "plain-value"))
	assert.Error(t, VerifyPKCE("plain-value", PKCEMethodPlain, "other-value"))
}

func TestVerifyPKCEUnsupportedMethod(t *testing.T) {
	t.Parallel()

	assert.Error(t, VerifyPKCE("challenge", "S512", "verifier"))
}

func TestValidPKCEMethod(t *testing.T) {
	t.Parallel()

	assert.True(t, ValidPKCEMethod(""))
	assert.True(t, ValidPKCEMethod(PKCEMethodS256))
	assert.True(t, ValidPKCEMethod(PKCEMethodPlain))
	assert.False(t, ValidPKCEMethod("s256"))
	assert.False(t, ValidPKCEMethod("S512"))
}
