// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package claims

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/stacklok/oidcd/pkg/authserver/storage"
)

func testUser() *storage.User {
	return &storage.User{
		ID:            "user-1",
		Name:          "Ada Lovelace",
		GivenName:     "Ada",
		FamilyName:    "Lovelace",
		Email:         "ada@example.com",
		EmailVerified: true,
		PhoneNumber:   "+44 20 7946 0000",
		Address: &storage.Address{
			Locality: "London",
			Country:  "GB",
		},
		UpdatedAt: time.Unix(1700000000, 0),
	}
}

func TestStandardClaimsScopeGating(t *testing.T) {
	t.Parallel()
	user := testUser()

	// openid alone releases nothing beyond sub (which the caller adds).
	assert.Empty(t, StandardClaims(user, []string{ScopeOpenID}))

	profile := StandardClaims(user, []string{ScopeOpenID, ScopeProfile})
	assert.Equal(t, "Ada Lovelace", profile["name"])
	assert.Equal(t, int64(1700000000), profile["updated_at"])
	assert.NotContains(t, profile, "email")
	assert.NotContains(t, profile, "phone_number")

	email := StandardClaims(user, []string{ScopeOpenID, ScopeEmail})
	assert.Equal(t, "ada@example.com", email["email"])
	assert.Equal(t, true, email["email_verified"])
	assert.NotContains(t, email, "name")

	address := StandardClaims(user, []string{ScopeAddress})
	assert.Equal(t, user.Address, address["address"])

	phone := StandardClaims(user, []string{ScopePhone})
	assert.Equal(t, "+44 20 7946 0000", phone["phone_number"])
	assert.Equal(t, false, phone["phone_number_verified"])
}

func TestStandardClaimsOmitsEmpty(t *testing.T) {
	t.Parallel()

	user := &storage.User{ID: "user-2", Name: "Only Name"}
	got := StandardClaims(user, []string{ScopeProfile, ScopeEmail, ScopeAddress, ScopePhone})

	assert.Equal(t, map[string]any{"name": "Only Name"}, got)
}

func TestResolverExtraOverrides(t *testing.T) {
	t.Parallel()
	user := testUser()

	resolver := &Resolver{
		Extra: func(u *storage.User, scopes []string) map[string]any {
			return map[string]any{
				"name":   "Overridden",
				"groups": []string{"admins"},
			}
		},
	}

	got := resolver.Resolve(user, []string{ScopeProfile})
	assert.Equal(t, "Overridden", got["name"], "extra claims win on collision")
	assert.Equal(t, []string{"admins"}, got["groups"])
	assert.Equal(t, "Ada", got["given_name"])
}

func TestResolverZeroValue(t *testing.T) {
	t.Parallel()

	var resolver Resolver
	got := resolver.Resolve(testUser(), []string{ScopeEmail})
	assert.Equal(t, "ada@example.com", got["email"])
}

func TestHasOpenID(t *testing.T) {
	t.Parallel()

	assert.True(t, HasOpenID([]string{"openid", "profile"}))
	assert.False(t, HasOpenID([]string{"profile"}))
	assert.False(t, HasOpenID(nil))
}

func TestDisplayScopes(t *testing.T) {
	t.Parallel()

	original := []string{"openid", "profile", "email"}
	display := DisplayScopes(original)

	assert.Equal(t, []string{"profile", "email"}, display)
	assert.Equal(t, []string{"openid", "profile", "email"}, original, "canonical set untouched")
}
