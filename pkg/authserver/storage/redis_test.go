// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func redisSetup(t *testing.T) (*RedisStorage, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisStorageWithClient(client, ""), mr
}

func TestRedisClientCRUD(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, _ := redisSetup(t)

	client := &Client{
		ID:            "web-app",
		Name:          "Web App",
		Secret:        "s3cret",
		RedirectURIs:  []string{"https://client.example.com/cb"},
		ResponseTypes: []string{"code"},
	}
	require.NoError(t, store.CreateClient(ctx, client))
	assert.ErrorIs(t, store.CreateClient(ctx, client), ErrAlreadyExists)

	got, err := store.GetClient(ctx, "web-app")
	require.NoError(t, err)
	assert.Equal(t, "Web App", got.Name)
	assert.Equal(t, []string{"https://client.example.com/cb"}, got.RedirectURIs)

	client.Name = "Renamed"
	require.NoError(t, store.UpdateClient(ctx, client))
	got, err = store.GetClient(ctx, "web-app")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Name)

	require.NoError(t, store.DeleteClient(ctx, "web-app"))
	_, err = store.GetClient(ctx, "web-app")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.UpdateClient(ctx, client), ErrNotFound)
	assert.ErrorIs(t, store.DeleteClient(ctx, "web-app"), ErrNotFound)
}

func TestRedisCodeSingleUse(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, _ := redisSetup(t)

	code := &AuthorizationCode{
		Code:      "abc123",
		ClientID:  "web-app",
		UserID:    "user-1",
		Scopes:    []string{"openid", "email"},
		Nonce:     "n-0S6_WzA2Mj",
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(10 * time.Minute),
	}
	require.NoError(t, store.SaveAuthorizationCode(ctx, code))

	got, err := store.RedeemAuthorizationCode(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, "n-0S6_WzA2Mj", got.Nonce)

	_, err = store.RedeemAuthorizationCode(ctx, "abc123")
	assert.ErrorIs(t, err, ErrCodeConsumed)

	_, err = store.RedeemAuthorizationCode(ctx, "never-issued")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisExpiredCodeStillRedeemable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, mr := redisSetup(t)

	// The record outlives the protocol expiry; the token endpoint, not the
	// store, rejects it as expired.
	require.NoError(t, store.SaveAuthorizationCode(ctx, &AuthorizationCode{
		Code:      "stale",
		ExpiresAt: time.Now().Add(time.Minute),
	}))
	mr.FastForward(2 * time.Minute)

	got, err := store.RedeemAuthorizationCode(ctx, "stale")
	require.NoError(t, err)
	assert.True(t, got.IsExpired())
}

func TestRedisConsent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, mr := redisSetup(t)

	consent := &Consent{
		ID:        "consent-1",
		UserID:    "user-1",
		ClientID:  "web-app",
		Scopes:    []string{"openid", "profile"},
		GrantedAt: time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}
	require.NoError(t, store.SaveConsent(ctx, consent))

	got, err := store.GetConsent(ctx, "user-1", "web-app")
	require.NoError(t, err)
	assert.Equal(t, []string{"openid", "profile"}, got.Scopes)

	// Expiry is enforced with a key TTL.
	mr.FastForward(2 * time.Hour)
	_, err = store.GetConsent(ctx, "user-1", "web-app")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisRefreshTokenRevocationByCode(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, _ := redisSetup(t)

	require.NoError(t, store.SaveRefreshToken(ctx, &RefreshToken{Token: "rt-1", CodeID: "code-1"}))
	require.NoError(t, store.SaveRefreshToken(ctx, &RefreshToken{Token: "rt-2", CodeID: "code-1"}))
	require.NoError(t, store.SaveRefreshToken(ctx, &RefreshToken{Token: "rt-other", CodeID: "code-2"}))

	revoked, err := store.RevokeRefreshTokensByCode(ctx, "code-1")
	require.NoError(t, err)
	assert.Equal(t, 2, revoked)

	_, err = store.RedeemRefreshToken(ctx, "rt-1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.RedeemRefreshToken(ctx, "rt-other")
	assert.NoError(t, err)

	// Revoking again finds nothing.
	revoked, err = store.RevokeRefreshTokensByCode(ctx, "code-1")
	require.NoError(t, err)
	assert.Zero(t, revoked)
}

func TestRedisRefreshTokenSingleUse(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, _ := redisSetup(t)

	require.NoError(t, store.SaveRefreshToken(ctx, &RefreshToken{
		Token:  "rt-1",
		UserID: "user-1",
		Scopes: []string{"openid"},
	}))

	got, err := store.RedeemRefreshToken(ctx, "rt-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.UserID)

	_, err = store.RedeemRefreshToken(ctx, "rt-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisSigningKeys(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, _ := redisSetup(t)

	now := time.Now()
	require.NoError(t, store.SaveSigningKey(ctx, &SigningKeyRecord{
		KeyID: "kid-new", Algorithm: "RS256", PEM: []byte("new"), CreatedAt: now,
	}))
	require.NoError(t, store.SaveSigningKey(ctx, &SigningKeyRecord{
		KeyID: "kid-old", Algorithm: "ES256", PEM: []byte("old"), CreatedAt: now.Add(-time.Hour),
	}))

	records, err := store.ListSigningKeys(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "kid-old", records[0].KeyID)
	assert.Equal(t, "kid-new", records[1].KeyID)

	got, err := store.GetSigningKey(ctx, "kid-old")
	require.NoError(t, err)
	assert.Equal(t, "ES256", got.Algorithm)
	assert.Equal(t, []byte("old"), got.PEM)

	require.NoError(t, store.DeleteSigningKey(ctx, "kid-old"))
	records, err = store.ListSigningKeys(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.ErrorIs(t, store.DeleteSigningKey(ctx, "kid-old"), ErrNotFound)
}
