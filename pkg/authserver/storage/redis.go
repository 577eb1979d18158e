// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// DefaultKeyPrefix namespaces all keys written by this package.
const DefaultKeyPrefix = "oidcd:"

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the host:port of the Redis server.
	Addr string

	// Username and Password authenticate with the server (ACL user or
	// legacy requirepass). Both may be empty.
	Username string
	Password string

	// DB selects the logical database.
	DB int

	// KeyPrefix namespaces keys for multi-tenancy. Defaults to
	// DefaultKeyPrefix when empty.
	KeyPrefix string

	// Timeouts; zero values take the package defaults.
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// RedisStorage implements Storage on a Redis server. Authorization code
// redemption relies on GETDEL so that exactly one concurrent redeemer
// observes the record.
type RedisStorage struct {
	client redis.UniversalClient
	prefix string

	consumedRetention time.Duration
}

// Compile-time interface check.
var _ Storage = (*RedisStorage)(nil)

// NewRedisStorage connects to Redis and verifies the connection.
func NewRedisStorage(ctx context.Context, cfg RedisConfig) (*RedisStorage, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisStorageWithClient(client, cfg.KeyPrefix), nil
}

// NewRedisStorageWithClient wraps an existing client. Used by tests running
// against miniredis.
func NewRedisStorageWithClient(client redis.UniversalClient, keyPrefix string) *RedisStorage {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &RedisStorage{
		client:            client,
		prefix:            keyPrefix,
		consumedRetention: DefaultConsumedCodeRetention,
	}
}

func (s *RedisStorage) key(parts ...string) string {
	key := s.prefix
	for i, p := range parts {
		if i > 0 {
			key += ":"
		}
		key += p
	}
	return key
}

func (s *RedisStorage) getJSON(ctx context.Context, key string, out any, kind string) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("%s: %w", kind, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", kind, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", kind, err)
	}
	return nil
}

func (s *RedisStorage) setJSON(ctx context.Context, key string, v any, ttl time.Duration, kind string) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", kind, err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write %s: %w", kind, err)
	}
	return nil
}

// GetClient returns the client with the given ID.
func (s *RedisStorage) GetClient(ctx context.Context, clientID string) (*Client, error) {
	var client Client
	if err := s.getJSON(ctx, s.key("client", clientID), &client, "client"); err != nil {
		return nil, err
	}
	return &client, nil
}

// CreateClient registers a new client.
func (s *RedisStorage) CreateClient(ctx context.Context, client *Client) error {
	data, err := json.Marshal(client)
	if err != nil {
		return fmt.Errorf("failed to encode client: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.key("client", client.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to write client: %w", err)
	}
	if !ok {
		return fmt.Errorf("client %q: %w", client.ID, ErrAlreadyExists)
	}
	return nil
}

// UpdateClient replaces an existing client.
func (s *RedisStorage) UpdateClient(ctx context.Context, client *Client) error {
	data, err := json.Marshal(client)
	if err != nil {
		return fmt.Errorf("failed to encode client: %w", err)
	}
	// SET XX only succeeds if the key already exists.
	ok, err := s.client.SetXX(ctx, s.key("client", client.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to write client: %w", err)
	}
	if !ok {
		return fmt.Errorf("client %q: %w", client.ID, ErrNotFound)
	}
	return nil
}

// DeleteClient removes a client.
func (s *RedisStorage) DeleteClient(ctx context.Context, clientID string) error {
	n, err := s.client.Del(ctx, s.key("client", clientID)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete client: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("client %q: %w", clientID, ErrNotFound)
	}
	return nil
}

// SaveConsent records or replaces the consent for (user, client).
func (s *RedisStorage) SaveConsent(ctx context.Context, consent *Consent) error {
	var ttl time.Duration
	if !consent.ExpiresAt.IsZero() {
		ttl = time.Until(consent.ExpiresAt)
		if ttl <= 0 {
			ttl = time.Millisecond
		}
	}
	return s.setJSON(ctx, s.key("consent", consent.UserID, consent.ClientID), consent, ttl, "consent")
}

// GetConsent returns the consent for (user, client).
func (s *RedisStorage) GetConsent(ctx context.Context, userID, clientID string) (*Consent, error) {
	var consent Consent
	if err := s.getJSON(ctx, s.key("consent", userID, clientID), &consent, "consent"); err != nil {
		return nil, err
	}
	return &consent, nil
}

// DeleteConsent removes the consent for (user, client).
func (s *RedisStorage) DeleteConsent(ctx context.Context, userID, clientID string) error {
	n, err := s.client.Del(ctx, s.key("consent", userID, clientID)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete consent: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("consent: %w", ErrNotFound)
	}
	return nil
}

// SaveAuthorizationCode persists a freshly minted code. The record outlives
// its protocol expiry by the consumed-code retention window so an expired
// code still burns its single use on redemption.
func (s *RedisStorage) SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error {
	ttl := time.Until(code.ExpiresAt) + s.consumedRetention
	if ttl <= 0 {
		ttl = time.Millisecond
	}
	return s.setJSON(ctx, s.key("code", code.Code), code, ttl, "authorization code")
}

// RedeemAuthorizationCode atomically looks up and invalidates a code via
// GETDEL; only one concurrent redeemer sees the value.
func (s *RedisStorage) RedeemAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error) {
	data, err := s.client.GetDel(ctx, s.key("code", code)).Bytes()
	if errors.Is(err, redis.Nil) {
		consumed, exErr := s.client.Exists(ctx, s.key("consumed", code)).Result()
		if exErr != nil {
			return nil, fmt.Errorf("failed to check consumed code: %w", exErr)
		}
		if consumed > 0 {
			return nil, ErrCodeConsumed
		}
		return nil, fmt.Errorf("authorization code: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to redeem authorization code: %w", err)
	}

	if err := s.client.Set(ctx, s.key("consumed", code), "1", s.consumedRetention).Err(); err != nil {
		return nil, fmt.Errorf("failed to record consumed code: %w", err)
	}

	var record AuthorizationCode
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to decode authorization code: %w", err)
	}
	return &record, nil
}

// SaveRefreshToken persists a refresh token and indexes it by origin code.
func (s *RedisStorage) SaveRefreshToken(ctx context.Context, token *RefreshToken) error {
	var ttl time.Duration
	if !token.ExpiresAt.IsZero() {
		ttl = time.Until(token.ExpiresAt)
		if ttl <= 0 {
			ttl = time.Millisecond
		}
	}
	if err := s.setJSON(ctx, s.key("refresh", token.Token), token, ttl, "refresh token"); err != nil {
		return err
	}
	if token.CodeID != "" {
		if err := s.client.SAdd(ctx, s.key("coderefresh", token.CodeID), token.Token).Err(); err != nil {
			return fmt.Errorf("failed to index refresh token: %w", err)
		}
		if err := s.client.Expire(ctx, s.key("coderefresh", token.CodeID), s.consumedRetention).Err(); err != nil {
			return fmt.Errorf("failed to expire refresh token index: %w", err)
		}
	}
	return nil
}

// RedeemRefreshToken atomically looks up and removes a refresh token.
func (s *RedisStorage) RedeemRefreshToken(ctx context.Context, token string) (*RefreshToken, error) {
	data, err := s.client.GetDel(ctx, s.key("refresh", token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("refresh token: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to redeem refresh token: %w", err)
	}

	var record RefreshToken
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to decode refresh token: %w", err)
	}
	return &record, nil
}

// RevokeRefreshTokensByCode removes every refresh token minted from a code.
func (s *RedisStorage) RevokeRefreshTokensByCode(ctx context.Context, codeID string) (int, error) {
	indexKey := s.key("coderefresh", codeID)
	tokens, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read refresh token index: %w", err)
	}

	revoked := 0
	for _, token := range tokens {
		n, err := s.client.Del(ctx, s.key("refresh", token)).Result()
		if err != nil {
			return revoked, fmt.Errorf("failed to revoke refresh token: %w", err)
		}
		revoked += int(n)
	}
	if err := s.client.Del(ctx, indexKey).Err(); err != nil {
		return revoked, fmt.Errorf("failed to drop refresh token index: %w", err)
	}
	return revoked, nil
}

// SaveSigningKey persists a key record and indexes its kid.
func (s *RedisStorage) SaveSigningKey(ctx context.Context, record *SigningKeyRecord) error {
	if err := s.setJSON(ctx, s.key("skey", record.KeyID), record, 0, "signing key"); err != nil {
		return err
	}
	if err := s.client.SAdd(ctx, s.key("skeys"), record.KeyID).Err(); err != nil {
		return fmt.Errorf("failed to index signing key: %w", err)
	}
	return nil
}

// GetSigningKey returns the record for kid.
func (s *RedisStorage) GetSigningKey(ctx context.Context, kid string) (*SigningKeyRecord, error) {
	var record SigningKeyRecord
	if err := s.getJSON(ctx, s.key("skey", kid), &record, "signing key"); err != nil {
		return nil, err
	}
	return &record, nil
}

// ListSigningKeys returns all key records, oldest first.
func (s *RedisStorage) ListSigningKeys(ctx context.Context) ([]*SigningKeyRecord, error) {
	kids, err := s.client.SMembers(ctx, s.key("skeys")).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list signing keys: %w", err)
	}

	records := make([]*SigningKeyRecord, 0, len(kids))
	for _, kid := range kids {
		record, err := s.GetSigningKey(ctx, kid)
		if errors.Is(err, ErrNotFound) {
			// Index entry outlived the record; drop it.
			_ = s.client.SRem(ctx, s.key("skeys"), kid)
			continue
		}
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}

	// Oldest first, matching the memory backend.
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}

// DeleteSigningKey removes the record for kid.
func (s *RedisStorage) DeleteSigningKey(ctx context.Context, kid string) error {
	n, err := s.client.Del(ctx, s.key("skey", kid)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete signing key: %w", err)
	}
	if err := s.client.SRem(ctx, s.key("skeys"), kid).Err(); err != nil {
		return fmt.Errorf("failed to unindex signing key: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("signing key %q: %w", kid, ErrNotFound)
	}
	return nil
}
