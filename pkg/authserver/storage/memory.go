// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStorage implements Storage with in-memory maps. It is thread-safe
// and suitable for development and testing; use the Redis backend for
// anything shared across processes.
type MemoryStorage struct {
	mu sync.RWMutex

	// clients maps client_id -> Client.
	clients map[string]*Client

	// authCodes maps code value -> AuthorizationCode. Codes are single-use;
	// consumedCodes keeps tombstones so replays return ErrCodeConsumed
	// instead of ErrNotFound.
	authCodes     map[string]*AuthorizationCode
	consumedCodes map[string]time.Time

	// consents maps user_id + "\x00" + client_id -> Consent.
	consents map[string]*Consent

	// refreshTokens maps token value -> RefreshToken. codeIndex maps an
	// authorization code to the refresh tokens minted from it, for
	// replay-triggered revocation.
	refreshTokens map[string]*RefreshToken
	codeIndex     map[string][]string

	// signingKeys maps kid -> SigningKeyRecord.
	signingKeys map[string]*SigningKeyRecord

	consumedRetention time.Duration
}

// Compile-time interface check.
var _ Storage = (*MemoryStorage)(nil)

// NewMemoryStorage creates an empty in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		clients:           make(map[string]*Client),
		authCodes:         make(map[string]*AuthorizationCode),
		consumedCodes:     make(map[string]time.Time),
		consents:          make(map[string]*Consent),
		refreshTokens:     make(map[string]*RefreshToken),
		codeIndex:         make(map[string][]string),
		signingKeys:       make(map[string]*SigningKeyRecord),
		consumedRetention: DefaultConsumedCodeRetention,
	}
}

// GetClient returns the client with the given ID.
func (s *MemoryStorage) GetClient(_ context.Context, clientID string) (*Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("client %q: %w", clientID, ErrNotFound)
	}
	cp := *client
	return &cp, nil
}

// CreateClient registers a new client.
func (s *MemoryStorage) CreateClient(_ context.Context, client *Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[client.ID]; ok {
		return fmt.Errorf("client %q: %w", client.ID, ErrAlreadyExists)
	}
	cp := *client
	s.clients[client.ID] = &cp
	return nil
}

// UpdateClient replaces an existing client.
func (s *MemoryStorage) UpdateClient(_ context.Context, client *Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[client.ID]; !ok {
		return fmt.Errorf("client %q: %w", client.ID, ErrNotFound)
	}
	cp := *client
	s.clients[client.ID] = &cp
	return nil
}

// DeleteClient removes a client.
func (s *MemoryStorage) DeleteClient(_ context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[clientID]; !ok {
		return fmt.Errorf("client %q: %w", clientID, ErrNotFound)
	}
	delete(s.clients, clientID)
	return nil
}

func consentKey(userID, clientID string) string {
	return userID + "\x00" + clientID
}

// SaveConsent records or replaces the consent for (user, client).
func (s *MemoryStorage) SaveConsent(_ context.Context, consent *Consent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *consent
	s.consents[consentKey(consent.UserID, consent.ClientID)] = &cp
	return nil
}

// GetConsent returns the consent for (user, client).
func (s *MemoryStorage) GetConsent(_ context.Context, userID, clientID string) (*Consent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	consent, ok := s.consents[consentKey(userID, clientID)]
	if !ok {
		return nil, fmt.Errorf("consent for user %q client %q: %w", userID, clientID, ErrNotFound)
	}
	cp := *consent
	return &cp, nil
}

// DeleteConsent removes the consent for (user, client).
func (s *MemoryStorage) DeleteConsent(_ context.Context, userID, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := consentKey(userID, clientID)
	if _, ok := s.consents[key]; !ok {
		return fmt.Errorf("consent for user %q client %q: %w", userID, clientID, ErrNotFound)
	}
	delete(s.consents, key)
	return nil
}

// SaveAuthorizationCode persists a freshly minted code.
func (s *MemoryStorage) SaveAuthorizationCode(_ context.Context, code *AuthorizationCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *code
	s.authCodes[code.Code] = &cp
	return nil
}

// RedeemAuthorizationCode atomically looks up and invalidates a code. The
// single write lock guarantees exactly one caller wins under concurrency.
func (s *MemoryStorage) RedeemAuthorizationCode(_ context.Context, code string) (*AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.authCodes[code]
	if !ok {
		if consumedAt, consumed := s.consumedCodes[code]; consumed {
			if time.Since(consumedAt) < s.consumedRetention {
				return nil, ErrCodeConsumed
			}
			delete(s.consumedCodes, code)
		}
		return nil, fmt.Errorf("authorization code: %w", ErrNotFound)
	}

	delete(s.authCodes, code)
	s.consumedCodes[code] = time.Now()

	cp := *record
	return &cp, nil
}

// SaveRefreshToken persists a refresh token and indexes it by origin code.
func (s *MemoryStorage) SaveRefreshToken(_ context.Context, token *RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *token
	s.refreshTokens[token.Token] = &cp
	if token.CodeID != "" {
		s.codeIndex[token.CodeID] = append(s.codeIndex[token.CodeID], token.Token)
	}
	return nil
}

// RedeemRefreshToken atomically looks up and removes a refresh token.
func (s *MemoryStorage) RedeemRefreshToken(_ context.Context, token string) (*RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.refreshTokens[token]
	if !ok {
		return nil, fmt.Errorf("refresh token: %w", ErrNotFound)
	}
	delete(s.refreshTokens, token)

	cp := *record
	return &cp, nil
}

// RevokeRefreshTokensByCode removes every refresh token minted from a code.
func (s *MemoryStorage) RevokeRefreshTokensByCode(_ context.Context, codeID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	revoked := 0
	for _, token := range s.codeIndex[codeID] {
		if _, ok := s.refreshTokens[token]; ok {
			delete(s.refreshTokens, token)
			revoked++
		}
	}
	delete(s.codeIndex, codeID)
	return revoked, nil
}

// SaveSigningKey persists a key record.
func (s *MemoryStorage) SaveSigningKey(_ context.Context, record *SigningKeyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *record
	cp.PEM = append([]byte(nil), record.PEM...)
	s.signingKeys[record.KeyID] = &cp
	return nil
}

// GetSigningKey returns the record for kid.
func (s *MemoryStorage) GetSigningKey(_ context.Context, kid string) (*SigningKeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.signingKeys[kid]
	if !ok {
		return nil, fmt.Errorf("signing key %q: %w", kid, ErrNotFound)
	}
	cp := *record
	cp.PEM = append([]byte(nil), record.PEM...)
	return &cp, nil
}

// ListSigningKeys returns all key records, oldest first.
func (s *MemoryStorage) ListSigningKeys(_ context.Context) ([]*SigningKeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]*SigningKeyRecord, 0, len(s.signingKeys))
	for _, record := range s.signingKeys {
		cp := *record
		cp.PEM = append([]byte(nil), record.PEM...)
		records = append(records, &cp)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}

// DeleteSigningKey removes the record for kid.
func (s *MemoryStorage) DeleteSigningKey(_ context.Context, kid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.signingKeys[kid]; !ok {
		return fmt.Errorf("signing key %q: %w", kid, ErrNotFound)
	}
	delete(s.signingKeys, kid)
	return nil
}
