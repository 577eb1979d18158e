// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"context"
	"crypto"
	"fmt"
	"time"

	servercrypto "github.com/stacklok/oidcd/pkg/authserver/crypto"
	"github.com/stacklok/oidcd/pkg/authserver/storage"
)

// StoreProvider sources signing keys from the storage collaborator, so a
// fleet of servers shares one provisioned key set. The newest non-retired
// record signs; all non-retired records are published.
type StoreProvider struct {
	store storage.SigningKeyStore
}

// Compile-time interface check.
var _ KeyProvider = (*StoreProvider)(nil)

// NewStoreProvider creates a provider reading keys from store.
func NewStoreProvider(store storage.SigningKeyStore) *StoreProvider {
	return &StoreProvider{store: store}
}

// Provision persists a new signing key record. The key becomes the signing
// key because records are selected newest-first.
func (p *StoreProvider) Provision(ctx context.Context, signer crypto.Signer) (*SigningKeyData, error) {
	data, err := newSigningKeyData(signer)
	if err != nil {
		return nil, err
	}

	pemBytes, err := servercrypto.EncodeSigningKeyPEM(signer)
	if err != nil {
		return nil, err
	}

	record := &storage.SigningKeyRecord{
		KeyID:     data.KeyID,
		Algorithm: data.Algorithm,
		PEM:       pemBytes,
		CreatedAt: data.CreatedAt,
	}
	if err := p.store.SaveSigningKey(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to persist signing key: %w", err)
	}
	return data, nil
}

// Retire marks a key record retired; it stops being published and can no
// longer sign, but its record is kept until explicitly deleted.
func (p *StoreProvider) Retire(ctx context.Context, kid string) error {
	record, err := p.store.GetSigningKey(ctx, kid)
	if err != nil {
		return err
	}
	record.Retired = true
	return p.store.SaveSigningKey(ctx, record)
}

// SigningKey returns the newest non-retired key.
func (p *StoreProvider) SigningKey(ctx context.Context) (*SigningKeyData, error) {
	records, err := p.activeRecords(ctx)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrNoSigningKey
	}
	// activeRecords is oldest first.
	return recordToKeyData(records[len(records)-1])
}

// PublicKeys returns the public portions of all non-retired keys.
func (p *StoreProvider) PublicKeys(ctx context.Context) ([]*PublicKeyData, error) {
	records, err := p.activeRecords(ctx)
	if err != nil {
		return nil, err
	}

	all := make([]*SigningKeyData, 0, len(records))
	for _, record := range records {
		data, err := recordToKeyData(record)
		if err != nil {
			return nil, err
		}
		all = append(all, data)
	}
	return publicKeys(all), nil
}

func (p *StoreProvider) activeRecords(ctx context.Context) ([]*storage.SigningKeyRecord, error) {
	records, err := p.store.ListSigningKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list signing keys: %w", err)
	}
	active := records[:0]
	for _, record := range records {
		if !record.Retired {
			active = append(active, record)
		}
	}
	return active, nil
}

func recordToKeyData(record *storage.SigningKeyRecord) (*SigningKeyData, error) {
	signer, err := servercrypto.ParseSigningKeyPEM(record.PEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse stored signing key %q: %w", record.KeyID, err)
	}

	alg := record.Algorithm
	if alg == "" {
		alg, err = servercrypto.DeriveAlgorithm(signer)
		if err != nil {
			return nil, err
		}
	}

	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	return &SigningKeyData{
		KeyID:     record.KeyID,
		Algorithm: alg,
		Key:       signer,
		CreatedAt: createdAt,
	}, nil
}
