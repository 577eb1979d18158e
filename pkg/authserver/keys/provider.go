// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	servercrypto "github.com/stacklok/oidcd/pkg/authserver/crypto"
)

// ErrNoSigningKey indicates no key is available for signing.
var ErrNoSigningKey = errors.New("no signing key available")

// KeyProvider provides signing keys for JWT operations.
// Implementations handle key sourcing (files, storage, generation).
type KeyProvider interface {
	// SigningKey returns the current signing key.
	// Returns ErrNoSigningKey if no key is available.
	SigningKey(ctx context.Context) (*SigningKeyData, error)

	// PublicKeys returns all non-retired public keys for the JWKS
	// endpoint. Multiple keys are returned during rotation periods.
	PublicKeys(ctx context.Context) ([]*PublicKeyData, error)
}

// Config configures a FileProvider.
type Config struct {
	// KeyDir is the directory containing the PEM key files.
	KeyDir string

	// SigningKeyFile is the primary key used for signing new tokens.
	SigningKeyFile string

	// FallbackKeyFiles are additional keys exposed for verification only,
	// supporting rotation away from them.
	FallbackKeyFiles []string
}

// FileProvider loads signing keys from PEM files. The signing key signs new
// tokens; all keys are exposed via PublicKeys for JWKS. Keys are loaded
// once at construction; changes require restart.
type FileProvider struct {
	signingKey *SigningKeyData
	allKeys    []*SigningKeyData
}

// NewFileProvider creates a provider that loads keys from a directory.
func NewFileProvider(cfg Config) (*FileProvider, error) {
	if cfg.SigningKeyFile == "" {
		return nil, fmt.Errorf("signing key file is required")
	}

	signingKey, err := loadKeyFromFile(filepath.Join(cfg.KeyDir, cfg.SigningKeyFile))
	if err != nil {
		return nil, fmt.Errorf("failed to load signing key: %w", err)
	}

	allKeys := []*SigningKeyData{signingKey}
	for _, filename := range cfg.FallbackKeyFiles {
		key, err := loadKeyFromFile(filepath.Join(cfg.KeyDir, filename))
		if err != nil {
			return nil, fmt.Errorf("failed to load fallback key %s: %w", filename, err)
		}
		allKeys = append(allKeys, key)
	}

	return &FileProvider{signingKey: signingKey, allKeys: allKeys}, nil
}

func loadKeyFromFile(keyPath string) (*SigningKeyData, error) {
	signer, err := servercrypto.LoadSigningKey(keyPath)
	if err != nil {
		return nil, err
	}
	return newSigningKeyData(signer)
}

func newSigningKeyData(signer crypto.Signer) (*SigningKeyData, error) {
	kid, err := servercrypto.DeriveKeyID(signer)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key ID: %w", err)
	}
	alg, err := servercrypto.DeriveAlgorithm(signer)
	if err != nil {
		return nil, fmt.Errorf("failed to derive algorithm: %w", err)
	}
	return &SigningKeyData{
		KeyID:     kid,
		Algorithm: alg,
		Key:       signer,
		CreatedAt: time.Now(),
	}, nil
}

// SigningKey returns the primary signing key.
// Returns a copy to prevent external mutation of internal state.
func (p *FileProvider) SigningKey(_ context.Context) (*SigningKeyData, error) {
	cp := *p.signingKey
	return &cp, nil
}

// PublicKeys returns public keys for all loaded keys (signing + fallback),
// so tokens signed with any of them still verify during rotation.
func (p *FileProvider) PublicKeys(_ context.Context) ([]*PublicKeyData, error) {
	return publicKeys(p.allKeys), nil
}

func publicKeys(all []*SigningKeyData) []*PublicKeyData {
	pub := make([]*PublicKeyData, 0, len(all))
	for _, key := range all {
		pub = append(pub, &PublicKeyData{
			KeyID:     key.KeyID,
			Algorithm: key.Algorithm,
			PublicKey: key.Key.Public(),
			CreatedAt: key.CreatedAt,
		})
	}
	return pub
}

// RotatingKeySet is an in-memory key set supporting administrative rotation:
// the most recently added key signs, earlier keys remain published for
// verification until retired. Reads are concurrent; rotation takes the
// write lock.
type RotatingKeySet struct {
	mu      sync.RWMutex
	current *SigningKeyData
	keys    []*SigningKeyData
}

// NewRotatingKeySet creates an empty key set.
func NewRotatingKeySet() *RotatingKeySet {
	return &RotatingKeySet{}
}

// Add registers a key and makes it the current signing key.
func (p *RotatingKeySet) Add(signer crypto.Signer) (*SigningKeyData, error) {
	data, err := newSigningKeyData(signer)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, data)
	p.current = data

	cp := *data
	return &cp, nil
}

// Generate creates a new key for the given algorithm, registers it and
// makes it current. An empty algorithm takes DefaultAlgorithm.
func (p *RotatingKeySet) Generate(algorithm string) (*SigningKeyData, error) {
	if algorithm == "" {
		algorithm = DefaultAlgorithm
	}
	signer, err := GeneratePrivateKey(algorithm)
	if err != nil {
		return nil, err
	}
	return p.Add(signer)
}

// Retire removes a key from the published set. The current signing key
// cannot be retired while other keys remain; rotate first.
func (p *RotatingKeySet) Retire(kid string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := -1
	for i, key := range p.keys {
		if key.KeyID == kid {
			idx = i
			break
		}
	}
	if idx == -1 {
		return fmt.Errorf("key %q not found", kid)
	}
	if p.current != nil && p.current.KeyID == kid && len(p.keys) > 1 {
		return fmt.Errorf("key %q is the current signing key", kid)
	}

	p.keys = append(p.keys[:idx], p.keys[idx+1:]...)
	if p.current != nil && p.current.KeyID == kid {
		p.current = nil
	}
	return nil
}

// SigningKey returns the current signing key.
func (p *RotatingKeySet) SigningKey(_ context.Context) (*SigningKeyData, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.current == nil {
		return nil, ErrNoSigningKey
	}
	cp := *p.current
	return &cp, nil
}

// PublicKeys returns the public portions of all non-retired keys.
func (p *RotatingKeySet) PublicKeys(_ context.Context) ([]*PublicKeyData, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return publicKeys(p.keys), nil
}

// GeneratePrivateKey creates a new private key for the given algorithm.
func GeneratePrivateKey(algorithm string) (crypto.Signer, error) {
	switch algorithm {
	case "RS256", "RS384", "RS512":
		return rsa.GenerateKey(rand.Reader, 2048)
	case "ES256":
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case "ES384":
		return ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	case "ES512":
		return ecdsa.GenerateKey(elliptic.P521(), rand.Reader)
	default:
		return nil, fmt.Errorf("unsupported algorithm for key generation: %s", algorithm)
	}
}

// Compile-time interface checks.
var (
	_ KeyProvider = (*FileProvider)(nil)
	_ KeyProvider = (*RotatingKeySet)(nil)
)
