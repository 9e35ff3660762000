// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package token

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/zalando/go-keyring"
)

// Key sources for the signing key.
const (
	KeySourceFile      = "file"
	KeySourceKeyring   = "keyring"
	KeySourceEphemeral = "ephemeral"
)

// DefaultKeyringService names the keychain entry holding the signing key.
const DefaultKeyringService = "smcpd"

const keyringUser = "token-signing-key"

// ErrKeyNotFound is returned when the configured key source holds no key.
var ErrKeyNotFound = errors.New("signing key not found")

// KeyConfig selects where the signing key comes from.
type KeyConfig struct {
	Source string `yaml:"source"`

	// Path is a PKCS#8 PEM file (source "file").
	Path string `yaml:"path,omitempty"`

	// KeyringService names the keychain service (source "keyring").
	KeyringService string `yaml:"keyring_service,omitempty"`

	// Create generates and stores a key when the keychain has none.
	Create bool `yaml:"create,omitempty"`
}

// LoadSigningKey resolves the Ed25519 signing key described by cfg.
func LoadSigningKey(cfg KeyConfig) (ed25519.PrivateKey, error) {
	switch cfg.Source {
	case KeySourceFile:
		data, err := os.ReadFile(cfg.Path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, cfg.Path)
			}
			return nil, fmt.Errorf("failed to read signing key: %w", err)
		}
		return ParsePrivateKeyPEM(data)

	case KeySourceKeyring:
		service := cfg.KeyringService
		if service == "" {
			service = DefaultKeyringService
		}
		key, err := loadFromKeyring(service)
		if errors.Is(err, ErrKeyNotFound) && cfg.Create {
			return createInKeyring(service)
		}
		return key, err

	case KeySourceEphemeral, "":
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate signing key: %w", err)
		}
		return priv, nil

	default:
		return nil, fmt.Errorf("unknown key source %q", cfg.Source)
	}
}

func loadFromKeyring(service string) (ed25519.PrivateKey, error) {
	encoded, err := keyring.Get(service, keyringUser)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, fmt.Errorf("%w: keyring service %s", ErrKeyNotFound, service)
		}
		return nil, fmt.Errorf("keyring unavailable: %w", err)
	}

	seed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode signing key from keyring: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid signing key length in keyring: expected %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

func createInKeyring(service string) (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	if err := StoreInKeyring(service, priv); err != nil {
		return nil, err
	}
	return priv, nil
}

// StoreInKeyring saves key's seed under service.
func StoreInKeyring(service string, key ed25519.PrivateKey) error {
	encoded := base64.StdEncoding.EncodeToString(key.Seed())
	if err := keyring.Set(service, keyringUser, encoded); err != nil {
		return fmt.Errorf("failed to store signing key in keyring: %w", err)
	}
	return nil
}

// ParsePrivateKeyPEM decodes a PKCS#8 "PRIVATE KEY" block holding an Ed25519 key.
func ParsePrivateKeyPEM(data []byte) (ed25519.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "PRIVATE KEY" {
		return nil, errors.New("signing key is not a PKCS#8 PEM block")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key: %w", err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("signing key is %T, want Ed25519", key)
	}
	return priv, nil
}

// MarshalPrivateKeyPEM encodes key as a PKCS#8 PEM block.
func MarshalPrivateKeyPEM(key ed25519.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// MarshalPublicKeyPEM encodes key as a PKIX "PUBLIC KEY" PEM block.
func MarshalPublicKeyPEM(key ed25519.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}
