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

package envelope

import (
	"bytes"
	"crypto"
	"crypto/ed25519"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/go-jose/go-jose/v4"
	"golang.org/x/crypto/ssh"
)

// ErrUnsupportedKey is returned for keys that are not Ed25519 or cannot be decoded.
var ErrUnsupportedKey = errors.New("unsupported public key")

// ParsePublicKey decodes an agent's attestation key. Accepted forms are a
// PKIX "PUBLIC KEY" PEM block, an OpenSSH "ssh-ed25519" authorized-key line,
// and a raw 32-byte key given as bytes, base64 or hex. The result is the raw
// 32-byte key.
func ParsePublicKey(data []byte) (ed25519.PublicKey, error) {
	if len(data) == ed25519.PublicKeySize {
		return ed25519.PublicKey(bytes.Clone(data)), nil
	}

	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty key", ErrUnsupportedKey)
	}

	if block, _ := pem.Decode(data); block != nil {
		if block.Type != "PUBLIC KEY" {
			return nil, fmt.Errorf("%w: PEM block %q", ErrUnsupportedKey, block.Type)
		}
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnsupportedKey, err)
		}
		return asEd25519(key)
	}

	if bytes.HasPrefix(data, []byte("ssh-")) {
		key, _, _, _, err := ssh.ParseAuthorizedKey(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnsupportedKey, err)
		}
		cryptoKey, ok := key.(ssh.CryptoPublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: ssh key type %s", ErrUnsupportedKey, key.Type())
		}
		return asEd25519(cryptoKey.CryptoPublicKey())
	}

	if raw, err := hex.DecodeString(string(data)); err == nil && len(raw) == ed25519.PublicKeySize {
		return ed25519.PublicKey(raw), nil
	}
	if raw, err := base64.StdEncoding.DecodeString(string(data)); err == nil && len(raw) == ed25519.PublicKeySize {
		return ed25519.PublicKey(raw), nil
	}

	return nil, fmt.Errorf("%w: unrecognized encoding", ErrUnsupportedKey)
}

func asEd25519(key crypto.PublicKey) (ed25519.PublicKey, error) {
	pub, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, key)
	}
	return pub, nil
}

// Thumbprint returns the RFC 7638 SHA-256 JWK thumbprint of an Ed25519 key,
// base64url encoded. Audit records use it as a stable key identifier.
func Thumbprint(publicKey []byte) string {
	if len(publicKey) != ed25519.PublicKeySize {
		return ""
	}
	jwk := jose.JSONWebKey{Key: ed25519.PublicKey(publicKey)}
	sum, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(sum)
}
