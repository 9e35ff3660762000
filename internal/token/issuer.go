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
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken wraps every validation failure.
var ErrInvalidToken = errors.New("invalid security token")

// Issuer signs claims into a security token and validates tokens it issued.
type Issuer interface {
	Issue(ctx context.Context, claims Claims) (string, error)
	Validate(tokenString string) (*Claims, error)
}

// Config contains JWT issuer configuration.
type Config struct {
	// PrivateKey signs tokens with EdDSA.
	PrivateKey ed25519.PrivateKey

	// Issuer fills the iss claim and is required on validation.
	Issuer string

	// Audience, if set, must intersect a token's aud claim on validation.
	Audience []string

	// ClockSkew allows for clock skew when validating exp/nbf claims.
	ClockSkew time.Duration

	// Clock overrides time.Now for validation.
	Clock func() time.Time
}

// JWTIssuer is an Ed25519 JWT implementation of Issuer.
type JWTIssuer struct {
	cfg       Config
	publicKey ed25519.PublicKey
	now       func() time.Time
}

var _ Issuer = (*JWTIssuer)(nil)

// NewJWTIssuer creates an issuer from cfg.
func NewJWTIssuer(cfg Config) (*JWTIssuer, error) {
	if len(cfg.PrivateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("signing key must be %d bytes, got %d", ed25519.PrivateKeySize, len(cfg.PrivateKey))
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &JWTIssuer{
		cfg:       cfg,
		publicKey: cfg.PrivateKey.Public().(ed25519.PublicKey),
		now:       now,
	}, nil
}

// PublicKey returns the verification key for issued tokens.
func (i *JWTIssuer) PublicKey() ed25519.PublicKey {
	return i.publicKey
}

// Issue signs claims. Claims without an expiry are refused so that no
// unbounded token is ever minted.
func (i *JWTIssuer) Issue(ctx context.Context, claims Claims) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if claims.ExpiresAt == nil {
		return "", errors.New("refusing to issue token without expiry")
	}
	if claims.Issuer == "" {
		claims.Issuer = i.cfg.Issuer
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(i.cfg.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Validate parses and verifies a token, returning its claims.
func (i *JWTIssuer) Validate(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("%w: token is empty", ErrInvalidToken)
	}

	opts := []jwt.ParserOption{
		jwt.WithLeeway(i.cfg.ClockSkew),
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	}
	if i.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(i.cfg.Issuer))
	}
	parser := jwt.NewParser(opts...)

	claims := &Claims{}
	token, err := parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return i.publicKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("%w: token is invalid", ErrInvalidToken)
	}

	if len(i.cfg.Audience) > 0 {
		valid := false
		for _, aud := range claims.Audience {
			if slices.Contains(i.cfg.Audience, aud) {
				valid = true
				break
			}
		}
		if !valid {
			return nil, fmt.Errorf("%w: audience not accepted", ErrInvalidToken)
		}
	}

	return claims, nil
}
