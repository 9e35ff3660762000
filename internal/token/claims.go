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

// Package token mints and validates the short-lived security tokens handed
// to attested agents.
package token

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTTL is the validity window of an issued token.
const DefaultTTL = time.Hour

// MaxTTL bounds configurable token lifetimes.
const MaxTTL = 24 * time.Hour

// Claims is the security token payload.
type Claims struct {
	AgentID         string `json:"agent_id"`
	ExecutionID     string `json:"execution_id"`
	SecurityContext string `json:"security_context"`
	jwt.RegisteredClaims
}

// NewClaims builds claims valid from now for ttl. The issuer is left empty
// for the Issuer to fill.
func NewClaims(agentID, executionID, contextName string, audience []string, now time.Time, ttl time.Duration) Claims {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	iat := now.Truncate(time.Second)
	return Claims{
		AgentID:         agentID,
		ExecutionID:     executionID,
		SecurityContext: contextName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   agentID,
			Audience:  jwt.ClaimStrings(audience),
			IssuedAt:  jwt.NewNumericDate(iat),
			NotBefore: jwt.NewNumericDate(iat),
			ExpiresAt: jwt.NewNumericDate(iat.Add(ttl)),
		},
	}
}

// ValidAt reports whether now falls inside [nbf, exp]. Missing bounds are
// treated as open, except that a missing exp is never valid.
func (c *Claims) ValidAt(now time.Time) bool {
	if c.ExpiresAt == nil {
		return false
	}
	if c.NotBefore != nil && now.Before(c.NotBefore.Time) {
		return false
	}
	return !now.After(c.ExpiresAt.Time)
}

// Expiry returns the exp claim, or the zero time.
func (c *Claims) Expiry() time.Time {
	if c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}

// ParseUnverified decodes the claims of a token without checking its
// signature. Only use the result after the token has been authenticated
// some other way.
func ParseUnverified(tokenString string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	return claims, nil
}
