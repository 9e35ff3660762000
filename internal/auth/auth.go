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

// Package auth guards the operator endpoints of the HTTP API with API keys.
//
// Agents authenticate with attestation and signed envelopes; nothing in this
// package applies to them. Operator routes (session inspection, revocation,
// security contexts, metrics) require a key sent as "Authorization: Bearer
// <key>" or "X-API-Key: <key>". With no keys configured every operator
// request is refused.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tombee/smcp/internal/httputil"
	"github.com/tombee/smcp/internal/log"
)

// Scopes understood by the operator API.
const (
	ScopeSessionsRead   = "sessions:read"
	ScopeSessionsRevoke = "sessions:revoke"
	ScopeContextsRead   = "contexts:read"
	ScopeMetricsRead    = "metrics:read"
)

// Error codes written on refusal.
const (
	CodeUnauthorized = "unauthorized"
	CodeForbidden    = "forbidden"
)

// KeyPrefix starts every generated key.
const KeyPrefix = "smcp_"

// MinKeyLength rejects keys too short to resist guessing.
const MinKeyLength = 16

type contextKey string

const operatorContextKey contextKey = "operator"

// Operator is the caller identified by an API key.
type Operator struct {
	Name   string
	Scopes []string
}

// OperatorFromContext returns the operator that authenticated the request.
func OperatorFromContext(ctx context.Context) (*Operator, bool) {
	op, ok := ctx.Value(operatorContextKey).(*Operator)
	return op, ok
}

// ContextWithOperator returns ctx carrying op.
func ContextWithOperator(ctx context.Context, op *Operator) context.Context {
	return context.WithValue(ctx, operatorContextKey, op)
}

// APIKey is an operator credential.
type APIKey struct {
	// Name identifies the key in logs.
	Name string `yaml:"name" json:"name"`

	// Key is the secret value.
	Key string `yaml:"key" json:"key"`

	// ExpiresAt is when the key stops working (nil means never).
	ExpiresAt *time.Time `yaml:"expires_at,omitempty" json:"expires_at,omitempty"`

	// Scopes limits what the key can access (empty means all).
	Scopes []string `yaml:"scopes,omitempty" json:"scopes,omitempty"`
}

// Middleware authenticates operator requests.
type Middleware struct {
	keys   []APIKey
	logger *slog.Logger
	now    func() time.Time
}

// NewMiddleware creates the middleware for keys.
func NewMiddleware(keys []APIKey, logger *slog.Logger) *Middleware {
	return &Middleware{
		keys:   append([]APIKey(nil), keys...),
		logger: log.Component(logger, "auth"),
		now:    time.Now,
	}
}

// Require wraps next so that it only runs for a valid key holding scope.
func (m *Middleware) Require(scope string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("api_key") != "" {
			m.unauthorized(w, r, "API keys in query parameters are not supported; use the Authorization or X-API-Key header")
			return
		}
		if len(m.keys) == 0 {
			m.unauthorized(w, r, "operator API disabled: no API keys configured")
			return
		}

		presented := ExtractKey(r)
		if presented == "" {
			m.unauthorized(w, r, "authentication required")
			return
		}

		key, ok := m.lookup(presented)
		if !ok {
			m.unauthorized(w, r, "invalid credentials")
			return
		}
		if key.ExpiresAt != nil && m.now().After(*key.ExpiresAt) {
			m.unauthorized(w, r, "API key expired")
			return
		}
		if !MatchesScope(key.Scopes, scope) {
			m.logger.Warn("operator request outside key scope",
				slog.String("key", key.Name),
				slog.String("scope", scope),
				slog.String("path", r.URL.Path),
			)
			httputil.WriteError(w, http.StatusForbidden, httputil.ErrorBody{
				Code:     CodeForbidden,
				Category: "authorization",
				Message:  "API key lacks scope " + scope,
			})
			return
		}

		op := &Operator{Name: key.Name, Scopes: key.Scopes}
		next.ServeHTTP(w, r.WithContext(ContextWithOperator(r.Context(), op)))
	})
}

// lookup compares presented against every key in constant time.
func (m *Middleware) lookup(presented string) (APIKey, bool) {
	var (
		found APIKey
		ok    bool
	)
	for _, k := range m.keys {
		if subtle.ConstantTimeCompare([]byte(presented), []byte(k.Key)) == 1 {
			found, ok = k, true
		}
	}
	return found, ok
}

func (m *Middleware) unauthorized(w http.ResponseWriter, r *http.Request, message string) {
	m.logger.Warn("operator request refused",
		slog.String("path", r.URL.Path),
		slog.String("remote", r.RemoteAddr),
		slog.String("reason", message),
	)
	w.Header().Set("WWW-Authenticate", "Bearer")
	httputil.WriteError(w, http.StatusUnauthorized, httputil.ErrorBody{
		Code:     CodeUnauthorized,
		Category: "authentication",
		Message:  message,
	})
}

// ExtractKey returns the key from the Authorization bearer header or the
// X-API-Key header.
func ExtractKey(r *http.Request) string {
	if h := r.Header.Get("Authorization"); len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

// MatchesScope reports whether scopes grant scope. Empty scopes grant
// everything; "*" and patterns ending in "*" match by prefix.
func MatchesScope(scopes []string, scope string) bool {
	if len(scopes) == 0 {
		return true
	}
	for _, s := range scopes {
		if s == scope {
			return true
		}
		if prefix, ok := strings.CutSuffix(s, "*"); ok && strings.HasPrefix(scope, prefix) {
			return true
		}
	}
	return false
}

// GenerateKey returns a new random API key.
func GenerateKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return KeyPrefix + hex.EncodeToString(b), nil
}

// MaskKey hides all but the ends of key.
func MaskKey(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
}
