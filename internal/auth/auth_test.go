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

package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestMatchesScope(t *testing.T) {
	tests := []struct {
		name   string
		scopes []string
		scope  string
		want   bool
	}{
		{name: "nil scopes grant everything", scopes: nil, scope: ScopeSessionsRevoke, want: true},
		{name: "exact match", scopes: []string{ScopeSessionsRead}, scope: ScopeSessionsRead, want: true},
		{name: "exact mismatch", scopes: []string{ScopeSessionsRead}, scope: ScopeSessionsRevoke, want: false},
		{name: "prefix wildcard", scopes: []string{"sessions:*"}, scope: ScopeSessionsRevoke, want: true},
		{name: "prefix wildcard mismatch", scopes: []string{"sessions:*"}, scope: ScopeMetricsRead, want: false},
		{name: "star", scopes: []string{"*"}, scope: ScopeContextsRead, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MatchesScope(tt.scopes, tt.scope); got != tt.want {
				t.Errorf("MatchesScope(%v, %q) = %v, want %v", tt.scopes, tt.scope, got, tt.want)
			}
		})
	}
}

func TestExtractKey(t *testing.T) {
	tests := []struct {
		name   string
		header map[string]string
		want   string
	}{
		{name: "bearer", header: map[string]string{"Authorization": "Bearer abc"}, want: "abc"},
		{name: "lowercase bearer", header: map[string]string{"Authorization": "bearer abc"}, want: "abc"},
		{name: "x-api-key", header: map[string]string{"X-API-Key": "xyz"}, want: "xyz"},
		{name: "basic auth ignored", header: map[string]string{"Authorization": "Basic Zm9vOmJhcg=="}, want: ""},
		{name: "none", header: nil, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/v1/sessions", nil)
			for k, v := range tt.header {
				r.Header.Set(k, v)
			}
			if got := ExtractKey(r); got != tt.want {
				t.Errorf("ExtractKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRequire(t *testing.T) {
	past := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	keys := []APIKey{
		{Name: "admin", Key: "smcp_admin_key_0123456789"},
		{Name: "reader", Key: "smcp_reader_key_0123456789", Scopes: []string{ScopeSessionsRead}},
		{Name: "old", Key: "smcp_expired_key_0123456789", ExpiresAt: &past},
	}

	var seen *Operator
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = OperatorFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})

	tests := []struct {
		name       string
		keys       []APIKey
		scope      string
		url        string
		header     string
		wantStatus int
		wantName   string
	}{
		{name: "admin key", keys: keys, scope: ScopeSessionsRevoke, header: "Bearer smcp_admin_key_0123456789", wantStatus: http.StatusNoContent, wantName: "admin"},
		{name: "scoped key within scope", keys: keys, scope: ScopeSessionsRead, header: "Bearer smcp_reader_key_0123456789", wantStatus: http.StatusNoContent, wantName: "reader"},
		{name: "scoped key outside scope", keys: keys, scope: ScopeSessionsRevoke, header: "Bearer smcp_reader_key_0123456789", wantStatus: http.StatusForbidden},
		{name: "missing credential", keys: keys, scope: ScopeSessionsRead, wantStatus: http.StatusUnauthorized},
		{name: "unknown key", keys: keys, scope: ScopeSessionsRead, header: "Bearer smcp_admin_key_012345678", wantStatus: http.StatusUnauthorized},
		{name: "expired key", keys: keys, scope: ScopeSessionsRead, header: "Bearer smcp_expired_key_0123456789", wantStatus: http.StatusUnauthorized},
		{name: "query parameter refused", keys: keys, scope: ScopeSessionsRead, url: "/v1/sessions?api_key=smcp_admin_key_0123456789", wantStatus: http.StatusUnauthorized},
		{name: "no keys configured", keys: nil, scope: ScopeSessionsRead, header: "Bearer smcp_admin_key_0123456789", wantStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = nil
			m := NewMiddleware(tt.keys, nil)
			m.now = func() time.Time { return past.Add(24 * time.Hour) }

			url := tt.url
			if url == "" {
				url = "/v1/sessions"
			}
			r := httptest.NewRequest(http.MethodGet, url, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			m.Require(tt.scope, next).ServeHTTP(w, r)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tt.wantStatus, w.Body.String())
			}
			if tt.wantName == "" {
				if seen != nil {
					t.Errorf("handler ran for refused request")
				}
				return
			}
			if seen == nil || seen.Name != tt.wantName {
				t.Errorf("operator = %+v, want %q", seen, tt.wantName)
			}
		})
	}
}

func TestGenerateKey(t *testing.T) {
	a, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	b, _ := GenerateKey()
	if a == b {
		t.Error("GenerateKey() returned the same key twice")
	}
	if !strings.HasPrefix(a, KeyPrefix) || len(a) != len(KeyPrefix)+64 {
		t.Errorf("unexpected key format %q", a)
	}
}

func TestMaskKey(t *testing.T) {
	if got := MaskKey("short"); got != "*****" {
		t.Errorf("MaskKey(short) = %q", got)
	}
	if got := MaskKey("smcp_abcdef1234"); got != "smcp*******1234" {
		t.Errorf("MaskKey() = %q", got)
	}
}
