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

package httputil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWriteJSON(t *testing.T) {
	tests := []struct {
		name   string
		status int
		data   any
		want   map[string]any
	}{
		{
			name:   "attestation response",
			status: http.StatusCreated,
			data: struct {
				SessionID string `json:"session_id"`
				ExpiresAt string `json:"expires_at"`
			}{SessionID: "sess-1", ExpiresAt: "2026-01-01T00:00:00Z"},
			want: map[string]any{"session_id": "sess-1", "expires_at": "2026-01-01T00:00:00Z"},
		},
		{
			name:   "health",
			status: http.StatusServiceUnavailable,
			data:   map[string]any{"status": "degraded", "active_sessions": 0},
			want:   map[string]any{"status": "degraded", "active_sessions": float64(0)},
		},
		{
			name:   "empty list",
			status: http.StatusOK,
			data:   map[string][]string{},
			want:   map[string]any{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteJSON(w, tt.status, tt.data)

			if w.Code != tt.status {
				t.Errorf("status = %d, want %d", w.Code, tt.status)
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}

			var got map[string]any
			if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
				t.Fatalf("body is not JSON: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Errorf("got %d fields, want %d", len(got), len(tt.want))
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("body[%s] = %v, want %v", k, got[k], v)
				}
			}
		})
	}
}

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, http.StatusForbidden, ErrorBody{
		Code:     "tool_not_allowed",
		Category: "authorization",
		Message:  "smcp: tool_not_allowed; tool: cmd.run",
	})

	if w.Code != http.StatusForbidden {
		t.Errorf("WriteError() status = %v, want %v", w.Code, http.StatusForbidden)
	}

	var resp struct {
		Error ErrorBody `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if resp.Error.Code != "tool_not_allowed" || resp.Error.Category != "authorization" {
		t.Errorf("WriteError() body = %+v", resp.Error)
	}
}

func TestDecodeJSON(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
	}

	tests := []struct {
		name    string
		body    string
		max     int64
		wantErr string
	}{
		{name: "valid", body: `{"name":"a"}`},
		{name: "empty", body: ``, wantErr: "empty"},
		{name: "unknown field", body: `{"name":"a","extra":1}`, wantErr: "invalid JSON"},
		{name: "trailing object", body: `{"name":"a"}{"name":"b"}`, wantErr: "single JSON object"},
		{name: "too large", body: `{"name":"` + strings.Repeat("x", 64) + `"}`, max: 16, wantErr: "exceeds 16 bytes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			w := httptest.NewRecorder()

			var p payload
			err := DecodeJSON(w, r, tt.max, &p)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if p.Name != "a" {
					t.Errorf("decoded name = %q, want a", p.Name)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("DecodeJSON() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}
