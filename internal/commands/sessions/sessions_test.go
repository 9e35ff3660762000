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

package sessions

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/smcp/internal/commands/shared"
	"github.com/tombee/smcp/internal/server"
	"github.com/tombee/smcp/internal/session"
)

const (
	agentID     = "0b6c2a7e-3f57-4f0b-9d61-2f6f0f5b8f10"
	executionID = "7d1f0c55-8e0e-4f57-a0c4-3a1a4b1f7e21"
)

func execute(t *testing.T, addr string, args ...string) (string, error) {
	t.Helper()
	shared.SetFlagsForTest(true, "", addr)
	t.Cleanup(func() { shared.SetFlagsForTest(false, "", "") })

	cmd := NewCommand()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return buf.String(), err
}

func TestListPassesFilters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/sessions", r.URL.Path)
		assert.Equal(t, agentID, r.URL.Query().Get("agent_id"))
		assert.Equal(t, "active", r.URL.Query().Get("state"))
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		assert.Empty(t, r.URL.Query().Get("execution_id"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"sessions": []server.SessionView{{ID: "s1", AgentID: agentID, State: session.StateActive}},
		})
	}))
	defer srv.Close()

	out, err := execute(t, srv.URL, "list", "--agent", agentID, "--state", "active", "--limit", "5")
	require.NoError(t, err)

	var resp struct {
		Sessions []server.SessionView `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Sessions, 1)
	assert.Equal(t, "s1", resp.Sessions[0].ID)
}

func TestListReportsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"code":"invalid_request","message":"state: must be active or revoked"}}`))
	}))
	defer srv.Close()

	_, err := execute(t, srv.URL, "list", "--state", "expired")
	require.Error(t, err)

	var apiErr *shared.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, "invalid_request", apiErr.Body.Code)
}

func TestPrintSessions(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	var buf bytes.Buffer
	printSessions(&buf, nil, now)
	assert.Contains(t, buf.String(), "No sessions found")

	buf.Reset()
	printSessions(&buf, []server.SessionView{
		{ID: "s1", AgentID: agentID, ExecutionID: executionID, Context: "default", State: session.StateActive, ExpiresAt: now.Add(90 * time.Second)},
		{ID: "s2", AgentID: agentID, ExecutionID: executionID, Context: "default", State: session.StateRevoked, ExpiresAt: now.Add(-time.Minute)},
	}, now)
	out := buf.String()
	assert.Contains(t, out, "SESSION")
	assert.Contains(t, out, "s1")
	assert.Contains(t, out, "1m30s")
	assert.Contains(t, out, "revoked")
}

func TestRevoke(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/agents/"+agentID+"/revoke", r.URL.Path)
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "key compromised", body["reason"])
		_ = json.NewEncoder(w).Encode(RevokeResult{AgentID: agentID, Revoked: 2})
	}))
	defer srv.Close()

	out, err := execute(t, srv.URL, "revoke", agentID, "--reason", "key compromised", "--yes")
	require.NoError(t, err)

	var result RevokeResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, 2, result.Revoked)
}

func TestRevokeRequiresConfirmation(t *testing.T) {
	t.Setenv("SMCP_NON_INTERACTIVE", "true")
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	_, err := execute(t, srv.URL, "revoke", agentID, "--reason", "cleanup")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--yes")
	assert.False(t, called)

	_, err = execute(t, srv.URL, "revoke", agentID, "--yes")
	assert.Error(t, err, "--reason is required")
}

func TestTerminate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/executions/"+executionID+"/terminate", r.URL.Path)
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, agentID, body["agent_id"])
		_ = json.NewEncoder(w).Encode(RevokeResult{ExecutionID: executionID, Revoked: 1})
	}))
	defer srv.Close()

	out, err := execute(t, srv.URL, "terminate", executionID, "--agent", agentID)
	require.NoError(t, err)

	var result RevokeResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, 1, result.Revoked)
}
