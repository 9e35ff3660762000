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

package daemon

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/smcp/internal/attestation"
	"github.com/tombee/smcp/internal/auth"
	"github.com/tombee/smcp/internal/config"
	"github.com/tombee/smcp/internal/envelope"
	"github.com/tombee/smcp/internal/lifecycle"
	"github.com/tombee/smcp/internal/log"
	"github.com/tombee/smcp/internal/token"
)

const contextsYAML = `
name: default
capabilities:
  - tool_pattern: fs.read
    path_allowlist: [/workspace]
deny_list: [fs.delete]
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	contexts := filepath.Join(dir, "contexts.yaml")
	require.NoError(t, os.WriteFile(contexts, []byte(contextsYAML), 0o600))

	cfg := config.Default()
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Server.ShutdownTimeout = time.Second
	cfg.Contexts.Path = contexts
	cfg.Contexts.Watch = true
	cfg.Audit.Path = filepath.Join(dir, "audit.jsonl")
	cfg.Housekeeping.Interval = time.Hour
	cfg.Server.APIKeys = []auth.APIKey{{Name: "orchestrator", Key: operatorKey}}
	return cfg
}

const operatorKey = "smcp_daemon_test_operator_key"

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestDaemonServesAndShutsDown(t *testing.T) {
	cfg := testConfig(t)
	logger := log.New(&log.Config{Level: "error", Output: &bytes.Buffer{}})

	d, err := New(context.Background(), cfg, Options{Version: "test"}, logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()

	require.Eventually(t, func() bool { return d.Addr() != "" }, 5*time.Second, 10*time.Millisecond)
	base := "http://" + d.Addr()

	health := lifecycle.NewHealthChecker(base + "/healthz").Check(context.Background())
	require.True(t, health.Success, health.Error)
	assert.Equal(t, "test", health.Health.Version)

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	pemKey, err := token.MarshalPublicKeyPEM(pub)
	require.NoError(t, err)

	resp := postJSON(t, base+"/v1/attest", attestation.Request{
		AgentID:      uuid.NewString(),
		ExecutionID:  uuid.NewString(),
		PublicKeyPEM: string(pemKey),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var att attestation.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&att))

	call := func(tool string) *http.Response {
		inner, err := envelope.NewToolCall(tool, map[string]any{"path": "/workspace/a.txt"})
		require.NoError(t, err)
		return postJSON(t, base+"/v1/tools/call", envelope.Sign(priv, att.SecurityToken, inner))
	}

	// Authorized, but no tool server routes fs.read.
	assert.Equal(t, http.StatusNotFound, call("fs.read").StatusCode)
	assert.Equal(t, http.StatusForbidden, call("fs.delete").StatusCode)

	audit, err := os.ReadFile(cfg.Audit.Path)
	require.NoError(t, err)
	assert.Contains(t, string(audit), `"tool_explicitly_denied"`)

	sessionsURL := base + "/v1/sessions"
	anon, err := http.Get(sessionsURL)
	require.NoError(t, err)
	anon.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, anon.StatusCode)

	req, err := http.NewRequest(http.MethodGet, base+"/v1/sessions", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+operatorKey)
	authed, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	authed.Body.Close()
	assert.Equal(t, http.StatusOK, authed.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
	assert.NoError(t, d.Shutdown(context.Background()))
}

func TestNewRejectsMissingKeyFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.Token.Key = token.KeyConfig{Source: token.KeySourceFile, Path: filepath.Join(t.TempDir(), "missing.pem")}

	_, err := New(context.Background(), cfg, Options{}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, token.ErrKeyNotFound)
}

func TestOpenStorage(t *testing.T) {
	store, err := OpenStorage(config.StorageConfig{Backend: config.BackendMemory})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	path := filepath.Join(t.TempDir(), "nested", "smcp.db")
	store, err = OpenStorage(config.StorageConfig{
		Backend: config.BackendSQLite,
		SQLite:  config.SQLiteConfig{Path: path, WAL: true},
	})
	require.NoError(t, err)
	require.NoError(t, store.Close())
	assert.FileExists(t, path)

	_, err = OpenStorage(config.StorageConfig{Backend: "redis"})
	assert.Error(t, err)
}
