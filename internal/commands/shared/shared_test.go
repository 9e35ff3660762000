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

package shared

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/smcp/internal/httputil"
	smcperrors "github.com/tombee/smcp/pkg/errors"
)

func TestAPIClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/sessions":
			assert.Equal(t, "a-1", r.URL.Query().Get("agent_id"))
			httputil.WriteJSON(w, http.StatusOK, map[string]any{"sessions": []any{}})
		case "/v1/agents/a-1/revoke":
			httputil.WriteError(w, http.StatusBadRequest, httputil.ErrorBody{Code: "invalid_request", Message: "reason is required"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	SetFlagsForTest(false, "", srv.URL+"/")
	t.Cleanup(func() { SetFlagsForTest(false, "", "") })

	client, err := NewAPIClient()
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/healthz", client.URL("/healthz"))

	var out struct {
		Sessions []any `json:"sessions"`
	}
	require.NoError(t, client.Get(context.Background(), "/v1/sessions", url.Values{"agent_id": {"a-1"}}, &out))
	assert.NotNil(t, out.Sessions)

	err = client.Post(context.Background(), "/v1/agents/a-1/revoke", map[string]string{}, nil)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, "invalid_request", apiErr.Body.Code)
	assert.Contains(t, err.Error(), "reason is required")
}

func TestAPIClientSendsAPIKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer smcp_cli_test_key_0123456" {
			httputil.WriteError(w, http.StatusUnauthorized, httputil.ErrorBody{Code: "unauthorized", Message: "authentication required"})
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]any{"contexts": []any{}})
	}))
	defer srv.Close()

	SetFlagsForTest(false, "", srv.URL)
	t.Cleanup(func() { SetFlagsForTest(false, "", "") })

	t.Setenv(APIKeyEnv, "")
	client, err := NewAPIClient()
	require.NoError(t, err)
	err = client.Get(context.Background(), "/v1/contexts", nil, nil)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Contains(t, err.Error(), APIKeyEnv)

	t.Setenv(APIKeyEnv, "smcp_cli_test_key_0123456")
	client, err = NewAPIClient()
	require.NoError(t, err)
	assert.NoError(t, client.Get(context.Background(), "/v1/contexts", nil, nil))
}

func TestGetAPIURL(t *testing.T) {
	SetFlagsForTest(false, "", "")
	t.Setenv("SMCP_URL", "")
	assert.Equal(t, DefaultAPIURL, GetAPIURL())

	t.Setenv("SMCP_URL", "http://smcp.internal:9000")
	assert.Equal(t, "http://smcp.internal:9000", GetAPIURL())

	SetFlagsForTest(false, "", "http://flag:1")
	t.Cleanup(func() { SetFlagsForTest(false, "", "") })
	assert.Equal(t, "http://flag:1", GetAPIURL())
}

func TestExitError(t *testing.T) {
	cause := &smcperrors.ValidationError{Field: "server.addr", Message: "is required", Hint: "set SMCP_LISTEN_ADDR"}
	err := NewConfigError("failed to load configuration", cause)

	assert.Equal(t, ExitConfig, err.Code)
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "server.addr")

	var userErr smcperrors.UserVisibleError
	require.True(t, errors.As(err, &userErr))
	assert.Equal(t, "set SMCP_LISTEN_ADDR", userErr.Suggestion())

	assert.Equal(t, ExitUnhealthy, NewUnhealthyError("down", nil).Code)
	assert.Equal(t, "down", NewUnhealthyError("down", nil).Error())
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, ExitUnhealthy, exitCode(NewUnhealthyError("down", nil)))
	assert.Equal(t, ExitConfig, exitCode(fmt.Errorf("startup: %w", &smcperrors.ConfigError{Key: "token.ttl", Reason: "negative"})))
	assert.Equal(t, ExitCancelled, exitCode(&ExitError{Code: ExitCancelled, Message: "cancelled"}))
	assert.Equal(t, ExitFailure, exitCode(errors.New("boom")))
}
