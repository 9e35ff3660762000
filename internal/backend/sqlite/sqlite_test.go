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

package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/smcp/internal/backend"
	"github.com/tombee/smcp/internal/backend/backendtest"
)

// createTestBackend creates a SQLite backend for testing in a temporary directory.
func createTestBackend(t *testing.T) (*Backend, string) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	be, err := New(Config{Path: dbPath, WAL: true})
	require.NoError(t, err)
	t.Cleanup(func() { be.Close() })

	return be, dbPath
}

func TestBackend(t *testing.T) {
	backendtest.Run(t, func(t *testing.T) backend.Backend {
		be, _ := createTestBackend(t)
		return be
	})
}

func TestSQLiteBackend_Persistence(t *testing.T) {
	ctx := context.Background()
	be, dbPath := createTestBackend(t)

	s := backendtest.NewSession(t, "agent-a", time.Unix(1_700_000_000, 0))
	require.NoError(t, be.SaveSession(ctx, s))
	_, err := be.RevokeForAgent(ctx, "agent-a", "terminated")
	require.NoError(t, err)
	require.NoError(t, be.Close())

	reopened, err := New(Config{Path: dbPath})
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.FindSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "terminated", got.Status.Reason)
	assert.Equal(t, s.Claims.ExpiresAt.Unix(), got.Claims.ExpiresAt.Unix())
}

func TestSQLiteBackend_ErrorHook(t *testing.T) {
	be, _ := createTestBackend(t)

	var ops []string
	be.SetErrorHook(func(backendName, operation string, err error) {
		assert.Equal(t, "sqlite", backendName)
		ops = append(ops, operation)
	})

	_, err := be.FindSession(context.Background(), "missing")
	require.ErrorIs(t, err, backend.ErrNotFound)
	assert.Empty(t, ops, "not-found is not a store error")

	require.NoError(t, be.Close())
	_, err = be.ListSessions(context.Background(), backend.SessionFilter{})
	require.Error(t, err)
	assert.Equal(t, []string{"list_sessions"}, ops)
}
