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

// Package backendtest holds conformance tests shared by backend implementations.
package backendtest

import (
	"context"
	"crypto/ed25519"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/smcp/internal/backend"
	"github.com/tombee/smcp/internal/policy"
	"github.com/tombee/smcp/internal/session"
	"github.com/tombee/smcp/internal/token"
)

// Factory returns a fresh, empty backend.
type Factory func(t *testing.T) backend.Backend

// NewSession builds an active session for agentID created at now.
func NewSession(t *testing.T, agentID string, now time.Time) *session.Session {
	t.Helper()

	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	claims := token.NewClaims(agentID, "11111111-1111-1111-1111-111111111111", "default", nil, now, token.DefaultTTL)
	sc := &policy.SecurityContext{
		Name:         "default",
		Capabilities: []policy.Capability{{ToolPattern: "file.*", PathAllowlist: []string{"/workspace"}}},
		DenyList:     []string{"cmd.rm"},
	}
	return session.New(agentID, claims.ExecutionID, pub, "tok-"+agentID, claims, sc, now)
}

// Run executes the conformance suite against backends produced by newBackend.
func Run(t *testing.T, newBackend Factory) {
	ctx := context.Background()
	t0 := time.Unix(1_700_000_000, 0).UTC()

	t.Run("SessionRoundTrip", func(t *testing.T) {
		be := newBackend(t)
		s := NewSession(t, "agent-a", t0)
		require.NoError(t, be.SaveSession(ctx, s))

		got, err := be.FindSession(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, s.AgentID, got.AgentID)
		assert.Equal(t, s.ExecutionID, got.ExecutionID)
		assert.Equal(t, s.PublicKey, got.PublicKey)
		assert.Equal(t, s.SecurityToken, got.SecurityToken)
		assert.True(t, s.CreatedAt.Equal(got.CreatedAt))
		assert.True(t, s.ExpiresAt().Equal(got.ExpiresAt()))
		assert.Equal(t, session.StateActive, got.Status.State)
		require.NotNil(t, got.SecurityContext)
		assert.Equal(t, []string{"cmd.rm"}, got.SecurityContext.DenyList)
		assert.Equal(t, []string{"/workspace"}, got.SecurityContext.Capabilities[0].PathAllowlist)
	})

	t.Run("FindSessionMissing", func(t *testing.T) {
		be := newBackend(t)
		_, err := be.FindSession(ctx, "missing")
		assert.ErrorIs(t, err, backend.ErrNotFound)
	})

	t.Run("FindActiveByAgentReturnsLatest", func(t *testing.T) {
		be := newBackend(t)
		older := NewSession(t, "agent-a", t0)
		newer := NewSession(t, "agent-a", t0.Add(time.Minute))
		other := NewSession(t, "agent-b", t0.Add(2*time.Minute))
		require.NoError(t, be.SaveSession(ctx, newer))
		require.NoError(t, be.SaveSession(ctx, older))
		require.NoError(t, be.SaveSession(ctx, other))

		got, err := be.FindActiveByAgent(ctx, "agent-a")
		require.NoError(t, err)
		assert.Equal(t, newer.ID, got.ID)
	})

	t.Run("FindActiveByAgentReturnsExpired", func(t *testing.T) {
		be := newBackend(t)
		s := NewSession(t, "agent-a", t0.Add(-48*time.Hour))
		require.NoError(t, be.SaveSession(ctx, s))

		got, err := be.FindActiveByAgent(ctx, "agent-a")
		require.NoError(t, err)
		assert.Equal(t, session.StateExpired, got.StatusAt(t0).State)
	})

	t.Run("RevokeForAgent", func(t *testing.T) {
		be := newBackend(t)
		a1 := NewSession(t, "agent-a", t0)
		a2 := NewSession(t, "agent-a", t0.Add(time.Second))
		b1 := NewSession(t, "agent-b", t0)
		for _, s := range []*session.Session{a1, a2, b1} {
			require.NoError(t, be.SaveSession(ctx, s))
		}

		n, err := be.RevokeForAgent(ctx, "agent-a", "execution terminated")
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		_, err = be.FindActiveByAgent(ctx, "agent-a")
		assert.ErrorIs(t, err, backend.ErrNotFound)

		got, err := be.FindSession(ctx, a1.ID)
		require.NoError(t, err)
		assert.Equal(t, session.Revoked("execution terminated"), got.Status)

		_, err = be.FindActiveByAgent(ctx, "agent-b")
		assert.NoError(t, err)

		// Second revoke changes nothing and keeps the first reason.
		n, err = be.RevokeForAgent(ctx, "agent-a", "again")
		require.NoError(t, err)
		assert.Zero(t, n)
		got, err = be.FindSession(ctx, a2.ID)
		require.NoError(t, err)
		assert.Equal(t, "execution terminated", got.Status.Reason)
	})

	t.Run("RevokeIsVisibleToConcurrentReaders", func(t *testing.T) {
		be := newBackend(t)
		s := NewSession(t, "agent-a", t0)
		require.NoError(t, be.SaveSession(ctx, s))

		n, err := be.RevokeForAgent(ctx, "agent-a", "terminated")
		require.NoError(t, err)
		require.Equal(t, 1, n)

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := be.FindActiveByAgent(ctx, "agent-a")
				assert.ErrorIs(t, err, backend.ErrNotFound)
			}()
		}
		wg.Wait()
	})

	t.Run("SaveDoesNotReviveRevokedSession", func(t *testing.T) {
		be := newBackend(t)
		s := NewSession(t, "agent-a", t0)
		require.NoError(t, be.SaveSession(ctx, s))
		stale := s.Clone()

		n, err := be.RevokeForAgent(ctx, "agent-a", "terminated")
		require.NoError(t, err)
		require.Equal(t, 1, n)

		require.NoError(t, be.SaveSession(ctx, stale))

		got, err := be.FindSession(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, session.Revoked("terminated"), got.Status)
		_, err = be.FindActiveByAgent(ctx, "agent-a")
		assert.ErrorIs(t, err, backend.ErrNotFound)

		// Saving a revocation over a revocation keeps the first reason.
		stale.Revoke("later")
		require.NoError(t, be.SaveSession(ctx, stale))
		got, err = be.FindSession(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, "terminated", got.Status.Reason)
	})

	t.Run("ReturnedSessionsAreCopies", func(t *testing.T) {
		be := newBackend(t)
		s := NewSession(t, "agent-a", t0)
		require.NoError(t, be.SaveSession(ctx, s))

		got, err := be.FindSession(ctx, s.ID)
		require.NoError(t, err)
		got.Revoke("local only")
		got.SecurityContext.DenyList[0] = "changed"

		again, err := be.FindSession(ctx, s.ID)
		require.NoError(t, err)
		assert.True(t, again.IsActive())
		assert.Equal(t, "cmd.rm", again.SecurityContext.DenyList[0])
	})

	t.Run("ListSessions", func(t *testing.T) {
		be := newBackend(t)
		a1 := NewSession(t, "agent-a", t0)
		a2 := NewSession(t, "agent-a", t0.Add(time.Second))
		b1 := NewSession(t, "agent-b", t0.Add(2*time.Second))
		for _, s := range []*session.Session{a1, a2, b1} {
			require.NoError(t, be.SaveSession(ctx, s))
		}
		_, err := be.RevokeForAgent(ctx, "agent-b", "done")
		require.NoError(t, err)

		all, err := be.ListSessions(ctx, backend.SessionFilter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, b1.ID, all[0].ID)

		onlyA, err := be.ListSessions(ctx, backend.SessionFilter{AgentID: "agent-a"})
		require.NoError(t, err)
		require.Len(t, onlyA, 2)
		assert.Equal(t, a2.ID, onlyA[0].ID)

		revoked, err := be.ListSessions(ctx, backend.SessionFilter{State: session.StateRevoked})
		require.NoError(t, err)
		require.Len(t, revoked, 1)
		assert.Equal(t, b1.ID, revoked[0].ID)

		limited, err := be.ListSessions(ctx, backend.SessionFilter{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, limited, 1)
	})

	t.Run("PurgeAndCount", func(t *testing.T) {
		be := newBackend(t)
		expired := NewSession(t, "agent-a", t0.Add(-48*time.Hour))
		revoked := NewSession(t, "agent-b", t0.Add(-time.Hour))
		live := NewSession(t, "agent-c", t0)
		for _, s := range []*session.Session{expired, revoked, live} {
			require.NoError(t, be.SaveSession(ctx, s))
		}
		_, err := be.RevokeForAgent(ctx, "agent-b", "done")
		require.NoError(t, err)

		n, err := be.CountActive(ctx, t0)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		purged, err := be.PurgeSessions(ctx, t0)
		require.NoError(t, err)
		assert.Equal(t, 2, purged)

		_, err = be.FindSession(ctx, live.ID)
		assert.NoError(t, err)
		_, err = be.FindSession(ctx, expired.ID)
		assert.ErrorIs(t, err, backend.ErrNotFound)
	})

	t.Run("ContextVersioning", func(t *testing.T) {
		be := newBackend(t)
		sc := &policy.SecurityContext{
			Name:         "ci",
			Capabilities: []policy.Capability{{ToolPattern: "*"}},
		}
		require.NoError(t, be.SaveContext(ctx, sc))
		assert.Equal(t, uint64(1), sc.Metadata.Version)

		sc.Description = "updated"
		require.NoError(t, be.SaveContext(ctx, sc))
		assert.Equal(t, uint64(2), sc.Metadata.Version)

		got, err := be.FindContext(ctx, "ci")
		require.NoError(t, err)
		assert.Equal(t, "updated", got.Description)
		assert.Equal(t, uint64(2), got.Metadata.Version)
		assert.False(t, got.Metadata.CreatedAt.After(got.Metadata.UpdatedAt))

		require.NoError(t, be.SaveContext(ctx, &policy.SecurityContext{Name: "alpha"}))
		list, err := be.ListContexts(ctx)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "alpha", list[0].Name)
		assert.Equal(t, "ci", list[1].Name)
	})

	t.Run("ContextValidation", func(t *testing.T) {
		be := newBackend(t)
		err := be.SaveContext(ctx, &policy.SecurityContext{})
		assert.Error(t, err)

		_, err = be.FindContext(ctx, "missing")
		assert.ErrorIs(t, err, backend.ErrNotFound)
	})
}
