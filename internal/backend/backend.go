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

// Package backend defines storage for SMCP sessions and security contexts.
//
// # Interface Hierarchy
//
// The backend package uses interface segregation to allow minimal implementations:
//
//   - SessionStore (required by attestation and invocation): SaveSession,
//     FindSession, FindActiveByAgent, RevokeForAgent
//   - SessionLister (optional): ListSessions, PurgeSessions, CountActive
//   - ContextStore (required by attestation): FindContext, SaveContext, ListContexts
//   - io.Closer (optional): Close
//
// The Backend interface composes all of these. The file package provides a
// ContextStore only.
package backend

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/tombee/smcp/internal/policy"
	"github.com/tombee/smcp/internal/session"
)

// ErrNotFound is wrapped by every lookup miss.
var ErrNotFound = errors.New("not found")

// SessionStore persists sessions and enforces the single-active-session
// invariant together with the attestation service.
//
// RevokeForAgent must be linearizable with FindActiveByAgent for the same
// agent: once it returns, no lookup may report a revoked session as active.
type SessionStore interface {
	// SaveSession inserts a session or updates the status of an existing one.
	// Revocation is terminal: saving over a revoked session leaves it revoked.
	SaveSession(ctx context.Context, s *session.Session) error

	// FindSession retrieves a session by id.
	FindSession(ctx context.Context, id string) (*session.Session, error)

	// FindActiveByAgent returns the most recently created session for the
	// agent whose stored state is active. Lazily expired sessions are still
	// returned so that callers can report expiry.
	FindActiveByAgent(ctx context.Context, agentID string) (*session.Session, error)

	// RevokeForAgent revokes every active session of the agent and returns
	// how many changed. Repeated calls are harmless.
	RevokeForAgent(ctx context.Context, agentID, reason string) (int, error)
}

// SessionLister is an optional interface for inspection and housekeeping.
//
//	if lister, ok := store.(SessionLister); ok {
//	    sessions, err := lister.ListSessions(ctx, filter)
//	}
type SessionLister interface {
	// ListSessions returns sessions newest first.
	ListSessions(ctx context.Context, filter SessionFilter) ([]*session.Session, error)

	// PurgeSessions deletes sessions that are revoked and were created
	// before cutoff, or whose token expired before cutoff.
	PurgeSessions(ctx context.Context, cutoff time.Time) (int, error)

	// CountActive counts sessions active and unexpired at now.
	CountActive(ctx context.Context, now time.Time) (int, error)
}

// ContextStore looks up security contexts by name.
type ContextStore interface {
	// FindContext retrieves a context by name.
	FindContext(ctx context.Context, name string) (*policy.SecurityContext, error)

	// SaveContext upserts a context, incrementing its version. The metadata
	// of sc is updated in place.
	SaveContext(ctx context.Context, sc *policy.SecurityContext) error

	// ListContexts returns all contexts ordered by name.
	ListContexts(ctx context.Context) ([]*policy.SecurityContext, error)
}

// Backend defines the full storage interface.
type Backend interface {
	SessionStore
	SessionLister
	ContextStore
	io.Closer
}

// SessionFilter narrows ListSessions.
type SessionFilter struct {
	AgentID     string
	ExecutionID string
	State       session.State
	Limit       int
}

// Matches reports whether s passes the filter. Used by in-process stores.
func (f SessionFilter) Matches(s *session.Session) bool {
	if f.AgentID != "" && s.AgentID != f.AgentID {
		return false
	}
	if f.ExecutionID != "" && s.ExecutionID != f.ExecutionID {
		return false
	}
	if f.State != "" && s.Status.State != f.State {
		return false
	}
	return true
}

// Purgeable reports whether s is eligible for PurgeSessions at cutoff.
func Purgeable(s *session.Session, cutoff time.Time) bool {
	if !s.IsActive() {
		return s.CreatedAt.Before(cutoff)
	}
	return s.ExpiresAt().Before(cutoff)
}
