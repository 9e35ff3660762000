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

// Package memory provides an in-memory backend implementation.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tombee/smcp/internal/backend"
	"github.com/tombee/smcp/internal/policy"
	"github.com/tombee/smcp/internal/session"
)

// Compile-time interface assertions.
var (
	_ backend.SessionStore  = (*Backend)(nil)
	_ backend.SessionLister = (*Backend)(nil)
	_ backend.ContextStore  = (*Backend)(nil)
	_ backend.Backend       = (*Backend)(nil)
)

// Backend is an in-memory storage backend. All session reads take the read
// lock and all writes the write lock, which makes RevokeForAgent
// linearizable with FindActiveByAgent.
type Backend struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session
	byAgent  map[string][]string
	contexts map[string]*policy.SecurityContext
	now      func() time.Time
}

// New creates a new in-memory backend.
func New() *Backend {
	return &Backend{
		sessions: make(map[string]*session.Session),
		byAgent:  make(map[string][]string),
		contexts: make(map[string]*policy.SecurityContext),
		now:      time.Now,
	}
}

// SaveSession inserts or updates a session. A revoked session stays revoked.
func (b *Backend) SaveSession(ctx context.Context, s *session.Session) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	prev, exists := b.sessions[s.ID]
	if !exists {
		b.byAgent[s.AgentID] = append(b.byAgent[s.AgentID], s.ID)
	}
	if exists && prev.Status.State == session.StateRevoked {
		return nil
	}
	b.sessions[s.ID] = s.Clone()
	return nil
}

// FindSession retrieves a session by id.
func (b *Backend) FindSession(ctx context.Context, id string) (*session.Session, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s, exists := b.sessions[id]
	if !exists {
		return nil, fmt.Errorf("session %s: %w", id, backend.ErrNotFound)
	}
	return s.Clone(), nil
}

// FindActiveByAgent returns the latest active session of an agent.
func (b *Backend) FindActiveByAgent(ctx context.Context, agentID string) (*session.Session, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var latest *session.Session
	for _, id := range b.byAgent[agentID] {
		s := b.sessions[id]
		if !s.IsActive() {
			continue
		}
		if latest == nil || s.CreatedAt.After(latest.CreatedAt) {
			latest = s
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("active session for agent %s: %w", agentID, backend.ErrNotFound)
	}
	return latest.Clone(), nil
}

// RevokeForAgent revokes all active sessions of an agent.
func (b *Backend) RevokeForAgent(ctx context.Context, agentID, reason string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	revoked := 0
	for _, id := range b.byAgent[agentID] {
		if b.sessions[id].Revoke(reason) {
			revoked++
		}
	}
	return revoked, nil
}

// ListSessions lists sessions newest first.
func (b *Backend) ListSessions(ctx context.Context, filter backend.SessionFilter) ([]*session.Session, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []*session.Session
	for _, s := range b.sessions {
		if filter.Matches(s) {
			result = append(result, s.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// PurgeSessions removes terminal sessions older than cutoff.
func (b *Backend) PurgeSessions(ctx context.Context, cutoff time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for id, s := range b.sessions {
		if !backend.Purgeable(s, cutoff) {
			continue
		}
		delete(b.sessions, id)
		b.byAgent[s.AgentID] = without(b.byAgent[s.AgentID], id)
		if len(b.byAgent[s.AgentID]) == 0 {
			delete(b.byAgent, s.AgentID)
		}
		removed++
	}
	return removed, nil
}

// CountActive counts sessions active and unexpired at now.
func (b *Backend) CountActive(ctx context.Context, now time.Time) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, s := range b.sessions {
		if s.StatusAt(now).State == session.StateActive {
			n++
		}
	}
	return n, nil
}

// FindContext retrieves a security context by name.
func (b *Backend) FindContext(ctx context.Context, name string) (*policy.SecurityContext, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	sc, exists := b.contexts[name]
	if !exists {
		return nil, fmt.Errorf("security context %s: %w", name, backend.ErrNotFound)
	}
	return sc.Clone(), nil
}

// SaveContext upserts a security context and bumps its version.
func (b *Backend) SaveContext(ctx context.Context, sc *policy.SecurityContext) error {
	if err := sc.Validate(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	sc.Touch(b.contexts[sc.Name], b.now())
	b.contexts[sc.Name] = sc.Clone()
	return nil
}

// ListContexts lists security contexts ordered by name.
func (b *Backend) ListContexts(ctx context.Context) ([]*policy.SecurityContext, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]*policy.SecurityContext, 0, len(b.contexts))
	for _, sc := range b.contexts {
		result = append(result, sc.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// Close is a no-op for the in-memory backend.
func (b *Backend) Close() error {
	return nil
}

func without(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
