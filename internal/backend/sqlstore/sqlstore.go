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

// Package sqlstore implements the session and context stores on database/sql.
// The sqlite and postgres backends open the connection, run their own
// migrations and embed a Store.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tombee/smcp/internal/backend"
	"github.com/tombee/smcp/internal/policy"
	"github.com/tombee/smcp/internal/session"
)

// Dialect captures the SQL differences between supported databases.
type Dialect struct {
	// Name labels store errors, e.g. "sqlite".
	Name string

	// Numbered placeholders ($1, $2) instead of ?.
	Numbered bool

	// ForUpdate is appended to the context read inside SaveContext.
	ForUpdate string
}

var (
	SQLite   = Dialect{Name: "sqlite"}
	Postgres = Dialect{Name: "postgres", Numbered: true, ForUpdate: " FOR UPDATE"}
)

// ErrorHook observes failed store operations.
type ErrorHook func(backendName, operation string, err error)

// Store implements backend.SessionStore, backend.SessionLister and
// backend.ContextStore.
type Store struct {
	db      *sql.DB
	dialect Dialect
	onError ErrorHook
	now     func() time.Time
}

// New wraps an open database.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect, now: time.Now}
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB { return s.db }

// SetErrorHook installs fn to be called on every failed operation other
// than a not-found lookup.
func (s *Store) SetErrorHook(fn ErrorHook) { s.onError = fn }

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

const sessionColumns = `id, agent_id, execution_id, public_key, security_token, claims, security_context, state, reason, created_at, expires_at`

// SaveSession inserts a session, or updates its status if it exists and
// has not been revoked.
func (s *Store) SaveSession(ctx context.Context, sess *session.Session) error {
	claims, err := json.Marshal(sess.Claims)
	if err != nil {
		return s.fail("save_session", fmt.Errorf("failed to marshal claims: %w", err))
	}
	sc, err := json.Marshal(sess.SecurityContext)
	if err != nil {
		return s.fail("save_session", fmt.Errorf("failed to marshal security context: %w", err))
	}

	query := `INSERT INTO sessions (` + sessionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET state = excluded.state, reason = excluded.reason
		WHERE sessions.state <> 'revoked'`

	_, err = s.db.ExecContext(ctx, s.rebind(query),
		sess.ID,
		sess.AgentID,
		sess.ExecutionID,
		sess.PublicKey,
		sess.SecurityToken,
		string(claims),
		string(sc),
		string(sess.Status.State),
		sess.Status.Reason,
		sess.CreatedAt.UnixNano(),
		sess.ExpiresAt().UnixNano(),
	)
	if err != nil {
		return s.fail("save_session", fmt.Errorf("failed to save session: %w", err))
	}
	return nil
}

// FindSession retrieves a session by id.
func (s *Store) FindSession(ctx context.Context, id string) (*session.Session, error) {
	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`), id)

	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, backend.ErrNotFound)
	}
	if err != nil {
		return nil, s.fail("find_session", err)
	}
	return sess, nil
}

// FindActiveByAgent returns the latest session of the agent with stored
// state active.
func (s *Store) FindActiveByAgent(ctx context.Context, agentID string) (*session.Session, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+sessionColumns+` FROM sessions
		WHERE agent_id = ? AND state = ?
		ORDER BY created_at DESC LIMIT 1`), agentID, string(session.StateActive))

	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("active session for agent %s: %w", agentID, backend.ErrNotFound)
	}
	if err != nil {
		return nil, s.fail("find_active_by_agent", err)
	}
	return sess, nil
}

// RevokeForAgent revokes all active sessions of the agent in one statement.
func (s *Store) RevokeForAgent(ctx context.Context, agentID, reason string) (int, error) {
	result, err := s.db.ExecContext(ctx, s.rebind(`UPDATE sessions SET state = ?, reason = ?
		WHERE agent_id = ? AND state = ?`),
		string(session.StateRevoked), reason, agentID, string(session.StateActive))
	if err != nil {
		return 0, s.fail("revoke_for_agent", fmt.Errorf("failed to revoke sessions: %w", err))
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, s.fail("revoke_for_agent", fmt.Errorf("failed to get rows affected: %w", err))
	}
	return int(n), nil
}

// ListSessions lists sessions newest first.
func (s *Store) ListSessions(ctx context.Context, filter backend.SessionFilter) ([]*session.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE 1=1`
	var args []any

	if filter.AgentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, filter.AgentID)
	}
	if filter.ExecutionID != "" {
		query += ` AND execution_id = ?`
		args = append(args, filter.ExecutionID)
	}
	if filter.State != "" {
		query += ` AND state = ?`
		args = append(args, string(filter.State))
	}

	query += ` ORDER BY created_at DESC`

	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, s.fail("list_sessions", fmt.Errorf("failed to query sessions: %w", err))
	}
	defer rows.Close()

	var result []*session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, s.fail("list_sessions", err)
		}
		result = append(result, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("list_sessions", fmt.Errorf("failed to iterate sessions: %w", err))
	}
	return result, nil
}

// PurgeSessions deletes revoked sessions created before cutoff and active
// sessions whose token expired before cutoff.
func (s *Store) PurgeSessions(ctx context.Context, cutoff time.Time) (int, error) {
	c := cutoff.UnixNano()
	result, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM sessions
		WHERE (state <> ? AND created_at < ?) OR (state = ? AND expires_at < ?)`),
		string(session.StateActive), c, string(session.StateActive), c)
	if err != nil {
		return 0, s.fail("purge_sessions", fmt.Errorf("failed to purge sessions: %w", err))
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, s.fail("purge_sessions", fmt.Errorf("failed to get rows affected: %w", err))
	}
	return int(n), nil
}

// CountActive counts active sessions whose token has not expired at now.
func (s *Store) CountActive(ctx context.Context, now time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM sessions
		WHERE state = ? AND expires_at >= ? AND created_at <= ?`),
		string(session.StateActive), now.UnixNano(), now.UnixNano()).Scan(&n)
	if err != nil {
		return 0, s.fail("count_active", fmt.Errorf("failed to count sessions: %w", err))
	}
	return n, nil
}

// FindContext retrieves a security context by name.
func (s *Store) FindContext(ctx context.Context, name string) (*policy.SecurityContext, error) {
	sc, err := s.findContext(ctx, s.db, name, "")
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("security context %s: %w", name, backend.ErrNotFound)
	}
	if err != nil {
		return nil, s.fail("find_context", err)
	}
	return sc, nil
}

// SaveContext upserts a context and bumps its version inside a transaction.
func (s *Store) SaveContext(ctx context.Context, sc *policy.SecurityContext) error {
	if err := sc.Validate(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.fail("save_context", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	prev, err := s.findContext(ctx, tx, sc.Name, s.dialect.ForUpdate)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return s.fail("save_context", err)
	}

	next := sc.Clone()
	next.Touch(prev, s.now())

	body, err := json.Marshal(next)
	if err != nil {
		return s.fail("save_context", fmt.Errorf("failed to marshal security context: %w", err))
	}

	_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO security_contexts (name, body, version, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET body = excluded.body, version = excluded.version, updated_at = excluded.updated_at`),
		next.Name, string(body), int64(next.Metadata.Version), next.Metadata.UpdatedAt.UnixNano())
	if err != nil {
		return s.fail("save_context", fmt.Errorf("failed to save security context: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return s.fail("save_context", fmt.Errorf("failed to commit: %w", err))
	}

	sc.Metadata = next.Metadata
	return nil
}

// ListContexts lists contexts ordered by name.
func (s *Store) ListContexts(ctx context.Context) ([]*policy.SecurityContext, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM security_contexts ORDER BY name`)
	if err != nil {
		return nil, s.fail("list_contexts", fmt.Errorf("failed to query security contexts: %w", err))
	}
	defer rows.Close()

	var result []*policy.SecurityContext
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, s.fail("list_contexts", fmt.Errorf("failed to scan security context: %w", err))
		}
		var sc policy.SecurityContext
		if err := json.Unmarshal([]byte(body), &sc); err != nil {
			return nil, s.fail("list_contexts", fmt.Errorf("failed to unmarshal security context: %w", err))
		}
		result = append(result, &sc)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("list_contexts", fmt.Errorf("failed to iterate security contexts: %w", err))
	}
	return result, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) findContext(ctx context.Context, q querier, name, suffix string) (*policy.SecurityContext, error) {
	var body string
	err := q.QueryRowContext(ctx, s.rebind(`SELECT body FROM security_contexts WHERE name = ?`+suffix), name).Scan(&body)
	if err != nil {
		return nil, err
	}
	var sc policy.SecurityContext
	if err := json.Unmarshal([]byte(body), &sc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal security context: %w", err)
	}
	return &sc, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*session.Session, error) {
	var (
		sess      session.Session
		claims    string
		sc        string
		state     string
		reason    sql.NullString
		createdAt int64
		expiresAt int64
	)

	err := row.Scan(
		&sess.ID,
		&sess.AgentID,
		&sess.ExecutionID,
		&sess.PublicKey,
		&sess.SecurityToken,
		&claims,
		&sc,
		&state,
		&reason,
		&createdAt,
		&expiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}

	if err := json.Unmarshal([]byte(claims), &sess.Claims); err != nil {
		return nil, fmt.Errorf("failed to unmarshal claims: %w", err)
	}
	if sc != "" && sc != "null" {
		sess.SecurityContext = &policy.SecurityContext{}
		if err := json.Unmarshal([]byte(sc), sess.SecurityContext); err != nil {
			return nil, fmt.Errorf("failed to unmarshal security context: %w", err)
		}
	}
	sess.Status = session.Status{State: session.State(state), Reason: reason.String}
	sess.CreatedAt = time.Unix(0, createdAt).UTC()
	return &sess, nil
}

// rebind rewrites ? placeholders for dialects with numbered parameters.
func (s *Store) rebind(query string) string {
	if !s.dialect.Numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) fail(operation string, err error) error {
	if s.onError != nil {
		s.onError(s.dialect.Name, operation, err)
	}
	return err
}
