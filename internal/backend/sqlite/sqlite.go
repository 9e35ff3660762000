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

// Package sqlite provides a SQLite backend implementation for single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tombee/smcp/internal/backend"
	"github.com/tombee/smcp/internal/backend/sqlstore"
	_ "modernc.org/sqlite"
)

// Compile-time interface assertions.
var (
	_ backend.SessionStore  = (*Backend)(nil)
	_ backend.SessionLister = (*Backend)(nil)
	_ backend.ContextStore  = (*Backend)(nil)
	_ backend.Backend       = (*Backend)(nil)
)

// Backend is a SQLite storage backend.
type Backend struct {
	*sqlstore.Store
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path.
	Path string `yaml:"path"`

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool `yaml:"wal"`
}

// New creates a new SQLite backend.
func New(cfg Config) (*Backend, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes, so only 1 connection
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := configurePragmas(ctx, db, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Backend{Store: sqlstore.New(db, sqlstore.SQLite)}, nil
}

func configurePragmas(ctx context.Context, db *sql.DB, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA auto_vacuum=INCREMENTAL",
		"PRAGMA synchronous=NORMAL",
	}

	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

// Timestamps are unix nanoseconds so that ORDER BY created_at is exact.
func migrate(ctx context.Context, db *sql.DB) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			execution_id TEXT NOT NULL,
			public_key BLOB NOT NULL,
			security_token TEXT NOT NULL,
			claims TEXT NOT NULL,
			security_context TEXT,
			state TEXT NOT NULL,
			reason TEXT,
			created_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_agent_state ON sessions(agent_id, state, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_execution ON sessions(execution_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_expires_at ON sessions(expires_at)`,
		`CREATE TABLE IF NOT EXISTS security_contexts (
			name TEXT PRIMARY KEY,
			body TEXT NOT NULL,
			version INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
	}

	for _, migration := range migrations {
		if _, err := db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}
