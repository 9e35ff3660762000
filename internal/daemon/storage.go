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
	"fmt"
	"os"
	"path/filepath"

	"github.com/tombee/smcp/internal/backend"
	"github.com/tombee/smcp/internal/backend/memory"
	"github.com/tombee/smcp/internal/backend/postgres"
	"github.com/tombee/smcp/internal/backend/sqlite"
	"github.com/tombee/smcp/internal/config"
	"github.com/tombee/smcp/internal/metrics"
)

// OpenStorage opens the configured session and context store.
func OpenStorage(cfg config.StorageConfig) (backend.Backend, error) {
	switch cfg.Backend {
	case config.BackendSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.SQLite.Path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		b, err := sqlite.New(sqlite.Config{Path: cfg.SQLite.Path, WAL: cfg.SQLite.WAL})
		if err != nil {
			return nil, fmt.Errorf("failed to create sqlite backend: %w", err)
		}
		b.SetErrorHook(metrics.RecordStoreError)
		return b, nil
	case config.BackendPostgres:
		b, err := postgres.New(postgres.Config{
			ConnectionString: cfg.Postgres.ConnectionString,
			MaxOpenConns:     cfg.Postgres.MaxOpenConns,
			MaxIdleConns:     cfg.Postgres.MaxIdleConns,
			ConnMaxLifetime:  cfg.Postgres.ConnMaxLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create postgres backend: %w", err)
		}
		b.SetErrorHook(metrics.RecordStoreError)
		return b, nil
	case config.BackendMemory, "":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
