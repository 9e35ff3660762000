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

package postgres

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tombee/smcp/internal/backend"
	"github.com/tombee/smcp/internal/backend/backendtest"
)

// Set SMCP_TEST_POSTGRES_URL to run against a real database.
func TestBackend(t *testing.T) {
	dsn := os.Getenv("SMCP_TEST_POSTGRES_URL")
	if dsn == "" {
		t.Skip("SMCP_TEST_POSTGRES_URL not set")
	}

	backendtest.Run(t, func(t *testing.T) backend.Backend {
		be, err := New(Config{ConnectionString: dsn, MaxOpenConns: 4})
		require.NoError(t, err)
		_, err = be.DB().Exec(`TRUNCATE sessions, security_contexts`)
		require.NoError(t, err)
		t.Cleanup(func() { be.Close() })
		return be
	})
}
