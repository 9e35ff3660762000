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

package export

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildTLSConfig(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		cfg, err := BuildTLSConfig(TLSConfigInput{})
		require.NoError(t, err)
		assert.Nil(t, cfg)
	})

	t.Run("skip verify", func(t *testing.T) {
		cfg, err := BuildTLSConfig(TLSConfigInput{Enabled: true, SkipVerify: true})
		require.NoError(t, err)
		assert.True(t, cfg.InsecureSkipVerify)
		assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	})

	t.Run("missing CA", func(t *testing.T) {
		_, err := BuildTLSConfig(TLSConfigInput{Enabled: true, CACertPath: "/nonexistent/ca.pem"})
		assert.Error(t, err)
	})

	t.Run("invalid CA", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "ca.pem")
		require.NoError(t, os.WriteFile(path, []byte("not a certificate"), 0o600))
		_, err := BuildTLSConfig(TLSConfigInput{Enabled: true, CACertPath: path})
		assert.Error(t, err)
	})
}

func TestValidateTLSConfig(t *testing.T) {
	assert.Error(t, ValidateTLSConfig(nil))
	assert.Error(t, ValidateTLSConfig(&tls.Config{MinVersion: tls.VersionTLS10}))
	assert.NoError(t, ValidateTLSConfig(DefaultTLSConfig()))
}
