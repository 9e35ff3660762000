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

package serve

import (
	"testing"

	"github.com/tombee/smcp/internal/config"
)

func TestNewCommand(t *testing.T) {
	cmd := NewCommand()

	if cmd.Use != "serve" {
		t.Errorf("expected use 'serve', got %q", cmd.Use)
	}
	for _, name := range []string{"listen", "storage", "contexts", "watch", "log-level", "default-context"} {
		if cmd.Flags().Lookup(name) == nil {
			t.Errorf("--%s flag not defined", name)
		}
	}
}

func TestApplyOverrides(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		check   func(*config.Config) bool
		wantErr bool
	}{
		{
			name:  "no flags keeps defaults",
			args:  []string{},
			check: func(c *config.Config) bool { return c.Server.Addr == config.Default().Server.Addr },
		},
		{
			name:  "listen",
			args:  []string{"--listen", "127.0.0.1:9999"},
			check: func(c *config.Config) bool { return c.Server.Addr == "127.0.0.1:9999" },
		},
		{
			name:  "contexts and watch",
			args:  []string{"--contexts", "/etc/smcp/contexts", "--watch"},
			check: func(c *config.Config) bool { return c.Contexts.Path == "/etc/smcp/contexts" && c.Contexts.Watch },
		},
		{
			name:  "log level",
			args:  []string{"--log-level", "debug"},
			check: func(c *config.Config) bool { return c.Log.Level == "debug" },
		},
		{
			name:  "default context",
			args:  []string{"--default-context", "research"},
			check: func(c *config.Config) bool { return c.Attestation.DefaultContext == "research" },
		},
		{
			name:    "unknown storage backend",
			args:    []string{"--storage", "cassandra"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := NewCommand()
			if err := cmd.ParseFlags(tt.args); err != nil {
				t.Fatalf("flag parsing failed: %v", err)
			}

			cfg := config.Default()
			err := applyOverrides(cfg, cmd.Flags())
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected validation error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.check(cfg) {
				t.Errorf("override not applied: %+v", cfg)
			}
		})
	}
}
