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

package toolserver

import (
	"fmt"
	"time"

	smcperrors "github.com/tombee/smcp/pkg/errors"
)

// ServerConfig describes one stdio MCP server and the tools routed to it.
type ServerConfig struct {
	// Name identifies the server in logs.
	Name string `yaml:"name"`

	// Command is the executable to run.
	Command string `yaml:"command"`

	// Args are the command-line arguments.
	Args []string `yaml:"args,omitempty"`

	// Env entries are KEY=VALUE pairs passed to the server.
	Env []string `yaml:"env,omitempty"`

	// Tools are the tool patterns served by this server, using the same
	// syntax as capability tool patterns.
	Tools []string `yaml:"tools"`

	// StripPrefix is removed from tool names before they are sent, so
	// "fs.read" can be served as "read".
	StripPrefix string `yaml:"strip_prefix,omitempty"`

	// Timeout bounds each call (default: 30s).
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// Validate checks the server configuration.
func (c ServerConfig) Validate() error {
	if c.Name == "" {
		return &smcperrors.ValidationError{Field: "name", Message: "server name is required"}
	}
	if c.Command == "" {
		return &smcperrors.ValidationError{
			Field:   "command",
			Message: fmt.Sprintf("command is required for server %s", c.Name),
		}
	}
	if len(c.Tools) == 0 {
		return &smcperrors.ValidationError{
			Field:   "tools",
			Message: fmt.Sprintf("server %s routes no tools", c.Name),
			Hint:    `add at least one tool pattern, e.g. "fs.*"`,
		}
	}
	if c.Timeout < 0 {
		return &smcperrors.ValidationError{Field: "timeout", Message: "timeout must not be negative"}
	}
	return nil
}
