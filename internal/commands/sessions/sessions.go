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

// Package sessions implements the smcpd sessions commands.
package sessions

import (
	"github.com/spf13/cobra"
)

// NewCommand creates the sessions command group
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"session"},
		Short:   "Inspect and revoke agent sessions",
		Long: `List the sessions of a running daemon, revoke all sessions of an agent,
or end the sessions of a finished execution.`,
	}

	cmd.AddCommand(newListCommand())
	cmd.AddCommand(newRevokeCommand())
	cmd.AddCommand(newTerminateCommand())

	return cmd
}
