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

// Package contexts implements the smcpd contexts commands.
package contexts

import (
	"github.com/spf13/cobra"
)

// NewCommand creates the contexts command group
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "contexts",
		Aliases: []string{"context", "ctx"},
		Short:   "Manage security contexts",
		Long: `Inspect, validate and import security contexts.

A security context is the named policy bound to a session: capabilities
granting tools with path, command and domain constraints, and a deny list
that always wins.`,
	}

	cmd.AddCommand(newListCommand())
	cmd.AddCommand(newValidateCommand())
	cmd.AddCommand(newImportCommand())

	return cmd
}
