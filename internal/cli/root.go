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

package cli

import (
	"github.com/spf13/cobra"

	"github.com/tombee/smcp/internal/commands/shared"
)

// SetVersion sets the version information (called from main)
func SetVersion(v, c, b string) {
	shared.SetVersion(v, c, b)
}

// NewRootCommand creates the root Cobra command for smcpd
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "smcpd",
		Short: "smcpd - Secure Mediated Call Protocol gateway",
		Long: `smcpd attests agents, binds each to a security context and mediates
every tool call they make: signatures are verified, sessions are checked
and the call is authorized against the context before it reaches a tool
server.

Run 'smcpd keygen' to create a signing key and 'smcpd serve' to start.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	verbose, json, config, addr := shared.RegisterFlagPointers()

	cmd.PersistentFlags().BoolVarP(verbose, "verbose", "v", false, "Enable verbose output")
	cmd.PersistentFlags().BoolVar(json, "json", false, "Output in JSON format")
	cmd.PersistentFlags().StringVar(config, "config", "", "Path to config file (default: $SMCP_CONFIG or ~/.config/smcp/config.yaml)")
	cmd.PersistentFlags().StringVar(addr, "addr", "", "Daemon API URL (default: $SMCP_URL or "+shared.DefaultAPIURL+")")

	return cmd
}

// GetVersion returns version information
func GetVersion() (string, string, string) {
	return shared.GetVersion()
}

// HandleExitError handles exit errors with proper exit codes
func HandleExitError(err error) {
	shared.HandleExitError(err)
}
