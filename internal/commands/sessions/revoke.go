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

package sessions

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/tombee/smcp/internal/commands/shared"
)

// RevokeResult is the daemon's answer to a revoke or terminate.
type RevokeResult struct {
	AgentID     string `json:"agent_id,omitempty"`
	ExecutionID string `json:"execution_id,omitempty"`
	Revoked     int    `json:"revoked"`
}

func newRevokeCommand() *cobra.Command {
	var (
		reason string
		yes    bool
	)

	cmd := &cobra.Command{
		Use:   "revoke <agent-id>",
		Short: "Revoke every active session of an agent",
		Long: `Revoke every active session of an agent. Calls made with a revoked
token fail with session_revoked and the given reason.`,
		Example: `  smcpd sessions revoke 0b6c2a7e-3f57-4f0b-9d61-2f6f0f5b8f10 --reason "key compromised"`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			agentID := args[0]
			if !yes {
				if shared.IsNonInteractive() {
					return errors.New("refusing to revoke without confirmation (use --yes)")
				}
				ok, err := shared.Confirm(
					fmt.Sprintf("Revoke all sessions of agent %s?", agentID),
					"In-flight tool calls from this agent will be rejected.")
				if err != nil {
					return err
				}
				if !ok {
					return &shared.ExitError{Code: shared.ExitCancelled, Message: "revoke cancelled"}
				}
			}

			client, err := shared.NewAPIClient()
			if err != nil {
				return err
			}
			var result RevokeResult
			path := "/v1/agents/" + url.PathEscape(agentID) + "/revoke"
			if err := client.Post(cmd.Context(), path, map[string]string{"reason": reason}, &result); err != nil {
				return fmt.Errorf("failed to revoke sessions: %w", err)
			}
			return printResult(cmd, result)
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded on the revoked sessions")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip the confirmation prompt")
	_ = cmd.MarkFlagRequired("reason")

	return cmd
}

func newTerminateCommand() *cobra.Command {
	var (
		agentID string
		reason  string
	)

	cmd := &cobra.Command{
		Use:   "terminate <execution-id>",
		Short: "End the sessions of a finished execution",
		Example: `  smcpd sessions terminate 7d1f0c55-8e0e-4f57-a0c4-3a1a4b1f7e21 --agent 0b6c2a7e-3f57-4f0b-9d61-2f6f0f5b8f10`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := shared.NewAPIClient()
			if err != nil {
				return err
			}
			var result RevokeResult
			path := "/v1/executions/" + url.PathEscape(args[0]) + "/terminate"
			body := map[string]string{"agent_id": agentID, "reason": reason}
			if err := client.Post(cmd.Context(), path, body, &result); err != nil {
				return fmt.Errorf("failed to terminate execution: %w", err)
			}
			return printResult(cmd, result)
		},
	}

	cmd.Flags().StringVar(&agentID, "agent", "", "Agent ID that ran the execution")
	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded on the revoked sessions")
	_ = cmd.MarkFlagRequired("agent")

	return cmd
}

func printResult(cmd *cobra.Command, result RevokeResult) error {
	if shared.UseJSON() {
		return shared.EmitJSON(cmd.OutOrStdout(), result)
	}
	fmt.Fprintln(cmd.OutOrStdout(), shared.RenderOK(fmt.Sprintf("revoked %d session(s)", result.Revoked)))
	return nil
}
