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
	"fmt"
	"io"
	"net/url"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/smcp/internal/commands/completion"
	"github.com/tombee/smcp/internal/commands/shared"
	"github.com/tombee/smcp/internal/server"
)

type listOptions struct {
	agent     string
	execution string
	state     string
	limit     int
}

func newListCommand() *cobra.Command {
	opts := &listOptions{}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		Example: `  # All sessions, newest first
  smcpd sessions list

  # Active sessions of one agent
  smcpd sessions list --agent 0b6c2a7e-3f57-4f0b-9d61-2f6f0f5b8f10 --state active`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.agent, "agent", "", "Filter by agent ID")
	cmd.Flags().StringVar(&opts.execution, "execution", "", "Filter by execution ID")
	cmd.Flags().StringVar(&opts.state, "state", "", "Filter by state (active, revoked)")
	cmd.Flags().IntVar(&opts.limit, "limit", 0, "Maximum number of sessions")
	_ = cmd.RegisterFlagCompletionFunc("state", completion.CompleteSessionStates)

	return cmd
}

func runList(cmd *cobra.Command, opts *listOptions) error {
	client, err := shared.NewAPIClient()
	if err != nil {
		return err
	}

	query := url.Values{}
	if opts.agent != "" {
		query.Set("agent_id", opts.agent)
	}
	if opts.execution != "" {
		query.Set("execution_id", opts.execution)
	}
	if opts.state != "" {
		query.Set("state", opts.state)
	}
	if opts.limit > 0 {
		query.Set("limit", strconv.Itoa(opts.limit))
	}

	var resp struct {
		Sessions []server.SessionView `json:"sessions"`
	}
	if err := client.Get(cmd.Context(), "/v1/sessions", query, &resp); err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	if shared.UseJSON() {
		return shared.EmitJSON(cmd.OutOrStdout(), resp)
	}
	printSessions(cmd.OutOrStdout(), resp.Sessions, time.Now())
	return nil
}

func printSessions(out io.Writer, sessions []server.SessionView, now time.Time) {
	if len(sessions) == 0 {
		fmt.Fprintln(out, shared.Muted.Render("No sessions found."))
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tAGENT\tEXECUTION\tCONTEXT\tSTATE\tEXPIRES")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			s.ID, s.AgentID, s.ExecutionID, s.Context,
			shared.RenderState(string(s.State)), expiresIn(s.ExpiresAt, now))
	}
	w.Flush()
}

func expiresIn(expires, now time.Time) string {
	d := expires.Sub(now)
	if d <= 0 {
		return "-"
	}
	return d.Round(time.Second).String()
}
