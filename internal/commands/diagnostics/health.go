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

// Package diagnostics implements commands that inspect a running daemon.
package diagnostics

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/smcp/internal/commands/shared"
	"github.com/tombee/smcp/internal/lifecycle"
)

// HealthResult is the outcome of the health command.
type HealthResult struct {
	URL            string `json:"url"`
	Healthy        bool   `json:"healthy"`
	Status         string `json:"status,omitempty"`
	Version        string `json:"version,omitempty"`
	ActiveSessions int    `json:"active_sessions"`
	StatusCode     int    `json:"status_code,omitempty"`
	ResponseTimeMs int64  `json:"response_time_ms"`
	Attempts       int    `json:"attempts"`
	Error          string `json:"error,omitempty"`
}

// NewHealthCommand creates the health command
func NewHealthCommand() *cobra.Command {
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check the health of a running daemon",
		Long: `Probe the daemon's /healthz endpoint.

The command exits with status 3 when the daemon is unreachable or reports
a degraded store. With --wait it polls with backoff until the daemon is
healthy or the timeout elapses, which suits container readiness checks.`,
		Example: `  # Single probe of the local daemon
  smcpd health

  # Wait up to 30s for a daemon to come up
  smcpd health --addr http://smcpd:8443 --wait 30s

  # Machine-readable result
  smcpd health --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHealth(cmd, wait)
		},
	}

	cmd.Flags().DurationVar(&wait, "wait", 0, "Poll until healthy or this timeout elapses")

	return cmd
}

func runHealth(cmd *cobra.Command, wait time.Duration) error {
	client, err := shared.NewAPIClient(shared.WithoutRetries())
	if err != nil {
		return err
	}

	endpoint := client.URL("/healthz")
	checker := lifecycle.NewHealthChecker(endpoint).WithHTTPClient(client.HTTPClient())

	var last *lifecycle.HealthCheckResult
	attempts := 0
	record := func(r *lifecycle.HealthCheckResult, attempt int) {
		last = r
		attempts = attempt
	}

	if wait > 0 {
		ctx, cancel := context.WithTimeout(cmd.Context(), wait)
		defer cancel()
		_ = checker.WaitUntilHealthy(ctx, record)
	} else {
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		record(checker.Check(ctx), 1)
	}

	result := toResult(endpoint, last, attempts)
	if shared.UseJSON() {
		if err := shared.EmitJSON(cmd.OutOrStdout(), result); err != nil {
			return err
		}
	} else {
		printHealth(cmd.OutOrStdout(), result)
	}

	if !result.Healthy {
		return shared.NewUnhealthyError("daemon is not healthy", last.Error)
	}
	return nil
}

func toResult(endpoint string, r *lifecycle.HealthCheckResult, attempts int) HealthResult {
	result := HealthResult{
		URL:            endpoint,
		Healthy:        r.Success,
		StatusCode:     r.StatusCode,
		ResponseTimeMs: r.ResponseTime.Milliseconds(),
		Attempts:       attempts,
	}
	if r.Health != nil {
		result.Status = r.Health.Status
		result.Version = r.Health.Version
		result.ActiveSessions = r.Health.ActiveSessions
	}
	if r.Error != nil {
		result.Error = r.Error.Error()
	}
	return result
}

func printHealth(w io.Writer, r HealthResult) {
	if r.Healthy {
		fmt.Fprintln(w, shared.RenderOK("smcpd is healthy"))
	} else {
		fmt.Fprintln(w, shared.RenderError("smcpd is not healthy"))
	}
	fmt.Fprintf(w, "  %s %s\n", shared.Muted.Render("url:            "), r.URL)
	if r.Status != "" {
		fmt.Fprintf(w, "  %s %s\n", shared.Muted.Render("status:         "), r.Status)
	}
	if r.Version != "" {
		fmt.Fprintf(w, "  %s %s\n", shared.Muted.Render("version:        "), r.Version)
	}
	fmt.Fprintf(w, "  %s %d\n", shared.Muted.Render("active sessions:"), r.ActiveSessions)
	fmt.Fprintf(w, "  %s %dms\n", shared.Muted.Render("response time:  "), r.ResponseTimeMs)
	if r.Attempts > 1 {
		fmt.Fprintf(w, "  %s %d\n", shared.Muted.Render("attempts:       "), r.Attempts)
	}
	if r.Error != "" {
		fmt.Fprintf(w, "  %s %s\n", shared.Muted.Render("error:          "), r.Error)
	}
}
