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

package contexts

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tombee/smcp/internal/commands/shared"
	"github.com/tombee/smcp/internal/policy"
)

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List security contexts known to the daemon",
		Example: `  smcpd contexts list
  smcpd contexts list --json`,
		Args: cobra.NoArgs,
		RunE: runList,
	}
}

func runList(cmd *cobra.Command, args []string) error {
	client, err := shared.NewAPIClient()
	if err != nil {
		return err
	}

	var resp struct {
		Contexts []*policy.SecurityContext `json:"contexts"`
	}
	if err := client.Get(cmd.Context(), "/v1/contexts", nil, &resp); err != nil {
		return fmt.Errorf("failed to list security contexts: %w", err)
	}

	if shared.UseJSON() {
		return shared.EmitJSON(cmd.OutOrStdout(), resp)
	}
	printContexts(cmd.OutOrStdout(), resp.Contexts)
	return nil
}

func printContexts(out io.Writer, contexts []*policy.SecurityContext) {
	if len(contexts) == 0 {
		fmt.Fprintln(out, shared.Muted.Render("No security contexts defined."))
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, shared.Header.Render("NAME")+"\t"+shared.Header.Render("VERSION")+"\t"+
		shared.Header.Render("CAPABILITIES")+"\t"+shared.Header.Render("DENY"))
	for _, sc := range contexts {
		patterns := make([]string, len(sc.Capabilities))
		for i, c := range sc.Capabilities {
			patterns[i] = c.ToolPattern
		}
		deny := strings.Join(sc.DenyList, ",")
		if deny == "" {
			deny = "-"
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", sc.Name, sc.Metadata.Version, strings.Join(patterns, ","), deny)
	}
	w.Flush()
}
