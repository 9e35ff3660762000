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

	"github.com/spf13/cobra"

	"github.com/tombee/smcp/internal/backend/file"
	"github.com/tombee/smcp/internal/commands/shared"
)

// ValidateResult is the JSON output of contexts validate.
type ValidateResult struct {
	Path     string   `json:"path"`
	Valid    bool     `json:"valid"`
	Contexts []string `json:"contexts,omitempty"`
	Error    string   `json:"error,omitempty"`
}

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <path>",
		Short: "Validate security context files",
		Long: `Parse and validate a security context YAML file, or every *.yaml and
*.yml file in a directory, without contacting the daemon.`,
		Example: `  smcpd contexts validate ./contexts
  smcpd contexts validate policy.yaml --json`,
		Args: cobra.ExactArgs(1),
		RunE: runValidate,
	}
}

func runValidate(cmd *cobra.Command, args []string) error {
	path := args[0]
	result := ValidateResult{Path: path}

	store, err := file.Open(path)
	if err == nil {
		contexts, _ := store.ListContexts(cmd.Context())
		for _, sc := range contexts {
			result.Contexts = append(result.Contexts, sc.Name)
		}
		result.Valid = true
	} else {
		result.Error = err.Error()
	}

	out := cmd.OutOrStdout()
	if shared.UseJSON() {
		if jerr := shared.EmitJSON(out, result); jerr != nil {
			return jerr
		}
	} else if result.Valid {
		fmt.Fprintln(out, shared.RenderOK(fmt.Sprintf("%s: %d security context(s) valid", path, len(result.Contexts))))
		for _, name := range result.Contexts {
			fmt.Fprintf(out, "  %s\n", name)
		}
	}

	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}
