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
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tombee/smcp/internal/backend/file"
	"github.com/tombee/smcp/internal/commands/shared"
	"github.com/tombee/smcp/internal/config"
	"github.com/tombee/smcp/internal/daemon"
)

// ImportResult is the JSON output of contexts import.
type ImportResult struct {
	Backend  string   `json:"backend"`
	Imported []string `json:"imported"`
}

func newImportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "import <path>",
		Short: "Import security contexts into the configured store",
		Long: `Validate security context files and save them to the storage backend
named in the configuration. Existing contexts with the same name are
replaced and their version is bumped.

Only persistent backends (sqlite, postgres) can be imported into. A daemon
using the memory backend should load contexts with --contexts instead.`,
		Example: `  smcpd contexts import ./contexts --config /etc/smcp/config.yaml`,
		Args:    cobra.ExactArgs(1),
		RunE:    runImport,
	}
}

func runImport(cmd *cobra.Command, args []string) error {
	src, err := file.Open(args[0])
	if err != nil {
		return fmt.Errorf("failed to load security contexts: %w", err)
	}
	contexts, err := src.ListContexts(cmd.Context())
	if err != nil {
		return err
	}

	cfg, err := shared.LoadConfig()
	if err != nil {
		return err
	}
	if cfg.Storage.Backend == config.BackendMemory {
		return shared.NewConfigError("cannot import into the memory backend",
			errors.New("set storage.backend to sqlite or postgres"))
	}

	store, err := daemon.OpenStorage(cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()

	result := ImportResult{Backend: cfg.Storage.Backend, Imported: []string{}}
	for _, sc := range contexts {
		if err := store.SaveContext(cmd.Context(), sc); err != nil {
			return fmt.Errorf("failed to save security context %s: %w", sc.Name, err)
		}
		result.Imported = append(result.Imported, sc.Name)
	}

	if shared.UseJSON() {
		return shared.EmitJSON(cmd.OutOrStdout(), result)
	}
	for _, name := range result.Imported {
		fmt.Fprintln(cmd.OutOrStdout(), shared.RenderOK("imported "+name))
	}
	return nil
}
