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

// Package serve implements the smcpd serve command.
package serve

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/tombee/smcp/internal/commands/completion"
	"github.com/tombee/smcp/internal/commands/shared"
	"github.com/tombee/smcp/internal/config"
	"github.com/tombee/smcp/internal/daemon"
	"github.com/tombee/smcp/internal/log"
)

// NewCommand creates the serve command
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the SMCP daemon",
		Long: `Run the SMCP daemon in the foreground.

The daemon accepts attestations from agent containers, mints security
tokens, and mediates signed tool calls against the security context bound
to each session. It stops on SIGINT or SIGTERM.`,
		Example: `  # Start with the default configuration
  smcpd serve

  # Listen on another address with a SQLite store
  smcpd serve --listen :9443 --storage sqlite

  # Load security contexts from a directory and reload on change
  smcpd serve --contexts ./contexts --watch`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}

	f := cmd.Flags()
	f.String("listen", "", "Listen address (overrides server.addr)")
	f.String("storage", "", "Storage backend: memory, sqlite or postgres")
	f.String("contexts", "", "Security context file or directory")
	f.Bool("watch", false, "Reload security contexts when files change")
	f.String("log-level", "", "Log level: trace, debug, info, warn or error")
	f.String("default-context", "", "Security context for agents without a mapping")

	_ = cmd.RegisterFlagCompletionFunc("storage", completion.CompleteStorageBackends)
	_ = cmd.RegisterFlagCompletionFunc("log-level", completion.CompleteLogLevels)
	_ = cmd.RegisterFlagCompletionFunc("default-context", completion.CompleteContextNames)

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := shared.LoadConfig()
	if err != nil {
		return err
	}
	if err := applyOverrides(cfg, cmd.Flags()); err != nil {
		return shared.NewConfigError("invalid flags", err)
	}

	logger := log.New(&log.Config{
		Level:     cfg.Log.Level,
		Format:    log.Format(cfg.Log.Format),
		Output:    os.Stderr,
		AddSource: cfg.Log.AddSource,
	})
	slog.SetDefault(logger)

	v, c, b := shared.GetVersion()
	logger.Info("smcpd starting",
		slog.String("version", v),
		slog.String("addr", cfg.Server.Addr),
		slog.String("storage", cfg.Storage.Backend))

	if err := daemon.Run(cfg, daemon.Options{Version: v, Commit: c, BuildDate: b}, logger); err != nil {
		return fmt.Errorf("daemon error: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// applyOverrides copies explicitly set flags onto cfg and revalidates it.
func applyOverrides(cfg *config.Config, fs *pflag.FlagSet) error {
	if fs.Changed("listen") {
		cfg.Server.Addr, _ = fs.GetString("listen")
	}
	if fs.Changed("storage") {
		cfg.Storage.Backend, _ = fs.GetString("storage")
	}
	if fs.Changed("contexts") {
		cfg.Contexts.Path, _ = fs.GetString("contexts")
	}
	if fs.Changed("watch") {
		cfg.Contexts.Watch, _ = fs.GetBool("watch")
	}
	if fs.Changed("log-level") {
		cfg.Log.Level, _ = fs.GetString("log-level")
	}
	if fs.Changed("default-context") {
		cfg.Attestation.DefaultContext, _ = fs.GetString("default-context")
	}
	return cfg.Validate()
}
