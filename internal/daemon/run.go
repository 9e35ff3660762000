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

package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tombee/smcp/internal/config"
	"github.com/tombee/smcp/internal/log"
)

// Run starts smcpd and blocks until SIGINT or SIGTERM.
func Run(cfg *config.Config, opts Options, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := New(ctx, cfg, opts, logger)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	runErr := d.Start(ctx)
	if ctx.Err() != nil {
		fmt.Fprintln(os.Stderr, "\nReceived signal, shutting down...")
	}
	if err := d.Shutdown(context.Background()); err != nil {
		logger.Error("Error during shutdown", log.Error(err))
	}
	if runErr != nil {
		return fmt.Errorf("daemon error: %w", runErr)
	}
	return nil
}
