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

package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tombee/smcp/internal/backend"
	"github.com/tombee/smcp/internal/log"
	"github.com/tombee/smcp/internal/metrics"
)

// Sweeper defaults.
const (
	DefaultSweepInterval = time.Minute
	DefaultRetention     = 24 * time.Hour
)

// Pruner drops rate-limit state for closed windows.
type Pruner interface {
	Prune() int
}

// SweeperConfig configures periodic housekeeping.
type SweeperConfig struct {
	// Interval between sweeps (default: 1m).
	Interval time.Duration `yaml:"interval"`

	// Retention keeps revoked and expired sessions for this long before
	// they are purged (default: 24h).
	Retention time.Duration `yaml:"retention"`
}

// SweepResult reports what one sweep did.
type SweepResult struct {
	Pruned int
	Purged int
	Active int
}

// Sweeper purges old sessions, prunes rate-limit windows and refreshes the
// active session gauge.
type Sweeper struct {
	sessions backend.SessionLister
	pruner   Pruner
	cfg      SweeperConfig
	logger   *slog.Logger
	now      func() time.Time
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) SweeperOption {
	return func(s *Sweeper) { s.logger = log.Component(logger, "sweeper") }
}

// WithClock overrides the clock.
func WithClock(now func() time.Time) SweeperOption {
	return func(s *Sweeper) { s.now = now }
}

// NewSweeper creates a Sweeper. pruner may be nil.
func NewSweeper(sessions backend.SessionLister, pruner Pruner, cfg SweeperConfig, opts ...SweeperOption) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSweepInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	s := &Sweeper{
		sessions: sessions,
		pruner:   pruner,
		cfg:      cfg,
		logger:   log.Component(nil, "sweeper"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sweep runs one housekeeping pass.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := s.now()

	if s.pruner != nil {
		res.Pruned = s.pruner.Prune()
	}

	purged, err := s.sessions.PurgeSessions(ctx, now.Add(-s.cfg.Retention))
	if err != nil {
		return res, fmt.Errorf("failed to purge sessions: %w", err)
	}
	res.Purged = purged

	active, err := s.sessions.CountActive(ctx, now)
	if err != nil {
		return res, fmt.Errorf("failed to count active sessions: %w", err)
	}
	res.Active = active
	metrics.SetActiveSessions(active)

	return res, nil
}

// Run sweeps every interval until ctx is done. Failed sweeps are logged and
// retried on the next tick.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		res, err := s.Sweep(ctx)
		if err != nil {
			s.logger.Error("sweep failed", log.Error(err))
		} else if res.Purged > 0 || res.Pruned > 0 {
			s.logger.Debug("sweep complete",
				slog.Int("purged", res.Purged),
				slog.Int("pruned", res.Pruned),
				slog.Int("active", res.Active),
			)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
