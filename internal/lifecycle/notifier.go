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

// Package lifecycle ties sessions to the executions that own them and keeps
// the session store tidy.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tombee/smcp/internal/backend"
	"github.com/tombee/smcp/internal/log"
	"github.com/tombee/smcp/internal/metrics"
)

// Revocation triggers, used as metric labels.
const (
	TriggerTerminate = "terminate"
	TriggerManual    = "manual"
)

// DefaultEndReason is recorded when an execution ends without a reason.
const DefaultEndReason = "execution ended"

// Notifier revokes sessions when the orchestrator reports that an execution
// is over.
type Notifier struct {
	sessions backend.SessionStore
	logger   *slog.Logger
}

// NewNotifier creates a Notifier.
func NewNotifier(sessions backend.SessionStore, logger *slog.Logger) *Notifier {
	return &Notifier{sessions: sessions, logger: log.Component(logger, "lifecycle")}
}

// ExecutionEnded revokes every active session of agentID. It is idempotent
// and returns the number of sessions it revoked.
func (n *Notifier) ExecutionEnded(ctx context.Context, agentID, executionID, reason string) (int, error) {
	if reason == "" {
		reason = DefaultEndReason
	}
	count, err := n.revoke(ctx, agentID, reason, TriggerTerminate)
	if err != nil {
		return 0, err
	}
	n.logger.Info("execution ended",
		slog.String(log.AgentIDKey, agentID),
		slog.String(log.ExecutionIDKey, executionID),
		slog.String("reason", reason),
		slog.Int("revoked", count),
	)
	return count, nil
}

// Revoke revokes an agent's sessions on operator request.
func (n *Notifier) Revoke(ctx context.Context, agentID, reason string) (int, error) {
	if reason == "" {
		return 0, errors.New("a revocation reason is required")
	}
	count, err := n.revoke(ctx, agentID, reason, TriggerManual)
	if err != nil {
		return 0, err
	}
	n.logger.Warn("sessions revoked",
		slog.String(log.AgentIDKey, agentID),
		slog.String("reason", reason),
		slog.Int("revoked", count),
	)
	return count, nil
}

func (n *Notifier) revoke(ctx context.Context, agentID, reason, trigger string) (int, error) {
	if agentID == "" {
		return 0, errors.New("agent id is required")
	}
	count, err := n.sessions.RevokeForAgent(ctx, agentID, reason)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke sessions for agent %s: %w", agentID, err)
	}
	metrics.RecordRevocations(trigger, count)
	return count, nil
}
