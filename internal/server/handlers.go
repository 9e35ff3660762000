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

package server

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/tombee/smcp/internal/attestation"
	"github.com/tombee/smcp/internal/auth"
	"github.com/tombee/smcp/internal/backend"
	"github.com/tombee/smcp/internal/envelope"
	"github.com/tombee/smcp/internal/httputil"
	"github.com/tombee/smcp/internal/lifecycle"
	"github.com/tombee/smcp/internal/log"
	"github.com/tombee/smcp/internal/policy"
	"github.com/tombee/smcp/internal/session"
	smcperrors "github.com/tombee/smcp/pkg/errors"
)

// maxListLimit bounds GET /v1/sessions.
const maxListLimit = 1000

func (s *Server) handleAttest(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.Allow(clientAddr(r)) {
		w.Header().Set("Retry-After", "1")
		httputil.WriteError(w, http.StatusTooManyRequests, httputil.ErrorBody{
			Code:    CodeRateLimited,
			Message: "too many attestation attempts",
		})
		return
	}

	var req attestation.Request
	if err := httputil.DecodeJSON(w, r, s.cfg.MaxBodyBytes, &req); err != nil {
		s.writeError(w, r, &smcperrors.ValidationError{Message: err.Error(), Cause: err})
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.writeError(w, r, validationError(err))
		return
	}

	resp, err := s.deps.Attestation.Attest(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleToolCall(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %w", envelope.ErrMalformed, err))
		return
	}
	env, err := envelope.Decode(body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	result, err := s.deps.Invocation.Invoke(r.Context(), env)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

type terminateRequest struct {
	AgentID string `json:"agent_id" validate:"required,uuid"`
	Reason  string `json:"reason" validate:"max=256"`
}

type terminateResponse struct {
	ExecutionID string `json:"execution_id"`
	Revoked     int    `json:"revoked"`
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	executionID := r.PathValue("execution_id")
	if err := s.validate.Var(executionID, "required,uuid"); err != nil {
		s.writeError(w, r, &smcperrors.ValidationError{Field: "execution_id", Message: "must be a UUID", Cause: err})
		return
	}

	var req terminateRequest
	if err := httputil.DecodeJSON(w, r, s.cfg.MaxBodyBytes, &req); err != nil {
		s.writeError(w, r, &smcperrors.ValidationError{Message: err.Error(), Cause: err})
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.writeError(w, r, validationError(err))
		return
	}

	n, err := s.deps.Lifecycle.ExecutionEnded(r.Context(), req.AgentID, executionID, req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logOperatorAction(r, "terminate",
		slog.String(log.AgentIDKey, req.AgentID),
		slog.String(log.ExecutionIDKey, executionID),
		slog.Int("revoked", n),
	)
	httputil.WriteJSON(w, http.StatusOK, terminateResponse{ExecutionID: executionID, Revoked: n})
}

func (s *Server) logOperatorAction(r *http.Request, action string, attrs ...any) {
	operator := "unknown"
	if op, ok := auth.OperatorFromContext(r.Context()); ok {
		operator = op.Name
	}
	s.logger.Info("operator action",
		append([]any{slog.String("action", action), slog.String("operator", operator)}, attrs...)...)
}

type revokeRequest struct {
	Reason string `json:"reason" validate:"required,max=256"`
}

type revokeResponse struct {
	AgentID string `json:"agent_id"`
	Revoked int    `json:"revoked"`
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agent_id")
	if err := s.validate.Var(agentID, "required,uuid"); err != nil {
		s.writeError(w, r, &smcperrors.ValidationError{Field: "agent_id", Message: "must be a UUID", Cause: err})
		return
	}

	var req revokeRequest
	if err := httputil.DecodeJSON(w, r, s.cfg.MaxBodyBytes, &req); err != nil {
		s.writeError(w, r, &smcperrors.ValidationError{Message: err.Error(), Cause: err})
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.writeError(w, r, validationError(err))
		return
	}

	n, err := s.deps.Lifecycle.Revoke(r.Context(), agentID, req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logOperatorAction(r, "revoke", slog.String(log.AgentIDKey, agentID), slog.Int("revoked", n))
	httputil.WriteJSON(w, http.StatusOK, revokeResponse{AgentID: agentID, Revoked: n})
}

// SessionView is the API representation of a session. It never carries the
// security token.
type SessionView struct {
	ID            string        `json:"id"`
	AgentID       string        `json:"agent_id"`
	ExecutionID   string        `json:"execution_id"`
	Context       string        `json:"security_context"`
	State         session.State `json:"state"`
	Reason        string        `json:"reason,omitempty"`
	KeyThumbprint string        `json:"key_thumbprint"`
	CreatedAt     time.Time     `json:"created_at"`
	ExpiresAt     time.Time     `json:"expires_at"`
}

// NewSessionView builds the view of sess as of now.
func NewSessionView(sess *session.Session, now time.Time) SessionView {
	status := sess.StatusAt(now)
	view := SessionView{
		ID:            sess.ID,
		AgentID:       sess.AgentID,
		ExecutionID:   sess.ExecutionID,
		State:         status.State,
		Reason:        status.Reason,
		KeyThumbprint: envelope.Thumbprint(sess.PublicKey),
		CreatedAt:     sess.CreatedAt,
		ExpiresAt:     sess.ExpiresAt(),
	}
	if sess.SecurityContext != nil {
		view.Context = sess.SecurityContext.Name
	}
	return view
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := backend.SessionFilter{
		AgentID:     q.Get("agent_id"),
		ExecutionID: q.Get("execution_id"),
		State:       session.State(q.Get("state")),
		Limit:       100,
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 || limit > maxListLimit {
			s.writeError(w, r, &smcperrors.ValidationError{
				Field:   "limit",
				Message: fmt.Sprintf("must be between 1 and %d", maxListLimit),
			})
			return
		}
		filter.Limit = limit
	}
	switch filter.State {
	case "", session.StateActive, session.StateRevoked:
	default:
		s.writeError(w, r, &smcperrors.ValidationError{
			Field:   "state",
			Message: "must be active or revoked",
		})
		return
	}

	sessions, err := s.deps.Sessions.ListSessions(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	now := s.now()
	views := make([]SessionView, len(sessions))
	for i, sess := range sessions {
		views[i] = NewSessionView(sess, now)
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"sessions": views})
}

func (s *Server) handleListContexts(w http.ResponseWriter, r *http.Request) {
	contexts, err := s.deps.Contexts.ListContexts(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if contexts == nil {
		contexts = []*policy.SecurityContext{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"contexts": contexts})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := lifecycle.HealthStatus{Status: lifecycle.StatusOK, Version: s.cfg.Version}

	active, err := s.deps.Sessions.CountActive(r.Context(), s.now())
	if err != nil {
		status.Status = lifecycle.StatusDegraded
		status.Error = err.Error()
		httputil.WriteJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	status.ActiveSessions = active
	httputil.WriteJSON(w, http.StatusOK, status)
}
