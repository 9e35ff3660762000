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

// Package invocation routes signed tool calls from agents to tool servers.
// It resolves the caller's session, runs the middleware and forwards only
// the authorized tool name and arguments.
package invocation

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/smcp/internal/backend"
	"github.com/tombee/smcp/internal/envelope"
	"github.com/tombee/smcp/internal/log"
	"github.com/tombee/smcp/internal/metrics"
	"github.com/tombee/smcp/internal/middleware"
	"github.com/tombee/smcp/internal/policy"
	"github.com/tombee/smcp/internal/session"
	"github.com/tombee/smcp/internal/token"
	"github.com/tombee/smcp/internal/tracing"
)

var (
	// ErrResponseTooLarge is returned when a tool result exceeds the
	// capability's max_response_size.
	ErrResponseTooLarge = errors.New("tool response exceeds max_response_size")

	// ErrForwardFailed wraps errors from the Forwarder.
	ErrForwardFailed = errors.New("tool call failed")
)

// ContentItem is one block of tool output.
type ContentItem struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// Result is the response of a forwarded tool call.
type Result struct {
	IsError bool          `json:"isError,omitempty"`
	Content []ContentItem `json:"content"`
}

// Size returns the payload size in bytes, counting text and data only.
func (r *Result) Size() int {
	if r == nil {
		return 0
	}
	n := 0
	for _, c := range r.Content {
		n += len(c.Text) + len(c.Data)
	}
	return n
}

// Forwarder delivers an authorized call to the tool server that owns it.
type Forwarder interface {
	Forward(ctx context.Context, call *middleware.Call) (*Result, error)
}

// ForwarderFunc adapts a function to Forwarder.
type ForwarderFunc func(ctx context.Context, call *middleware.Call) (*Result, error)

// Forward calls f.
func (f ForwarderFunc) Forward(ctx context.Context, call *middleware.Call) (*Result, error) {
	return f(ctx, call)
}

// Service handles signed tool calls.
type Service struct {
	sessions  backend.SessionStore
	issuer    token.Issuer
	mw        *middleware.Middleware
	forwarder Forwarder
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = log.Component(logger, "invocation") }
}

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates an invocation service.
func New(sessions backend.SessionStore, issuer token.Issuer, mw *middleware.Middleware, forwarder Forwarder, opts ...Option) *Service {
	s := &Service{
		sessions:  sessions,
		issuer:    issuer,
		mw:        mw,
		forwarder: forwarder,
		logger:    log.Component(nil, "invocation"),
		tracer:    otel.Tracer("github.com/tombee/smcp/internal/invocation"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Invoke authorizes env and forwards the call. Every refusal is returned as
// a *policy.Violation and has been audited.
func (s *Service) Invoke(ctx context.Context, env *envelope.Envelope) (result *Result, err error) {
	start := s.now()
	ctx, span := s.tracer.Start(ctx, tracing.SpanInvoke)
	defer func() {
		tracing.EndSpan(span, err)
		outcome := metrics.ResultAllowed
		if _, ok := policy.AsViolation(err); ok {
			outcome = metrics.ResultDenied
		} else if err != nil {
			outcome = metrics.ResultError
		}
		metrics.RecordCall(outcome, s.now().Sub(start))
	}()

	claims, err := s.authenticate(env.SecurityToken)
	if err != nil {
		v := &policy.Violation{Kind: policy.KindSignatureInvalid, Reason: err.Error()}
		s.mw.Deny(ctx, nil, "", v)
		return nil, v
	}
	span.SetAttributes(
		tracing.AttrAgentID.String(claims.AgentID),
		tracing.AttrExecutionID.String(claims.ExecutionID),
	)

	sess, err := s.resolveSession(ctx, env.SessionID, claims.AgentID, env.SecurityToken)
	if errors.Is(err, backend.ErrNotFound) {
		v := &policy.Violation{Kind: policy.KindSessionNotFound}
		s.mw.Deny(ctx, nil, claims.AgentID, v)
		return nil, v
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	span.SetAttributes(tracing.AttrSessionID.String(sess.ID))

	if subtle.ConstantTimeCompare([]byte(env.SecurityToken), []byte(sess.SecurityToken)) != 1 {
		v := &policy.Violation{Kind: policy.KindSignatureInvalid, Reason: "security token does not belong to session"}
		s.mw.Deny(ctx, sess, sess.AgentID, v)
		return nil, v
	}

	call, err := s.mw.VerifyAndUnwrap(ctx, sess, env)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(tracing.AttrTool.String(call.Tool))

	result, err = s.forwarder.Forward(ctx, call)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrForwardFailed, call.Tool, err)
	}

	if limit := maxResponseSize(sess.SecurityContext, call.Tool); limit > 0 && uint64(result.Size()) > limit {
		s.logger.Warn("tool response refused",
			slog.String(log.SessionIDKey, sess.ID),
			slog.String(log.ToolKey, call.Tool),
			slog.Int("size", result.Size()),
			slog.Uint64("limit", limit),
		)
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrResponseTooLarge, result.Size(), limit)
	}

	return result, nil
}

// authenticate verifies the token signature. Tokens outside their validity
// window are still accepted here so that the session can report them as
// expired; the JWT parser only reaches the time checks after the signature
// has verified.
func (s *Service) authenticate(securityToken string) (*token.Claims, error) {
	claims, err := s.issuer.Validate(securityToken)
	if err == nil {
		return claims, nil
	}
	if errors.Is(err, jwt.ErrTokenExpired) || errors.Is(err, jwt.ErrTokenNotValidYet) {
		return token.ParseUnverified(securityToken)
	}
	return nil, err
}

// resolveSession finds the session named by the envelope, or the agent's
// latest active one. When the agent has no active session, a revoked session
// holding the same token is returned so the caller learns why it was cut off.
func (s *Service) resolveSession(ctx context.Context, sessionID, agentID, securityToken string) (*session.Session, error) {
	if sessionID != "" {
		sess, err := s.sessions.FindSession(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if sess.AgentID != agentID {
			return nil, backend.ErrNotFound
		}
		return sess, nil
	}

	sess, err := s.sessions.FindActiveByAgent(ctx, agentID)
	if !errors.Is(err, backend.ErrNotFound) {
		return sess, err
	}
	lister, ok := s.sessions.(backend.SessionLister)
	if !ok {
		return nil, err
	}
	revoked, lerr := lister.ListSessions(ctx, backend.SessionFilter{AgentID: agentID, State: session.StateRevoked})
	if lerr != nil {
		return nil, lerr
	}
	for _, r := range revoked {
		if subtle.ConstantTimeCompare([]byte(r.SecurityToken), []byte(securityToken)) == 1 {
			return r, nil
		}
	}
	return nil, err
}

func maxResponseSize(sc *policy.SecurityContext, tool string) uint64 {
	if sc == nil {
		return 0
	}
	_, c, err := sc.Match(tool)
	if err != nil {
		return 0
	}
	return c.MaxResponseSize
}
