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

// Package middleware is the verification choke point every tool call passes
// through before it may be forwarded.
package middleware

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/smcp/internal/audit"
	"github.com/tombee/smcp/internal/log"
	"github.com/tombee/smcp/internal/policy"
	"github.com/tombee/smcp/internal/session"
	"github.com/tombee/smcp/internal/tracing"
)

// Middleware verifies signed calls against their session and audits every
// denial.
type Middleware struct {
	evaluator session.PolicyEvaluator
	sink      audit.Sink
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// Option configures a Middleware.
type Option func(*Middleware)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Middleware) { m.logger = log.Component(logger, "middleware") }
}

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(m *Middleware) { m.now = now }
}

// WithTracer overrides the tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(m *Middleware) { m.tracer = tracer }
}

// New creates a Middleware.
func New(evaluator session.PolicyEvaluator, sink audit.Sink, opts ...Option) *Middleware {
	m := &Middleware{
		evaluator: evaluator,
		sink:      sink,
		logger:    log.Component(nil, "middleware"),
		tracer:    otel.Tracer("github.com/tombee/smcp/internal/middleware"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Call is an authorized tool call stripped of its credentials. It is the
// only value that may be forwarded to a tool server.
type Call struct {
	Tool      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// VerifyAndUnwrap authorizes env against sess. On success it returns only
// the tool name and arguments; the token and signature never leave this
// function. On failure the violation has been audited before it is returned.
func (m *Middleware) VerifyAndUnwrap(ctx context.Context, sess *session.Session, env session.Envelope) (*Call, error) {
	ctx, span := m.tracer.Start(ctx, "smcp.verify", trace.WithAttributes(
		tracing.AttrSessionID.String(sess.ID),
		tracing.AttrAgentID.String(sess.AgentID),
	))

	err := sess.EvaluateCall(env, m.evaluator, m.now())
	if err != nil {
		v, ok := policy.AsViolation(err)
		if !ok {
			v = policy.NewViolation(policy.KindMalformedPayload, err.Error())
		}
		if v.Tool == "" {
			name, _, _ := env.ToolCall()
			if verifiedBefore(v.Kind) {
				v.Tool = name
			} else {
				v.ClaimedTool = name
			}
		}
		span.SetAttributes(tracing.AttrViolation.String(v.Kind.String()))
		m.Deny(ctx, sess, sess.AgentID, v)
		tracing.EndSpan(span, v)
		return nil, v
	}

	// Already decoded successfully inside EvaluateCall.
	name, args, err := env.ToolCall()
	if err != nil {
		tracing.EndSpan(span, err)
		return nil, err
	}
	span.SetAttributes(tracing.AttrTool.String(name))
	tracing.EndSpan(span, nil)

	log.Trace(ctx, m.logger, "call authorized",
		slog.String(log.SessionIDKey, sess.ID),
		slog.String(log.ToolKey, name),
	)
	return &Call{Tool: name, Arguments: args}, nil
}

// verifiedBefore reports whether a violation of kind k is raised only after
// the envelope signature has been checked.
func verifiedBefore(k policy.Kind) bool {
	switch k {
	case policy.KindSessionRevoked, policy.KindSessionExpired, policy.KindSignatureInvalid:
		return false
	}
	return true
}

// Deny reports a violation to the audit sink. sess may be nil for failures
// that happen before a session is resolved. Sink errors are logged; the
// call is refused either way.
func (m *Middleware) Deny(ctx context.Context, sess *session.Session, agentID string, v *policy.Violation) {
	record := audit.NewRecord(m.now(), sess, agentID, v)
	if err := m.sink.LogViolation(ctx, record); err != nil {
		m.logger.Error("failed to write audit record",
			slog.String("audit_id", record.ID),
			log.Error(err),
		)
	}
}
