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

// Package attestation implements the handshake that turns an agent's public
// key into a short-lived security token and an active session.
package attestation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/smcp/internal/backend"
	"github.com/tombee/smcp/internal/envelope"
	"github.com/tombee/smcp/internal/log"
	"github.com/tombee/smcp/internal/metrics"
	"github.com/tombee/smcp/internal/policy"
	"github.com/tombee/smcp/internal/session"
	"github.com/tombee/smcp/internal/token"
	"github.com/tombee/smcp/internal/tracing"
	smcperrors "github.com/tombee/smcp/pkg/errors"
)

var (
	// ErrContextNotFound means the resolved security context does not exist.
	// Attestation never falls back to a permissive default.
	ErrContextNotFound = errors.New("security context not found")

	// ErrAlreadyAttested is returned under ReattestReject while the agent
	// still holds a live session.
	ErrAlreadyAttested = errors.New("agent already has an active session")
)

// DefaultAudience is the token audience when none is configured.
const DefaultAudience = "aegis-orchestrator"

// RevokeReasonReattested is recorded on sessions replaced by a new attestation.
const RevokeReasonReattested = "superseded by re-attestation"

// ReattestPolicy decides what happens when an agent that already has an
// active session attests again.
type ReattestPolicy string

const (
	// ReattestRevoke revokes the prior sessions and issues a new one.
	ReattestRevoke ReattestPolicy = "revoke"

	// ReattestReject refuses the new attestation until the prior session
	// expires or is revoked.
	ReattestReject ReattestPolicy = "reject"
)

// Request is the agent's first-contact message.
type Request struct {
	AgentID      string `json:"agent_id" validate:"required,uuid"`
	ExecutionID  string `json:"execution_id" validate:"required,uuid"`
	ContainerID  string `json:"container_id"`
	PublicKeyPEM string `json:"public_key_pem" validate:"required"`
}

// Response carries the issued token.
type Response struct {
	SecurityToken string    `json:"security_token"`
	SessionID     string    `json:"session_id"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// Config configures the Service.
type Config struct {
	// TTL is the token lifetime. Zero means token.DefaultTTL; values above
	// token.MaxTTL are clamped.
	TTL time.Duration

	// Audience is the aud claim. Empty means DefaultAudience.
	Audience []string

	// Reattest selects the re-attestation policy (default: revoke).
	Reattest ReattestPolicy
}

// Service performs attestations.
type Service struct {
	contexts backend.ContextStore
	sessions backend.SessionStore
	issuer   token.Issuer
	resolver ContextResolver
	cfg      Config
	locks    *keyedMutex
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = log.Component(logger, "attestation") }
}

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithResolver overrides the context resolver (default: the "default" context).
func WithResolver(r ContextResolver) Option {
	return func(s *Service) { s.resolver = r }
}

// New creates an attestation service.
func New(contexts backend.ContextStore, sessions backend.SessionStore, issuer token.Issuer, cfg Config, opts ...Option) *Service {
	if cfg.TTL <= 0 {
		cfg.TTL = token.DefaultTTL
	}
	if cfg.TTL > token.MaxTTL {
		cfg.TTL = token.MaxTTL
	}
	if len(cfg.Audience) == 0 {
		cfg.Audience = []string{DefaultAudience}
	}
	if cfg.Reattest == "" {
		cfg.Reattest = ReattestRevoke
	}

	s := &Service{
		contexts: contexts,
		sessions: sessions,
		issuer:   issuer,
		resolver: FixedResolver(policy.DefaultContextName),
		cfg:      cfg,
		locks:    newKeyedMutex(),
		logger:   log.Component(nil, "attestation"),
		tracer:   otel.Tracer("github.com/tombee/smcp/internal/attestation"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Attest validates req, issues a token and persists a new active session.
// At most one session per agent is active afterwards.
func (s *Service) Attest(ctx context.Context, req Request) (resp *Response, err error) {
	ctx, span := s.tracer.Start(ctx, tracing.SpanAttest, trace.WithAttributes(
		tracing.AttrAgentID.String(req.AgentID),
		tracing.AttrExecutionID.String(req.ExecutionID),
	))
	defer func() {
		tracing.EndSpan(span, err)
		result := metrics.ResultSuccess
		if err != nil {
			result = metrics.ResultRejected
		}
		metrics.RecordAttestation(result)
	}()

	agentID, err := parseID("agent_id", req.AgentID)
	if err != nil {
		return nil, err
	}
	executionID, err := parseID("execution_id", req.ExecutionID)
	if err != nil {
		return nil, err
	}
	publicKey, err := envelope.ParsePublicKey([]byte(req.PublicKeyPEM))
	if err != nil {
		return nil, &smcperrors.ValidationError{
			Field:   "public_key_pem",
			Message: "unsupported or malformed public key",
			Hint:    "submit an Ed25519 key as PKIX PEM or an OpenSSH authorized key line",
			Cause:   err,
		}
	}

	contextName, err := s.resolver.ResolveContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve security context: %w", err)
	}
	sc, err := s.contexts.FindContext(ctx, contextName)
	if errors.Is(err, backend.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrContextNotFound, contextName)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load security context: %w", err)
	}
	span.SetAttributes(tracing.AttrContext.String(sc.Name))

	unlock := s.locks.Lock(agentID)
	defer unlock()

	now := s.now()
	supersede, err := s.checkExisting(ctx, agentID, now)
	if err != nil {
		return nil, err
	}

	claims := token.NewClaims(agentID, executionID, sc.Name, s.cfg.Audience, now, s.cfg.TTL)
	securityToken, err := s.issuer.Issue(ctx, claims)
	if err != nil {
		return nil, fmt.Errorf("failed to issue security token: %w", err)
	}

	// Prior sessions are revoked only once the replacement is ready to save.
	if supersede {
		if err := s.revokePrior(ctx, agentID); err != nil {
			return nil, err
		}
	}

	sess := session.New(agentID, executionID, publicKey, securityToken, claims, sc, now)
	if err := s.sessions.SaveSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}

	span.SetAttributes(tracing.AttrSessionID.String(sess.ID))
	log.WithSession(s.logger, sess.ID, agentID, executionID).Info("agent attested",
		slog.String(log.ContextKey, sc.Name),
		slog.String("container_id", req.ContainerID),
		slog.String("key_thumbprint", envelope.Thumbprint(publicKey)),
		slog.Time("expires_at", sess.ExpiresAt()),
	)

	return &Response{
		SecurityToken: securityToken,
		SessionID:     sess.ID,
		ExpiresAt:     sess.ExpiresAt(),
	}, nil
}

// checkExisting applies the re-attestation policy and reports whether the
// agent has sessions to supersede. It must run under the agent lock.
func (s *Service) checkExisting(ctx context.Context, agentID string, now time.Time) (bool, error) {
	existing, err := s.sessions.FindActiveByAgent(ctx, agentID)
	if errors.Is(err, backend.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up active session: %w", err)
	}

	if s.cfg.Reattest == ReattestReject && existing.StatusAt(now).State == session.StateActive {
		return false, fmt.Errorf("%w: session %s", ErrAlreadyAttested, existing.ID)
	}
	return true, nil
}

// revokePrior must run under the agent lock.
func (s *Service) revokePrior(ctx context.Context, agentID string) error {
	n, err := s.sessions.RevokeForAgent(ctx, agentID, RevokeReasonReattested)
	if err != nil {
		return fmt.Errorf("failed to revoke prior sessions: %w", err)
	}
	metrics.RecordRevocations("reattest", n)
	if n > 0 {
		s.logger.Info("revoked prior sessions",
			slog.String(log.AgentIDKey, agentID),
			slog.Int("count", n),
		)
	}
	return nil
}

// parseID validates a UUID and returns its canonical form.
func parseID(field, value string) (string, error) {
	id, err := uuid.Parse(value)
	if err != nil {
		return "", &smcperrors.ValidationError{
			Field:   field,
			Message: fmt.Sprintf("%q is not a valid UUID", value),
			Cause:   err,
		}
	}
	return id.String(), nil
}
