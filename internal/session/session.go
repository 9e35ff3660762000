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

// Package session defines the SMCP session aggregate: the binding between an
// attested agent, its execution, its public key, its security token and a
// snapshot of its security context.
package session

import (
	"bytes"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/smcp/internal/policy"
	"github.com/tombee/smcp/internal/token"
)

// State is the lifecycle state of a session.
type State string

const (
	StateActive  State = "active"
	StateRevoked State = "revoked"

	// StateExpired is never stored; it is derived from the token expiry.
	StateExpired State = "expired"
)

// Status is the stored lifecycle state plus the revocation reason.
type Status struct {
	State  State  `json:"state"`
	Reason string `json:"reason,omitempty"`
}

// Active is the status of a freshly attested session.
func Active() Status { return Status{State: StateActive} }

// Revoked is a terminal status carrying its reason.
func Revoked(reason string) Status { return Status{State: StateRevoked, Reason: reason} }

// Envelope is the view of a signed call that a session evaluates.
type Envelope interface {
	VerifySignature(publicKey []byte) error
	ToolCall() (name string, args map[string]any, err error)
}

// PolicyEvaluator authorizes a tool call against a security context.
type PolicyEvaluator interface {
	Evaluate(sc *policy.SecurityContext, agentID, toolName string, args map[string]any) error
}

// Session is the aggregate root. Once persisted it is owned by the store and
// only changes through revocation.
type Session struct {
	ID              string                  `json:"id"`
	AgentID         string                  `json:"agent_id"`
	ExecutionID     string                  `json:"execution_id"`
	PublicKey       []byte                  `json:"public_key"`
	SecurityToken   string                  `json:"security_token"`
	Claims          token.Claims            `json:"claims"`
	SecurityContext *policy.SecurityContext `json:"security_context"`
	Status          Status                  `json:"status"`
	CreatedAt       time.Time               `json:"created_at"`
}

// New creates an active session with a fresh id. The security context is
// snapshotted so later edits do not affect this session.
func New(agentID, executionID string, publicKey []byte, securityToken string, claims token.Claims, sc *policy.SecurityContext, now time.Time) *Session {
	return &Session{
		ID:              uuid.NewString(),
		AgentID:         agentID,
		ExecutionID:     executionID,
		PublicKey:       bytes.Clone(publicKey),
		SecurityToken:   securityToken,
		Claims:          claims,
		SecurityContext: sc.Clone(),
		Status:          Active(),
		CreatedAt:       now,
	}
}

// ExpiresAt returns the token expiry bound to the session.
func (s *Session) ExpiresAt() time.Time {
	return s.Claims.Expiry()
}

// IsActive reports whether the stored state is active, ignoring expiry.
func (s *Session) IsActive() bool {
	return s.Status.State == StateActive
}

// StatusAt returns the effective status at now, reporting lazily expired
// sessions as StateExpired.
func (s *Session) StatusAt(now time.Time) Status {
	if s.IsActive() && !s.Claims.ValidAt(now) {
		return Status{State: StateExpired}
	}
	return s.Status
}

// Revoke moves an active session to revoked. It returns false, and keeps the
// original reason, if the session was already revoked.
func (s *Session) Revoke(reason string) bool {
	if !s.IsActive() {
		return false
	}
	s.Status = Revoked(reason)
	return true
}

// EvaluateCall authorizes one signed call. Checks run in a fixed order and
// stop at the first failure: stored status, token window, signature, payload
// decoding, then policy. Policy never runs on an unverified payload.
func (s *Session) EvaluateCall(env Envelope, evaluator PolicyEvaluator, now time.Time) error {
	if !s.IsActive() {
		return &policy.Violation{Kind: policy.KindSessionRevoked, Reason: s.Status.Reason}
	}

	if !s.Claims.ValidAt(now) {
		reason := "token expired"
		if s.Claims.NotBefore != nil && now.Before(s.Claims.NotBefore.Time) {
			reason = "token not yet valid"
		}
		return &policy.Violation{Kind: policy.KindSessionExpired, Reason: reason}
	}

	if err := env.VerifySignature(s.PublicKey); err != nil {
		return &policy.Violation{Kind: policy.KindSignatureInvalid, Reason: err.Error()}
	}

	toolName, args, err := env.ToolCall()
	if err != nil {
		return &policy.Violation{Kind: policy.KindMalformedPayload, Reason: err.Error()}
	}

	return evaluator.Evaluate(s.SecurityContext, s.AgentID, toolName, args)
}

// Clone returns a deep copy, used by stores to hand out values callers
// cannot use to mutate stored state.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.PublicKey = bytes.Clone(s.PublicKey)
	out.SecurityContext = s.SecurityContext.Clone()
	return &out
}
