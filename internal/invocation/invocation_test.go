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

package invocation

import (
	"context"
	"crypto/ed25519"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/smcp/internal/attestation"
	"github.com/tombee/smcp/internal/audit"
	"github.com/tombee/smcp/internal/backend/memory"
	"github.com/tombee/smcp/internal/envelope"
	"github.com/tombee/smcp/internal/middleware"
	"github.com/tombee/smcp/internal/policy"
	"github.com/tombee/smcp/internal/token"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type recordingSink struct {
	mu      sync.Mutex
	records []audit.Record
}

func (s *recordingSink) LogViolation(ctx context.Context, r audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	return nil
}

func (s *recordingSink) last(t *testing.T) audit.Record {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.records)
	return s.records[len(s.records)-1]
}

type recordingForwarder struct {
	calls  []*middleware.Call
	result *Result
	err    error
}

func (f *recordingForwarder) Forward(ctx context.Context, call *middleware.Call) (*Result, error) {
	f.calls = append(f.calls, call)
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fixture struct {
	svc       *Service
	store     *memory.Backend
	issuer    *token.JWTIssuer
	sink      *recordingSink
	forwarder *recordingForwarder
	now       time.Time

	agentID string
	key     ed25519.PrivateKey
	resp    *attestation.Response
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	f := &fixture{
		store:     memory.New(),
		sink:      &recordingSink{},
		forwarder: &recordingForwarder{result: &Result{Content: []ContentItem{{Type: "text", Text: "ok"}}}},
		now:       t0,
		agentID:   uuid.NewString(),
	}
	clock := func() time.Time { return f.now }

	_, signing, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	f.issuer, err = token.NewJWTIssuer(token.Config{PrivateKey: signing, Issuer: "smcpd-test", Clock: clock})
	require.NoError(t, err)

	require.NoError(t, f.store.SaveContext(ctx, &policy.SecurityContext{
		Name: policy.DefaultContextName,
		Capabilities: []policy.Capability{
			{ToolPattern: "fs.read", PathAllowlist: []string{"/workspace"}},
			{ToolPattern: "fs.list", MaxResponseSize: 8},
		},
		DenyList: []string{"fs.delete"},
	}))

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	pemKey, err := token.MarshalPublicKeyPEM(pub)
	require.NoError(t, err)
	f.key = priv

	att := attestation.New(f.store, f.store, f.issuer, attestation.Config{}, attestation.WithClock(clock))
	f.resp, err = att.Attest(ctx, attestation.Request{
		AgentID:      f.agentID,
		ExecutionID:  uuid.NewString(),
		PublicKeyPEM: string(pemKey),
	})
	require.NoError(t, err)

	mw := middleware.New(policy.NewEvaluator(policy.WithClock(clock)), f.sink, middleware.WithClock(clock))
	f.svc = New(f.store, f.issuer, mw, f.forwarder, WithClock(clock))
	f.now = t0.Add(time.Minute)
	return f
}

func (f *fixture) envelope(t *testing.T, securityToken, tool string, args map[string]any) *envelope.Envelope {
	t.Helper()
	inner, err := envelope.NewToolCall(tool, args)
	require.NoError(t, err)
	return envelope.Sign(f.key, securityToken, inner)
}

func requireViolation(t *testing.T, err error, kind policy.Kind) *policy.Violation {
	t.Helper()
	v, ok := policy.AsViolation(err)
	require.True(t, ok, "expected violation, got %v", err)
	assert.Equal(t, kind, v.Kind)
	return v
}

func TestInvokeForwardsAuthorizedCall(t *testing.T) {
	f := newFixture(t)
	args := map[string]any{"path": "/workspace/main.go"}

	result, err := f.svc.Invoke(context.Background(), f.envelope(t, f.resp.SecurityToken, "fs.read", args))
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Content[0].Text)

	require.Len(t, f.forwarder.calls, 1)
	assert.Equal(t, &middleware.Call{Tool: "fs.read", Arguments: args}, f.forwarder.calls[0])
	assert.Empty(t, f.sink.records)
}

func TestInvokeWithPinnedSession(t *testing.T) {
	f := newFixture(t)
	env := f.envelope(t, f.resp.SecurityToken, "fs.read", map[string]any{"path": "/workspace/a"})
	env.SessionID = f.resp.SessionID

	_, err := f.svc.Invoke(context.Background(), env)
	require.NoError(t, err)
}

func TestInvokeRefusals(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(t *testing.T, f *fixture) *envelope.Envelope
		kind   policy.Kind
		hasSID bool
	}{
		{
			name: "denied tool",
			setup: func(t *testing.T, f *fixture) *envelope.Envelope {
				return f.envelope(t, f.resp.SecurityToken, "fs.delete", map[string]any{"path": "/workspace/a"})
			},
			kind:   policy.KindToolExplicitlyDenied,
			hasSID: true,
		},
		{
			name: "path outside boundary",
			setup: func(t *testing.T, f *fixture) *envelope.Envelope {
				return f.envelope(t, f.resp.SecurityToken, "fs.read", map[string]any{"path": "/etc/passwd"})
			},
			kind:   policy.KindPathOutsideBoundary,
			hasSID: true,
		},
		{
			name: "expired session",
			setup: func(t *testing.T, f *fixture) *envelope.Envelope {
				f.now = t0.Add(2 * time.Hour)
				return f.envelope(t, f.resp.SecurityToken, "fs.read", map[string]any{"path": "/workspace/a"})
			},
			kind:   policy.KindSessionExpired,
			hasSID: true,
		},
		{
			name: "revoked session",
			setup: func(t *testing.T, f *fixture) *envelope.Envelope {
				_, err := f.store.RevokeForAgent(context.Background(), f.agentID, "execution ended")
				require.NoError(t, err)
				return f.envelope(t, f.resp.SecurityToken, "fs.read", map[string]any{"path": "/workspace/a"})
			},
			kind:   policy.KindSessionRevoked,
			hasSID: true,
		},
		{
			name: "forged token",
			setup: func(t *testing.T, f *fixture) *envelope.Envelope {
				return f.envelope(t, "not.a.token", "fs.read", map[string]any{"path": "/workspace/a"})
			},
			kind: policy.KindSignatureInvalid,
		},
		{
			name: "token for unknown agent",
			setup: func(t *testing.T, f *fixture) *envelope.Envelope {
				claims := token.NewClaims(uuid.NewString(), uuid.NewString(), "default", nil, f.now, time.Hour)
				signed, err := f.issuer.Issue(context.Background(), claims)
				require.NoError(t, err)
				return f.envelope(t, signed, "fs.read", map[string]any{"path": "/workspace/a"})
			},
			kind: policy.KindSessionNotFound,
		},
		{
			name: "token not bound to session",
			setup: func(t *testing.T, f *fixture) *envelope.Envelope {
				claims := token.NewClaims(f.agentID, uuid.NewString(), "default", nil, f.now, time.Hour)
				signed, err := f.issuer.Issue(context.Background(), claims)
				require.NoError(t, err)
				return f.envelope(t, signed, "fs.read", map[string]any{"path": "/workspace/a"})
			},
			kind:   policy.KindSignatureInvalid,
			hasSID: true,
		},
		{
			name: "pinned session of another agent",
			setup: func(t *testing.T, f *fixture) *envelope.Envelope {
				env := f.envelope(t, f.resp.SecurityToken, "fs.read", map[string]any{"path": "/workspace/a"})
				env.SessionID = uuid.NewString()
				return env
			},
			kind: policy.KindSessionNotFound,
		},
		{
			name: "wrong signing key",
			setup: func(t *testing.T, f *fixture) *envelope.Envelope {
				_, other, err := ed25519.GenerateKey(nil)
				require.NoError(t, err)
				inner, err := envelope.NewToolCall("fs.read", map[string]any{"path": "/workspace/a"})
				require.NoError(t, err)
				return envelope.Sign(other, f.resp.SecurityToken, inner)
			},
			kind:   policy.KindSignatureInvalid,
			hasSID: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			env := tt.setup(t, f)

			result, err := f.svc.Invoke(context.Background(), env)
			assert.Nil(t, result)
			requireViolation(t, err, tt.kind)
			assert.Empty(t, f.forwarder.calls)

			record := f.sink.last(t)
			assert.Equal(t, tt.kind, record.Violation.Kind)
			if tt.hasSID {
				assert.Equal(t, f.resp.SessionID, record.SessionID)
			} else {
				assert.Empty(t, record.SessionID)
			}
		})
	}
}

func TestInvokeRefusesOversizedResponse(t *testing.T) {
	f := newFixture(t)
	f.forwarder.result = &Result{Content: []ContentItem{{Type: "text", Text: "a long listing"}}}

	_, err := f.svc.Invoke(context.Background(), f.envelope(t, f.resp.SecurityToken, "fs.list", map[string]any{}))
	assert.ErrorIs(t, err, ErrResponseTooLarge)
	assert.Len(t, f.forwarder.calls, 1)

	f.forwarder.result = &Result{Content: []ContentItem{{Type: "text", Text: "short"}}}
	_, err = f.svc.Invoke(context.Background(), f.envelope(t, f.resp.SecurityToken, "fs.list", map[string]any{}))
	assert.NoError(t, err)
}

func TestInvokeWrapsForwardError(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("server exited")
	f.forwarder.err = boom

	_, err := f.svc.Invoke(context.Background(), f.envelope(t, f.resp.SecurityToken, "fs.read", map[string]any{"path": "/workspace/a"}))
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, ErrForwardFailed)
	_, isViolation := policy.AsViolation(err)
	assert.False(t, isViolation)
}

func TestResultSize(t *testing.T) {
	var nilResult *Result
	assert.Zero(t, nilResult.Size())

	r := &Result{Content: []ContentItem{
		{Type: "text", Text: "abc"},
		{Type: "image", Data: "aGVsbG8=", MimeType: "image/png"},
	}}
	assert.Equal(t, 11, r.Size())
}
