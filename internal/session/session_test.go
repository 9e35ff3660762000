package session

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/smcp/internal/envelope"
	"github.com/tombee/smcp/internal/policy"
	"github.com/tombee/smcp/internal/token"
)

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	session *Session
	priv    ed25519.PrivateKey
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	sc := &policy.SecurityContext{
		Name:         policy.DefaultContextName,
		Capabilities: []policy.Capability{{ToolPattern: "fs.read", PathAllowlist: []string{"/workspace"}}},
		DenyList:     []string{"fs.delete"},
	}
	claims := token.NewClaims("agent", "exec", sc.Name, nil, t0, token.DefaultTTL)
	return fixture{
		session: New("agent", "exec", pub, "tok", claims, sc, t0),
		priv:    priv,
	}
}

func signed(t *testing.T, key ed25519.PrivateKey, tool string, args map[string]any) *envelope.Envelope {
	t.Helper()
	inner, err := envelope.NewToolCall(tool, args)
	require.NoError(t, err)
	return envelope.Sign(key, "tok", inner)
}

func requireKind(t *testing.T, err error, kind policy.Kind) {
	t.Helper()
	v, ok := policy.AsViolation(err)
	require.True(t, ok, "expected violation, got %v", err)
	assert.Equal(t, kind, v.Kind)
}

// countingEvaluator records whether policy evaluation ran.
type countingEvaluator struct {
	calls int
	inner PolicyEvaluator
}

func (c *countingEvaluator) Evaluate(sc *policy.SecurityContext, agentID, toolName string, args map[string]any) error {
	c.calls++
	return c.inner.Evaluate(sc, agentID, toolName, args)
}

func TestEvaluateCallAllows(t *testing.T) {
	f := newFixture(t)
	env := signed(t, f.priv, "fs.read", map[string]any{"path": "/workspace/a.txt"})
	assert.NoError(t, f.session.EvaluateCall(env, policy.NewEvaluator(), t0.Add(time.Minute)))
}

func TestEvaluateCallExpiredAfterTTL(t *testing.T) {
	f := newFixture(t)
	env := signed(t, f.priv, "fs.read", map[string]any{"path": "/workspace/a.txt"})

	assert.NoError(t, f.session.EvaluateCall(env, policy.NewEvaluator(), t0.Add(3600*time.Second)))

	err := f.session.EvaluateCall(env, policy.NewEvaluator(), t0.Add(3601*time.Second))
	requireKind(t, err, policy.KindSessionExpired)
	assert.Equal(t, StateExpired, f.session.StatusAt(t0.Add(3601*time.Second)).State)
	assert.True(t, f.session.IsActive(), "expiry is not stored")
}

func TestEvaluateCallNotYetValid(t *testing.T) {
	f := newFixture(t)
	env := signed(t, f.priv, "fs.read", map[string]any{"path": "/workspace/a.txt"})
	requireKind(t, f.session.EvaluateCall(env, policy.NewEvaluator(), t0.Add(-time.Second)), policy.KindSessionExpired)
}

func TestEvaluateCallWrongKeyBeforePolicy(t *testing.T) {
	f := newFixture(t)
	_, stranger, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	eval := &countingEvaluator{inner: policy.NewEvaluator()}
	for _, tool := range []string{"fs.read", "fs.delete", "net.fetch"} {
		env := signed(t, stranger, tool, map[string]any{"path": "/workspace/a.txt"})
		requireKind(t, f.session.EvaluateCall(env, eval, t0.Add(time.Minute)), policy.KindSignatureInvalid)
	}
	assert.Zero(t, eval.calls)
}

func TestEvaluateCallRevokedFirst(t *testing.T) {
	f := newFixture(t)
	require.True(t, f.session.Revoke("execution finished"))

	env := signed(t, f.priv, "fs.read", map[string]any{"path": "/workspace/a.txt"})
	err := f.session.EvaluateCall(env, policy.NewEvaluator(), t0.Add(2*time.Hour))
	requireKind(t, err, policy.KindSessionRevoked)

	v, _ := policy.AsViolation(err)
	assert.Equal(t, "execution finished", v.Reason)
}

func TestEvaluateCallMalformedPayload(t *testing.T) {
	f := newFixture(t)
	env := envelope.Sign(f.priv, "tok", []byte(`{"params":{}}`))
	requireKind(t, f.session.EvaluateCall(env, policy.NewEvaluator(), t0), policy.KindMalformedPayload)
}

func TestEvaluateCallPolicyViolations(t *testing.T) {
	f := newFixture(t)
	eval := policy.NewEvaluator()
	at := t0.Add(time.Minute)

	requireKind(t, f.session.EvaluateCall(signed(t, f.priv, "fs.delete", nil), eval, at), policy.KindToolExplicitlyDenied)
	requireKind(t, f.session.EvaluateCall(signed(t, f.priv, "fs.read", map[string]any{"path": "/etc/passwd"}), eval, at), policy.KindPathOutsideBoundary)
	requireKind(t, f.session.EvaluateCall(signed(t, f.priv, "net.fetch", nil), eval, at), policy.KindToolNotAllowed)
}

func TestRevokeIsOneWay(t *testing.T) {
	f := newFixture(t)
	assert.True(t, f.session.Revoke("first"))
	assert.False(t, f.session.Revoke("second"))
	assert.Equal(t, Revoked("first"), f.session.Status)
}

func TestNewSnapshotsContext(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sc := &policy.SecurityContext{Name: "x", DenyList: []string{"a"}}
	s := New("agent", "exec", pub, "tok", token.Claims{}, sc, t0)

	sc.DenyList[0] = "b"
	assert.Equal(t, "a", s.SecurityContext.DenyList[0])
	assert.NotEmpty(t, s.ID)
}
