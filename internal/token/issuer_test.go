package token

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIssuer(t *testing.T, cfg Config) *JWTIssuer {
	t.Helper()
	if cfg.PrivateKey == nil {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		cfg.PrivateKey = priv
	}
	iss, err := NewJWTIssuer(cfg)
	require.NoError(t, err)
	return iss
}

func TestNewClaimsOneHourWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 500, time.UTC)
	c := NewClaims("agent", "exec", "default", []string{"aegis-orchestrator"}, now, 0)

	assert.Equal(t, c.IssuedAt.Unix()+3600, c.ExpiresAt.Unix())
	assert.Equal(t, c.IssuedAt.Unix(), c.NotBefore.Unix())
	assert.Empty(t, c.Issuer)
	assert.True(t, c.ValidAt(now))
	assert.True(t, c.ValidAt(c.ExpiresAt.Time))
	assert.False(t, c.ValidAt(c.ExpiresAt.Add(time.Second)))
	assert.False(t, c.ValidAt(now.Add(-time.Minute)))
}

func TestIssueAndValidate(t *testing.T) {
	iss := newTestIssuer(t, Config{Issuer: "smcpd", Audience: []string{"aegis-orchestrator"}})
	claims := NewClaims("agent-1", "exec-1", "default", []string{"aegis-orchestrator"}, time.Now(), DefaultTTL)

	signed, err := iss.Issue(context.Background(), claims)
	require.NoError(t, err)

	got, err := iss.Validate(signed)
	require.NoError(t, err)
	assert.Equal(t, "agent-1", got.AgentID)
	assert.Equal(t, "exec-1", got.ExecutionID)
	assert.Equal(t, "default", got.SecurityContext)
	assert.Equal(t, "smcpd", got.Issuer)
	assert.Equal(t, got.IssuedAt.Unix()+3600, got.ExpiresAt.Unix())
}

func TestIssueRefusesUnboundedClaims(t *testing.T) {
	iss := newTestIssuer(t, Config{})
	_, err := iss.Issue(context.Background(), Claims{AgentID: "a"})
	assert.Error(t, err)
}

func TestValidateRejects(t *testing.T) {
	iss := newTestIssuer(t, Config{Issuer: "smcpd", Audience: []string{"aegis-orchestrator"}})
	other := newTestIssuer(t, Config{Issuer: "smcpd"})
	ctx := context.Background()

	t.Run("empty", func(t *testing.T) {
		_, err := iss.Validate("")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("foreign signature", func(t *testing.T) {
		signed, err := other.Issue(ctx, NewClaims("a", "e", "default", []string{"aegis-orchestrator"}, time.Now(), time.Hour))
		require.NoError(t, err)
		_, err = iss.Validate(signed)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("expired", func(t *testing.T) {
		signed, err := iss.Issue(ctx, NewClaims("a", "e", "default", []string{"aegis-orchestrator"}, time.Now().Add(-2*time.Hour), time.Hour))
		require.NoError(t, err)
		_, err = iss.Validate(signed)
		assert.ErrorIs(t, err, ErrInvalidToken)
		assert.ErrorIs(t, err, jwt.ErrTokenExpired)
	})

	t.Run("wrong audience", func(t *testing.T) {
		signed, err := iss.Issue(ctx, NewClaims("a", "e", "default", []string{"someone-else"}, time.Now(), time.Hour))
		require.NoError(t, err)
		_, err = iss.Validate(signed)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("hmac token", func(t *testing.T) {
		claims := NewClaims("a", "e", "default", []string{"aegis-orchestrator"}, time.Now(), time.Hour)
		claims.Issuer = "smcpd"
		signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
		require.NoError(t, err)
		_, err = iss.Validate(signed)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestNewJWTIssuerRejectsShortKey(t *testing.T) {
	_, err := NewJWTIssuer(Config{PrivateKey: ed25519.PrivateKey{1, 2, 3}})
	assert.Error(t, err)
}

func TestValidateUsesConfiguredClock(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := t0
	iss := newTestIssuer(t, Config{Clock: func() time.Time { return clock }})

	signed, err := iss.Issue(context.Background(), NewClaims("a", "e", "default", nil, t0, time.Hour))
	require.NoError(t, err)

	clock = t0.Add(30 * time.Minute)
	_, err = iss.Validate(signed)
	require.NoError(t, err)

	clock = t0.Add(2 * time.Hour)
	_, err = iss.Validate(signed)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestParseUnverified(t *testing.T) {
	iss := newTestIssuer(t, Config{})
	signed, err := iss.Issue(context.Background(), NewClaims("agent-1", "exec-1", "default", nil, time.Now().Add(-3*time.Hour), time.Hour))
	require.NoError(t, err)

	claims, err := ParseUnverified(signed)
	require.NoError(t, err)
	assert.Equal(t, "agent-1", claims.AgentID)
	assert.Equal(t, "exec-1", claims.ExecutionID)

	_, err = ParseUnverified("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
