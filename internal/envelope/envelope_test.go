package envelope

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newKey(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return pub, priv
}

func TestVerifySignature(t *testing.T) {
	pub, priv := newKey(t)
	otherPub, _ := newKey(t)

	inner, err := NewToolCall("fs.read", map[string]any{"path": "/workspace/demo.txt"})
	require.NoError(t, err)
	env := Sign(priv, "token", inner)

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, env.VerifySignature(pub))
	})

	t.Run("wrong key", func(t *testing.T) {
		assert.ErrorIs(t, env.VerifySignature(otherPub), ErrSignature)
	})

	t.Run("tampered payload", func(t *testing.T) {
		tampered := *env
		tampered.InnerMCP = append(Payload{}, env.InnerMCP...)
		tampered.InnerMCP[len(tampered.InnerMCP)-2] ^= 0x01
		assert.ErrorIs(t, tampered.VerifySignature(pub), ErrSignature)
	})

	t.Run("bad base64", func(t *testing.T) {
		bad := *env
		bad.Signature = "%%%"
		assert.ErrorIs(t, bad.VerifySignature(pub), ErrSignature)
	})

	t.Run("short key", func(t *testing.T) {
		assert.ErrorIs(t, env.VerifySignature(pub[:16]), ErrSignature)
	})
}

func TestToolCall(t *testing.T) {
	tests := []struct {
		name     string
		inner    string
		wantName string
		wantArgs map[string]any
		wantErr  bool
	}{
		{
			name:     "tools/call",
			inner:    `{"method":"tools/call","params":{"name":"fs.read","arguments":{"path":"/workspace/a"}}}`,
			wantName: "fs.read",
			wantArgs: map[string]any{"path": "/workspace/a"},
		},
		{
			name:     "tools/call without arguments",
			inner:    `{"method":"tools/call","params":{"name":"fs.list"}}`,
			wantName: "fs.list",
			wantArgs: map[string]any{},
		},
		{
			name:     "bare method",
			inner:    `{"method":"web.fetch","params":{"url":"https://example.com"}}`,
			wantName: "web.fetch",
			wantArgs: map[string]any{"url": "https://example.com"},
		},
		{name: "not json", inner: `nope`, wantErr: true},
		{name: "no method", inner: `{"params":{}}`, wantErr: true},
		{name: "tools/call without name", inner: `{"method":"tools/call","params":{}}`, wantErr: true},
		{name: "array arguments", inner: `{"method":"tools/call","params":{"name":"x","arguments":[1]}}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := &Envelope{InnerMCP: Payload(tt.inner)}
			name, args, err := env.ToolCall()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformed)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantName, name)
			assert.Equal(t, tt.wantArgs, args)
		})
	}
}

func TestDecodeInnerMCPForms(t *testing.T) {
	inner := []byte(`{"method":"x"}`)

	t.Run("base64 string", func(t *testing.T) {
		wire, err := json.Marshal(Envelope{SecurityToken: "t", Signature: "s", InnerMCP: inner})
		require.NoError(t, err)
		env, err := Decode(wire)
		require.NoError(t, err)
		assert.Equal(t, inner, []byte(env.InnerMCP))
	})

	t.Run("byte array", func(t *testing.T) {
		ints := make([]int, len(inner))
		for i, b := range inner {
			ints[i] = int(b)
		}
		wire, err := json.Marshal(map[string]any{"security_token": "t", "signature": "s", "inner_mcp": ints})
		require.NoError(t, err)
		env, err := Decode(wire)
		require.NoError(t, err)
		assert.Equal(t, inner, []byte(env.InnerMCP))
	})

	t.Run("out of range byte", func(t *testing.T) {
		_, err := Decode([]byte(`{"security_token":"t","signature":"s","inner_mcp":[300]}`))
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("missing fields", func(t *testing.T) {
		_, err := Decode([]byte(`{"security_token":"t"}`))
		assert.ErrorIs(t, err, ErrMalformed)
	})
}
