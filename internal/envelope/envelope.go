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

// Package envelope decodes and verifies signed SMCP tool-call envelopes.
package envelope

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// MethodToolsCall is the MCP method wrapping a named tool invocation.
const MethodToolsCall = "tools/call"

var (
	// ErrSignature is returned when the signature does not verify.
	ErrSignature = errors.New("envelope signature verification failed")

	// ErrMalformed is returned when the inner payload is not a tool call.
	ErrMalformed = errors.New("malformed envelope payload")
)

// Envelope is a signed tool call. Signature is the standard base64 encoding
// of an Ed25519 signature over the raw InnerMCP bytes.
type Envelope struct {
	SecurityToken string  `json:"security_token"`
	Signature     string  `json:"signature"`
	InnerMCP      Payload `json:"inner_mcp"`

	// SessionID optionally pins the session; without it the agent's latest
	// active session is used.
	SessionID string `json:"session_id,omitempty"`
}

// Payload holds the signed inner MCP message. It decodes from either a
// base64 string or a JSON array of byte values.
type Payload []byte

// MarshalJSON encodes the payload as base64.
func (p Payload) MarshalJSON() ([]byte, error) {
	return json.Marshal([]byte(p))
}

// UnmarshalJSON accepts a base64 string or an array of integers 0-255.
func (p *Payload) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var ints []int
		if err := json.Unmarshal(data, &ints); err != nil {
			return err
		}
		out := make([]byte, len(ints))
		for i, v := range ints {
			if v < 0 || v > 255 {
				return fmt.Errorf("inner_mcp byte %d out of range: %d", i, v)
			}
			out[i] = byte(v)
		}
		*p = out
		return nil
	}

	var raw []byte
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*p = raw
	return nil
}

// Decode parses an envelope from its JSON wire form.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if env.SecurityToken == "" || env.Signature == "" || len(env.InnerMCP) == 0 {
		return nil, fmt.Errorf("%w: security_token, signature and inner_mcp are required", ErrMalformed)
	}
	return &env, nil
}

// Sign builds an envelope for inner signed with key. Agents use this; the
// daemon only verifies.
func Sign(key ed25519.PrivateKey, securityToken string, inner []byte) *Envelope {
	sig := ed25519.Sign(key, inner)
	return &Envelope{
		SecurityToken: securityToken,
		Signature:     base64.StdEncoding.EncodeToString(sig),
		InnerMCP:      Payload(inner),
	}
}

// VerifySignature checks the signature against a raw 32-byte Ed25519 key.
func (e *Envelope) VerifySignature(publicKey []byte) error {
	if len(publicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: public key must be %d bytes", ErrSignature, ed25519.PublicKeySize)
	}

	sig, err := base64.StdEncoding.DecodeString(e.Signature)
	if err != nil {
		return fmt.Errorf("%w: invalid base64 signature", ErrSignature)
	}
	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("%w: signature must be %d bytes", ErrSignature, ed25519.SignatureSize)
	}

	if !ed25519.Verify(ed25519.PublicKey(publicKey), e.InnerMCP, sig) {
		return ErrSignature
	}
	return nil
}

type innerMessage struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type toolsCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolCall extracts the tool name and arguments. For "tools/call" the name
// and arguments come from params; any other method is itself the tool name
// and params are the arguments. Absent arguments decode as an empty map.
func (e *Envelope) ToolCall() (string, map[string]any, error) {
	var msg innerMessage
	if err := json.Unmarshal(e.InnerMCP, &msg); err != nil {
		return "", nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if msg.Method == "" {
		return "", nil, fmt.Errorf("%w: missing method", ErrMalformed)
	}

	name, rawArgs := msg.Method, msg.Params
	if msg.Method == MethodToolsCall {
		var params toolsCallParams
		if len(msg.Params) == 0 {
			return "", nil, fmt.Errorf("%w: tools/call without params", ErrMalformed)
		}
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return "", nil, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		if params.Name == "" {
			return "", nil, fmt.Errorf("%w: tools/call without name", ErrMalformed)
		}
		name, rawArgs = params.Name, params.Arguments
	}

	args := map[string]any{}
	if len(rawArgs) > 0 && !bytes.Equal(bytes.TrimSpace(rawArgs), []byte("null")) {
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return "", nil, fmt.Errorf("%w: arguments must be an object", ErrMalformed)
		}
	}

	return name, args, nil
}

// NewToolCall encodes a "tools/call" inner message.
func NewToolCall(name string, args map[string]any) ([]byte, error) {
	params := toolsCallParams{Name: name}
	if args != nil {
		rawArgs, err := json.Marshal(args)
		if err != nil {
			return nil, err
		}
		params.Arguments = rawArgs
	}
	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return json.Marshal(innerMessage{Method: MethodToolsCall, Params: rawParams})
}
