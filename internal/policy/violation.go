package policy

import (
	"errors"
	"fmt"
	"strings"
)

// Kind identifies the cause of a refused call.
type Kind int

const (
	KindToolExplicitlyDenied Kind = iota + 1
	KindToolNotAllowed
	KindPathOutsideBoundary
	KindDomainNotAllowed
	KindRateLimitExceeded
	KindSessionNotFound
	KindSessionExpired
	KindSessionRevoked
	KindSignatureInvalid
	KindMalformedPayload
)

var kindNames = map[Kind]string{
	KindToolExplicitlyDenied: "tool_explicitly_denied",
	KindToolNotAllowed:       "tool_not_allowed",
	KindPathOutsideBoundary:  "path_outside_boundary",
	KindDomainNotAllowed:     "domain_not_allowed",
	KindRateLimitExceeded:    "rate_limit_exceeded",
	KindSessionNotFound:      "session_not_found",
	KindSessionExpired:       "session_expired",
	KindSessionRevoked:       "session_revoked",
	KindSignatureInvalid:     "signature_invalid",
	KindMalformedPayload:     "malformed_payload",
}

// String returns the stable snake_case code used in logs, metrics and API bodies.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(b []byte) error {
	for kind, name := range kindNames {
		if name == string(b) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown violation kind %q", string(b))
}

// Category groups violation kinds by how callers must react to them.
type Category string

const (
	CategoryInput          Category = "input"
	CategoryAuthentication Category = "authentication"
	CategoryAuthorization  Category = "authorization"
	CategorySession        Category = "session"
)

// Category returns the error class of the kind.
func (k Kind) Category() Category {
	switch k {
	case KindMalformedPayload:
		return CategoryInput
	case KindSignatureInvalid:
		return CategoryAuthentication
	case KindSessionNotFound, KindSessionExpired, KindSessionRevoked:
		return CategorySession
	default:
		return CategoryAuthorization
	}
}

// Violation is a refused call. It carries enough detail to be recorded as
// audit evidence but never the call arguments themselves.
type Violation struct {
	Kind Kind `json:"kind"`

	// Tool is the requested tool name, when known from a verified payload.
	Tool string `json:"tool,omitempty"`

	// ClaimedTool is the tool named by a payload whose signature was not
	// verified. It is not attributable to the agent's key.
	ClaimedTool string `json:"claimed_tool,omitempty"`

	// Resource is the offending path, domain or command.
	Resource string `json:"resource,omitempty"`

	// Allowed lists the patterns, prefixes or domains that would have been accepted.
	Allowed []string `json:"allowed,omitempty"`

	MaxCalls     uint32 `json:"max_calls,omitempty"`
	CurrentCalls uint32 `json:"current_calls,omitempty"`

	// Traversal is set when a path was refused for escaping with "..".
	Traversal bool `json:"traversal,omitempty"`

	// Reason is free text, e.g. the revocation reason or a parse failure.
	Reason string `json:"reason,omitempty"`
}

// Error implements the error interface.
func (v *Violation) Error() string {
	var parts []string
	parts = append(parts, "smcp: "+v.Kind.String())

	if v.Tool != "" {
		parts = append(parts, fmt.Sprintf("tool: %s", v.Tool))
	}
	if v.Resource != "" {
		parts = append(parts, fmt.Sprintf("resource: %s", v.Resource))
	}
	if v.Kind == KindRateLimitExceeded {
		parts = append(parts, fmt.Sprintf("calls: %d/%d", v.CurrentCalls, v.MaxCalls))
	}
	if len(v.Allowed) > 0 {
		parts = append(parts, fmt.Sprintf("allowed: [%s]", strings.Join(v.Allowed, ", ")))
	}
	if v.Reason != "" {
		parts = append(parts, v.Reason)
	}

	return strings.Join(parts, "; ")
}

// Is matches another *Violation with the same Kind, so errors.Is(err,
// &Violation{Kind: KindSessionExpired}) works through wrapping.
func (v *Violation) Is(target error) bool {
	t, ok := target.(*Violation)
	return ok && t.Kind == v.Kind
}

// AsViolation extracts a Violation from err's tree.
func AsViolation(err error) (*Violation, bool) {
	var v *Violation
	if errors.As(err, &v) {
		return v, true
	}
	return nil, false
}

// NewViolation builds a violation with only a kind and a reason.
func NewViolation(kind Kind, reason string) *Violation {
	return &Violation{Kind: kind, Reason: reason}
}
