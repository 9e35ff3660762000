package policy

import (
	"fmt"
	"slices"
	"time"

	smcperrors "github.com/tombee/smcp/pkg/errors"
)

// DefaultContextName is the context resolved when nothing more specific applies.
const DefaultContextName = "default"

// Metadata tracks the revision of a security context.
type Metadata struct {
	CreatedAt time.Time `yaml:"created_at" json:"created_at"`
	UpdatedAt time.Time `yaml:"updated_at" json:"updated_at"`
	Version   uint64    `yaml:"version" json:"version"`
}

// SecurityContext is a named, versioned authorization policy.
type SecurityContext struct {
	Name         string       `yaml:"name" json:"name"`
	Description  string       `yaml:"description,omitempty" json:"description,omitempty"`
	Capabilities []Capability `yaml:"capabilities" json:"capabilities"`
	DenyList     []string     `yaml:"deny_list,omitempty" json:"deny_list,omitempty"`
	Metadata     Metadata     `yaml:"metadata" json:"metadata"`
}

// Validate checks the context for structural errors.
func (sc *SecurityContext) Validate() error {
	if sc.Name == "" {
		return &smcperrors.ValidationError{
			Field:   "name",
			Message: "security context name is required",
		}
	}
	for i, pattern := range sc.DenyList {
		if !ValidateToolPattern(pattern) {
			return &smcperrors.ValidationError{
				Field:   fmt.Sprintf("deny_list[%d]", i),
				Message: fmt.Sprintf("invalid tool pattern %q", pattern),
			}
		}
	}
	for i := range sc.Capabilities {
		if err := sc.Capabilities[i].Validate(); err != nil {
			return &smcperrors.ValidationError{
				Field:   fmt.Sprintf("capabilities[%d]", i),
				Message: err.Error(),
			}
		}
	}
	return nil
}

// Match runs the deny list and capability scan for toolName. It returns the
// index and rule of the first matching capability.
func (sc *SecurityContext) Match(toolName string) (int, *Capability, error) {
	for _, pattern := range sc.DenyList {
		if MatchToolPattern(pattern, toolName) {
			return -1, nil, &Violation{
				Kind:   KindToolExplicitlyDenied,
				Tool:   toolName,
				Reason: fmt.Sprintf("matches deny pattern %q", pattern),
			}
		}
	}

	for i := range sc.Capabilities {
		if sc.Capabilities[i].MatchesTool(toolName) {
			return i, &sc.Capabilities[i], nil
		}
	}

	return -1, nil, &Violation{
		Kind:    KindToolNotAllowed,
		Tool:    toolName,
		Allowed: sc.ToolPatterns(),
	}
}

// ToolPatterns returns the tool patterns of all capabilities in order.
func (sc *SecurityContext) ToolPatterns() []string {
	patterns := make([]string, 0, len(sc.Capabilities))
	for _, c := range sc.Capabilities {
		patterns = append(patterns, c.ToolPattern)
	}
	return patterns
}

// Clone returns a deep copy. Sessions hold clones so later context updates
// do not change decisions for already-attested agents.
func (sc *SecurityContext) Clone() *SecurityContext {
	if sc == nil {
		return nil
	}
	out := *sc
	out.DenyList = slices.Clone(sc.DenyList)
	out.Capabilities = make([]Capability, len(sc.Capabilities))
	for i, c := range sc.Capabilities {
		c.PathAllowlist = slices.Clone(c.PathAllowlist)
		c.CommandAllowlist = slices.Clone(c.CommandAllowlist)
		c.DomainAllowlist = slices.Clone(c.DomainAllowlist)
		if c.RateLimit != nil {
			rl := *c.RateLimit
			c.RateLimit = &rl
		}
		out.Capabilities[i] = c
	}
	return &out
}

// Touch prepares sc for persistence: it bumps the version and stamps the
// update time. prev is the stored revision, or nil for a new context.
func (sc *SecurityContext) Touch(prev *SecurityContext, now time.Time) {
	if prev == nil {
		sc.Metadata.CreatedAt = now
		sc.Metadata.Version = 1
	} else {
		sc.Metadata.CreatedAt = prev.Metadata.CreatedAt
		sc.Metadata.Version = prev.Metadata.Version + 1
	}
	sc.Metadata.UpdatedAt = now
}
