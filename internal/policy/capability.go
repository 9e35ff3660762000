package policy

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Argument keys inspected by capability constraints.
var (
	pathArgKeys   = []string{"path", "source", "destination"}
	domainArgKeys = []string{"url", "domain", "host"}
)

// commandTool is the tool whose "command" argument is checked against
// CommandAllowlist.
const commandTool = "cmd.run"

// RateLimit allows Calls invocations per PerSeconds-long window.
type RateLimit struct {
	Calls      uint32 `yaml:"calls" json:"calls"`
	PerSeconds uint32 `yaml:"per_seconds" json:"per_seconds"`
}

// Window returns the window length.
func (r RateLimit) Window() time.Duration {
	return time.Duration(r.PerSeconds) * time.Second
}

// Capability is a single authorization rule.
type Capability struct {
	// ToolPattern selects the tools this rule governs ("fs.*", "cmd.run", "*").
	ToolPattern string `yaml:"tool_pattern" json:"tool_pattern"`

	// PathAllowlist constrains path-like arguments to these prefixes.
	PathAllowlist []string `yaml:"path_allowlist,omitempty" json:"path_allowlist,omitempty"`

	// CommandAllowlist constrains the first word of cmd.run's command.
	CommandAllowlist []string `yaml:"command_allowlist,omitempty" json:"command_allowlist,omitempty"`

	// DomainAllowlist constrains URL and host arguments.
	DomainAllowlist []string `yaml:"domain_allowlist,omitempty" json:"domain_allowlist,omitempty"`

	RateLimit *RateLimit `yaml:"rate_limit,omitempty" json:"rate_limit,omitempty"`

	// MaxResponseSize caps the forwarded tool result in bytes. Zero means unlimited.
	MaxResponseSize uint64 `yaml:"max_response_size,omitempty" json:"max_response_size,omitempty"`
}

// MatchesTool reports whether the capability governs toolName.
func (c *Capability) MatchesTool(toolName string) bool {
	return MatchToolPattern(c.ToolPattern, toolName)
}

// Check applies the capability's argument constraints to a call it matches.
// Constraints are only evaluated for arguments that are present.
func (c *Capability) Check(toolName string, args map[string]any) error {
	if len(c.PathAllowlist) > 0 {
		for _, key := range pathArgKeys {
			raw, ok := args[key].(string)
			if !ok {
				continue
			}
			if err := c.checkPath(toolName, raw); err != nil {
				return err
			}
		}
	}

	if len(c.CommandAllowlist) > 0 && toolName == commandTool {
		if cmd, ok := args["command"].(string); ok {
			fields := strings.Fields(cmd)
			base := ""
			if len(fields) > 0 {
				base = fields[0]
			}
			if !contains(c.CommandAllowlist, base) {
				return &Violation{
					Kind:     KindToolNotAllowed,
					Tool:     toolName,
					Resource: cmd,
					Allowed:  c.CommandAllowlist,
					Reason:   "command not in allowlist",
				}
			}
		}
	}

	if len(c.DomainAllowlist) > 0 {
		for _, key := range domainArgKeys {
			raw, ok := args[key].(string)
			if !ok {
				continue
			}
			host := ExtractHost(raw)
			if !c.domainAllowed(host) {
				return &Violation{
					Kind:     KindDomainNotAllowed,
					Tool:     toolName,
					Resource: host,
					Allowed:  c.DomainAllowlist,
				}
			}
		}
	}

	return nil
}

func (c *Capability) checkPath(toolName, raw string) error {
	canonical, err := CanonicalizePath(raw)
	if err != nil {
		return &Violation{
			Kind:      KindPathOutsideBoundary,
			Tool:      toolName,
			Resource:  raw,
			Allowed:   c.PathAllowlist,
			Traversal: errors.Is(err, ErrPathTraversal),
			Reason:    err.Error(),
		}
	}
	if !PathAllowed(canonical, c.PathAllowlist) {
		return &Violation{
			Kind:     KindPathOutsideBoundary,
			Tool:     toolName,
			Resource: canonical,
			Allowed:  c.PathAllowlist,
		}
	}
	return nil
}

func (c *Capability) domainAllowed(host string) bool {
	for _, pattern := range c.DomainAllowlist {
		if MatchDomain(host, pattern) {
			return true
		}
	}
	return false
}

// Validate checks the capability for structural errors.
func (c *Capability) Validate() error {
	if !ValidateToolPattern(c.ToolPattern) {
		return fmt.Errorf("invalid tool pattern %q", c.ToolPattern)
	}
	for _, p := range c.PathAllowlist {
		if p == "" {
			return errors.New("empty path in path_allowlist")
		}
	}
	for _, d := range c.DomainAllowlist {
		if d == "" {
			return errors.New("empty domain in domain_allowlist")
		}
	}
	if c.RateLimit != nil && (c.RateLimit.Calls == 0 || c.RateLimit.PerSeconds == 0) {
		return errors.New("rate_limit requires positive calls and per_seconds")
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
