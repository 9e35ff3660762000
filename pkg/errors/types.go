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

package errors

import (
	"fmt"
)

// ValidationError represents malformed caller input: identifiers, keys,
// envelopes or policy documents that fail structural checks.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Hint provides actionable guidance for fixing the error
	Hint string

	// Cause is the underlying parse error, if any
	Cause error
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ValidationError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *ValidationError) ErrorType() string { return "validation" }

// IsRetryable implements ErrorClassifier.
func (e *ValidationError) IsRetryable() bool { return false }

// IsUserVisible implements UserVisibleError.
func (e *ValidationError) IsUserVisible() bool { return true }

// UserMessage implements UserVisibleError.
func (e *ValidationError) UserMessage() string { return e.Error() }

// Suggestion implements UserVisibleError.
func (e *ValidationError) Suggestion() string { return e.Hint }

// ConflictError reports an operation refused because of existing state,
// such as a second attestation while a session is still live.
type ConflictError struct {
	Resource string
	ID       string
	Reason   string
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s conflict: %s", e.Resource, e.ID, e.Reason)
}

// ErrorType implements ErrorClassifier.
func (e *ConflictError) ErrorType() string { return "conflict" }

// IsRetryable implements ErrorClassifier.
func (e *ConflictError) IsRetryable() bool { return false }

// ConfigError represents configuration problems.
// Use this for configuration file errors, missing settings, or invalid config values.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "token.ttl", "storage.backend")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *ConfigError) ErrorType() string { return "config" }

// IsRetryable implements ErrorClassifier.
func (e *ConfigError) IsRetryable() bool { return false }

var (
	_ UserVisibleError = (*ValidationError)(nil)
	_ ErrorClassifier  = (*ValidationError)(nil)
	_ ErrorClassifier  = (*ConflictError)(nil)
	_ ErrorClassifier  = (*ConfigError)(nil)
)
