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

package shared

import (
	"errors"
	"fmt"
	"os"

	pkgerrors "github.com/tombee/smcp/pkg/errors"
)

// Exit codes for smcpd commands
const (
	ExitSuccess   = 0
	ExitFailure   = 1
	ExitConfig    = 2
	ExitUnhealthy = 3
	ExitCancelled = 130
)

// ExitError is an error that carries an exit code
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Cause
}

// NewConfigError creates an error for unusable configuration
func NewConfigError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitConfig, Message: msg, Cause: cause}
}

// NewUnhealthyError creates an error for a failed health check
func NewUnhealthyError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitUnhealthy, Message: msg, Cause: cause}
}

// HandleExitError prints err and exits with its code
func HandleExitError(err error) {
	if err == nil {
		return
	}

	fmt.Fprintln(os.Stderr, RenderError(err.Error()))
	printUserVisibleSuggestion(err)
	os.Exit(exitCode(err))
}

// exitCode picks the process exit status for err.
func exitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	if pkgerrors.Classify(err) == "config" {
		return ExitConfig
	}
	return ExitFailure
}

// printUserVisibleSuggestion prints the suggestion of the first
// UserVisibleError in the chain, if any.
func printUserVisibleSuggestion(err error) {
	var userErr pkgerrors.UserVisibleError
	if errors.As(err, &userErr) && userErr.IsUserVisible() {
		if suggestion := userErr.Suggestion(); suggestion != "" {
			fmt.Fprintf(os.Stderr, "\nSuggestion: %s\n", suggestion)
		}
	}
}
