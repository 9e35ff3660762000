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
	"os"

	"github.com/charmbracelet/huh"
	"golang.org/x/term"
)

// IsNonInteractive reports whether prompts must be skipped: when
// SMCP_NON_INTERACTIVE=true, under CI, or when stdin is not a terminal.
func IsNonInteractive() bool {
	if os.Getenv("SMCP_NON_INTERACTIVE") == "true" {
		return true
	}
	for _, v := range []string{"CI", "GITHUB_ACTIONS", "GITLAB_CI"} {
		if val := os.Getenv(v); val == "true" || val == "1" {
			return true
		}
	}
	return !term.IsTerminal(int(os.Stdin.Fd()))
}

// IsTerminal reports whether stdout is a terminal.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// Confirm asks a yes/no question. It returns false without prompting when
// the session is non-interactive.
func Confirm(title, description string) (bool, error) {
	if IsNonInteractive() {
		return false, nil
	}
	var ok bool
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title(title).
				Description(description).
				Affirmative("Yes").
				Negative("No").
				Value(&ok),
		),
	)
	if err := form.Run(); err != nil {
		return false, err
	}
	return ok, nil
}
