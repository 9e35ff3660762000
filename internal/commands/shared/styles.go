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
	"github.com/charmbracelet/lipgloss"
)

// CLI style colors using lipgloss
var (
	StatusOK    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))  // green
	StatusWarn  = lipgloss.NewStyle().Foreground(lipgloss.Color("214")) // orange
	StatusError = lipgloss.NewStyle().Foreground(lipgloss.Color("196")) // red
	Muted       = lipgloss.NewStyle().Foreground(lipgloss.Color("245")) // gray
	Header      = lipgloss.NewStyle().Bold(true)
)

// Symbols for status indicators
const (
	SymbolOK    = "✓"
	SymbolWarn  = "⚠"
	SymbolError = "✗"
)

// RenderOK renders a success message with a green checkmark
func RenderOK(msg string) string {
	return StatusOK.Render(SymbolOK) + " " + msg
}

// RenderWarn renders a warning message
func RenderWarn(msg string) string {
	return StatusWarn.Render(SymbolWarn) + " " + msg
}

// RenderError renders an error message with a red cross
func RenderError(msg string) string {
	return StatusError.Render(SymbolError) + " " + msg
}

// RenderState colors a session state.
func RenderState(state string) string {
	switch state {
	case "active":
		return StatusOK.Render(state)
	case "expired":
		return StatusWarn.Render(state)
	case "revoked":
		return StatusError.Render(state)
	default:
		return state
	}
}
