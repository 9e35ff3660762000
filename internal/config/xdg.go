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

package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// Dir returns the smcp configuration directory, honouring XDG_CONFIG_HOME
// and falling back to ~/.config/smcp. It does not create the directory.
func Dir() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "smcp"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "smcp"), nil
}

// DefaultPath returns the config file to use when none is given: the
// SMCP_CONFIG variable, else config.yaml in Dir if it exists, else "".
func DefaultPath() string {
	if p := os.Getenv("SMCP_CONFIG"); p != "" {
		return p
	}
	dir, err := Dir()
	if err != nil {
		return ""
	}
	p := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
		return ""
	}
	return p
}
