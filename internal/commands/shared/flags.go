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

// Package shared holds flags and helpers common to smcpd subcommands.
package shared

import (
	"os"

	"github.com/tombee/smcp/internal/config"
)

// Global flag values - set by root command
var (
	verboseFlag bool
	jsonFlag    bool
	configFlag  string
	addrFlag    string

	// Build-time version information
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// APIKeyEnv holds the operator API key sent by the CLI.
const APIKeyEnv = "SMCP_API_KEY"

// DefaultAPIURL is used when neither --addr nor SMCP_URL is set.
const DefaultAPIURL = "http://127.0.0.1:8443"

// RegisterFlagPointers returns pointers to flag variables for binding.
func RegisterFlagPointers() (verbose, json *bool, configPath, addr *string) {
	return &verboseFlag, &jsonFlag, &configFlag, &addrFlag
}

// SetVersion sets the version information (called from main)
func SetVersion(v, c, b string) {
	version = v
	commit = c
	buildDate = b
}

// GetVersion returns version information
func GetVersion() (string, string, string) {
	return version, commit, buildDate
}

// GetVerbose returns the verbose flag value
func GetVerbose() bool {
	return verboseFlag
}

// GetJSON returns the JSON output flag value
func GetJSON() bool {
	return jsonFlag
}

// GetConfigPath returns --config, or the default location when unset.
func GetConfigPath() string {
	if configFlag != "" {
		return configFlag
	}
	return config.DefaultPath()
}

// GetAPIURL returns the base URL of the daemon API.
func GetAPIURL() string {
	if addrFlag != "" {
		return addrFlag
	}
	if v := os.Getenv("SMCP_URL"); v != "" {
		return v
	}
	return DefaultAPIURL
}

// GetAPIKey returns the operator API key from SMCP_API_KEY.
func GetAPIKey() string {
	return os.Getenv(APIKeyEnv)
}

// LoadConfig loads the configuration selected by --config.
func LoadConfig() (*config.Config, error) {
	cfg, err := config.Load(GetConfigPath())
	if err != nil {
		return nil, NewConfigError("failed to load configuration", err)
	}
	return cfg, nil
}

// SetFlagsForTest sets global flags for tests.
func SetFlagsForTest(json bool, configPath, addr string) {
	jsonFlag = json
	configFlag = configPath
	addrFlag = addr
}
