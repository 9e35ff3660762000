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

/*
Package cli provides the root command for smcpd.

# Command Tree

	smcpd
	├── serve         Run the daemon
	├── keygen        Generate a token signing key
	├── health        Probe a running daemon
	├── contexts      List, validate and import security contexts
	├── sessions      List, revoke and terminate agent sessions
	├── completion    Generate shell completion scripts
	└── version       Show version

Commands that talk to a running daemon use --addr or SMCP_URL. Commands
that read local state use --config or SMCP_CONFIG.
*/
package cli
