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

package attestation

import "context"

// ContextResolver picks the security context name for an attestation.
type ContextResolver interface {
	ResolveContext(ctx context.Context, req Request) (string, error)
}

// FixedResolver resolves every agent to the same context.
type FixedResolver string

// ResolveContext implements ContextResolver.
func (r FixedResolver) ResolveContext(ctx context.Context, req Request) (string, error) {
	return string(r), nil
}

// AgentResolver maps agent ids to context names, falling back to Default.
type AgentResolver struct {
	ByAgent map[string]string
	Default string
}

// ResolveContext implements ContextResolver.
func (r AgentResolver) ResolveContext(ctx context.Context, req Request) (string, error) {
	if name, ok := r.ByAgent[req.AgentID]; ok {
		return name, nil
	}
	return r.Default, nil
}
