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

package toolserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/tombee/smcp/internal/invocation"
	"github.com/tombee/smcp/internal/log"
	"github.com/tombee/smcp/internal/middleware"
	"github.com/tombee/smcp/internal/policy"
)

// ErrNoRoute is returned for an authorized call no server is configured for.
var ErrNoRoute = errors.New("no tool server for tool")

// Caller executes a tool call against one server.
type Caller interface {
	CallTool(ctx context.Context, call *middleware.Call) (*invocation.Result, error)
	Close() error
}

type route struct {
	name        string
	patterns    []string
	stripPrefix string
	caller      Caller
}

// Router dispatches calls to the first server whose tool patterns match.
type Router struct {
	mu     sync.RWMutex
	routes []route
	logger *slog.Logger
}

var _ invocation.Forwarder = (*Router)(nil)

// NewRouter creates an empty router.
func NewRouter(logger *slog.Logger) *Router {
	return &Router{logger: log.Component(logger, "toolserver")}
}

// Add registers caller for the tools matched by cfg.Tools. Routes are
// consulted in the order they were added.
func (r *Router) Add(cfg ServerConfig, caller Caller) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, route{
		name:        cfg.Name,
		patterns:    cfg.Tools,
		stripPrefix: cfg.StripPrefix,
		caller:      caller,
	})
}

// Start dials every configured server. On failure the servers already
// started are closed.
func (r *Router) Start(ctx context.Context, servers []ServerConfig) error {
	for _, cfg := range servers {
		c, err := Dial(ctx, cfg)
		if err != nil {
			r.Close()
			return fmt.Errorf("tool server %s: %w", cfg.Name, err)
		}
		r.Add(cfg, c)
		r.logger.Info("tool server started",
			slog.String("server", cfg.Name),
			slog.Any("tools", cfg.Tools),
		)
	}
	return nil
}

// Forward implements invocation.Forwarder.
func (r *Router) Forward(ctx context.Context, call *middleware.Call) (*invocation.Result, error) {
	rt, ok := r.lookup(call.Tool)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoRoute, call.Tool)
	}

	out := call
	if rt.stripPrefix != "" {
		out = &middleware.Call{
			Tool:      strings.TrimPrefix(call.Tool, rt.stripPrefix),
			Arguments: call.Arguments,
		}
	}

	log.Trace(ctx, r.logger, "forwarding call",
		slog.String("server", rt.name),
		slog.String(log.ToolKey, out.Tool),
	)
	result, err := rt.caller.CallTool(ctx, out)
	if err != nil {
		return nil, fmt.Errorf("server %s: %w", rt.name, err)
	}
	return result, nil
}

func (r *Router) lookup(tool string) (route, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rt := range r.routes {
		for _, p := range rt.patterns {
			if policy.MatchToolPattern(p, tool) {
				return rt, true
			}
		}
	}
	return route{}, false
}

// Close closes every server and removes all routes.
func (r *Router) Close() error {
	r.mu.Lock()
	routes := r.routes
	r.routes = nil
	r.mu.Unlock()

	var errs []error
	for _, rt := range routes {
		if err := rt.caller.Close(); err != nil {
			errs = append(errs, fmt.Errorf("server %s: %w", rt.name, err))
		}
	}
	return errors.Join(errs...)
}
