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

// Package server exposes attestation, tool calls and session management over
// HTTP.
package server

import (
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/tombee/smcp/internal/attestation"
	"github.com/tombee/smcp/internal/auth"
	"github.com/tombee/smcp/internal/backend"
	"github.com/tombee/smcp/internal/invocation"
	"github.com/tombee/smcp/internal/lifecycle"
	"github.com/tombee/smcp/internal/log"
)

// Deps are the services the API serves.
type Deps struct {
	Attestation *attestation.Service
	Invocation  *invocation.Service
	Lifecycle   *lifecycle.Notifier
	Sessions    backend.SessionLister
	Contexts    backend.ContextStore

	// Metrics serves GET /metrics when set.
	Metrics http.Handler
}

// Config configures the API.
type Config struct {
	Version string

	// MaxBodyBytes caps request bodies (default: 4 MiB).
	MaxBodyBytes int64

	// AttestRate and AttestBurst throttle attestations per client address.
	// A zero rate disables throttling.
	AttestRate  float64
	AttestBurst int

	// APIKeys authenticate the operator routes: terminate, revoke, session
	// and context listing, and metrics. Without keys those routes refuse
	// every request.
	APIKeys []auth.APIKey
}

// Server is the smcpd HTTP API.
type Server struct {
	mux      *http.ServeMux
	handler  http.Handler
	deps     Deps
	cfg      Config
	limiter  *clientLimiter
	validate *validator.Validate
	logger   *slog.Logger
	now      func() time.Time
}

// New creates the API and registers its routes.
func New(deps Deps, cfg Config, logger *slog.Logger) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 4 << 20
	}

	s := &Server{
		mux:      http.NewServeMux(),
		deps:     deps,
		cfg:      cfg,
		validate: newValidator(),
		logger:   log.Component(logger, "server"),
		now:      time.Now,
	}
	if cfg.AttestRate > 0 {
		s.limiter = newClientLimiter(cfg.AttestRate, cfg.AttestBurst)
	}

	s.mux.HandleFunc("POST /v1/attest", s.handleAttest)
	s.mux.HandleFunc("POST /v1/tools/call", s.handleToolCall)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	guard := auth.NewMiddleware(cfg.APIKeys, logger)
	s.mux.Handle("POST /v1/executions/{execution_id}/terminate",
		guard.Require(auth.ScopeSessionsRevoke, http.HandlerFunc(s.handleTerminate)))
	s.mux.Handle("POST /v1/agents/{agent_id}/revoke",
		guard.Require(auth.ScopeSessionsRevoke, http.HandlerFunc(s.handleRevoke)))
	s.mux.Handle("GET /v1/sessions",
		guard.Require(auth.ScopeSessionsRead, http.HandlerFunc(s.handleListSessions)))
	s.mux.Handle("GET /v1/contexts",
		guard.Require(auth.ScopeContextsRead, http.HandlerFunc(s.handleListContexts)))
	if deps.Metrics != nil {
		s.mux.Handle("GET /metrics", guard.Require(auth.ScopeMetricsRead, deps.Metrics))
	}

	s.handler = log.HTTPMiddleware(s.logger, s.mux)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// newValidator reports json field names in validation errors.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}
