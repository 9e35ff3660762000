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

// Package daemon assembles and runs smcpd.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/tombee/smcp/internal/attestation"
	"github.com/tombee/smcp/internal/auth"
	"github.com/tombee/smcp/internal/audit"
	"github.com/tombee/smcp/internal/backend"
	"github.com/tombee/smcp/internal/backend/file"
	"github.com/tombee/smcp/internal/config"
	"github.com/tombee/smcp/internal/invocation"
	"github.com/tombee/smcp/internal/lifecycle"
	"github.com/tombee/smcp/internal/log"
	"github.com/tombee/smcp/internal/middleware"
	"github.com/tombee/smcp/internal/policy"
	"github.com/tombee/smcp/internal/server"
	"github.com/tombee/smcp/internal/token"
	"github.com/tombee/smcp/internal/toolserver"
	"github.com/tombee/smcp/internal/tracing"
	"github.com/tombee/smcp/pkg/httpclient"
)

// Options contains build-time information.
type Options struct {
	Version   string
	Commit    string
	BuildDate string
}

// Daemon is a configured smcpd instance.
type Daemon struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	store    backend.Backend
	watcher  *file.Store
	router   *toolserver.Router
	sweeper  *lifecycle.Sweeper
	otel     *tracing.Provider
	closers  []io.Closer
	api      *server.Server
	server   *http.Server
	listener net.Listener

	mu      sync.Mutex
	started bool
}

// New builds every component from cfg. Nothing listens until Start.
func New(ctx context.Context, cfg *config.Config, opts Options, logger *slog.Logger) (d *Daemon, err error) {
	d = &Daemon{
		cfg:    cfg,
		opts:   opts,
		logger: log.Component(logger, "daemon"),
	}
	defer func() {
		if err != nil {
			d.release(context.Background())
		}
	}()

	tcfg := cfg.Tracing
	tcfg.ServiceVersion = opts.Version
	if d.otel, err = tracing.New(ctx, tcfg); err != nil {
		return nil, fmt.Errorf("failed to initialise tracing: %w", err)
	}

	if d.store, err = OpenStorage(cfg.Storage); err != nil {
		return nil, err
	}

	var contexts backend.ContextStore = d.store
	if cfg.Contexts.Path != "" {
		fs, err := file.Open(cfg.Contexts.Path, file.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("failed to load security contexts: %w", err)
		}
		contexts = fs
		if cfg.Contexts.Watch {
			d.watcher = fs
		}
	}

	key, err := token.LoadSigningKey(cfg.Token.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to load signing key: %w", err)
	}
	if cfg.Token.Key.Source == token.KeySourceEphemeral {
		d.logger.Warn("using an ephemeral signing key; issued tokens will not survive a restart")
	}
	issuer, err := token.NewJWTIssuer(token.Config{
		PrivateKey: key,
		Issuer:     cfg.Token.Issuer,
		Audience:   cfg.Token.Audience,
		ClockSkew:  cfg.Token.ClockSkew,
	})
	if err != nil {
		return nil, err
	}

	sink, err := d.auditSink(logger)
	if err != nil {
		return nil, err
	}

	evaluator := policy.NewEvaluator()
	mw := middleware.New(evaluator, sink, middleware.WithLogger(logger))

	attest := attestation.New(contexts, d.store, issuer, attestation.Config{
		TTL:      cfg.Token.TTL,
		Audience: cfg.Token.Audience,
		Reattest: attestation.ReattestPolicy(cfg.Attestation.Reattest),
	},
		attestation.WithLogger(logger),
		attestation.WithResolver(attestation.AgentResolver{
			ByAgent: cfg.Attestation.AgentContexts,
			Default: cfg.Attestation.DefaultContext,
		}),
	)

	d.router = toolserver.NewRouter(logger)
	d.sweeper = lifecycle.NewSweeper(d.store, evaluator, cfg.Housekeeping, lifecycle.WithLogger(logger))

	d.api = server.New(server.Deps{
		Attestation: attest,
		Invocation:  invocation.New(d.store, issuer, mw, d.router, invocation.WithLogger(logger)),
		Lifecycle:   lifecycle.NewNotifier(d.store, logger),
		Sessions:    d.store,
		Contexts:    contexts,
		Metrics:     promhttp.Handler(),
	}, server.Config{
		Version:      opts.Version,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		AttestRate:   cfg.Server.AttestRate,
		AttestBurst:  cfg.Server.AttestBurst,
		APIKeys:      cfg.Server.APIKeys,
	}, logger)
	if len(cfg.Server.APIKeys) == 0 {
		d.logger.Warn("no operator API keys configured; session, context and metrics endpoints are disabled")
	}
	for _, k := range cfg.Server.APIKeys {
		d.logger.Info("operator API key loaded",
			slog.String("name", k.Name),
			slog.String("key", auth.MaskKey(k.Key)),
			slog.Any("scopes", k.Scopes),
		)
	}

	d.server = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           d.api,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		ErrorLog:          slog.NewLogLogger(d.logger.Handler(), slog.LevelWarn),
	}

	return d, nil
}

// auditSink always logs and counts violations, and adds the file and
// webhook sinks when configured.
func (d *Daemon) auditSink(logger *slog.Logger) (audit.Sink, error) {
	sinks := audit.MultiSink{audit.NewLogSink(logger), audit.MetricsSink{}}

	if d.cfg.Audit.Path != "" {
		fs, err := audit.OpenFileSink(d.cfg.Audit.Path, d.cfg.Audit.Sync)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit log: %w", err)
		}
		d.closers = append(d.closers, fs)
		sinks = append(sinks, fs)
	}

	if wh := d.cfg.Audit.Webhook; wh.URL != "" {
		hc := httpclient.DefaultConfig()
		hc.UserAgent = "smcpd/" + d.opts.Version
		// Records carry a ULID the receiver can deduplicate on.
		hc.AllowNonIdempotentRetry = true
		if wh.Timeout > 0 {
			hc.Timeout = wh.Timeout
		}
		client, err := httpclient.New(hc)
		if err != nil {
			return nil, fmt.Errorf("invalid audit webhook client: %w", err)
		}
		sinks = append(sinks, audit.PublisherSink{
			Publisher: &audit.WebhookPublisher{URL: wh.URL, Headers: wh.Headers, Client: client},
			Topic:     wh.Topic,
		})
	}

	return sinks, nil
}

// Handler returns the HTTP API.
func (d *Daemon) Handler() http.Handler {
	return d.api
}

// Addr returns the listen address once Start has bound it.
func (d *Daemon) Addr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listener == nil {
		return ""
	}
	return d.listener.Addr().String()
}

// Start dials the tool servers, serves the API and runs housekeeping until
// ctx is cancelled. The HTTP server is drained before Start returns.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return errors.New("daemon already started")
	}
	d.started = true
	d.mu.Unlock()

	if err := d.router.Start(ctx, d.cfg.Tools); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", d.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", d.cfg.Server.Addr, err)
	}
	d.mu.Lock()
	d.listener = ln
	d.mu.Unlock()

	d.logger.Info("smcpd listening",
		slog.String("addr", ln.Addr().String()),
		slog.String("storage", d.cfg.Storage.Backend),
		slog.String("version", d.opts.Version),
		slog.Int("tool_servers", len(d.cfg.Tools)),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := d.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := d.server.Shutdown(shutdownCtx); err != nil {
			d.logger.Error("HTTP server shutdown error", log.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		return d.sweeper.Run(gctx)
	})
	if d.watcher != nil {
		g.Go(func() error {
			return d.watcher.Watch(gctx)
		})
	}

	return g.Wait()
}

// Shutdown releases tool servers, exporters, sinks and storage. Call it
// after Start returns.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	err := d.release(ctx)
	d.started = false
	d.logger.Info("daemon stopped")
	return err
}

func (d *Daemon) release(ctx context.Context) error {
	var errs []error
	if d.router != nil {
		errs = append(errs, d.router.Close())
	}
	for _, c := range d.closers {
		errs = append(errs, c.Close())
	}
	if d.otel != nil {
		flushCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		errs = append(errs, d.otel.Shutdown(flushCtx))
		cancel()
	}
	if d.store != nil {
		errs = append(errs, d.store.Close())
	}
	return errors.Join(errs...)
}
