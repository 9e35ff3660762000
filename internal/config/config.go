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

// Package config loads smcpd configuration from YAML and the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tombee/smcp/internal/auth"
	"github.com/tombee/smcp/internal/lifecycle"
	"github.com/tombee/smcp/internal/token"
	"github.com/tombee/smcp/internal/toolserver"
	"github.com/tombee/smcp/internal/tracing"
	smcperrors "github.com/tombee/smcp/pkg/errors"
)

var (
	// ErrInvalidConfig is returned when configuration validation fails.
	ErrInvalidConfig = errors.New("config: invalid configuration")
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Re-attestation policies.
const (
	ReattestRevoke = "revoke"
	ReattestReject = "reject"
)

// Config is the complete smcpd configuration.
type Config struct {
	Server       ServerConfig              `yaml:"server"`
	Token        TokenConfig               `yaml:"token"`
	Attestation  AttestationConfig         `yaml:"attestation"`
	Storage      StorageConfig             `yaml:"storage"`
	Contexts     ContextsConfig            `yaml:"contexts"`
	Audit        AuditConfig               `yaml:"audit"`
	Tools        []toolserver.ServerConfig `yaml:"tools,omitempty"`
	Housekeeping lifecycle.SweeperConfig   `yaml:"housekeeping"`
	Log          LogConfig                 `yaml:"log"`
	Tracing      tracing.Config            `yaml:"tracing"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	// Addr is the listen address.
	// Environment: SMCP_LISTEN_ADDR
	Addr string `yaml:"addr"`

	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// MaxBodyBytes caps request bodies.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`

	// AttestRate is the sustained attestations per second allowed from one
	// client address, with AttestBurst on top.
	AttestRate  float64 `yaml:"attest_rate"`
	AttestBurst int     `yaml:"attest_burst"`

	// APIKeys authenticate the operator endpoints. With none configured the
	// operator endpoints refuse every request.
	// Environment: SMCP_API_KEY (adds a key named "env" with all scopes)
	APIKeys []auth.APIKey `yaml:"api_keys,omitempty"`
}

// TokenConfig configures security token issuance.
type TokenConfig struct {
	// Issuer fills the iss claim.
	// Environment: SMCP_TOKEN_ISSUER
	Issuer string `yaml:"issuer"`

	// Audience is the aud claim (default: aegis-orchestrator).
	Audience []string `yaml:"audience,omitempty"`

	// TTL is the token lifetime, clamped to 24h.
	// Environment: SMCP_TOKEN_TTL
	TTL time.Duration `yaml:"ttl"`

	// ClockSkew is tolerated when validating exp and nbf.
	ClockSkew time.Duration `yaml:"clock_skew"`

	// Key selects the signing key.
	// Environment: SMCP_KEY_SOURCE, SMCP_KEY_PATH
	Key token.KeyConfig `yaml:"key"`
}

// AttestationConfig configures the attestation handshake.
type AttestationConfig struct {
	// DefaultContext is bound to agents without an explicit mapping.
	// Environment: SMCP_DEFAULT_CONTEXT
	DefaultContext string `yaml:"default_context"`

	// AgentContexts maps agent ids to security context names.
	AgentContexts map[string]string `yaml:"agent_contexts,omitempty"`

	// Reattest is "revoke" or "reject".
	// Environment: SMCP_REATTEST
	Reattest string `yaml:"reattest"`
}

// StorageConfig configures the session and context store.
type StorageConfig struct {
	// Backend is "memory", "sqlite" or "postgres".
	// Environment: SMCP_STORAGE_BACKEND
	Backend string `yaml:"backend"`

	SQLite   SQLiteConfig   `yaml:"sqlite,omitempty"`
	Postgres PostgresConfig `yaml:"postgres,omitempty"`
}

// SQLiteConfig contains SQLite settings.
type SQLiteConfig struct {
	// Path is the database file.
	// Environment: SMCP_SQLITE_PATH
	Path string `yaml:"path,omitempty"`

	// WAL enables write-ahead logging.
	WAL bool `yaml:"wal"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	// ConnectionString is the PostgreSQL connection URL.
	// Environment: SMCP_POSTGRES_URL
	ConnectionString string `yaml:"connection_string,omitempty"`

	MaxOpenConns    int           `yaml:"max_open_conns,omitempty"`
	MaxIdleConns    int           `yaml:"max_idle_conns,omitempty"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime,omitempty"`
}

// ContextsConfig points at security context definitions on disk. When Path
// is empty, contexts are read from the storage backend.
type ContextsConfig struct {
	// Path is a YAML file or a directory of them.
	// Environment: SMCP_CONTEXTS_PATH
	Path string `yaml:"path,omitempty"`

	// Watch reloads the files when they change.
	Watch bool `yaml:"watch"`
}

// AuditConfig configures where policy violations are recorded.
type AuditConfig struct {
	// Path appends JSON lines to this file when set.
	// Environment: SMCP_AUDIT_PATH
	Path string `yaml:"path,omitempty"`

	// Sync fsyncs every record.
	Sync bool `yaml:"sync"`

	// Webhook posts every record to an HTTP endpoint.
	Webhook WebhookConfig `yaml:"webhook,omitempty"`
}

// WebhookConfig configures the audit webhook.
type WebhookConfig struct {
	// URL receives a POST per record.
	// Environment: SMCP_AUDIT_WEBHOOK_URL
	URL string `yaml:"url,omitempty"`

	// Topic is sent as X-SMCP-Topic (default: the record's event name).
	Topic string `yaml:"topic,omitempty"`

	Headers map[string]string `yaml:"headers,omitempty"`
	Timeout time.Duration     `yaml:"timeout,omitempty"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is trace, debug, info, warn or error.
	Level string `yaml:"level"`

	// Format is json or text.
	Format string `yaml:"format"`

	AddSource bool `yaml:"add_source"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            "127.0.0.1:8443",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MaxBodyBytes:    4 << 20,
			AttestRate:      5,
			AttestBurst:     10,
		},
		Token: TokenConfig{
			Issuer:    "smcpd",
			Audience:  []string{"aegis-orchestrator"},
			TTL:       token.DefaultTTL,
			ClockSkew: 0,
			Key: token.KeyConfig{
				Source: token.KeySourceEphemeral,
			},
		},
		Attestation: AttestationConfig{
			DefaultContext: "default",
			Reattest:       ReattestRevoke,
		},
		Storage: StorageConfig{
			Backend: BackendMemory,
			SQLite: SQLiteConfig{
				Path: filepath.Join(defaultDataDir(), "smcp.db"),
				WAL:  true,
			},
		},
		Housekeeping: lifecycle.SweeperConfig{
			Interval:  lifecycle.DefaultSweepInterval,
			Retention: lifecycle.DefaultRetention,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: tracing.DefaultConfig(),
	}
}

// Load builds the configuration from defaults, the YAML file at configPath
// (if any) and SMCP_* environment variables, in that order of precedence,
// then validates it.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &smcperrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", configPath),
				Cause:  err,
			}
		}
	}

	cfg.applyDefaults()

	if err := cfg.loadFromEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, &smcperrors.ConfigError{
			Key:    "validation",
			Reason: "configuration validation failed",
			Cause:  err,
		}
	}

	return cfg, nil
}

// applyDefaults fills zero values left by a partial config file.
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.Server.Addr == "" {
		c.Server.Addr = defaults.Server.Addr
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = defaults.Server.ReadTimeout
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = defaults.Server.WriteTimeout
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = defaults.Server.ShutdownTimeout
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = defaults.Server.MaxBodyBytes
	}
	if c.Server.AttestRate == 0 {
		c.Server.AttestRate = defaults.Server.AttestRate
	}
	if c.Server.AttestBurst == 0 {
		c.Server.AttestBurst = defaults.Server.AttestBurst
	}

	if c.Token.TTL == 0 {
		c.Token.TTL = defaults.Token.TTL
	}
	if len(c.Token.Audience) == 0 {
		c.Token.Audience = defaults.Token.Audience
	}
	if c.Token.Key.Source == "" {
		c.Token.Key.Source = defaults.Token.Key.Source
	}

	if c.Attestation.DefaultContext == "" {
		c.Attestation.DefaultContext = defaults.Attestation.DefaultContext
	}
	if c.Attestation.Reattest == "" {
		c.Attestation.Reattest = defaults.Attestation.Reattest
	}

	if c.Storage.Backend == "" {
		c.Storage.Backend = defaults.Storage.Backend
	}
	if c.Storage.SQLite.Path == "" {
		c.Storage.SQLite.Path = defaults.Storage.SQLite.Path
	}

	if c.Housekeeping.Interval == 0 {
		c.Housekeeping.Interval = defaults.Housekeeping.Interval
	}
	if c.Housekeeping.Retention == 0 {
		c.Housekeeping.Retention = defaults.Housekeeping.Retention
	}

	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}

	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = defaults.Tracing.ServiceName
	}
	if c.Tracing.Sampling.Rate == 0 {
		c.Tracing.Sampling.Rate = defaults.Tracing.Sampling.Rate
	}
	if c.Tracing.BatchTimeout == 0 {
		c.Tracing.BatchTimeout = defaults.Tracing.BatchTimeout
	}
}

// loadFromFile loads configuration from a YAML file. Unknown keys are errors.
func (c *Config) loadFromFile(path string) error {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

// loadFromEnv applies SMCP_* overrides and the LOG_* variables shared with
// the logger.
func (c *Config) loadFromEnv() error {
	if val := os.Getenv("SMCP_LISTEN_ADDR"); val != "" {
		c.Server.Addr = val
	}
	if val := os.Getenv("SMCP_API_KEY"); val != "" {
		c.Server.APIKeys = append(c.Server.APIKeys, auth.APIKey{Name: "env", Key: val})
	}

	if val := os.Getenv("SMCP_TOKEN_ISSUER"); val != "" {
		c.Token.Issuer = val
	}
	if val := os.Getenv("SMCP_TOKEN_TTL"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return envError("SMCP_TOKEN_TTL", err)
		}
		c.Token.TTL = d
	}
	if val := os.Getenv("SMCP_KEY_SOURCE"); val != "" {
		c.Token.Key.Source = val
	}
	if val := os.Getenv("SMCP_KEY_PATH"); val != "" {
		c.Token.Key.Path = val
	}

	if val := os.Getenv("SMCP_DEFAULT_CONTEXT"); val != "" {
		c.Attestation.DefaultContext = val
	}
	if val := os.Getenv("SMCP_REATTEST"); val != "" {
		c.Attestation.Reattest = strings.ToLower(val)
	}

	if val := os.Getenv("SMCP_STORAGE_BACKEND"); val != "" {
		c.Storage.Backend = strings.ToLower(val)
	}
	if val := os.Getenv("SMCP_SQLITE_PATH"); val != "" {
		c.Storage.SQLite.Path = val
	}
	if val := os.Getenv("SMCP_POSTGRES_URL"); val != "" {
		c.Storage.Postgres.ConnectionString = val
	}

	if val := os.Getenv("SMCP_CONTEXTS_PATH"); val != "" {
		c.Contexts.Path = val
	}
	if val := os.Getenv("SMCP_AUDIT_PATH"); val != "" {
		c.Audit.Path = val
	}
	if val := os.Getenv("SMCP_AUDIT_WEBHOOK_URL"); val != "" {
		c.Audit.Webhook.URL = val
	}

	if val := os.Getenv("SMCP_HOUSEKEEPING_INTERVAL"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return envError("SMCP_HOUSEKEEPING_INTERVAL", err)
		}
		c.Housekeeping.Interval = d
	}

	if val := os.Getenv("SMCP_TRACING_ENABLED"); val != "" {
		enabled, err := strconv.ParseBool(val)
		if err != nil {
			return envError("SMCP_TRACING_ENABLED", err)
		}
		c.Tracing.Enabled = enabled
	}

	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_SOURCE"); val != "" {
		c.Log.AddSource = val == "1" || strings.ToLower(val) == "true"
	}

	return nil
}

func envError(key string, err error) error {
	return &smcperrors.ConfigError{
		Key:    key,
		Reason: "invalid environment override",
		Cause:  err,
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Addr == "" {
		errs = append(errs, "server.addr is required")
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("server.shutdown_timeout must be positive, got %v", c.Server.ShutdownTimeout))
	}
	if c.Server.AttestRate < 0 || c.Server.AttestBurst < 0 {
		errs = append(errs, "server.attest_rate and server.attest_burst must not be negative")
	}
	seenKeys := make(map[string]bool, len(c.Server.APIKeys))
	for i, k := range c.Server.APIKeys {
		if k.Name == "" {
			errs = append(errs, fmt.Sprintf("server.api_keys[%d].name is required", i))
		} else if seenKeys[k.Name] {
			errs = append(errs, fmt.Sprintf("server.api_keys[%d].name %q is duplicated", i, k.Name))
		}
		seenKeys[k.Name] = true
		if len(k.Key) < auth.MinKeyLength {
			errs = append(errs, fmt.Sprintf("server.api_keys[%d].key must be at least %d characters", i, auth.MinKeyLength))
		}
	}

	if c.Token.TTL < 0 {
		errs = append(errs, fmt.Sprintf("token.ttl must not be negative, got %v", c.Token.TTL))
	}
	switch c.Token.Key.Source {
	case token.KeySourceEphemeral, token.KeySourceKeyring:
	case token.KeySourceFile:
		if c.Token.Key.Path == "" {
			errs = append(errs, "token.key.path is required when token.key.source is file")
		}
	default:
		errs = append(errs, fmt.Sprintf("token.key.source must be one of [file, keyring, ephemeral], got %q", c.Token.Key.Source))
	}

	if c.Attestation.Reattest != ReattestRevoke && c.Attestation.Reattest != ReattestReject {
		errs = append(errs, fmt.Sprintf("attestation.reattest must be one of [revoke, reject], got %q", c.Attestation.Reattest))
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Storage.SQLite.Path == "" {
			errs = append(errs, "storage.sqlite.path is required for the sqlite backend")
		}
	case BackendPostgres:
		if c.Storage.Postgres.ConnectionString == "" {
			errs = append(errs, "storage.postgres.connection_string is required for the postgres backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage.backend must be one of [memory, sqlite, postgres], got %q", c.Storage.Backend))
	}

	if c.Contexts.Watch && c.Contexts.Path == "" {
		errs = append(errs, "contexts.watch requires contexts.path")
	}

	if c.Audit.Webhook.URL != "" {
		u, err := url.Parse(c.Audit.Webhook.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Sprintf("audit.webhook.url must be an http(s) URL, got %q", c.Audit.Webhook.URL))
		}
	}
	if c.Audit.Webhook.Timeout < 0 {
		errs = append(errs, "audit.webhook.timeout must not be negative")
	}

	names := make(map[string]bool)
	for i, srv := range c.Tools {
		if err := srv.Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("tools[%d]: %v", i, err))
		}
		if names[srv.Name] {
			errs = append(errs, fmt.Sprintf("tools[%d]: duplicate server name %q", i, srv.Name))
		}
		names[srv.Name] = true
	}

	if c.Housekeeping.Interval < 0 || c.Housekeeping.Retention < 0 {
		errs = append(errs, "housekeeping.interval and housekeeping.retention must not be negative")
	}

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("log.level must be one of [trace, debug, info, warn, error], got %q", c.Log.Level))
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("log.format must be one of [json, text], got %q", c.Log.Format))
	}

	if c.Tracing.Enabled {
		if err := c.Tracing.Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("tracing: %v", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidConfig, strings.Join(errs, "\n  - "))
	}
	return nil
}

// defaultDataDir returns the directory for local state.
func defaultDataDir() string {
	if dataHome := os.Getenv("XDG_DATA_HOME"); dataHome != "" {
		return filepath.Join(dataHome, "smcp")
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "smcp")
	}
	return filepath.Join(homeDir, ".smcp", "data")
}
