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

package tracing

import (
	"fmt"
	"time"
)

// Exporter types.
const (
	ExporterConsole  = "console"
	ExporterOTLP     = "otlp"
	ExporterOTLPHTTP = "otlp-http"
)

// Config holds tracing configuration.
type Config struct {
	// Enabled controls whether spans are recorded and exported.
	Enabled bool `yaml:"enabled"`

	// ServiceName identifies this service in traces.
	ServiceName string `yaml:"service_name"`

	// ServiceVersion is the application version.
	ServiceVersion string `yaml:"service_version"`

	// Sampling configures trace sampling.
	Sampling SamplingConfig `yaml:"sampling"`

	// Exporters configures export destinations.
	Exporters []ExporterConfig `yaml:"exporters"`

	// BatchTimeout is how often batched spans are flushed (default: 5s).
	BatchTimeout time.Duration `yaml:"batch_timeout"`
}

// SamplingConfig controls which traces are recorded.
type SamplingConfig struct {
	// Rate is the fraction of traces to sample (0.0 - 1.0).
	Rate float64 `yaml:"rate"`

	// AlwaysSampleAttestations records every attestation span regardless
	// of Rate. Attestations are rare and security relevant.
	AlwaysSampleAttestations bool `yaml:"always_sample_attestations"`
}

// ExporterConfig defines an export destination.
type ExporterConfig struct {
	// Type is the exporter type: "otlp", "otlp-http", or "console".
	Type string `yaml:"type"`

	// Endpoint is the OTLP receiver address.
	Endpoint string `yaml:"endpoint"`

	// Headers are additional headers, typically for authentication.
	Headers map[string]string `yaml:"headers"`

	// Insecure disables TLS (development only).
	Insecure bool `yaml:"insecure"`

	// TLS configures secure connections.
	TLS TLSConfig `yaml:"tls"`
}

// TLSConfig configures TLS for exporters.
type TLSConfig struct {
	// SkipVerify disables certificate validation (development only).
	SkipVerify bool `yaml:"skip_verify"`

	// CACertPath is the path to a CA certificate.
	CACertPath string `yaml:"ca_cert_path"`
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:        false,
		ServiceName:    "smcpd",
		ServiceVersion: "unknown",
		Sampling: SamplingConfig{
			Rate:                     1.0,
			AlwaysSampleAttestations: true,
		},
		BatchTimeout: 5 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Sampling.Rate < 0 || c.Sampling.Rate > 1 {
		return fmt.Errorf("sampling rate must be between 0 and 1, got %v", c.Sampling.Rate)
	}
	for i, e := range c.Exporters {
		switch e.Type {
		case ExporterConsole:
		case ExporterOTLP, ExporterOTLPHTTP:
			if e.Endpoint == "" {
				return fmt.Errorf("exporters[%d]: endpoint is required for %s", i, e.Type)
			}
		default:
			return fmt.Errorf("exporters[%d]: unknown exporter type %q", i, e.Type)
		}
	}
	return nil
}
