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

// Package export builds the span exporters smcpd can ship traces to.
package export

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc/credentials"
)

// Kind names a span exporter.
type Kind string

const (
	KindConsole  Kind = "console"
	KindOTLPGRPC Kind = "otlp"
	KindOTLPHTTP Kind = "otlp-http"
)

// Target describes one export destination.
type Target struct {
	Kind Kind

	// Endpoint is host:port of an OTLP receiver.
	Endpoint string

	// Headers are sent with each OTLP export, typically for authentication.
	Headers map[string]string

	// Insecure disables TLS (development only).
	Insecure bool

	// TLS overrides DefaultTLSConfig for OTLP.
	TLS *tls.Config

	// Writer receives console spans (default: os.Stderr, keeping stdout
	// free for CLI output).
	Writer io.Writer
}

// New creates the span exporter for t.
func New(ctx context.Context, t Target) (trace.SpanExporter, error) {
	if t.TLS != nil && !t.Insecure {
		if err := ValidateTLSConfig(t.TLS); err != nil {
			return nil, fmt.Errorf("invalid TLS config: %w", err)
		}
	}

	switch t.Kind {
	case KindConsole:
		w := t.Writer
		if w == nil {
			w = os.Stderr
		}
		exp, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create console exporter: %w", err)
		}
		return exp, nil

	case KindOTLPGRPC:
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(t.Endpoint)}
		if t.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		} else {
			opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewTLS(t.tlsConfig())))
		}
		if len(t.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(t.Headers))
		}
		exp, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP gRPC exporter: %w", err)
		}
		return exp, nil

	case KindOTLPHTTP:
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(t.Endpoint)}
		if t.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		} else {
			opts = append(opts, otlptracehttp.WithTLSClientConfig(t.tlsConfig()))
		}
		if len(t.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(t.Headers))
		}
		exp, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP HTTP exporter: %w", err)
		}
		return exp, nil
	}
	return nil, fmt.Errorf("unknown exporter type %q", t.Kind)
}

func (t Target) tlsConfig() *tls.Config {
	if t.TLS != nil {
		return t.TLS
	}
	return DefaultTLSConfig()
}
