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

// Package tracing configures OpenTelemetry for the SMCP daemon.
//
// Components obtain tracers through otel.Tracer; New installs the global
// provider so that spans are exported once tracing is enabled, and are
// no-ops otherwise.
package tracing

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/smcp/internal/tracing/export"
)

// Provider owns the tracer and meter providers.
type Provider struct {
	tp *sdktrace.TracerProvider
	mp *metric.MeterProvider
}

// New creates a provider from cfg and installs it globally. Extra options
// are applied after the configured ones; tests use them to add an
// in-memory span recorder.
func New(ctx context.Context, cfg Config, opts ...sdktrace.TracerProviderOption) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// No schema URL, to avoid conflicts when merging with the default resource
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	allOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(NewSampler(cfg.Sampling)),
	}

	if cfg.Enabled {
		for _, ec := range cfg.Exporters {
			exp, err := newExporter(ctx, ec)
			if err != nil {
				return nil, err
			}
			allOpts = append(allOpts, sdktrace.WithBatcher(exp, sdktrace.WithBatchTimeout(cfg.BatchTimeout)))
		}
	}
	allOpts = append(allOpts, opts...)

	tp := sdktrace.NewTracerProvider(allOpts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	// The prometheus exporter registers with the default registry, so OTel
	// instruments appear on the same /metrics endpoint as promauto ones.
	promExporter, err := prometheus.New()
	if err != nil {
		tp.Shutdown(ctx)
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	mp := metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(promExporter),
	)
	otel.SetMeterProvider(mp)

	return &Provider{tp: tp, mp: mp}, nil
}

func newExporter(ctx context.Context, ec ExporterConfig) (sdktrace.SpanExporter, error) {
	tlsCfg, err := export.BuildTLSConfig(export.TLSConfigInput{
		Enabled:    !ec.Insecure && (ec.TLS.CACertPath != "" || ec.TLS.SkipVerify),
		SkipVerify: ec.TLS.SkipVerify,
		CACertPath: ec.TLS.CACertPath,
	})
	if err != nil {
		return nil, err
	}

	return export.New(ctx, export.Target{
		Kind:     export.Kind(ec.Type),
		Endpoint: ec.Endpoint,
		Headers:  ec.Headers,
		Insecure: ec.Insecure,
		TLS:      tlsCfg,
	})
}

// Tracer returns a tracer for the given instrumentation scope.
func (p *Provider) Tracer(name string) trace.Tracer {
	return p.tp.Tracer(name)
}

// Meter returns a meter for the given instrumentation scope.
func (p *Provider) Meter(name string) otelmetric.Meter {
	return p.mp.Meter(name)
}

// Shutdown flushes pending spans and releases resources.
func (p *Provider) Shutdown(ctx context.Context) error {
	return errors.Join(p.tp.Shutdown(ctx), p.mp.Shutdown(ctx))
}

// ForceFlush exports all pending spans synchronously.
func (p *Provider) ForceFlush(ctx context.Context) error {
	return errors.Join(p.tp.ForceFlush(ctx), p.mp.ForceFlush(ctx))
}

// Attribute keys shared by SMCP spans.
const (
	AttrAgentID     = attribute.Key("smcp.agent_id")
	AttrExecutionID = attribute.Key("smcp.execution_id")
	AttrSessionID   = attribute.Key("smcp.session_id")
	AttrTool        = attribute.Key("smcp.tool")
	AttrContext     = attribute.Key("smcp.security_context")
	AttrViolation   = attribute.Key("smcp.violation")
)

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
