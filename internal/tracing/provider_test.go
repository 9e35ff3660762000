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
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNew_RecordsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	p, err := New(context.Background(), DefaultConfig(), sdktrace.WithSpanProcessor(recorder))
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	_, span := p.Tracer("test").Start(context.Background(), SpanAttest)
	span.SetAttributes(AttrAgentID.String("agent-1"))
	EndSpan(span, errors.New("denied"))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, SpanAttest, spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Len(t, spans[0].Events(), 1)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "rate too high", mutate: func(c *Config) { c.Sampling.Rate = 1.5 }, wantErr: true},
		{name: "console", mutate: func(c *Config) { c.Exporters = []ExporterConfig{{Type: ExporterConsole}}}},
		{name: "otlp without endpoint", mutate: func(c *Config) { c.Exporters = []ExporterConfig{{Type: ExporterOTLP}} }, wantErr: true},
		{name: "unknown exporter", mutate: func(c *Config) { c.Exporters = []ExporterConfig{{Type: "zipkin"}} }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewSampler(t *testing.T) {
	params := func(name string) sdktrace.SamplingParameters {
		return sdktrace.SamplingParameters{ParentContext: context.Background(), Name: name}
	}

	never := NewSampler(SamplingConfig{Rate: 0, AlwaysSampleAttestations: true})
	assert.Equal(t, sdktrace.RecordAndSample, never.ShouldSample(params(SpanAttest)).Decision)
	assert.Equal(t, sdktrace.Drop, never.ShouldSample(params("smcp.invoke")).Decision)

	all := NewSampler(SamplingConfig{Rate: 1})
	assert.Equal(t, sdktrace.RecordAndSample, all.ShouldSample(params("smcp.invoke")).Decision)
}
