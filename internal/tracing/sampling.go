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
	"strings"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// SpanAttest is the name of the attestation span.
const SpanAttest = "smcp.attest"

// SpanInvoke is the name of the tool invocation span.
const SpanInvoke = "smcp.invoke"

// NewSampler creates a parent-based sampler from the configuration.
func NewSampler(cfg SamplingConfig) sdktrace.Sampler {
	if cfg.Rate >= 1.0 {
		return sdktrace.AlwaysSample()
	}

	var base sdktrace.Sampler
	if cfg.Rate <= 0.0 {
		base = sdktrace.NeverSample()
	} else {
		base = sdktrace.TraceIDRatioBased(cfg.Rate)
	}

	if cfg.AlwaysSampleAttestations {
		base = &attestationSampler{base: base}
	}
	return sdktrace.ParentBased(base)
}

// attestationSampler always records attestation spans and defers to base
// for everything else.
type attestationSampler struct {
	base sdktrace.Sampler
}

// ShouldSample implements sdktrace.Sampler.
func (s *attestationSampler) ShouldSample(params sdktrace.SamplingParameters) sdktrace.SamplingResult {
	if strings.HasPrefix(params.Name, SpanAttest) {
		return sdktrace.SamplingResult{
			Decision:   sdktrace.RecordAndSample,
			Tracestate: trace.SpanContextFromContext(params.ParentContext).TraceState(),
		}
	}
	return s.base.ShouldSample(params)
}

// Description implements sdktrace.Sampler.
func (s *attestationSampler) Description() string {
	return "AttestationSampler{base=" + s.base.Description() + "}"
}
