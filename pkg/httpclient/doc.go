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

// Package httpclient builds the outbound HTTP client used by smcpd for
// audit webhooks and by the CLI to reach a running daemon.
//
// Clients created by New retry transient failures with jittered
// exponential backoff:
//   - 5xx responses, 408 and 429 (honouring Retry-After)
//   - connection refused, reset and timeout errors
//   - idempotent methods only, unless AllowNonIdempotentRetry is set
//
// Requests carry the configured User-Agent and the W3C trace context of
// the request's context. Sensitive query parameters are redacted from the
// debug log line emitted per request.
//
//	cfg := httpclient.DefaultConfig()
//	cfg.AllowNonIdempotentRetry = true
//	client, err := httpclient.New(cfg)
package httpclient
