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

package httpclient

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// sensitiveParams are redacted from logged URLs when a query key contains
// any of them.
var sensitiveParams = []string{"token", "key", "secret", "password", "auth", "signature"}

// headerTransport sets the User-Agent, propagates the trace context and
// logs each request.
type headerTransport struct {
	base      http.RoundTripper
	userAgent string
}

func newHeaderTransport(base http.RoundTripper, userAgent string) *headerTransport {
	return &headerTransport{base: base, userAgent: userAgent}
}

// RoundTrip implements http.RoundTripper.
func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", t.userAgent)
	}
	otel.GetTextMapPropagator().Inject(req.Context(), propagation.HeaderCarrier(req.Header))

	start := time.Now()
	resp, err := t.base.RoundTrip(req)
	attrs := []any{
		slog.String("method", req.Method),
		slog.String("url", redactURL(req.URL)),
		slog.Duration("duration", time.Since(start)),
	}
	if err != nil {
		slog.WarnContext(req.Context(), "http request failed", append(attrs, slog.String("error", err.Error()))...)
		return nil, err
	}
	level := slog.LevelDebug
	if resp.StatusCode >= 400 {
		level = slog.LevelWarn
	}
	slog.Log(req.Context(), level, "http request", append(attrs, slog.Int("status", resp.StatusCode))...)
	return resp, nil
}

// redactURL drops credentials and masks sensitive query values.
func redactURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	safe := *u
	safe.User = nil
	q := safe.Query()
	for param := range q {
		lower := strings.ToLower(param)
		for _, s := range sensitiveParams {
			if strings.Contains(lower, s) {
				q.Set(param, "REDACTED")
				break
			}
		}
	}
	safe.RawQuery = q.Encode()
	return safe.String()
}
