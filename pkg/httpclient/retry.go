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
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"strconv"
	"syscall"
	"time"
)

type retryTransport struct {
	base          http.RoundTripper
	attempts      int
	backoff       time.Duration
	maxBackoff    time.Duration
	nonIdempotent bool
	sleep         func(ctx context.Context, d time.Duration) error
}

func newRetryTransport(base http.RoundTripper, cfg Config) *retryTransport {
	return &retryTransport{
		base:          base,
		attempts:      cfg.RetryAttempts + 1,
		backoff:       cfg.RetryBackoff,
		maxBackoff:    cfg.MaxBackoff,
		nonIdempotent: cfg.AllowNonIdempotentRetry,
		sleep:         sleepContext,
	}
}

// RoundTrip implements http.RoundTripper.
func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if !t.retryable(req) {
		return t.base.RoundTrip(req)
	}

	var (
		resp *http.Response
		err  error
	)
	for attempt := 0; attempt < t.attempts; attempt++ {
		if attempt > 0 {
			delay := t.delay(attempt, resp)
			if resp != nil {
				resp.Body.Close()
			}
			if err := t.sleep(req.Context(), delay); err != nil {
				return nil, err
			}
			if req, err = rewind(req); err != nil {
				return nil, err
			}
		}

		resp, err = t.base.RoundTrip(req)
		if err != nil {
			if !transientError(err) {
				return nil, err
			}
			continue
		}
		if !retryStatus(resp.StatusCode) {
			return resp, nil
		}
	}
	return resp, err
}

func (t *retryTransport) retryable(req *http.Request) bool {
	switch req.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return t.nonIdempotent && (req.Body == nil || req.GetBody != nil)
}

// delay returns the wait before the given retry. A shorter Retry-After
// from the previous response wins.
func (t *retryTransport) delay(attempt int, prev *http.Response) time.Duration {
	d := t.backoff << (attempt - 1)
	if d > t.maxBackoff || d <= 0 {
		d = t.maxBackoff
	}
	d += time.Duration(rand.Int64N(int64(d)/5 + 1))

	if prev != nil {
		if ra := retryAfter(prev.Header.Get("Retry-After")); ra > 0 && ra < d {
			return ra
		}
	}
	return d
}

func rewind(req *http.Request) (*http.Request, error) {
	if req.Body == nil || req.GetBody == nil {
		return req, nil
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("failed to rewind request body: %w", err)
	}
	clone := req.Clone(req.Context())
	clone.Body = body
	return clone, nil
}

func retryStatus(code int) bool {
	return code >= 500 || code == http.StatusRequestTimeout || code == http.StatusTooManyRequests
}

func transientError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// retryAfter parses a Retry-After header in seconds or HTTP-date form.
func retryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		return time.Until(at)
	}
	return 0
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
