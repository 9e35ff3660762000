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

package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrHealthCheckTimeout is returned when the daemon does not become healthy
// in time.
var ErrHealthCheckTimeout = errors.New("health check timeout")

// Health status values.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
)

// HealthStatus is the body served on /healthz.
type HealthStatus struct {
	Status         string `json:"status"`
	Version        string `json:"version,omitempty"`
	ActiveSessions int    `json:"active_sessions"`
	Error          string `json:"error,omitempty"`
}

// HealthCheckResult is the outcome of one probe.
type HealthCheckResult struct {
	Success      bool
	StatusCode   int
	Health       *HealthStatus
	ResponseTime time.Duration
	Error        error
}

// HealthChecker polls a daemon's health endpoint with exponential backoff.
type HealthChecker struct {
	endpoint        string
	client          *http.Client
	initialInterval time.Duration
	maxInterval     time.Duration
	multiplier      float64
}

// NewHealthChecker creates a checker for endpoint. Default backoff: 50ms
// initial, 2x multiplier, 1s max interval.
func NewHealthChecker(endpoint string) *HealthChecker {
	return &HealthChecker{
		endpoint:        endpoint,
		client:          &http.Client{Timeout: 5 * time.Second},
		initialInterval: 50 * time.Millisecond,
		maxInterval:     time.Second,
		multiplier:      2.0,
	}
}

// WithBackoff configures custom backoff parameters.
func (h *HealthChecker) WithBackoff(initial, max time.Duration, multiplier float64) *HealthChecker {
	h.initialInterval = initial
	h.maxInterval = max
	h.multiplier = multiplier
	return h
}

// WithHTTPClient sets a custom HTTP client.
func (h *HealthChecker) WithHTTPClient(client *http.Client) *HealthChecker {
	h.client = client
	return h
}

// Check performs a single probe.
func (h *HealthChecker) Check(ctx context.Context) *HealthCheckResult {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.endpoint, nil)
	if err != nil {
		return &HealthCheckResult{Error: fmt.Errorf("failed to create request: %w", err)}
	}

	resp, err := h.client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return &HealthCheckResult{ResponseTime: elapsed, Error: fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	result := &HealthCheckResult{
		StatusCode:   resp.StatusCode,
		ResponseTime: elapsed,
	}
	var status HealthStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err == nil {
		result.Health = &status
	}
	result.Success = resp.StatusCode >= 200 && resp.StatusCode < 300 &&
		(result.Health == nil || result.Health.Status == StatusOK)
	if !result.Success && result.Health != nil && result.Health.Error != "" {
		result.Error = errors.New(result.Health.Error)
	}
	return result
}

// WaitUntilHealthy polls until the endpoint reports healthy or ctx is done.
// onAttempt, if set, is called after every probe.
func (h *HealthChecker) WaitUntilHealthy(ctx context.Context, onAttempt func(*HealthCheckResult, int)) error {
	interval := h.initialInterval
	for attempt := 1; ; attempt++ {
		result := h.Check(ctx)
		if onAttempt != nil {
			onAttempt(result, attempt)
		}
		if result.Success {
			return nil
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			if result.Error != nil {
				return fmt.Errorf("%w after %d attempts: %w", ErrHealthCheckTimeout, attempt, result.Error)
			}
			return fmt.Errorf("%w after %d attempts (status %d)", ErrHealthCheckTimeout, attempt, result.StatusCode)
		case <-timer.C:
		}

		interval = time.Duration(float64(interval) * h.multiplier)
		if interval > h.maxInterval {
			interval = h.maxInterval
		}
	}
}
