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

package shared

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tombee/smcp/internal/httputil"
	"github.com/tombee/smcp/pkg/httpclient"
)

// APIError is an error response from the daemon.
type APIError struct {
	Status int
	Body   httputil.ErrorBody
}

func (e *APIError) Error() string {
	if e.Body.Code == "" {
		return fmt.Sprintf("API error (%d)", e.Status)
	}
	return fmt.Sprintf("API error (%d) %s: %s", e.Status, e.Body.Code, e.Body.Message)
}

// APIClient calls a running daemon.
type APIClient struct {
	base   string
	apiKey string
	client *http.Client
}

// ClientOption adjusts the HTTP client of an APIClient.
type ClientOption func(*httpclient.Config)

// WithoutRetries disables transport retries, for callers that poll with
// their own backoff.
func WithoutRetries() ClientOption {
	return func(c *httpclient.Config) { c.RetryAttempts = 0 }
}

// NewAPIClient creates a client for GetAPIURL.
func NewAPIClient(opts ...ClientOption) (*APIClient, error) {
	cfg := httpclient.DefaultConfig()
	cfg.UserAgent = "smcpd-cli/" + version
	for _, opt := range opts {
		opt(&cfg)
	}
	client, err := httpclient.New(cfg)
	if err != nil {
		return nil, err
	}
	return &APIClient{
		base:   strings.TrimRight(GetAPIURL(), "/"),
		apiKey: GetAPIKey(),
		client: client,
	}, nil
}

// URL returns the absolute URL of path.
func (c *APIClient) URL(path string) string {
	return c.base + path
}

// HTTPClient returns the underlying client.
func (c *APIClient) HTTPClient() *http.Client {
	return c.client
}

// Get decodes the JSON response of GET path?query into out.
func (c *APIClient) Get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.URL(path)
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return c.do(ctx, http.MethodGet, u, nil, out)
}

// Post sends body as JSON and decodes the response into out.
func (c *APIClient) Post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	return c.do(ctx, http.MethodPost, c.URL(path), data, out)
}

func (c *APIClient) do(ctx context.Context, method, u string, body []byte, out any) error {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var envelope struct {
			Error httputil.ErrorBody `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&envelope)
		if resp.StatusCode == http.StatusUnauthorized && c.apiKey == "" {
			envelope.Error.Message += " (set " + APIKeyEnv + ")"
		}
		return &APIError{Status: resp.StatusCode, Body: envelope.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
