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

// Package toolserver forwards authorized tool calls to MCP servers.
package toolserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/tombee/smcp/internal/invocation"
	"github.com/tombee/smcp/internal/middleware"
)

// DefaultTimeout bounds a single tool call.
const DefaultTimeout = 30 * time.Second

// ClientVersion is reported to servers during initialization.
var ClientVersion = "dev"

// Client is a connection to one MCP server.
type Client struct {
	name    string
	client  *client.Client
	timeout time.Duration
}

// Dial starts the server process described by cfg and initializes it.
func Dial(ctx context.Context, cfg ServerConfig) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	mcpClient, err := client.NewStdioMCPClient(cfg.Command, cfg.Env, cfg.Args...)
	if err != nil {
		return nil, fmt.Errorf("failed to create MCP client: %w", err)
	}
	return Connect(ctx, cfg.Name, mcpClient, cfg.Timeout)
}

// Connect starts and initializes an already constructed mcp-go client. The
// Client takes ownership of c.
func Connect(ctx context.Context, name string, c *client.Client, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if err := c.Start(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to start MCP client: %w", err)
	}

	cl := &Client{name: name, client: c, timeout: timeout}
	if err := cl.initialize(ctx); err != nil {
		cl.Close()
		return nil, fmt.Errorf("failed to initialize MCP server %s: %w", name, err)
	}
	return cl, nil
}

func (c *Client) initialize(ctx context.Context) error {
	initReq := mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			Capabilities:    mcp.ClientCapabilities{},
			ClientInfo: mcp.Implementation{
				Name:    "smcpd",
				Version: ClientVersion,
			},
		},
	}

	if _, err := c.client.Initialize(ctx, initReq); err != nil {
		return fmt.Errorf("initialize request failed: %w", err)
	}
	return nil
}

// Name returns the configured server name.
func (c *Client) Name() string {
	return c.name
}

// ListTools returns the names of the tools the server exposes.
func (c *Client) ListTools(ctx context.Context) ([]string, error) {
	result, err := c.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}

	names := make([]string, len(result.Tools))
	for i, tool := range result.Tools {
		names[i] = tool.Name
	}
	return names, nil
}

// CallTool sends an authorized call and converts the result.
func (c *Client) CallTool(ctx context.Context, call *middleware.Call) (*invocation.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	result, err := c.client.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      call.Tool,
			Arguments: call.Arguments,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("tool call failed: %w", err)
	}

	out := &invocation.Result{
		IsError: result.IsError,
		Content: make([]invocation.ContentItem, len(result.Content)),
	}
	for i, content := range result.Content {
		item, err := convertContent(content)
		if err != nil {
			return nil, err
		}
		out.Content[i] = item
	}
	return out, nil
}

func convertContent(content mcp.Content) (invocation.ContentItem, error) {
	if text, ok := mcp.AsTextContent(content); ok {
		return invocation.ContentItem{Type: text.Type, Text: text.Text}, nil
	}
	if image, ok := mcp.AsImageContent(content); ok {
		return invocation.ContentItem{Type: image.Type, Data: image.Data, MimeType: image.MIMEType}, nil
	}

	// Other content kinds keep their common fields.
	raw, err := json.Marshal(content)
	if err != nil {
		return invocation.ContentItem{}, fmt.Errorf("failed to marshal content: %w", err)
	}
	var item invocation.ContentItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return invocation.ContentItem{}, fmt.Errorf("failed to unmarshal content: %w", err)
	}
	return item, nil
}

// Ping checks that the server is still responsive.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("server %s closed the connection", c.name)
		}
		return fmt.Errorf("ping failed: %w", err)
	}
	return nil
}

// Close stops the server connection.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	if err := c.client.Close(); err != nil {
		return fmt.Errorf("failed to close MCP client: %w", err)
	}
	return nil
}
