package audit

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
)

// TopicHeader carries the topic of a webhook delivery.
const TopicHeader = "X-SMCP-Topic"

// WebhookPublisher posts events to an HTTP endpoint. Any non-2xx response
// is an error.
type WebhookPublisher struct {
	URL     string
	Headers map[string]string
	Client  *http.Client
}

// Publish implements EventPublisher.
func (p *WebhookPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(TopicHeader, topic)
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook delivery failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}
