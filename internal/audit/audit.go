// Package audit records every refused call as a structured, immutable event.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/tombee/smcp/internal/envelope"
	"github.com/tombee/smcp/internal/log"
	"github.com/tombee/smcp/internal/metrics"
	"github.com/tombee/smcp/internal/policy"
	"github.com/tombee/smcp/internal/session"
)

// EventPolicyViolation is the event name carried by every record.
const EventPolicyViolation = "smcp.policy_violation"

// Record is one denied call. Records tie the agent's bound key (by
// thumbprint) to the refused action.
type Record struct {
	ID            string            `json:"id"`
	Event         string            `json:"event"`
	Time          time.Time         `json:"time"`
	SessionID     string            `json:"session_id,omitempty"`
	AgentID       string            `json:"agent_id,omitempty"`
	ExecutionID   string            `json:"execution_id,omitempty"`
	Context       string            `json:"security_context,omitempty"`
	KeyThumbprint string            `json:"key_thumbprint,omitempty"`
	Tool          string            `json:"tool,omitempty"`
	ClaimedTool   string            `json:"claimed_tool,omitempty"`
	Category      policy.Category   `json:"category"`
	Violation     *policy.Violation `json:"violation"`
}

// NewRecord builds a record for v. sess may be nil when the session could
// not be resolved; agentID is then used as given.
func NewRecord(now time.Time, sess *session.Session, agentID string, v *policy.Violation) Record {
	r := Record{
		ID:          ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		Event:       EventPolicyViolation,
		Time:        now.UTC(),
		AgentID:     agentID,
		Tool:        v.Tool,
		ClaimedTool: v.ClaimedTool,
		Category:    v.Kind.Category(),
		Violation:   v,
	}
	if sess != nil {
		r.SessionID = sess.ID
		r.AgentID = sess.AgentID
		r.ExecutionID = sess.ExecutionID
		r.KeyThumbprint = envelope.Thumbprint(sess.PublicKey)
		if sess.SecurityContext != nil {
			r.Context = sess.SecurityContext.Name
		}
	}
	return r
}

// Sink receives violation records.
type Sink interface {
	LogViolation(ctx context.Context, r Record) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, r Record) error

// LogViolation calls f.
func (f SinkFunc) LogViolation(ctx context.Context, r Record) error { return f(ctx, r) }

// LogSink writes records at warn level.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink. A nil logger uses slog.Default.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: log.Component(logger, "audit")}
}

// LogViolation implements Sink.
func (s *LogSink) LogViolation(ctx context.Context, r Record) error {
	s.logger.LogAttrs(ctx, slog.LevelWarn, "policy violation",
		slog.String(log.EventKey, r.Event),
		slog.String("audit_id", r.ID),
		slog.String("kind", r.Violation.Kind.String()),
		slog.String("category", string(r.Category)),
		slog.String(log.ToolKey, r.Tool),
		slog.String("claimed_tool", r.ClaimedTool),
		slog.String(log.AgentIDKey, r.AgentID),
		slog.String(log.ExecutionIDKey, r.ExecutionID),
		slog.String(log.SessionIDKey, r.SessionID),
		slog.String(log.ContextKey, r.Context),
		slog.String("key_thumbprint", r.KeyThumbprint),
		slog.String("detail", r.Violation.Error()),
	)
	return nil
}

// FileSink appends records to a file as JSON lines.
type FileSink struct {
	mu   sync.Mutex
	f    *os.File
	enc  *json.Encoder
	sync bool
}

// OpenFileSink opens path for appending. With syncWrites each record is
// flushed to disk before LogViolation returns.
func OpenFileSink(path string, syncWrites bool) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit file: %w", err)
	}
	return &FileSink{f: f, enc: json.NewEncoder(f), sync: syncWrites}, nil
}

// LogViolation implements Sink.
func (s *FileSink) LogViolation(ctx context.Context, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enc.Encode(r); err != nil {
		return fmt.Errorf("failed to write audit record: %w", err)
	}
	if s.sync {
		if err := s.f.Sync(); err != nil {
			return fmt.Errorf("failed to sync audit file: %w", err)
		}
	}
	return nil
}

// Close closes the file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

// MetricsSink counts violations by kind.
type MetricsSink struct{}

// LogViolation implements Sink.
func (MetricsSink) LogViolation(ctx context.Context, r Record) error {
	metrics.RecordViolation(r.Violation.Kind.String())
	return nil
}

// EventPublisher publishes violations as domain events for downstream
// consumers.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// PublisherSink forwards records to an EventPublisher.
type PublisherSink struct {
	Publisher EventPublisher
	Topic     string
}

// LogViolation implements Sink.
func (s PublisherSink) LogViolation(ctx context.Context, r Record) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal audit record: %w", err)
	}
	topic := s.Topic
	if topic == "" {
		topic = r.Event
	}
	return s.Publisher.Publish(ctx, topic, payload)
}

// MultiSink fans a record out to every sink. All sinks run even if one fails.
type MultiSink []Sink

// LogViolation implements Sink.
func (m MultiSink) LogViolation(ctx context.Context, r Record) error {
	var errs []error
	for _, s := range m {
		if err := s.LogViolation(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
