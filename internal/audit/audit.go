// Package audit records who did what to which resource. The default sink
// writes structured log lines; recording is always best-effort and never
// fails the operation being audited.
package audit

import (
	"context"
	"log/slog"
)

const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"

	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Event is one audit record.
type Event struct {
	Action       string         `json:"action"`
	Result       string         `json:"result"`
	ActorID      *int64         `json:"actor_id,omitempty"`
	ResourceType string         `json:"resource_type,omitempty"`
	ResourceID   string         `json:"resource_id,omitempty"`
	Extra        map[string]any `json:"extra,omitempty"`
}

// Sink receives audit events.
type Sink interface {
	Record(ctx context.Context, e Event)
}

// LogSink writes events through a structured logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink returns a sink over the given logger. A nil logger uses the
// default one.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Record(ctx context.Context, e Event) {
	attrs := []any{
		"action", e.Action,
		"result", e.Result,
	}
	if e.ActorID != nil {
		attrs = append(attrs, "actor_id", *e.ActorID)
	}
	if e.ResourceType != "" {
		attrs = append(attrs, "resource_type", e.ResourceType)
	}
	if e.ResourceID != "" {
		attrs = append(attrs, "resource_id", e.ResourceID)
	}
	if len(e.Extra) > 0 {
		attrs = append(attrs, "extra", e.Extra)
	}
	s.logger.InfoContext(ctx, "audit event", attrs...)
}

// NopSink discards every event.
type NopSink struct{}

func (NopSink) Record(context.Context, Event) {}
