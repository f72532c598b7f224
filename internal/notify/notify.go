// Package notify delivers best-effort agent lifecycle events to an external
// observability sink. Delivery is fire-and-forget: a sink failure is routed
// to the durable local fallback log and never surfaces to the caller, so
// registry correctness never depends on sink availability.
package notify

import (
	"context"
	"log/slog"
	"time"
)

// Event is one lifecycle notification.
type Event struct {
	Timestamp     time.Time      `json:"timestamp"`
	AgentID       string         `json:"agent_id"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	EventType     string         `json:"event_type"`
	Data          map[string]any `json:"data,omitempty"`
}

// Event types emitted on the sink.
const (
	EventStart      = "start"
	EventPhase      = "phase"
	EventCheckpoint = "checkpoint"
	EventComplete   = "complete"
)

// Sink transports events to the external vault. Implementations must be safe
// for concurrent use.
type Sink interface {
	Emit(ctx context.Context, ev Event) error
	Close() error
}

// Notifier wraps a Sink with the fallback-log error boundary. All methods
// are fire-and-forget; none returns an error.
type Notifier struct {
	sink     Sink // nil when notifications are disabled
	fallback *FallbackLog
	logger   *slog.Logger
}

func NewNotifier(sink Sink, fallback *FallbackLog, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{sink: sink, fallback: fallback, logger: logger}
}

// Enabled reports whether an external sink is configured.
func (n *Notifier) Enabled() bool {
	return n.sink != nil
}

func (n *Notifier) LogStart(ctx context.Context, correlationID, agentID, agentType, taskID, parentTask string) {
	data := map[string]any{"agent_type": agentType}
	if taskID != "" {
		data["task_id"] = taskID
	}
	if parentTask != "" {
		data["parent_task"] = parentTask
	}
	n.emit(ctx, Event{AgentID: agentID, CorrelationID: correlationID, EventType: EventStart, Data: data})
}

func (n *Notifier) UpdatePhase(ctx context.Context, correlationID, agentID, phase, action string, filesModified []string) {
	data := map[string]any{"phase": phase}
	if action != "" {
		data["action"] = action
	}
	if len(filesModified) > 0 {
		data["files_modified"] = filesModified
	}
	n.emit(ctx, Event{AgentID: agentID, CorrelationID: correlationID, EventType: EventPhase, Data: data})
}

func (n *Notifier) LogCheckpoint(ctx context.Context, correlationID, agentID, marker string, metadata map[string]any) {
	data := map[string]any{"marker": marker}
	for k, v := range metadata {
		data[k] = v
	}
	n.emit(ctx, Event{AgentID: agentID, CorrelationID: correlationID, EventType: EventCheckpoint, Data: data})
}

func (n *Notifier) LogComplete(ctx context.Context, correlationID, agentID, status string, durationMinutes float64, errorCount, warningCount int) {
	data := map[string]any{
		"status":           status,
		"duration_minutes": durationMinutes,
		"errors":           errorCount,
		"warnings":         warningCount,
	}
	n.emit(ctx, Event{AgentID: agentID, CorrelationID: correlationID, EventType: EventComplete, Data: data})
}

func (n *Notifier) emit(ctx context.Context, ev Event) {
	ev.Timestamp = time.Now().UTC()

	if n.sink != nil {
		err := n.sink.Emit(ctx, ev)
		if err == nil {
			return
		}
		n.logger.Warn("notification sink unavailable, using fallback log",
			"agent_id", ev.AgentID, "event_type", ev.EventType, "error", err)
	}
	if n.fallback != nil {
		if err := n.fallback.Append(ev); err != nil {
			// Last resort: the event is lost, but the caller is never blocked.
			n.logger.Error("fallback log write failed", "agent_id", ev.AgentID, "error", err)
		}
	}
}

// Close releases the sink connection, if any.
func (n *Notifier) Close() error {
	if n.sink == nil {
		return nil
	}
	return n.sink.Close()
}
