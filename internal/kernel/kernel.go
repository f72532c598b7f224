// Package kernel composes the registries into session-scoped workflows. The
// kernel owns the session lifecycle and the cross-component helpers; it holds
// no authoritative state of its own beyond the current-session pointer, which
// is per-instance and rebuildable from the store.
package kernel

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/swarmd/internal/broker"
	"github.com/basket/swarmd/internal/bus"
	"github.com/basket/swarmd/internal/checkpoint"
	"github.com/basket/swarmd/internal/lock"
	"github.com/basket/swarmd/internal/notify"
	otelPkg "github.com/basket/swarmd/internal/otel"
	"github.com/basket/swarmd/internal/persistence"
	"github.com/basket/swarmd/internal/registry"
	"github.com/basket/swarmd/internal/task"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// ErrSessionActive reports that StartSession was called while this kernel
// instance already has a current session.
var ErrSessionActive = errors.New("session already active")

// ErrNoSession reports that an operation needs a current session and none
// has been started.
var ErrNoSession = errors.New("no active session")

// Session statuses.
const (
	SessionActive    = "active"
	SessionCompleted = "completed"
	SessionFailed    = "failed"
)

// Coordination patterns. Free-form; these are the built-in ones.
const (
	PatternHierarchical = "hierarchical"
	PatternFlat         = "flat"
)

// Session is one bounded coordination episode.
type Session struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Pattern       string     `json:"pattern"`
	CoordinatorID string     `json:"coordinator_id,omitempty"`
	Status        string     `json:"status"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
}

// SessionSummary joins a session with its task-status aggregate.
type SessionSummary struct {
	Session    Session        `json:"session"`
	TaskCounts map[string]int `json:"task_counts"`
	TasksDone  int            `json:"tasks_done"`
	TasksTotal int            `json:"tasks_total"`
}

// Activity is one row of the kernel activity log.
type Activity struct {
	ID        int64          `json:"id"`
	AgentID   string         `json:"agent_id,omitempty"`
	Type      string         `json:"activity_type"`
	SessionID string         `json:"session_id,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Activity types written by the kernel.
const (
	ActivitySessionStarted = "session_started"
	ActivitySessionEnded   = "session_ended"
	ActivityPhaseChanged   = "phase_changed"
	ActivityCheckpoint     = "checkpoint"
)

type Kernel struct {
	store       *persistence.Store
	Agents      *registry.Registry
	Tasks       *task.Registry
	Locks       *lock.Manager
	Checkpoints *checkpoint.Manager
	Broker      *broker.Broker

	notifier *notify.Notifier
	bus      *bus.Bus
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *otelPkg.Metrics // may be nil

	mu             sync.Mutex
	currentSession string
	sessionStarted time.Time
}

// Options carries the optional collaborators. Nil fields get no-op or
// default implementations.
type Options struct {
	Notifier *notify.Notifier
	Bus      *bus.Bus
	Logger   *slog.Logger
	Tracer   trace.Tracer
	Metrics  *otelPkg.Metrics
}

func New(store *persistence.Store, agents *registry.Registry, tasks *task.Registry, locks *lock.Manager, checkpoints *checkpoint.Manager, msgBroker *broker.Broker, opts Options) *Kernel {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tracer == nil {
		opts.Tracer = nooptrace.NewTracerProvider().Tracer(otelPkg.TracerName)
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.NewNotifier(nil, nil, opts.Logger)
	}
	return &Kernel{
		store:       store,
		Agents:      agents,
		Tasks:       tasks,
		Locks:       locks,
		Checkpoints: checkpoints,
		Broker:      msgBroker,
		notifier:    opts.Notifier,
		bus:         opts.Bus,
		logger:      opts.Logger,
		tracer:      opts.Tracer,
		metrics:     opts.Metrics,
	}
}

// StartSession opens a new coordination session and makes it current. A
// kernel instance coordinates one session at a time: starting a second
// session before ending the first fails with ErrSessionActive.
func (k *Kernel) StartSession(ctx context.Context, name, pattern, coordinatorID string) (string, error) {
	ctx, span := otelPkg.StartSpan(ctx, k.tracer, "kernel.start_session")
	defer span.End()

	k.mu.Lock()
	if k.currentSession != "" {
		current := k.currentSession
		k.mu.Unlock()
		return "", fmt.Errorf("session %s: %w", current, ErrSessionActive)
	}
	k.mu.Unlock()

	if pattern == "" {
		pattern = PatternHierarchical
	}
	id := uuid.NewString()
	now := time.Now().UTC()

	if _, err := k.store.Execute(ctx, `
		INSERT INTO sessions (id, name, pattern, coordinator_id, status, started_at)
		VALUES (?, ?, ?, NULLIF(?, ''), ?, ?);
	`, id, name, pattern, coordinatorID, SessionActive, now); err != nil {
		return "", fmt.Errorf("start session: %w", err)
	}
	span.SetAttributes(otelPkg.AttrSessionID.String(id))

	k.mu.Lock()
	k.currentSession = id
	k.sessionStarted = now
	k.mu.Unlock()

	k.appendActivity(ctx, Activity{
		AgentID:   coordinatorID,
		Type:      ActivitySessionStarted,
		SessionID: id,
		Details:   map[string]any{"name": name, "pattern": pattern},
	})
	if k.bus != nil {
		k.bus.Publish(bus.TopicSessionStarted, bus.SessionEvent{SessionID: id, Status: SessionActive})
	}
	k.logger.Info("session started", "session_id", id, "name", name, "pattern", pattern)
	return id, nil
}

// EndSession closes the current session with the given terminal status
// (completed or failed) and clears the current-session pointer.
func (k *Kernel) EndSession(ctx context.Context, status string) error {
	ctx, span := otelPkg.StartSpan(ctx, k.tracer, "kernel.end_session")
	defer span.End()

	k.mu.Lock()
	id := k.currentSession
	startedAt := k.sessionStarted
	k.mu.Unlock()
	if id == "" {
		return ErrNoSession
	}
	if status != SessionCompleted && status != SessionFailed {
		return fmt.Errorf("end session: invalid terminal status %q", status)
	}
	span.SetAttributes(otelPkg.AttrSessionID.String(id))

	now := time.Now().UTC()
	if _, err := k.store.Execute(ctx, `
		UPDATE sessions SET status = ?, ended_at = ? WHERE id = ?;
	`, status, now, id); err != nil {
		return fmt.Errorf("end session %s: %w", id, err)
	}

	k.mu.Lock()
	k.currentSession = ""
	k.sessionStarted = time.Time{}
	k.mu.Unlock()

	k.appendActivity(ctx, Activity{
		Type:      ActivitySessionEnded,
		SessionID: id,
		Details:   map[string]any{"status": status},
	})
	if k.metrics != nil {
		k.metrics.SessionDuration.Record(ctx, now.Sub(startedAt).Seconds())
	}
	if k.bus != nil {
		k.bus.Publish(bus.TopicSessionEnded, bus.SessionEvent{SessionID: id, Status: status})
	}
	k.logger.Info("session ended", "session_id", id, "status", status, "duration", now.Sub(startedAt))
	return nil
}

// CurrentSession returns the current session id, or "" when none is active.
func (k *Kernel) CurrentSession() string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.currentSession
}

// LogAgentCheckpoint records a checkpoint for the agent in the current
// session and forwards a checkpoint event on the notification stream when
// the agent has an active correlation mapping. The forward happens whether
// or not the checkpoint write succeeded.
func (k *Kernel) LogAgentCheckpoint(ctx context.Context, agentID, marker string, state, metadata map[string]any) (string, error) {
	ctx, span := otelPkg.StartSpan(ctx, k.tracer, "kernel.log_agent_checkpoint",
		otelPkg.AttrAgentID.String(agentID), otelPkg.AttrCheckpoint.String(marker))
	defer span.End()

	id, createErr := k.Checkpoints.Create(ctx, checkpoint.CreateParams{
		Type:      marker,
		State:     state,
		SessionID: k.CurrentSession(),
		AgentID:   agentID,
		Metadata:  metadata,
	})

	if correlationID, ok := k.Agents.CorrelationID(agentID); ok {
		k.notifier.LogCheckpoint(ctx, correlationID, agentID, marker, metadata)
	}
	if createErr != nil {
		return "", fmt.Errorf("log agent checkpoint: %w", createErr)
	}

	k.appendActivity(ctx, Activity{
		AgentID:   agentID,
		Type:      ActivityCheckpoint,
		SessionID: k.CurrentSession(),
		Details:   map[string]any{"marker": marker, "checkpoint_id": id},
	})
	return id, nil
}

// UpdateAgentPhase records an agent phase transition: the registry status
// write and the notification forward are independent, so a store failure
// still produces the phase event for observers.
func (k *Kernel) UpdateAgentPhase(ctx context.Context, agentID string, status registry.Status, phase, action string) error {
	ctx, span := otelPkg.StartSpan(ctx, k.tracer, "kernel.update_agent_phase",
		otelPkg.AttrAgentID.String(agentID))
	defer span.End()

	err := k.Agents.UpdateStatus(ctx, agentID, status, phase, action)

	k.appendActivity(ctx, Activity{
		AgentID:   agentID,
		Type:      ActivityPhaseChanged,
		SessionID: k.CurrentSession(),
		Details:   map[string]any{"status": string(status), "phase": phase, "action": action},
	})
	return err
}

// GetSessionSummary joins the session row with a per-status task count
// aggregate. An empty sessionID means the current session.
func (k *Kernel) GetSessionSummary(ctx context.Context, sessionID string) (*SessionSummary, error) {
	if sessionID == "" {
		sessionID = k.CurrentSession()
	}
	if sessionID == "" {
		return nil, ErrNoSession
	}

	sess, err := k.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, nil
	}

	rows, err := k.store.FetchAll(ctx, `
		SELECT status, COUNT(*) FROM tasks WHERE session_id = ? GROUP BY status;
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session %s task aggregate: %w", sessionID, err)
	}
	defer rows.Close()

	summary := &SessionSummary{Session: *sess, TaskCounts: make(map[string]int)}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan task aggregate: %w", err)
		}
		summary.TaskCounts[status] = n
		summary.TasksTotal += n
		if task.IsTerminal(task.Status(status)) {
			summary.TasksDone += n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task aggregate rows: %w", err)
	}
	return summary, nil
}

// GetSession returns the session row or nil if unknown.
func (k *Kernel) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var s Session
	var coordinatorID sql.NullString
	var endedAt sql.NullTime
	err := k.store.FetchOne(ctx, `
		SELECT id, name, pattern, coordinator_id, status, started_at, ended_at
		FROM sessions WHERE id = ?;
	`, sessionID).Scan(&s.ID, &s.Name, &s.Pattern, &coordinatorID, &s.Status, &s.StartedAt, &endedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	s.CoordinatorID = coordinatorID.String
	if endedAt.Valid {
		t := endedAt.Time
		s.EndedAt = &t
	}
	return &s, nil
}

// RecentActivity returns the newest activity rows, optionally filtered by
// agent. Used by the logs command.
func (k *Kernel) RecentActivity(ctx context.Context, agentID string, limit int) ([]Activity, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}

	query := `
		SELECT id, agent_id, activity_type, COALESCE(session_id, ''), COALESCE(task_id, ''), details, created_at
		FROM activity_log`
	var args []any
	if agentID != "" {
		query += ` WHERE agent_id = ?`
		args = append(args, agentID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := k.store.FetchAll(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("recent activity: %w", err)
	}
	defer rows.Close()

	var out []Activity
	for rows.Next() {
		var a Activity
		var details string
		if err := rows.Scan(&a.ID, &a.AgentID, &a.Type, &a.SessionID, &a.TaskID, &details, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		if details != "" && details != "{}" {
			if err := json.Unmarshal([]byte(details), &a.Details); err != nil {
				return nil, fmt.Errorf("unmarshal activity details: %w", err)
			}
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("activity rows: %w", err)
	}
	return out, nil
}

// appendActivity writes one activity row. Best-effort: the activity log is
// an audit trail, never a correctness dependency.
func (k *Kernel) appendActivity(ctx context.Context, a Activity) {
	details := "{}"
	if len(a.Details) > 0 {
		b, err := json.Marshal(a.Details)
		if err != nil {
			k.logger.Warn("marshal activity details", "error", err)
			return
		}
		details = string(b)
	}
	if _, err := k.store.Execute(ctx, `
		INSERT INTO activity_log (agent_id, activity_type, session_id, task_id, details, created_at)
		VALUES (?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?);
	`, a.AgentID, a.Type, a.SessionID, a.TaskID, details, time.Now().UTC()); err != nil {
		k.logger.Warn("append activity", "activity_type", a.Type, "error", err)
	}
}
