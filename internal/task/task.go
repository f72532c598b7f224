// Package task tracks task creation, assignment, and state transitions in
// the shared store. The registry stamps status-specific fields but does not
// police predecessor states; callers own the intended state machine
// pending → queued → running → {completed|failed|cancelled}.
package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/swarmd/internal/bus"
	"github.com/basket/swarmd/internal/persistence"
	"github.com/google/uuid"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

const defaultPriority = 5

// Task is one unit of work. Child tasks reference their parent via
// ParentTaskID, forming a tree; cycles are prevented by construction since
// a parent must exist before its children are created.
type Task struct {
	ID           string         `json:"id"`
	SessionID    string         `json:"session_id,omitempty"`
	AgentID      string         `json:"agent_id,omitempty"`
	ParentTaskID string         `json:"parent_task_id,omitempty"`
	Title        string         `json:"title"`
	Description  string         `json:"description,omitempty"`
	Status       Status         `json:"status"`
	Priority     int            `json:"priority"` // lower = more urgent
	Result       map[string]any `json:"result,omitempty"`
	Error        string         `json:"error,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}

// stamp names the fields a status transition writes besides status itself.
// Keeping this a single explicit function (rather than conditionals at each
// call site) is what guarantees started_at is stamped exactly on entry to
// running and completion fields exactly on entry to a terminal status.
type stamp struct {
	setStarted   bool
	setCompleted bool
}

func stampFor(status Status) stamp {
	switch status {
	case StatusRunning:
		return stamp{setStarted: true}
	case StatusCompleted, StatusFailed, StatusCancelled:
		return stamp{setCompleted: true}
	default:
		return stamp{}
	}
}

// IsTerminal reports whether the status ends a task's lifecycle.
func IsTerminal(status Status) bool {
	return stampFor(status).setCompleted
}

type Registry struct {
	store  *persistence.Store
	bus    *bus.Bus
	logger *slog.Logger
}

func New(store *persistence.Store, eventBus *bus.Bus, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{store: store, bus: eventBus, logger: logger}
}

// Create inserts the task, generating an id if absent. Initial status
// defaults to pending.
func (r *Registry) Create(ctx context.Context, t Task) (string, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	if t.Priority == 0 {
		t.Priority = defaultPriority
	}
	meta, err := marshalJSON(t.Metadata)
	if err != nil {
		return "", fmt.Errorf("marshal task metadata: %w", err)
	}

	if _, err := r.store.Execute(ctx, `
		INSERT INTO tasks (id, session_id, agent_id, parent_task_id, title, description, status, priority, metadata, created_at)
		VALUES (?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?, ?, ?, ?);
	`, t.ID, t.SessionID, t.AgentID, t.ParentTaskID, t.Title, t.Description, string(t.Status), t.Priority, meta, time.Now().UTC()); err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}

	if r.bus != nil {
		r.bus.Publish(bus.TopicTaskCreated, bus.TaskStateChangedEvent{
			TaskID:    t.ID,
			SessionID: t.SessionID,
			AgentID:   t.AgentID,
			NewStatus: string(t.Status),
		})
	}
	return t.ID, nil
}

// UpdateStatus applies the transition's side effects: entering running
// stamps started_at; entering a terminal status stamps completed_at and
// persists result/error; anything else changes status only.
func (r *Registry) UpdateStatus(ctx context.Context, taskID string, status Status, result map[string]any, errText string) error {
	now := time.Now().UTC()
	st := stampFor(status)

	var err error
	switch {
	case st.setStarted:
		_, err = r.store.Execute(ctx, `
			UPDATE tasks SET status = ?, started_at = ? WHERE id = ?;
		`, string(status), now, taskID)
	case st.setCompleted:
		res, merr := marshalNullableJSON(result)
		if merr != nil {
			return fmt.Errorf("marshal task result: %w", merr)
		}
		_, err = r.store.Execute(ctx, `
			UPDATE tasks SET status = ?, completed_at = ?, result = ?, error = NULLIF(?, '') WHERE id = ?;
		`, string(status), now, res, errText, taskID)
	default:
		_, err = r.store.Execute(ctx, `
			UPDATE tasks SET status = ? WHERE id = ?;
		`, string(status), taskID)
	}
	if err != nil {
		return fmt.Errorf("update task %s to %s: %w", taskID, status, err)
	}

	if r.bus != nil {
		r.bus.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
			TaskID:    taskID,
			NewStatus: string(status),
		})
	}
	return nil
}

// Assign binds the task to an agent and forces status to queued.
func (r *Registry) Assign(ctx context.Context, taskID, agentID string) error {
	if _, err := r.store.Execute(ctx, `
		UPDATE tasks SET agent_id = ?, status = ? WHERE id = ?;
	`, agentID, string(StatusQueued), taskID); err != nil {
		return fmt.Errorf("assign task %s to %s: %w", taskID, agentID, err)
	}
	if r.bus != nil {
		r.bus.Publish(bus.TopicTaskAssigned, bus.TaskStateChangedEvent{
			TaskID:    taskID,
			AgentID:   agentID,
			NewStatus: string(StatusQueued),
		})
	}
	return nil
}

// Get returns the task or nil if unknown.
func (r *Registry) Get(ctx context.Context, taskID string) (*Task, error) {
	row := r.store.FetchOne(ctx, selectTask+`WHERE id = ?;`, taskID)
	t, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", taskID, err)
	}
	return t, nil
}

// GetPending returns pending tasks ordered by priority then creation time:
// FIFO within each priority band.
func (r *Registry) GetPending(ctx context.Context, limit int) ([]Task, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	return r.list(ctx, selectTask+`
		WHERE status = 'pending'
		ORDER BY priority ASC, created_at ASC
		LIMIT ?;
	`, limit)
}

// GetByAgent returns the agent's tasks, optionally filtered by status.
func (r *Registry) GetByAgent(ctx context.Context, agentID string, status Status) ([]Task, error) {
	if status == "" {
		return r.list(ctx, selectTask+`
			WHERE agent_id = ? ORDER BY created_at ASC;
		`, agentID)
	}
	return r.list(ctx, selectTask+`
		WHERE agent_id = ? AND status = ? ORDER BY created_at ASC;
	`, agentID, string(status))
}

const selectTask = `
	SELECT id, COALESCE(session_id, ''), COALESCE(agent_id, ''), COALESCE(parent_task_id, ''),
		title, description, status, priority, result, COALESCE(error, ''), metadata,
		created_at, started_at, completed_at
	FROM tasks
`

func (r *Registry) list(ctx context.Context, query string, args ...any) ([]Task, error) {
	rows, err := r.store.FetchAll(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}

func scanTask(scanFn func(dest ...any) error) (*Task, error) {
	var t Task
	var status, meta string
	var result sql.NullString
	var startedAt, completedAt sql.NullTime
	if err := scanFn(
		&t.ID, &t.SessionID, &t.AgentID, &t.ParentTaskID,
		&t.Title, &t.Description, &status, &t.Priority,
		&result, &t.Error, &meta,
		&t.CreatedAt, &startedAt, &completedAt,
	); err != nil {
		return nil, err
	}
	t.Status = Status(status)
	if result.Valid && result.String != "" {
		if err := json.Unmarshal([]byte(result.String), &t.Result); err != nil {
			return nil, fmt.Errorf("unmarshal task result: %w", err)
		}
	}
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &t.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal task metadata: %w", err)
		}
	}
	if startedAt.Valid {
		ts := startedAt.Time
		t.StartedAt = &ts
	}
	if completedAt.Valid {
		ts := completedAt.Time
		t.CompletedAt = &ts
	}
	return &t, nil
}

func marshalJSON(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func marshalNullableJSON(m map[string]any) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{Valid: true, String: string(b)}, nil
}
