// Package registry tracks agent identity and status in the shared store and
// emits best-effort lifecycle notifications. Registry mutations never depend
// on the notification sink: the sink is telemetry, the store is truth.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/swarmd/internal/bus"
	"github.com/basket/swarmd/internal/notify"
	"github.com/basket/swarmd/internal/persistence"
	"github.com/basket/swarmd/internal/shared"
	"github.com/google/uuid"
)

type Status string

const (
	StatusIdle       Status = "idle"
	StatusRunning    Status = "running"
	StatusPaused     Status = "paused"
	StatusError      Status = "error"
	StatusTerminated Status = "terminated"
)

// Agent is one autonomous worker identity. Agents are never deleted, only
// marked terminated.
type Agent struct {
	ID        string         `json:"agent_id"`
	Name      string         `json:"name"`
	Type      string         `json:"agent_type"`
	Category  string         `json:"category,omitempty"`
	Model     string         `json:"model,omitempty"`
	Status    Status         `json:"status"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Registry manages agent rows plus the advisory agent-id → correlation-id
// mapping for the notification stream. The mapping is rebuildable local
// state, never authoritative.
type Registry struct {
	store    *persistence.Store
	notifier *notify.Notifier
	bus      *bus.Bus
	logger   *slog.Logger

	mu           sync.Mutex
	correlations map[string]string
	registeredAt map[string]time.Time
}

func New(store *persistence.Store, notifier *notify.Notifier, eventBus *bus.Bus, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:        store,
		notifier:     notifier,
		bus:          eventBus,
		logger:       logger,
		correlations: make(map[string]string),
		registeredAt: make(map[string]time.Time),
	}
}

// Register upserts an agent keyed by its id. On conflict only status and
// updated_at change; identity fields written at first registration are never
// overwritten. The start notification carries a fresh correlation id and
// must never fail the caller.
func (r *Registry) Register(ctx context.Context, a Agent, taskID, parentTaskID string) (string, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = StatusIdle
	}
	meta, err := marshalMetadata(a.Metadata)
	if err != nil {
		return "", fmt.Errorf("marshal agent metadata: %w", err)
	}

	now := time.Now().UTC()
	if _, err := r.store.Execute(ctx, `
		INSERT INTO agents (agent_id, name, agent_type, category, model, status, metadata, created_at, updated_at)
		VALUES (?, ?, ?, NULLIF(?, ''), ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			status = excluded.status,
			updated_at = excluded.updated_at;
	`, a.ID, a.Name, a.Type, a.Category, a.Model, string(a.Status), meta, now, now); err != nil {
		return "", fmt.Errorf("register agent %s: %w", a.ID, err)
	}

	correlationID := shared.NewCorrelationID()
	r.mu.Lock()
	r.correlations[a.ID] = correlationID
	r.registeredAt[a.ID] = now
	r.mu.Unlock()

	r.notifier.LogStart(ctx, correlationID, a.ID, a.Type, taskID, parentTaskID)

	if r.bus != nil {
		r.bus.Publish(bus.TopicAgentRegistered, bus.AgentStatusEvent{
			AgentID:   a.ID,
			NewStatus: string(a.Status),
		})
	}
	r.logger.Info("agent registered", "agent_id", a.ID, "agent_type", a.Type)
	return a.ID, nil
}

// UpdateStatus writes the new status unconditionally. Phase and action are
// advisory annotations forwarded on the notification stream only; they are
// not persisted.
func (r *Registry) UpdateStatus(ctx context.Context, agentID string, status Status, phase, action string) error {
	_, execErr := r.store.Execute(ctx, `
		UPDATE agents SET status = ?, updated_at = ? WHERE agent_id = ?;
	`, string(status), time.Now().UTC(), agentID)

	// The notification stream is telemetry, not state: forward the phase even
	// when the store write failed.
	if correlationID, ok := r.correlation(agentID); ok {
		r.notifier.UpdatePhase(ctx, correlationID, agentID, phase, action, nil)
	}
	if execErr != nil {
		return fmt.Errorf("update agent %s status: %w", agentID, execErr)
	}

	if r.bus != nil {
		r.bus.Publish(bus.TopicAgentStatusChanged, bus.AgentStatusEvent{
			AgentID:   agentID,
			NewStatus: string(status),
		})
	}
	return nil
}

// Complete marks the agent terminated and emits the completion event with
// the elapsed duration since registration. The correlation mapping is
// discarded afterwards: a second Complete still writes status but emits
// nothing.
func (r *Registry) Complete(ctx context.Context, agentID string, status Status, errorCount, warningCount int) error {
	now := time.Now().UTC()
	if _, err := r.store.Execute(ctx, `
		UPDATE agents SET status = ?, updated_at = ? WHERE agent_id = ?;
	`, string(StatusTerminated), now, agentID); err != nil {
		return fmt.Errorf("complete agent %s: %w", agentID, err)
	}

	r.mu.Lock()
	correlationID, ok := r.correlations[agentID]
	startedAt := r.registeredAt[agentID]
	delete(r.correlations, agentID)
	delete(r.registeredAt, agentID)
	r.mu.Unlock()

	if ok {
		duration := now.Sub(startedAt).Minutes()
		r.notifier.LogComplete(ctx, correlationID, agentID, string(status), duration, errorCount, warningCount)
	}
	if r.bus != nil {
		r.bus.Publish(bus.TopicAgentCompleted, bus.AgentStatusEvent{
			AgentID:   agentID,
			NewStatus: string(StatusTerminated),
		})
	}
	r.logger.Info("agent completed", "agent_id", agentID, "status", string(status),
		"errors", errorCount, "warnings", warningCount)
	return nil
}

// Get returns the agent or nil if unknown.
func (r *Registry) Get(ctx context.Context, agentID string) (*Agent, error) {
	row := r.store.FetchOne(ctx, `
		SELECT agent_id, name, agent_type, COALESCE(category, ''), model, status, metadata, created_at, updated_at
		FROM agents WHERE agent_id = ?;
	`, agentID)
	a, err := scanAgent(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent %s: %w", agentID, err)
	}
	return a, nil
}

// ListActive returns agents whose status is idle or running.
func (r *Registry) ListActive(ctx context.Context) ([]Agent, error) {
	return r.list(ctx, `
		SELECT agent_id, name, agent_type, COALESCE(category, ''), model, status, metadata, created_at, updated_at
		FROM agents WHERE status IN ('idle', 'running') ORDER BY created_at ASC;
	`)
}

// ListByType returns agents of the given type, any status.
func (r *Registry) ListByType(ctx context.Context, agentType string) ([]Agent, error) {
	return r.list(ctx, `
		SELECT agent_id, name, agent_type, COALESCE(category, ''), model, status, metadata, created_at, updated_at
		FROM agents WHERE agent_type = ? ORDER BY created_at ASC;
	`, agentType)
}

// HasCorrelation reports whether the agent has an active notification
// mapping. Used by the kernel to decide whether composition helpers should
// forward events.
func (r *Registry) HasCorrelation(agentID string) bool {
	_, ok := r.correlation(agentID)
	return ok
}

// CorrelationID returns the agent's notification correlation id, if any.
func (r *Registry) CorrelationID(agentID string) (string, bool) {
	return r.correlation(agentID)
}

func (r *Registry) correlation(agentID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.correlations[agentID]
	return id, ok
}

func (r *Registry) list(ctx context.Context, query string, args ...any) ([]Agent, error) {
	rows, err := r.store.FetchAll(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		a, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("agent rows: %w", err)
	}
	return out, nil
}

func scanAgent(scanFn func(dest ...any) error) (*Agent, error) {
	var a Agent
	var status, meta string
	if err := scanFn(&a.ID, &a.Name, &a.Type, &a.Category, &a.Model, &status, &meta, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Status = Status(status)
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &a.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal agent metadata: %w", err)
		}
	}
	return &a, nil
}

func marshalMetadata(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
