// Package checkpoint persists immutable, append-only snapshots of in-flight
// work for crash recovery. The store row is authoritative; a mirrored
// snapshot file is written as best-effort redundancy for external tooling
// and for recovery when the store is transiently unreachable.
package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/basket/swarmd/internal/notify"
	otelPkg "github.com/basket/swarmd/internal/otel"
	"github.com/basket/swarmd/internal/persistence"
	"github.com/google/uuid"
)

// Retention defaults applied by Cleanup when the caller passes zero values.
const (
	DefaultMaxAgeDays = 7
	DefaultMaxCount   = 100
)

// Checkpoint is one immutable snapshot. Never mutated after creation.
type Checkpoint struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
	AgentID   string         `json:"agent_id,omitempty"`
	Type      string         `json:"checkpoint_type"`
	State     map[string]any `json:"state"`
	Files     []string       `json:"files,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// CreateParams carries the optional references and payloads for Create.
type CreateParams struct {
	Type         string
	State        map[string]any
	SessionID    string
	TaskID       string
	AgentID      string
	Files        []string
	Metadata     map[string]any
	NotifyMarker string
}

// CorrelationFunc resolves an agent's notification correlation id. Wired
// from the agent registry by the kernel; nil disables correlation lookup.
type CorrelationFunc func(agentID string) (string, bool)

type Manager struct {
	store     *persistence.Store
	mirrorDir string
	notifier  *notify.Notifier
	corr      CorrelationFunc
	logger    *slog.Logger
	metrics   *otelPkg.Metrics // may be nil
}

func New(store *persistence.Store, mirrorDir string, notifier *notify.Notifier, corr CorrelationFunc, logger *slog.Logger, metrics *otelPkg.Metrics) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:     store,
		mirrorDir: mirrorDir,
		notifier:  notifier,
		corr:      corr,
		logger:    logger,
		metrics:   metrics,
	}
}

// Create writes one immutable checkpoint row plus a mirrored snapshot file.
// If a notify marker is supplied and the sink is enabled, a lifecycle
// checkpoint event is emitted after the authoritative write commits.
func (m *Manager) Create(ctx context.Context, p CreateParams) (string, error) {
	id := uuid.NewString()
	now := time.Now().UTC()

	state, err := marshalOr(p.State, "{}")
	if err != nil {
		return "", fmt.Errorf("marshal checkpoint state: %w", err)
	}
	meta, err := marshalOr(p.Metadata, "{}")
	if err != nil {
		return "", fmt.Errorf("marshal checkpoint metadata: %w", err)
	}
	var files sql.NullString
	if len(p.Files) > 0 {
		b, err := json.Marshal(p.Files)
		if err != nil {
			return "", fmt.Errorf("marshal checkpoint files: %w", err)
		}
		files = sql.NullString{Valid: true, String: string(b)}
	}

	if _, err := m.store.Execute(ctx, `
		INSERT INTO checkpoints (id, session_id, task_id, agent_id, checkpoint_type, state, files, metadata, created_at)
		VALUES (?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?, ?, ?);
	`, id, p.SessionID, p.TaskID, p.AgentID, p.Type, state, files, meta, now); err != nil {
		return "", fmt.Errorf("create checkpoint: %w", err)
	}

	m.writeMirror(Checkpoint{
		ID:        id,
		SessionID: p.SessionID,
		TaskID:    p.TaskID,
		AgentID:   p.AgentID,
		Type:      p.Type,
		State:     p.State,
		Files:     p.Files,
		Metadata:  p.Metadata,
		CreatedAt: now,
	})

	if p.NotifyMarker != "" && m.notifier != nil && m.notifier.Enabled() {
		correlationID := ""
		if m.corr != nil {
			correlationID, _ = m.corr(p.AgentID)
		}
		m.notifier.LogCheckpoint(ctx, correlationID, p.AgentID, p.NotifyMarker, p.Metadata)
	}

	if m.metrics != nil {
		m.metrics.CheckpointsCreated.Add(ctx, 1)
	}
	m.logger.Debug("checkpoint created", "checkpoint_id", id, "checkpoint_type", p.Type, "task_id", p.TaskID)
	return id, nil
}

// Latest returns the most recent checkpoint. A task filter takes precedence
// over a session filter; with neither, the globally newest row wins.
func (m *Manager) Latest(ctx context.Context, sessionID, taskID string) (*Checkpoint, error) {
	query := selectCheckpoint + ` ORDER BY created_at DESC LIMIT 1;`
	var args []any
	switch {
	case taskID != "":
		query = selectCheckpoint + ` WHERE task_id = ? ORDER BY created_at DESC LIMIT 1;`
		args = []any{taskID}
	case sessionID != "":
		query = selectCheckpoint + ` WHERE session_id = ? ORDER BY created_at DESC LIMIT 1;`
		args = []any{sessionID}
	}

	cp, err := scanCheckpoint(m.store.FetchOne(ctx, query, args...).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest checkpoint: %w", err)
	}
	return cp, nil
}

// Restore loads the checkpoint and deserializes its blobs back into
// structured form. Returns nil when the id does not exist.
func (m *Manager) Restore(ctx context.Context, checkpointID string) (*Checkpoint, error) {
	cp, err := scanCheckpoint(m.store.FetchOne(ctx, selectCheckpoint+` WHERE id = ?;`, checkpointID).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("restore checkpoint %s: %w", checkpointID, err)
	}
	return cp, nil
}

// Cleanup applies two independent retention policies in sequence: rows older
// than the age cutoff are deleted first, then any rows beyond the maxCount
// most recent survivors. Returns the total number of rows deleted.
func (m *Manager) Cleanup(ctx context.Context, maxAgeDays, maxCount int) (int64, error) {
	if maxAgeDays <= 0 {
		maxAgeDays = DefaultMaxAgeDays
	}
	if maxCount <= 0 {
		maxCount = DefaultMaxCount
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -maxAgeDays)

	byAge, err := m.store.Execute(ctx, `
		DELETE FROM checkpoints WHERE created_at < ?;
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("checkpoint age cleanup: %w", err)
	}

	byCount, err := m.store.Execute(ctx, `
		DELETE FROM checkpoints WHERE id NOT IN (
			SELECT id FROM checkpoints ORDER BY created_at DESC LIMIT ?
		);
	`, maxCount)
	if err != nil {
		return 0, fmt.Errorf("checkpoint count cleanup: %w", err)
	}

	deleted := byAge + byCount
	if deleted > 0 {
		m.logger.Info("checkpoint retention applied", "deleted", deleted, "by_age", byAge, "by_count", byCount)
	}
	return deleted, nil
}

const selectCheckpoint = `
	SELECT id, COALESCE(session_id, ''), COALESCE(task_id, ''), COALESCE(agent_id, ''),
		checkpoint_type, state, files, metadata, created_at
	FROM checkpoints
`

func scanCheckpoint(scanFn func(dest ...any) error) (*Checkpoint, error) {
	var cp Checkpoint
	var state, meta string
	var files sql.NullString
	if err := scanFn(&cp.ID, &cp.SessionID, &cp.TaskID, &cp.AgentID, &cp.Type, &state, &files, &meta, &cp.CreatedAt); err != nil {
		return nil, err
	}
	if state != "" && state != "{}" {
		if err := json.Unmarshal([]byte(state), &cp.State); err != nil {
			return nil, fmt.Errorf("unmarshal checkpoint state: %w", err)
		}
	}
	if files.Valid && files.String != "" {
		if err := json.Unmarshal([]byte(files.String), &cp.Files); err != nil {
			return nil, fmt.Errorf("unmarshal checkpoint files: %w", err)
		}
	}
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &cp.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal checkpoint metadata: %w", err)
		}
	}
	return &cp, nil
}

func (m *Manager) writeMirror(cp Checkpoint) {
	if m.mirrorDir == "" {
		return
	}
	if err := os.MkdirAll(m.mirrorDir, 0o755); err != nil {
		m.logger.Warn("create checkpoint mirror dir", "error", err)
		return
	}
	b, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return
	}
	path := filepath.Join(m.mirrorDir, cp.ID+".json")
	if err := os.WriteFile(path, b, 0o644); err != nil {
		m.logger.Warn("write checkpoint mirror", "checkpoint_id", cp.ID, "error", err)
	}
}

func marshalOr(m map[string]any, empty string) (string, error) {
	if len(m) == 0 {
		return empty, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
