// Package lock arbitrates time-bounded exclusive leases on named resources
// shared by concurrent agents. The grant decision is a single atomic
// insert-if-absent on the resource key: the store's uniqueness constraint is
// the mutual-exclusion mechanism, so two callers racing past the expiry
// eviction still cannot both be granted.
package lock

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/basket/swarmd/internal/bus"
	otelPkg "github.com/basket/swarmd/internal/otel"
	"github.com/basket/swarmd/internal/persistence"
)

// ErrResourceBusy reports that the resource is currently leased by another
// agent. It is an expected, non-fatal condition: callers retry, back off, or
// pick a different resource.
var ErrResourceBusy = errors.New("resource busy")

// DefaultTTL is the lease duration used when the caller has no opinion.
const DefaultTTL = 5 * time.Minute

// Lock is one live lease row.
type Lock struct {
	ResourceID   string    `json:"resource_id"`
	ResourceType string    `json:"resource_type"`
	AgentID      string    `json:"agent_id"`
	SessionID    string    `json:"session_id,omitempty"`
	AcquiredAt   time.Time `json:"acquired_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

type Manager struct {
	store     *persistence.Store
	markerDir string
	bus       *bus.Bus
	logger    *slog.Logger
	metrics   *otelPkg.Metrics // may be nil
}

func New(store *persistence.Store, markerDir string, eventBus *bus.Bus, logger *slog.Logger, metrics *otelPkg.Metrics) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:     store,
		markerDir: markerDir,
		bus:       eventBus,
		logger:    logger,
		metrics:   metrics,
	}
}

// Acquire attempts to lease the resource for ttl. It never blocks or waits:
// the result reports whether the lease was granted. A ttl of zero or less
// produces a lease that is already expired, which is useful only in tests.
//
// Expired leases are evicted lazily here and in the query paths; there is no
// background sweeper.
func (m *Manager) Acquire(ctx context.Context, resourceID, resourceType, agentID, sessionID string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	if err := m.evictExpired(ctx, now); err != nil {
		return false, err
	}

	affected, err := m.store.Execute(ctx, `
		INSERT INTO resource_locks (resource_id, resource_type, agent_id, session_id, acquired_at, expires_at)
		VALUES (?, ?, ?, NULLIF(?, ''), ?, ?)
		ON CONFLICT(resource_id) DO NOTHING;
	`, resourceID, resourceType, agentID, sessionID, now, now.Add(ttl))
	if err != nil {
		return false, fmt.Errorf("acquire lock on %s: %w", resourceID, err)
	}
	if affected != 1 {
		if m.metrics != nil {
			m.metrics.LockBusy.Add(ctx, 1)
		}
		return false, nil
	}

	// Redundant lease marker for tooling that inspects locks without the
	// store. Best-effort: the row above is authoritative.
	m.writeMarker(Lock{
		ResourceID:   resourceID,
		ResourceType: resourceType,
		AgentID:      agentID,
		SessionID:    sessionID,
		AcquiredAt:   now,
		ExpiresAt:    now.Add(ttl),
	})

	if m.metrics != nil {
		m.metrics.LockAcquires.Add(ctx, 1)
	}
	if m.bus != nil {
		m.bus.Publish(bus.TopicLockAcquired, bus.LockEvent{
			ResourceID: resourceID,
			AgentID:    agentID,
			SessionID:  sessionID,
		})
	}
	m.logger.Debug("lock acquired", "resource_id", resourceID, "agent_id", agentID, "ttl", ttl)
	return true, nil
}

// Release deletes the lease only if agentID owns it. Releasing a lock held
// by someone else returns false and leaves the lock intact.
func (m *Manager) Release(ctx context.Context, resourceID, agentID string) (bool, error) {
	affected, err := m.store.Execute(ctx, `
		DELETE FROM resource_locks WHERE resource_id = ? AND agent_id = ?;
	`, resourceID, agentID)
	if err != nil {
		return false, fmt.Errorf("release lock on %s: %w", resourceID, err)
	}
	if affected != 1 {
		return false, nil
	}

	m.removeMarker(resourceID)

	if m.metrics != nil {
		m.metrics.LockReleases.Add(ctx, 1)
	}
	if m.bus != nil {
		m.bus.Publish(bus.TopicLockReleased, bus.LockEvent{
			ResourceID: resourceID,
			AgentID:    agentID,
		})
	}
	return true, nil
}

// IsLocked reports whether a live lease exists for the resource.
func (m *Manager) IsLocked(ctx context.Context, resourceID string) (bool, error) {
	owner, err := m.Owner(ctx, resourceID)
	if err != nil {
		return false, err
	}
	return owner != nil, nil
}

// Owner returns the live lease for the resource, or nil if unheld.
func (m *Manager) Owner(ctx context.Context, resourceID string) (*Lock, error) {
	now := time.Now().UTC()
	if err := m.evictExpired(ctx, now); err != nil {
		return nil, err
	}

	var l Lock
	var sessionID sql.NullString
	err := m.store.FetchOne(ctx, `
		SELECT resource_id, resource_type, agent_id, session_id, acquired_at, expires_at
		FROM resource_locks WHERE resource_id = ?;
	`, resourceID).Scan(&l.ResourceID, &l.ResourceType, &l.AgentID, &sessionID, &l.AcquiredAt, &l.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query lock owner for %s: %w", resourceID, err)
	}
	l.SessionID = sessionID.String
	return &l, nil
}

// WithLock runs fn while holding the lease on resourceID. Acquisition is
// try-once: if the resource is held, WithLock fails immediately with
// ErrResourceBusy. The lease is released on every exit path.
func (m *Manager) WithLock(ctx context.Context, resourceID, resourceType, agentID, sessionID string, ttl time.Duration, fn func(ctx context.Context) error) error {
	granted, err := m.Acquire(ctx, resourceID, resourceType, agentID, sessionID, ttl)
	if err != nil {
		return err
	}
	if !granted {
		return fmt.Errorf("%s: %w", resourceID, ErrResourceBusy)
	}
	defer func() {
		// Release must not inherit a cancelled context.
		if _, err := m.Release(context.WithoutCancel(ctx), resourceID, agentID); err != nil {
			m.logger.Warn("failed to release lock", "resource_id", resourceID, "agent_id", agentID, "error", err)
		}
	}()
	return fn(ctx)
}

func (m *Manager) evictExpired(ctx context.Context, now time.Time) error {
	if _, err := m.store.Execute(ctx, `
		DELETE FROM resource_locks WHERE expires_at <= ?;
	`, now); err != nil {
		return fmt.Errorf("evict expired locks: %w", err)
	}
	return nil
}

// markerPath keys the side marker by a hash of the resource id so arbitrary
// resource names (paths, URLs) map to flat filenames.
func (m *Manager) markerPath(resourceID string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(resourceID))
	return filepath.Join(m.markerDir, fmt.Sprintf("%016x.lock.json", h.Sum64()))
}

func (m *Manager) writeMarker(l Lock) {
	if m.markerDir == "" {
		return
	}
	if err := os.MkdirAll(m.markerDir, 0o755); err != nil {
		m.logger.Warn("create lock marker dir", "error", err)
		return
	}
	b, err := json.Marshal(l)
	if err != nil {
		return
	}
	if err := os.WriteFile(m.markerPath(l.ResourceID), b, 0o644); err != nil {
		m.logger.Warn("write lock marker", "resource_id", l.ResourceID, "error", err)
	}
}

func (m *Manager) removeMarker(resourceID string) {
	if m.markerDir == "" {
		return
	}
	if err := os.Remove(m.markerPath(resourceID)); err != nil && !os.IsNotExist(err) {
		m.logger.Warn("remove lock marker", "resource_id", resourceID, "error", err)
	}
}
