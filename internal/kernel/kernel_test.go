package kernel

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/basket/swarmd/internal/broker"
	"github.com/basket/swarmd/internal/checkpoint"
	"github.com/basket/swarmd/internal/lock"
	"github.com/basket/swarmd/internal/notify"
	"github.com/basket/swarmd/internal/persistence"
	"github.com/basket/swarmd/internal/registry"
	"github.com/basket/swarmd/internal/task"
)

// captureSink records emitted notification events for assertions.
type captureSink struct {
	mu     sync.Mutex
	events []notify.Event
}

func (s *captureSink) Emit(_ context.Context, ev notify.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *captureSink) Close() error { return nil }

func (s *captureSink) byType(eventType string) []notify.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []notify.Event
	for _, ev := range s.events {
		if ev.EventType == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func newTestKernel(t *testing.T) (*Kernel, *captureSink) {
	t.Helper()
	dir := t.TempDir()
	store, err := persistence.Open(filepath.Join(dir, "swarmd.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	sink := &captureSink{}
	notifier := notify.NewNotifier(sink, nil, nil)
	agents := registry.New(store, notifier, nil, nil)
	tasks := task.New(store, nil, nil)
	locks := lock.New(store, "", nil, nil, nil)
	checkpoints := checkpoint.New(store, "", notifier, agents.CorrelationID, nil, nil)
	msgBroker := broker.New(store, "", nil, nil, nil)

	k := New(store, agents, tasks, locks, checkpoints, msgBroker, Options{Notifier: notifier})
	return k, sink
}

func TestStartSession_SingleCurrentSession(t *testing.T) {
	k, _ := newTestKernel(t)
	ctx := context.Background()

	id, err := k.StartSession(ctx, "build", PatternHierarchical, "coord-1")
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	if k.CurrentSession() != id {
		t.Fatalf("current = %s, want %s", k.CurrentSession(), id)
	}

	if _, err := k.StartSession(ctx, "second", PatternFlat, ""); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("second start err = %v, want ErrSessionActive", err)
	}

	if err := k.EndSession(ctx, SessionCompleted); err != nil {
		t.Fatalf("end session: %v", err)
	}
	if k.CurrentSession() != "" {
		t.Fatalf("current = %s after end, want empty", k.CurrentSession())
	}

	sess, err := k.GetSession(ctx, id)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess == nil || sess.Status != SessionCompleted || sess.EndedAt == nil {
		t.Fatalf("ended session = %+v", sess)
	}

	// A new session can start once the previous one ended.
	if _, err := k.StartSession(ctx, "third", "", ""); err != nil {
		t.Fatalf("start after end: %v", err)
	}
}

func TestEndSession_RequiresActiveSessionAndTerminalStatus(t *testing.T) {
	k, _ := newTestKernel(t)
	ctx := context.Background()

	if err := k.EndSession(ctx, SessionCompleted); !errors.Is(err, ErrNoSession) {
		t.Fatalf("end without session err = %v, want ErrNoSession", err)
	}

	if _, err := k.StartSession(ctx, "s", "", ""); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if err := k.EndSession(ctx, SessionActive); err == nil {
		t.Fatal("end with non-terminal status succeeded")
	}
	if err := k.EndSession(ctx, SessionFailed); err != nil {
		t.Fatalf("end failed: %v", err)
	}
}

func TestGetSessionSummary_AggregatesTaskCounts(t *testing.T) {
	k, _ := newTestKernel(t)
	ctx := context.Background()

	sessID, err := k.StartSession(ctx, "s", "", "")
	if err != nil {
		t.Fatalf("start session: %v", err)
	}

	mkTask := func(status task.Status) {
		t.Helper()
		id, err := k.Tasks.Create(ctx, task.Task{SessionID: sessID, Title: "t"})
		if err != nil {
			t.Fatalf("create task: %v", err)
		}
		if status != task.StatusPending {
			if err := k.Tasks.UpdateStatus(ctx, id, status, nil, ""); err != nil {
				t.Fatalf("update task: %v", err)
			}
		}
	}
	mkTask(task.StatusPending)
	mkTask(task.StatusRunning)
	mkTask(task.StatusCompleted)
	mkTask(task.StatusFailed)

	summary, err := k.GetSessionSummary(ctx, "")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.Session.ID != sessID {
		t.Fatalf("summary session = %s, want %s", summary.Session.ID, sessID)
	}
	if summary.TasksTotal != 4 {
		t.Fatalf("total = %d, want 4", summary.TasksTotal)
	}
	if summary.TasksDone != 2 {
		t.Fatalf("done = %d, want 2", summary.TasksDone)
	}
	if summary.TaskCounts["pending"] != 1 || summary.TaskCounts["running"] != 1 ||
		summary.TaskCounts["completed"] != 1 || summary.TaskCounts["failed"] != 1 {
		t.Fatalf("counts = %+v", summary.TaskCounts)
	}
}

func TestGetSessionSummary_NoSession(t *testing.T) {
	k, _ := newTestKernel(t)
	if _, err := k.GetSessionSummary(context.Background(), ""); !errors.Is(err, ErrNoSession) {
		t.Fatalf("err = %v, want ErrNoSession", err)
	}
}

func TestLogAgentCheckpoint_ForwardsWhenCorrelated(t *testing.T) {
	k, sink := newTestKernel(t)
	ctx := context.Background()

	if _, err := k.StartSession(ctx, "s", "", ""); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if _, err := k.Agents.Register(ctx, registry.Agent{ID: "agent-1", Type: "builder"}, "", ""); err != nil {
		t.Fatalf("register: %v", err)
	}

	id, err := k.LogAgentCheckpoint(ctx, "agent-1", "planning", map[string]any{"step": float64(1)}, nil)
	if err != nil {
		t.Fatalf("log checkpoint: %v", err)
	}

	cp, err := k.Checkpoints.Restore(ctx, id)
	if err != nil || cp == nil {
		t.Fatalf("checkpoint not persisted (cp=%v err=%v)", cp, err)
	}
	if cp.Type != "planning" || cp.AgentID != "agent-1" {
		t.Fatalf("checkpoint = %+v", cp)
	}

	evs := sink.byType(notify.EventCheckpoint)
	if len(evs) != 1 {
		t.Fatalf("checkpoint events = %d, want 1", len(evs))
	}
	if evs[0].AgentID != "agent-1" || evs[0].CorrelationID == "" {
		t.Fatalf("event = %+v", evs[0])
	}
	if evs[0].Data["marker"] != "planning" {
		t.Fatalf("event data = %+v", evs[0].Data)
	}
}

func TestLogAgentCheckpoint_NoForwardWithoutCorrelation(t *testing.T) {
	k, sink := newTestKernel(t)
	ctx := context.Background()

	// Agent never registered with this kernel: no correlation mapping.
	if _, err := k.LogAgentCheckpoint(ctx, "ghost", "planning", nil, nil); err != nil {
		t.Fatalf("log checkpoint: %v", err)
	}
	if evs := sink.byType(notify.EventCheckpoint); len(evs) != 0 {
		t.Fatalf("checkpoint events = %d, want 0", len(evs))
	}
}

func TestUpdateAgentPhase_WritesStatusAndActivity(t *testing.T) {
	k, sink := newTestKernel(t)
	ctx := context.Background()

	if _, err := k.Agents.Register(ctx, registry.Agent{ID: "agent-1", Type: "builder"}, "", ""); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := k.UpdateAgentPhase(ctx, "agent-1", registry.StatusRunning, "implementation", "editing files"); err != nil {
		t.Fatalf("update phase: %v", err)
	}

	a, err := k.Agents.Get(ctx, "agent-1")
	if err != nil || a == nil {
		t.Fatalf("get agent (a=%v err=%v)", a, err)
	}
	if a.Status != registry.StatusRunning {
		t.Fatalf("status = %s, want running", a.Status)
	}

	evs := sink.byType(notify.EventPhase)
	if len(evs) != 1 || evs[0].Data["phase"] != "implementation" {
		t.Fatalf("phase events = %+v", evs)
	}

	acts, err := k.RecentActivity(ctx, "agent-1", 10)
	if err != nil {
		t.Fatalf("recent activity: %v", err)
	}
	if len(acts) != 1 || acts[0].Type != ActivityPhaseChanged {
		t.Fatalf("activity = %+v", acts)
	}
}

func TestRecentActivity_FilterAndOrder(t *testing.T) {
	k, _ := newTestKernel(t)
	ctx := context.Background()

	if _, err := k.StartSession(ctx, "s", "", "coord-1"); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if err := k.UpdateAgentPhase(ctx, "agent-1", registry.StatusRunning, "p1", ""); err != nil {
		t.Fatalf("phase: %v", err)
	}
	if err := k.UpdateAgentPhase(ctx, "agent-2", registry.StatusRunning, "p2", ""); err != nil {
		t.Fatalf("phase: %v", err)
	}

	all, err := k.RecentActivity(ctx, "", 10)
	if err != nil {
		t.Fatalf("recent activity: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("activity rows = %d, want 3", len(all))
	}
	// Newest first.
	if all[0].Type != ActivityPhaseChanged || all[len(all)-1].Type != ActivitySessionStarted {
		t.Fatalf("order wrong: %+v", all)
	}

	agent1, err := k.RecentActivity(ctx, "agent-1", 10)
	if err != nil {
		t.Fatalf("recent activity agent-1: %v", err)
	}
	if len(agent1) != 1 || agent1[0].AgentID != "agent-1" {
		t.Fatalf("filtered activity = %+v", agent1)
	}
}
