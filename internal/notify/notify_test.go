package notify

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

type fakeSink struct {
	mu     sync.Mutex
	events []Event
	fail   bool
}

func (s *fakeSink) Emit(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("sink down")
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *fakeSink) Close() error { return nil }

func readFallbackLines(t *testing.T, logDir string) []Event {
	t.Helper()
	f, err := os.Open(filepath.Join(logDir, "fallback.jsonl"))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		t.Fatalf("open fallback: %v", err)
	}
	defer f.Close()

	var out []Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("parse fallback line %q: %v", scanner.Text(), err)
		}
		out = append(out, ev)
	}
	return out
}

func TestNotifier_SinkSuccessSkipsFallback(t *testing.T) {
	dir := t.TempDir()
	fallback, err := OpenFallbackLog(dir)
	if err != nil {
		t.Fatalf("open fallback: %v", err)
	}
	defer fallback.Close()
	sink := &fakeSink{}
	n := NewNotifier(sink, fallback, nil)

	n.LogStart(context.Background(), "corr-1", "agent-1", "builder", "task-1", "")

	if len(sink.events) != 1 {
		t.Fatalf("sink events = %d, want 1", len(sink.events))
	}
	ev := sink.events[0]
	if ev.EventType != EventStart || ev.AgentID != "agent-1" || ev.CorrelationID != "corr-1" {
		t.Fatalf("event = %+v", ev)
	}
	if ev.Timestamp.IsZero() {
		t.Fatal("timestamp not stamped")
	}
	if lines := readFallbackLines(t, dir); len(lines) != 0 {
		t.Fatalf("fallback lines = %d, want 0", len(lines))
	}
}

func TestNotifier_SinkFailureRoutesToFallback(t *testing.T) {
	dir := t.TempDir()
	fallback, err := OpenFallbackLog(dir)
	if err != nil {
		t.Fatalf("open fallback: %v", err)
	}
	defer fallback.Close()
	sink := &fakeSink{fail: true}
	n := NewNotifier(sink, fallback, nil)

	// Must never error or panic regardless of sink health.
	n.UpdatePhase(context.Background(), "corr-1", "agent-1", "implementation", "editing", []string{"a.go"})
	n.LogComplete(context.Background(), "corr-1", "agent-1", "completed", 12.5, 0, 1)

	lines := readFallbackLines(t, dir)
	if len(lines) != 2 {
		t.Fatalf("fallback lines = %d, want 2", len(lines))
	}
	if lines[0].EventType != EventPhase || lines[1].EventType != EventComplete {
		t.Fatalf("fallback order = %s, %s", lines[0].EventType, lines[1].EventType)
	}
}

func TestNotifier_DisabledSinkGoesStraightToFallback(t *testing.T) {
	dir := t.TempDir()
	fallback, err := OpenFallbackLog(dir)
	if err != nil {
		t.Fatalf("open fallback: %v", err)
	}
	defer fallback.Close()
	n := NewNotifier(nil, fallback, nil)

	if n.Enabled() {
		t.Fatal("nil sink reported enabled")
	}
	n.LogCheckpoint(context.Background(), "", "agent-1", "planning", map[string]any{"step": 1})

	lines := readFallbackLines(t, dir)
	if len(lines) != 1 || lines[0].Data["marker"] != "planning" {
		t.Fatalf("fallback lines = %+v", lines)
	}
}

func TestNotifier_NoSinkNoFallbackIsSilent(t *testing.T) {
	n := NewNotifier(nil, nil, nil)
	// Nothing to write to; must still be a safe no-op.
	n.LogStart(context.Background(), "", "agent-1", "builder", "", "")
}

func TestFallbackLog_AppendAfterCloseFails(t *testing.T) {
	fallback, err := OpenFallbackLog(t.TempDir())
	if err != nil {
		t.Fatalf("open fallback: %v", err)
	}
	if err := fallback.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := fallback.Append(Event{EventType: EventStart}); err == nil {
		t.Fatal("append after close succeeded")
	}
	// Double close is a no-op.
	if err := fallback.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestFallbackLog_RedactsSecrets(t *testing.T) {
	dir := t.TempDir()
	fallback, err := OpenFallbackLog(dir)
	if err != nil {
		t.Fatalf("open fallback: %v", err)
	}
	defer fallback.Close()

	if err := fallback.Append(Event{
		EventType: EventPhase,
		AgentID:   "agent-1",
		Data:      map[string]any{"note": "api_key=sk-abcdef1234567890abcdef"},
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "fallback.jsonl"))
	if err != nil {
		t.Fatalf("read fallback: %v", err)
	}
	if len(raw) == 0 {
		t.Fatal("empty fallback file")
	}
	if strings.Contains(string(raw), "sk-abcdef1234567890abcdef") {
		t.Fatal("secret survived redaction")
	}
}
