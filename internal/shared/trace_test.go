package shared

import (
	"context"
	"testing"
)

func TestTraceID_DefaultsToDash(t *testing.T) {
	if got := TraceID(context.Background()); got != "-" {
		t.Fatalf("trace id = %q, want -", got)
	}

	ctx := WithTraceID(context.Background(), "t-1")
	if got := TraceID(ctx); got != "t-1" {
		t.Fatalf("trace id = %q", got)
	}
}

func TestContextIDRoundTrips(t *testing.T) {
	ctx := context.Background()
	if AgentID(ctx) != "" || TaskID(ctx) != "" || SessionID(ctx) != "" {
		t.Fatal("ids present on empty context")
	}

	ctx = WithAgentID(ctx, "a1")
	ctx = WithTaskID(ctx, "t1")
	ctx = WithSessionID(ctx, "s1")
	if AgentID(ctx) != "a1" || TaskID(ctx) != "t1" || SessionID(ctx) != "s1" {
		t.Fatalf("round trip failed: %s %s %s", AgentID(ctx), TaskID(ctx), SessionID(ctx))
	}
}

func TestNewIDs_Unique(t *testing.T) {
	if NewTraceID() == NewTraceID() {
		t.Fatal("trace ids collide")
	}
	if NewCorrelationID() == NewCorrelationID() {
		t.Fatal("correlation ids collide")
	}
}
