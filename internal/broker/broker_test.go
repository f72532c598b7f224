package broker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/swarmd/internal/persistence"
)

func newTestBroker(t *testing.T) (*Broker, *persistence.Store) {
	t.Helper()
	dir := t.TempDir()
	store, err := persistence.Open(filepath.Join(dir, "swarmd.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return New(store, filepath.Join(dir, "messages"), nil, nil, nil), store
}

func TestReceive_VisibilityRules(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	direct, err := b.SendDirect(ctx, "alice", "bob", "hi", "direct to bob")
	if err != nil {
		t.Fatalf("send direct: %v", err)
	}
	broadcast, err := b.Broadcast(ctx, "alice", "all", "to everyone")
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if _, err := b.SendDirect(ctx, "alice", "carol", "hi", "direct to carol"); err != nil {
		t.Fatalf("send direct to carol: %v", err)
	}

	// Bob sees his direct message and the broadcast, not carol's traffic.
	msgs, err := b.Receive(ctx, "bob", ReceiveFilter{})
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("bob got %d messages, want 2", len(msgs))
	}
	got := map[string]bool{}
	for _, m := range msgs {
		got[m.ID] = true
	}
	if !got[direct] || !got[broadcast] {
		t.Fatalf("bob missing expected messages: %+v", got)
	}

	// Dave (no direct traffic) sees only the broadcast.
	msgs, err = b.Receive(ctx, "dave", ReceiveFilter{})
	if err != nil {
		t.Fatalf("receive dave: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != broadcast {
		t.Fatalf("dave got %+v, want only broadcast", msgs)
	}
}

func TestReceive_FIFOOrder(t *testing.T) {
	b, store := newTestBroker(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Minute)
	var ids []string
	for i := 0; i < 3; i++ {
		id, err := b.Broadcast(ctx, "alice", "", "msg")
		if err != nil {
			t.Fatalf("broadcast %d: %v", i, err)
		}
		// Pin distinct timestamps so order is deterministic.
		if _, err := store.Execute(ctx, `UPDATE messages SET created_at = ? WHERE id = ?;`,
			base.Add(time.Duration(i)*time.Second), id); err != nil {
			t.Fatalf("pin created_at: %v", err)
		}
		ids = append(ids, id)
	}

	msgs, err := b.Receive(ctx, "bob", ReceiveFilter{})
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	for i, m := range msgs {
		if m.ID != ids[i] {
			t.Fatalf("position %d = %s, want %s (oldest first)", i, m.ID, ids[i])
		}
	}
}

func TestReceive_ChannelAndUnreadFiltersCompose(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	onTopic, err := b.Send(ctx, SendParams{Channel: "builds", SenderID: "ci", RecipientID: "bob", Body: "build green"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	offTopic, err := b.SendDirect(ctx, "alice", "bob", "", "unrelated")
	if err != nil {
		t.Fatalf("send direct: %v", err)
	}

	msgs, err := b.Receive(ctx, "bob", ReceiveFilter{Channel: "builds"})
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != onTopic {
		t.Fatalf("channel filter got %+v, want only %s", msgs, onTopic)
	}

	if _, err := b.MarkRead(ctx, onTopic); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	msgs, err = b.Receive(ctx, "bob", ReceiveFilter{UnreadOnly: true})
	if err != nil {
		t.Fatalf("receive unread: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != offTopic {
		t.Fatalf("unread filter got %+v, want only %s", msgs, offTopic)
	}

	msgs, err = b.Receive(ctx, "bob", ReceiveFilter{Channel: "builds", UnreadOnly: true})
	if err != nil {
		t.Fatalf("receive composed: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("composed filters got %+v, want none", msgs)
	}
}

func TestMarkRead_Idempotent(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	id, err := b.SendDirect(ctx, "alice", "bob", "", "msg")
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	marked, err := b.MarkRead(ctx, id)
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if !marked {
		t.Fatal("first mark read reported no-op")
	}

	msgs, err := b.Receive(ctx, "bob", ReceiveFilter{})
	if err != nil || len(msgs) != 1 || msgs[0].ReadAt == nil {
		t.Fatalf("read stamp missing after mark (msgs=%+v err=%v)", msgs, err)
	}
	first := *msgs[0].ReadAt

	time.Sleep(10 * time.Millisecond)
	marked, err = b.MarkRead(ctx, id)
	if err != nil {
		t.Fatalf("second mark read: %v", err)
	}
	if marked {
		t.Fatal("second mark read claimed to change the row")
	}
	msgs, err = b.Receive(ctx, "bob", ReceiveFilter{})
	if err != nil || len(msgs) != 1 || msgs[0].ReadAt == nil {
		t.Fatalf("read stamp lost (msgs=%+v err=%v)", msgs, err)
	}
	if !msgs[0].ReadAt.Equal(first) {
		t.Fatalf("read stamp changed: %v -> %v", first, *msgs[0].ReadAt)
	}
}

func TestUnreadCount(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	id, err := b.SendDirect(ctx, "alice", "bob", "", "one")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := b.Broadcast(ctx, "alice", "", "two"); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	n, err := b.UnreadCount(ctx, "bob")
	if err != nil {
		t.Fatalf("unread count: %v", err)
	}
	if n != 2 {
		t.Fatalf("unread = %d, want 2", n)
	}

	if _, err := b.MarkRead(ctx, id); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	n, err = b.UnreadCount(ctx, "bob")
	if err != nil {
		t.Fatalf("unread count: %v", err)
	}
	if n != 1 {
		t.Fatalf("unread = %d, want 1", n)
	}
}

func TestCleanup_RemovesExpiredRegardlessOfReadState(t *testing.T) {
	b, store := newTestBroker(t)
	ctx := context.Background()

	oldUnread, err := b.SendDirect(ctx, "alice", "bob", "", "old unread")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := store.Execute(ctx, `UPDATE messages SET created_at = ? WHERE id = ?;`,
		time.Now().UTC().Add(-48*time.Hour), oldUnread); err != nil {
		t.Fatalf("age row: %v", err)
	}
	fresh, err := b.SendDirect(ctx, "alice", "bob", "", "fresh")
	if err != nil {
		t.Fatalf("send fresh: %v", err)
	}

	deleted, err := b.Cleanup(ctx, DefaultRetentionHours)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("deleted = %d, want 1", deleted)
	}

	msgs, err := b.Receive(ctx, "bob", ReceiveFilter{})
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != fresh {
		t.Fatalf("survivors = %+v, want only %s", msgs, fresh)
	}
}

func TestSend_RequiresSender(t *testing.T) {
	b, _ := newTestBroker(t)
	if _, err := b.Send(context.Background(), SendParams{Body: "anon"}); err == nil {
		t.Fatal("send without sender succeeded")
	}
}
