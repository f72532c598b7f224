// Package broker is the persistent message exchange between agents. Every
// message is a store row first; delivery is pull-based (agents poll Receive)
// so the broker survives restarts and slow consumers without holding any
// in-memory queue state.
package broker

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/basket/swarmd/internal/bus"
	otelPkg "github.com/basket/swarmd/internal/otel"
	"github.com/basket/swarmd/internal/persistence"
	"github.com/google/uuid"
)

// Built-in channels. Any other channel name is a caller-defined topic.
const (
	ChannelBroadcast = "broadcast"
	ChannelDirect    = "direct"
)

const (
	defaultPriority       = 5
	DefaultRetentionHours = 24
	defaultReceiveLimit   = 50
)

// Message is one persisted exchange row.
type Message struct {
	ID          string         `json:"id"`
	Channel     string         `json:"channel"`
	SenderID    string         `json:"sender_id"`
	RecipientID string         `json:"recipient_id,omitempty"`
	SessionID   string         `json:"session_id,omitempty"`
	TaskID      string         `json:"task_id,omitempty"`
	Type        string         `json:"message_type,omitempty"`
	Subject     string         `json:"subject,omitempty"`
	Body        string         `json:"body"`
	Priority    int            `json:"priority"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	ReadAt      *time.Time     `json:"read_at,omitempty"`
}

// SendParams carries the optional fields for Send. Channel defaults to
// broadcast and Priority to 5 when zero.
type SendParams struct {
	Channel     string
	SenderID    string
	RecipientID string
	SessionID   string
	TaskID      string
	Type        string
	Subject     string
	Body        string
	Priority    int
	Metadata    map[string]any
}

// ReceiveFilter narrows Receive. Zero values mean "no filter"; filters
// compose with AND.
type ReceiveFilter struct {
	Channel    string
	UnreadOnly bool
	Limit      int
}

type Broker struct {
	store     *persistence.Store
	mirrorDir string
	bus       *bus.Bus
	logger    *slog.Logger
	metrics   *otelPkg.Metrics // may be nil
}

func New(store *persistence.Store, mirrorDir string, eventBus *bus.Bus, logger *slog.Logger, metrics *otelPkg.Metrics) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		store:     store,
		mirrorDir: mirrorDir,
		bus:       eventBus,
		logger:    logger,
		metrics:   metrics,
	}
}

// Send persists one message. The row commit is the delivery guarantee;
// everything after it (mirror file, bus event, metrics) is best-effort.
func (b *Broker) Send(ctx context.Context, p SendParams) (string, error) {
	if p.SenderID == "" {
		return "", fmt.Errorf("send message: sender id required")
	}
	if p.Channel == "" {
		p.Channel = ChannelBroadcast
	}
	if p.Priority == 0 {
		p.Priority = defaultPriority
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	meta := "{}"
	if len(p.Metadata) > 0 {
		mb, err := json.Marshal(p.Metadata)
		if err != nil {
			return "", fmt.Errorf("marshal message metadata: %w", err)
		}
		meta = string(mb)
	}

	if _, err := b.store.Execute(ctx, `
		INSERT INTO messages (id, channel, sender_id, recipient_id, session_id, task_id, message_type, subject, body, priority, metadata, created_at)
		VALUES (?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), ?, NULLIF(?, ''), ?, ?, ?, ?);
	`, id, p.Channel, p.SenderID, p.RecipientID, p.SessionID, p.TaskID, p.Type, p.Subject, p.Body, p.Priority, meta, now); err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}

	b.writeMirror(Message{
		ID:          id,
		Channel:     p.Channel,
		SenderID:    p.SenderID,
		RecipientID: p.RecipientID,
		SessionID:   p.SessionID,
		TaskID:      p.TaskID,
		Type:        p.Type,
		Subject:     p.Subject,
		Body:        p.Body,
		Priority:    p.Priority,
		Metadata:    p.Metadata,
		CreatedAt:   now,
	})

	if b.metrics != nil {
		b.metrics.MessagesSent.Add(ctx, 1)
	}
	if b.bus != nil {
		b.bus.Publish(bus.TopicMessageSent, bus.MessageEvent{
			MessageID:   id,
			Channel:     p.Channel,
			SenderID:    p.SenderID,
			RecipientID: p.RecipientID,
		})
	}
	b.logger.Debug("message sent", "message_id", id, "channel", p.Channel, "sender_id", p.SenderID, "recipient_id", p.RecipientID)
	return id, nil
}

// SendDirect addresses one recipient on the direct channel.
func (b *Broker) SendDirect(ctx context.Context, senderID, recipientID, subject, body string) (string, error) {
	if recipientID == "" {
		return "", fmt.Errorf("send direct message: recipient id required")
	}
	return b.Send(ctx, SendParams{
		Channel:     ChannelDirect,
		SenderID:    senderID,
		RecipientID: recipientID,
		Subject:     subject,
		Body:        body,
	})
}

// Broadcast sends to every agent on the broadcast channel.
func (b *Broker) Broadcast(ctx context.Context, senderID, subject, body string) (string, error) {
	return b.Send(ctx, SendParams{
		Channel:  ChannelBroadcast,
		SenderID: senderID,
		Subject:  subject,
		Body:     body,
	})
}

// Receive returns messages visible to agentID, oldest first. A message is
// visible when it is addressed to the agent directly, or when it has no
// recipient on the broadcast channel. Agents never see direct traffic
// between other agents.
func (b *Broker) Receive(ctx context.Context, agentID string, f ReceiveFilter) ([]Message, error) {
	if agentID == "" {
		return nil, fmt.Errorf("receive messages: agent id required")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultReceiveLimit
	}

	query := selectMessage + `
		WHERE (recipient_id = ? OR (channel = ? AND recipient_id IS NULL))`
	args := []any{agentID, ChannelBroadcast}
	if f.Channel != "" {
		query += ` AND channel = ?`
		args = append(args, f.Channel)
	}
	if f.UnreadOnly {
		query += ` AND read_at IS NULL`
	}
	query += ` ORDER BY created_at ASC LIMIT ?;`
	args = append(args, limit)

	rows, err := b.store.FetchAll(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("receive messages for %s: %w", agentID, err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		msg, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	if b.metrics != nil && len(out) > 0 {
		b.metrics.MessagesDelivered.Add(ctx, int64(len(out)))
	}
	return out, nil
}

// MarkRead stamps the message as read. Idempotent: a second call leaves the
// original read timestamp in place and reports false.
func (b *Broker) MarkRead(ctx context.Context, messageID string) (bool, error) {
	affected, err := b.store.Execute(ctx, `
		UPDATE messages SET read_at = ? WHERE id = ? AND read_at IS NULL;
	`, time.Now().UTC(), messageID)
	if err != nil {
		return false, fmt.Errorf("mark message %s read: %w", messageID, err)
	}
	return affected == 1, nil
}

// UnreadCount reports how many messages are visible and unread for agentID.
func (b *Broker) UnreadCount(ctx context.Context, agentID string) (int, error) {
	var n int
	err := b.store.FetchOne(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE (recipient_id = ? OR (channel = ? AND recipient_id IS NULL))
			AND read_at IS NULL;
	`, agentID, ChannelBroadcast).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unread for %s: %w", agentID, err)
	}
	return n, nil
}

// Cleanup deletes messages older than retentionHours. Read state does not
// matter: old unread messages are removed too.
func (b *Broker) Cleanup(ctx context.Context, retentionHours int) (int64, error) {
	if retentionHours <= 0 {
		retentionHours = DefaultRetentionHours
	}
	cutoff := time.Now().UTC().Add(-time.Duration(retentionHours) * time.Hour)

	deleted, err := b.store.Execute(ctx, `
		DELETE FROM messages WHERE created_at < ?;
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("message cleanup: %w", err)
	}
	if deleted > 0 {
		b.logger.Info("message retention applied", "deleted", deleted, "retention_hours", retentionHours)
	}
	return deleted, nil
}

const selectMessage = `
	SELECT id, channel, sender_id, COALESCE(recipient_id, ''), COALESCE(session_id, ''),
		COALESCE(task_id, ''), message_type, COALESCE(subject, ''), body, priority,
		metadata, created_at, read_at
	FROM messages
`

func scanMessage(scanFn func(dest ...any) error) (*Message, error) {
	var msg Message
	var meta string
	var readAt sql.NullTime
	if err := scanFn(&msg.ID, &msg.Channel, &msg.SenderID, &msg.RecipientID, &msg.SessionID,
		&msg.TaskID, &msg.Type, &msg.Subject, &msg.Body, &msg.Priority,
		&meta, &msg.CreatedAt, &readAt); err != nil {
		return nil, err
	}
	if readAt.Valid {
		t := readAt.Time
		msg.ReadAt = &t
	}
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &msg.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal message metadata: %w", err)
		}
	}
	return &msg, nil
}

func (b *Broker) writeMirror(msg Message) {
	if b.mirrorDir == "" {
		return
	}
	if err := os.MkdirAll(b.mirrorDir, 0o755); err != nil {
		b.logger.Warn("create message mirror dir", "error", err)
		return
	}
	out, err := json.Marshal(msg)
	if err != nil {
		return
	}
	path := filepath.Join(b.mirrorDir, msg.ID+".json")
	if err := os.WriteFile(path, out, 0o644); err != nil {
		b.logger.Warn("write message mirror", "message_id", msg.ID, "error", err)
	}
}
