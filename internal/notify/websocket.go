package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const defaultEmitTimeout = 3 * time.Second

// WebsocketSink streams events to the observability vault over a websocket.
// The connection is dialed lazily and re-dialed after a write failure; a
// single emit never waits longer than the configured timeout.
type WebsocketSink struct {
	url     string
	timeout time.Duration

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewWebsocketSink(url string, timeout time.Duration) *WebsocketSink {
	if timeout <= 0 {
		timeout = defaultEmitTimeout
	}
	return &WebsocketSink{url: url, timeout: timeout}
}

func (s *WebsocketSink) Emit(ctx context.Context, ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		conn, _, err := websocket.Dial(ctx, s.url, nil)
		if err != nil {
			return fmt.Errorf("dial sink: %w", err)
		}
		s.conn = conn
	}
	if err := s.conn.Write(ctx, websocket.MessageText, b); err != nil {
		// Drop the broken connection; the next emit re-dials.
		_ = s.conn.Close(websocket.StatusInternalError, "write failed")
		s.conn = nil
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

func (s *WebsocketSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close(websocket.StatusNormalClosure, "shutdown")
	s.conn = nil
	return err
}
