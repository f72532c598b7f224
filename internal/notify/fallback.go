package notify

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/basket/swarmd/internal/shared"
)

// FallbackLog is the append-only local record of events that could not reach
// the external sink. One JSON object per line; rotation is an external job,
// the core never truncates.
type FallbackLog struct {
	mu   sync.Mutex
	file *os.File
}

func OpenFallbackLog(logDir string) (*FallbackLog, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "fallback.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &FallbackLog{file: f}, nil
}

// Append writes one event record. Ordering across concurrent appenders
// follows the mutex acquisition order.
func (l *FallbackLog) Append(ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	line := append([]byte(shared.Redact(string(b))), '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return os.ErrClosed
	}
	_, err = l.file.Write(line)
	return err
}

func (l *FallbackLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
