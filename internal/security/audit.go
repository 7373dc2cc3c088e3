package security

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/haasonsaas/loom/internal/observability"
)

// Entry is one audit record.
type Entry struct {
	Timestamp string `json:"ts"`
	Role      string `json:"role"`
	Tool      string `json:"tool"`
	Allowed   bool   `json:"allowed"`
	SessionID string `json:"session_id,omitempty"`
}

// AuditLog appends permission decisions to one YYYY-MM-DD.jsonl per day.
type AuditLog struct {
	mu     sync.Mutex
	dir    string
	day    string
	file   *os.File
	now    func() time.Time
	logger *observability.Logger
}

// NewAuditLog creates an audit log rooted at dir. An empty dir returns
// nil, which disables auditing.
func NewAuditLog(dir string, logger *observability.Logger) (*AuditLog, error) {
	if dir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Level: "error"})
	}
	return &AuditLog{dir: dir, now: time.Now, logger: logger}, nil
}

// Record appends one entry, rolling to a new file at midnight UTC.
func (a *AuditLog) Record(ctx context.Context, entry Entry) {
	now := a.now().UTC()
	entry.Timestamp = now.Format(time.RFC3339)

	a.mu.Lock()
	defer a.mu.Unlock()

	day := now.Format("2006-01-02")
	if a.file == nil || day != a.day {
		if a.file != nil {
			a.file.Close()
		}
		file, err := os.OpenFile(filepath.Join(a.dir, day+".jsonl"),
			os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			a.logger.Error(ctx, "audit log unavailable", "error", err)
			a.file = nil
			return
		}
		a.file = file
		a.day = day
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if _, err := a.file.Write(append(line, '\n')); err != nil {
		a.logger.Error(ctx, "audit write failed", "error", err)
	}
}

// Close releases the current audit file.
func (a *AuditLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file != nil {
		err := a.file.Close()
		a.file = nil
		return err
	}
	return nil
}
