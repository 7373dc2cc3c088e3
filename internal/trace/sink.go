// Package trace writes an append-only journal of structured events per
// session: one directory holding metadata.json and events.jsonl.
package trace

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/haasonsaas/loom/internal/observability"
)

// Sink journals events per session. Writes are serialized per session;
// oversized fields are truncated with an explicit marker.
type Sink struct {
	mu       sync.Mutex
	sessions map[string]*sessionTrace

	dir      string
	maxField int
	enabled  bool
	logger   *observability.Logger
}

type sessionTrace struct {
	mu   sync.Mutex
	file *os.File
	turn int
}

// Metadata is the per-session metadata.json document.
type Metadata struct {
	SessionID string    `json:"session_id"`
	StartedAt time.Time `json:"started_at"`
}

// Record is one line of events.jsonl.
type Record struct {
	Timestamp string         `json:"ts"`
	SessionID string         `json:"session_id"`
	Turn      int            `json:"turn"`
	Kind      string         `json:"kind"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Option configures a Sink.
type Option func(*Sink)

// WithMaxFieldChars caps string field lengths before truncation.
func WithMaxFieldChars(n int) Option {
	return func(s *Sink) {
		if n > 0 {
			s.maxField = n
		}
	}
}

// WithLogger sets the sink's logger.
func WithLogger(logger *observability.Logger) Option {
	return func(s *Sink) { s.logger = logger }
}

// NewSink creates a trace sink rooted at dir. A disabled sink (empty dir)
// discards all events.
func NewSink(dir string, opts ...Option) *Sink {
	s := &Sink{
		sessions: make(map[string]*sessionTrace),
		dir:      dir,
		maxField: 4000,
		enabled:  dir != "",
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = observability.NewLogger(observability.LogConfig{Level: "error"})
	}
	return s
}

// Event appends one record to the session's journal. The first event for
// a session creates its directory, metadata.json, and a session.start
// record. A kind of "turn.start" advances the turn counter.
func (s *Sink) Event(sessionID, kind string, fields map[string]any) {
	if !s.enabled || sessionID == "" {
		return
	}

	st, created, err := s.sessionFor(sessionID)
	if err != nil {
		s.logger.Warn(context.Background(), "trace sink unavailable",
			"session_id", sessionID, "error", err)
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if created {
		s.writeLocked(st, sessionID, "session.start", nil)
	}
	if kind == "turn.start" {
		st.turn++
	}
	s.writeLocked(st, sessionID, kind, fields)
}

// CloseSession writes the session.end record and closes the journal.
func (s *Sink) CloseSession(sessionID string) {
	s.mu.Lock()
	st, ok := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	if !ok {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	s.writeLocked(st, sessionID, "session.end", nil)
	st.file.Close()
	st.file = nil
}

// Close ends every open session journal.
func (s *Sink) Close() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.CloseSession(id)
	}
}

func (s *Sink) sessionFor(sessionID string) (*sessionTrace, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.sessions[sessionID]; ok {
		return st, false, nil
	}

	dir := filepath.Join(s.dir, "session-"+sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, false, err
	}

	meta, err := json.MarshalIndent(Metadata{
		SessionID: sessionID,
		StartedAt: time.Now().UTC(),
	}, "", "  ")
	if err != nil {
		return nil, false, err
	}
	metaPath := filepath.Join(dir, "metadata.json")
	tmp := metaPath + ".tmp"
	if err := os.WriteFile(tmp, meta, 0o644); err != nil {
		return nil, false, err
	}
	if err := os.Rename(tmp, metaPath); err != nil {
		return nil, false, err
	}

	file, err := os.OpenFile(filepath.Join(dir, "events.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, false, err
	}

	st := &sessionTrace{file: file}
	s.sessions[sessionID] = st
	return st, true, nil
}

// writeLocked appends one record. Must be called with st.mu held.
func (s *Sink) writeLocked(st *sessionTrace, sessionID, kind string, fields map[string]any) {
	if st.file == nil {
		return
	}
	record := Record{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		SessionID: sessionID,
		Turn:      st.turn,
		Kind:      kind,
		Fields:    s.truncateFields(fields),
	}
	line, err := json.Marshal(record)
	if err != nil {
		return
	}
	if _, err := st.file.Write(append(line, '\n')); err != nil {
		s.logger.Warn(context.Background(), "trace write failed",
			"session_id", sessionID, "error", err)
	}
}

func (s *Sink) truncateFields(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if str, ok := v.(string); ok {
			out[k] = Truncate(str, s.maxField)
		} else {
			out[k] = v
		}
	}
	return out
}

// Truncate caps s at max characters, appending a marker naming how many
// characters were dropped.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	dropped := len(s) - max
	return fmt.Sprintf("%s... [truncated %d chars]", s[:max], dropped)
}
