package session

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/loom/pkg/models"
)

// Store persists session histories on disk: an index file mapping
// session_id to metadata plus one append-only messages.jsonl per session.
// Index writes are atomic (temp file + rename).
type Store struct {
	mu    sync.Mutex
	dir   string
	index map[string]*SessionMeta
}

// SessionMeta is the per-session index entry.
type SessionMeta struct {
	SessionID    string    `json:"session_id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActive   time.Time `json:"last_active"`
	MessageCount int       `json:"message_count"`
}

const indexFile = "index.json"

// ErrInvalidSessionID marks a session id unsafe to use as a filename
// component.
var ErrInvalidSessionID = errors.New("invalid session id")

// ValidID reports whether a session id is safe to embed in a journal
// filename: non-empty, bounded, no path separators, no traversal.
func ValidID(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	if id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, "/\\")
}

// OpenStore opens (creating if needed) a session store rooted at dir.
func OpenStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	s := &Store{dir: dir, index: make(map[string]*SessionMeta)}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadIndex() error {
	data, err := os.ReadFile(filepath.Join(s.dir, indexFile))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read session index: %w", err)
	}
	if err := json.Unmarshal(data, &s.index); err != nil {
		return fmt.Errorf("parse session index: %w", err)
	}
	return nil
}

// writeIndexLocked writes the index atomically. Must be called with s.mu
// held.
func (s *Store) writeIndexLocked() error {
	data, err := json.MarshalIndent(s.index, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(s.dir, indexFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *Store) messagesPath(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".messages.jsonl")
}

// AppendMessages appends messages to the session's journal and updates
// the index.
func (s *Store) AppendMessages(sessionID string, msgs []models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	if !ValidID(sessionID) {
		return fmt.Errorf("%w: %q", ErrInvalidSessionID, sessionID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.messagesPath(sessionID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open session journal: %w", err)
	}
	defer f.Close()

	for _, msg := range msgs {
		line, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		if _, err := f.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("append session journal: %w", err)
		}
	}

	now := time.Now().UTC()
	meta, ok := s.index[sessionID]
	if !ok {
		meta = &SessionMeta{SessionID: sessionID, CreatedAt: now}
		s.index[sessionID] = meta
	}
	meta.LastActive = now
	meta.MessageCount += len(msgs)
	return s.writeIndexLocked()
}

// LoadHistory reads the session's full message journal.
func (s *Store) LoadHistory(sessionID string) ([]models.Message, error) {
	if !ValidID(sessionID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSessionID, sessionID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.messagesPath(sessionID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open session journal: %w", err)
	}
	defer f.Close()

	var msgs []models.Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var msg models.Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			// Skip a torn trailing line rather than losing the session.
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, scanner.Err()
}

// Clear removes the session's journal and index entry.
func (s *Store) Clear(sessionID string) error {
	if !ValidID(sessionID) {
		return fmt.Errorf("%w: %q", ErrInvalidSessionID, sessionID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.messagesPath(sessionID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove session journal: %w", err)
	}
	if _, ok := s.index[sessionID]; ok {
		delete(s.index, sessionID)
		return s.writeIndexLocked()
	}
	return nil
}

// Meta returns a copy of the session's index entry.
func (s *Store) Meta(sessionID string) (SessionMeta, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.index[sessionID]
	if !ok {
		return SessionMeta{}, false
	}
	return *meta, true
}
