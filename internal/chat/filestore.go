package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// FileStore keeps sessions in <dir>/sessions.json and each session's
// messages in <dir>/<id>.messages.json.
type FileStore struct {
	mu       sync.RWMutex
	sessions []Session
	dataDir  string
	filePath string
}

// NewFileStore creates dataDir if needed and loads any existing sessions.
func NewFileStore(dataDir string) (*FileStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	store := &FileStore{
		dataDir:  dataDir,
		filePath: filepath.Join(dataDir, "sessions.json"),
	}
	data, err := os.ReadFile(store.filePath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read sessions: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &store.sessions); err != nil {
			return nil, fmt.Errorf("decode sessions: %w", err)
		}
	}
	return store, nil
}

func (s *FileStore) save() error {
	data, err := json.MarshalIndent(s.sessions, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(s.filePath, data)
}

func (s *FileStore) messagesPath(id string) string {
	return filepath.Join(s.dataDir, id+".messages.json")
}

func (s *FileStore) Create(_ context.Context, name, model string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := newSession(name, model)
	s.sessions = append(s.sessions, sess)
	if err := s.save(); err != nil {
		s.sessions = s.sessions[:len(s.sessions)-1]
		return nil, err
	}
	return &sess, nil
}

// List returns sessions, most recently updated first.
func (s *FileStore) List(context.Context) ([]Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]Session, len(s.sessions))
	copy(result, s.sessions)
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})
	return result, nil
}

func (s *FileStore) Get(_ context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if i := s.find(id); i >= 0 {
		sess := s.sessions[i]
		return &sess, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

func (s *FileStore) Update(_ context.Context, id string, fn func(*Session)) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.find(id)
	if i < 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	prev := s.sessions[i]
	sess := apply(prev, fn)
	s.sessions[i] = sess
	if err := s.save(); err != nil {
		s.sessions[i] = prev
		return nil, err
	}
	return &sess, nil
}

func (s *FileStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.find(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.sessions = append(s.sessions[:i], s.sessions[i+1:]...)
	if err := os.Remove(s.messagesPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove messages: %w", err)
	}
	return s.save()
}

func (s *FileStore) find(id string) int {
	for i := range s.sessions {
		if s.sessions[i].ID == id {
			return i
		}
	}
	return -1
}

// ==================== Messages ====================

func (s *FileStore) AppendMessage(_ context.Context, sessionID string, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.find(sessionID) < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	msgs, err := s.loadMessages(sessionID)
	if err != nil {
		return err
	}
	msgs = append(msgs, stamp(msg))
	return s.saveMessages(sessionID, msgs)
}

func (s *FileStore) Messages(_ context.Context, sessionID string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.find(sessionID) < 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	return s.loadMessages(sessionID)
}

func (s *FileStore) ClearMessages(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.find(sessionID) < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	return s.saveMessages(sessionID, []Message{})
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) loadMessages(id string) ([]Message, error) {
	data, err := os.ReadFile(s.messagesPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return []Message{}, nil
	}
	if err != nil {
		return nil, err
	}
	msgs := []Message{}
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	return msgs, nil
}

func (s *FileStore) saveMessages(id string, msgs []Message) error {
	data, err := json.MarshalIndent(msgs, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(s.messagesPath(id), data)
}

// writeFileAtomic writes to a temp file and renames it over path.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
