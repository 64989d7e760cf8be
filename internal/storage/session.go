package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/anaphygon/askgate/internal/models"
)

// SessionStore keeps one JSON file per login session
type SessionStore struct {
	sessionsDir string
	mu          sync.RWMutex
}

// NewSessionStore creates a new session store
func NewSessionStore(sessionsDir string) *SessionStore {
	return &SessionStore{
		sessionsDir: sessionsDir,
	}
}

// Save writes a session to file
func (s *SessionStore) Save(_ context.Context, session *models.Session) error {
	if err := validateID(session.SessionID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.sessionsDir, 0755); err != nil {
		return fmt.Errorf("failed to create sessions directory: %w", err)
	}

	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	if err := os.WriteFile(s.path(session.SessionID), data, 0600); err != nil {
		return fmt.Errorf("failed to write session file: %w", err)
	}
	return nil
}

// Load reads a session by ID
func (s *SessionStore) Load(_ context.Context, sessionID string) (*models.Session, error) {
	if err := validateID(sessionID); err != nil {
		return nil, ErrNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.read(s.path(sessionID))
}

// List returns all stored sessions
func (s *SessionStore) List(_ context.Context) ([]*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.sessionsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*models.Session{}, nil
		}
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	var sessions []*models.Session
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		session, err := s.read(filepath.Join(s.sessionsDir, entry.Name()))
		if err != nil {
			continue
		}
		sessions = append(sessions, session)
	}
	return sessions, nil
}

// Delete removes a session file
func (s *SessionStore) Delete(_ context.Context, sessionID string) error {
	if err := validateID(sessionID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(sessionID)); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to delete session file: %w", err)
	}
	return nil
}

func (s *SessionStore) path(sessionID string) string {
	return filepath.Join(s.sessionsDir, sessionID+".json")
}

func (s *SessionStore) read(path string) (*models.Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}

	var session models.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &session, nil
}
