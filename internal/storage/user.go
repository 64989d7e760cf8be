package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/anaphygon/askgate/internal/models"
)

// UserStore keeps one JSON file per user
type UserStore struct {
	usersDir string
	mu       sync.RWMutex
}

// NewUserStore creates a new file-backed user store
func NewUserStore(usersDir string) *UserStore {
	return &UserStore{
		usersDir: usersDir,
	}
}

// Save writes a user to its file
func (s *UserStore) Save(_ context.Context, user *models.User) error {
	if err := validateID(user.ID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.write(user)
}

// Create writes a new user unless its username or email is already taken
func (s *UserStore) Create(_ context.Context, user *models.User) error {
	if err := validateID(user.ID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	users, err := s.list()
	if err != nil {
		return err
	}
	if err := checkUnique(users, user); err != nil {
		return err
	}
	return s.write(user)
}

// Update applies fn to the stored user and writes the result
func (s *UserStore) Update(_ context.Context, userID string, fn UpdateFunc) (*models.User, error) {
	if err := validateID(userID); err != nil {
		return nil, ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	user, err := s.read(s.path(userID))
	if err != nil {
		return nil, err
	}
	if err := fn(user); err != nil {
		return nil, err
	}
	user.ID = userID
	if err := s.write(user); err != nil {
		return nil, err
	}
	return user, nil
}

func (s *UserStore) write(user *models.User) error {
	if err := os.MkdirAll(s.usersDir, 0755); err != nil {
		return fmt.Errorf("failed to create users directory: %w", err)
	}

	data, err := json.MarshalIndent(user, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}

	// write then rename, so readers never see a half-written record
	path := s.path(user.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write user file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace user file: %w", err)
	}

	return nil
}

// Load reads a user by ID
func (s *UserStore) Load(_ context.Context, userID string) (*models.User, error) {
	if err := validateID(userID); err != nil {
		return nil, ErrNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.read(s.path(userID))
}

// FindByUsername looks a user up by case-insensitive username
func (s *UserStore) FindByUsername(ctx context.Context, username string) (*models.User, error) {
	want := normalizeName(username)
	return s.find(ctx, func(u *models.User) bool {
		return normalizeName(u.Username) == want
	})
}

// FindByEmail looks a user up by case-insensitive email
func (s *UserStore) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	want := normalizeName(email)
	return s.find(ctx, func(u *models.User) bool {
		return normalizeName(u.Email) == want
	})
}

func (s *UserStore) find(ctx context.Context, match func(*models.User) bool) (*models.User, error) {
	users, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		if match(u) {
			return u, nil
		}
	}
	return nil, ErrNotFound
}

// List returns every user ordered by creation time
func (s *UserStore) List(_ context.Context) ([]*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.list()
}

func (s *UserStore) list() ([]*models.User, error) {
	entries, err := os.ReadDir(s.usersDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*models.User{}, nil
		}
		return nil, fmt.Errorf("failed to read users directory: %w", err)
	}

	users := make([]*models.User, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		user, err := s.read(filepath.Join(s.usersDir, entry.Name()))
		if err != nil {
			continue
		}
		users = append(users, user)
	}

	sort.Slice(users, func(i, j int) bool {
		return users[i].CreatedAt.Before(users[j].CreatedAt)
	})
	return users, nil
}

// Delete removes a user file
func (s *UserStore) Delete(_ context.Context, userID string) error {
	if err := validateID(userID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(userID)); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to delete user file: %w", err)
	}
	return nil
}

func (s *UserStore) path(userID string) string {
	return filepath.Join(s.usersDir, userID+".json")
}

func (s *UserStore) read(path string) (*models.User, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read user file: %w", err)
	}

	var user models.User
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user %s: %w", strings.TrimSuffix(filepath.Base(path), ".json"), err)
	}
	return &user, nil
}
