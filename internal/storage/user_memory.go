package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/anaphygon/askgate/internal/models"
)

// MemoryUserStore keeps users in process memory. With auto-provisioning
// enabled, loading an unknown ID creates an active user on the fly; this is
// how anonymous client identities get a quota.
type MemoryUserStore struct {
	mu    sync.RWMutex
	users map[string]*models.User

	autoProvision bool
	defaultLimit  int
	now           func() time.Time
}

// NewMemoryUserStore creates an empty in-memory store
func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{
		users: make(map[string]*models.User),
		now:   time.Now,
	}
}

// NewAnonymousUserStore creates a store that provisions unknown IDs with
// the given daily limit
func NewAnonymousUserStore(defaultLimit int) *MemoryUserStore {
	s := NewMemoryUserStore()
	s.autoProvision = true
	s.defaultLimit = defaultLimit
	return s
}

// Save stores a copy of user
func (s *MemoryUserStore) Save(_ context.Context, user *models.User) error {
	if user.ID == "" {
		return validateID(user.ID)
	}
	s.mu.Lock()
	s.users[user.ID] = user.Clone()
	s.mu.Unlock()
	return nil
}

// Create stores a copy of user unless its username or email is taken
func (s *MemoryUserStore) Create(_ context.Context, user *models.User) error {
	if err := validateID(user.ID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := make([]*models.User, 0, len(s.users))
	for _, u := range s.users {
		existing = append(existing, u)
	}
	if err := checkUnique(existing, user); err != nil {
		return err
	}
	s.users[user.ID] = user.Clone()
	return nil
}

// Update applies fn to a copy of the user and stores the result. Unknown
// IDs are provisioned first when auto-provisioning is on.
func (s *MemoryUserStore) Update(_ context.Context, userID string, fn UpdateFunc) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		if !s.autoProvision || userID == "" {
			return nil, ErrNotFound
		}
		u = s.provision(userID)
	}

	c := u.Clone()
	if err := fn(c); err != nil {
		return nil, err
	}
	c.ID = userID
	s.users[userID] = c
	return c.Clone(), nil
}

// Load returns a copy of the user
func (s *MemoryUserStore) Load(_ context.Context, userID string) (*models.User, error) {
	s.mu.RLock()
	u, ok := s.users[userID]
	s.mu.RUnlock()
	if ok {
		return u.Clone(), nil
	}
	if !s.autoProvision || userID == "" {
		return nil, ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[userID]; ok {
		return u.Clone(), nil
	}
	return s.provision(userID).Clone(), nil
}

// provision adds a default user; callers hold the write lock
func (s *MemoryUserStore) provision(userID string) *models.User {
	u := &models.User{
		ID:        userID,
		Username:  userID,
		CreatedAt: s.now(),
		ChatLimit: s.defaultLimit,
		IsActive:  true,
		Role:      models.RoleUser,
	}
	s.users[userID] = u
	return u
}

// FindByUsername looks a user up by case-insensitive username
func (s *MemoryUserStore) FindByUsername(_ context.Context, username string) (*models.User, error) {
	want := normalizeName(username)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if normalizeName(u.Username) == want {
			return u.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

// FindByEmail looks a user up by case-insensitive email
func (s *MemoryUserStore) FindByEmail(_ context.Context, email string) (*models.User, error) {
	want := normalizeName(email)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.Email != "" && normalizeName(u.Email) == want {
			return u.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

// List returns every user ordered by creation time
func (s *MemoryUserStore) List(_ context.Context) ([]*models.User, error) {
	s.mu.RLock()
	users := make([]*models.User, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, u.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(users, func(i, j int) bool {
		return users[i].CreatedAt.Before(users[j].CreatedAt)
	})
	return users, nil
}

// Delete removes a user
func (s *MemoryUserStore) Delete(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		return ErrNotFound
	}
	delete(s.users, userID)
	return nil
}
