// Package auth registers users and manages their login sessions.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/anaphygon/askgate/internal/clock"
	"github.com/anaphygon/askgate/internal/models"
	"github.com/anaphygon/askgate/internal/storage"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUserExists         = errors.New("username already taken")
	ErrEmailExists        = errors.New("email already registered")
	ErrInvalidInput       = errors.New("invalid input")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrInactive           = errors.New("account is disabled")
	ErrSessionInvalid     = errors.New("session invalid or expired")
)

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_]{3,32}$`)

// SessionStore persists sessions
type SessionStore interface {
	Save(ctx context.Context, s *models.Session) error
	Load(ctx context.Context, sessionID string) (*models.Session, error)
	Delete(ctx context.Context, sessionID string) error
	List(ctx context.Context) ([]*models.Session, error)
}

// Config controls registration defaults and session lifetimes
type Config struct {
	BcryptCost        int
	DefaultChatLimit  int
	MinPasswordLength int
	SessionTTL        time.Duration
	RememberTTL       time.Duration
}

func (c *Config) applyDefaults() {
	if c.BcryptCost == 0 {
		c.BcryptCost = 12
	}
	if c.DefaultChatLimit == 0 {
		c.DefaultChatLimit = 50
	}
	if c.MinPasswordLength == 0 {
		c.MinPasswordLength = 6
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 24 * time.Hour
	}
	if c.RememberTTL <= 0 {
		c.RememberTTL = 30 * 24 * time.Hour
	}
}

type (
	// Option configures the service
	Option func(s *Service)

	// Service handles registration, login and sessions
	Service struct {
		cfg      Config
		users    storage.Users
		sessions SessionStore
		clock    clock.Clock
		logger   *zap.Logger

		sweepOnce sync.Once
	}
)

// WithClock sets the time source
func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// NewService creates the auth service
func NewService(cfg Config, users storage.Users, sessions SessionStore, opts ...Option) *Service {
	cfg.applyDefaults()
	s := &Service{
		cfg:      cfg,
		users:    users,
		sessions: sessions,
		clock:    clock.Real{},
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register creates a new active user with the default chat limit
func (s *Service) Register(ctx context.Context, username, email, password string) (*models.User, error) {
	username = strings.TrimSpace(username)
	email = strings.ToLower(strings.TrimSpace(email))

	if !usernamePattern.MatchString(username) {
		return nil, fmt.Errorf("%w: username must be 3-32 letters, digits or underscores", ErrInvalidInput)
	}
	if _, err := mail.ParseAddress(email); err != nil || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: invalid email address", ErrInvalidInput)
	}
	if len(password) < s.cfg.MinPasswordLength {
		return nil, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, s.cfg.MinPasswordLength)
	}

	return s.CreateUser(ctx, username, email, password, s.cfg.DefaultChatLimit, models.RoleUser)
}

// CreateUser stores a user without the public registration checks on
// username format; used by the CLI
func (s *Service) CreateUser(ctx context.Context, username, email, password string, limit int, role string) (*models.User, error) {
	if username == "" || password == "" {
		return nil, fmt.Errorf("%w: username and password are required", ErrInvalidInput)
	}
	if role == "" {
		role = models.RoleUser
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cfg.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	now := s.clock.Now()
	user := &models.User{
		ID:             uuid.New().String(),
		Username:       username,
		Email:          email,
		PasswordHash:   string(hash),
		CreatedAt:      now,
		ChatLimit:      limit,
		LastUsageReset: now.Format("2006-01-02"),
		IsActive:       true,
		Role:           role,
	}
	if err := s.users.Create(ctx, user); err != nil {
		switch {
		case errors.Is(err, storage.ErrUsernameTaken):
			return nil, ErrUserExists
		case errors.Is(err, storage.ErrEmailTaken):
			return nil, ErrEmailExists
		}
		return nil, fmt.Errorf("save user: %w", err)
	}

	s.logger.Info("User registered",
		zap.String("user_id", user.ID),
		zap.String("username", user.Username))
	return user.Public(), nil
}

// Login verifies credentials and opens a session. remember extends the
// session lifetime.
func (s *Service) Login(ctx context.Context, username, password string, remember bool) (*models.Session, *models.User, error) {
	user, err := s.users.FindByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, ErrInvalidCredentials
		}
		return nil, nil, fmt.Errorf("lookup user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, nil, ErrInvalidCredentials
	}
	if !user.IsActive {
		return nil, nil, ErrInactive
	}

	now := s.clock.Now()
	ttl := s.cfg.SessionTTL
	if remember {
		ttl = s.cfg.RememberTTL
	}
	session := &models.Session{
		SessionID: uuid.New().String(),
		UserID:    user.ID,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		IsActive:  true,
	}
	if err := s.sessions.Save(ctx, session); err != nil {
		return nil, nil, fmt.Errorf("save session: %w", err)
	}

	updated, err := s.users.Update(ctx, user.ID, func(u *models.User) error {
		u.LastLogin = &now
		return nil
	})
	if err != nil {
		s.logger.Warn("Failed to record last login", zap.String("user_id", user.ID), zap.Error(err))
	} else {
		user = updated
	}

	s.logger.Info("User logged in",
		zap.String("user_id", user.ID),
		zap.Bool("remember", remember))
	return session, user.Public(), nil
}

// Logout ends a session. Unknown sessions are ignored.
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	if err := s.sessions.Delete(ctx, sessionID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// UserBySession resolves the user behind a valid session
func (s *Service) UserBySession(ctx context.Context, sessionID string) (*models.User, error) {
	if sessionID == "" {
		return nil, ErrSessionInvalid
	}

	session, err := s.sessions.Load(ctx, sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrSessionInvalid
		}
		return nil, fmt.Errorf("load session: %w", err)
	}
	if !session.IsValid(s.clock.Now()) {
		_ = s.sessions.Delete(ctx, sessionID)
		return nil, ErrSessionInvalid
	}

	user, err := s.users.Load(ctx, session.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrSessionInvalid
		}
		return nil, fmt.Errorf("load user: %w", err)
	}
	if !user.IsActive {
		return nil, ErrInactive
	}
	return user.Public(), nil
}

// CleanupExpired deletes expired and deactivated sessions
func (s *Service) CleanupExpired(ctx context.Context) (int, error) {
	sessions, err := s.sessions.List(ctx)
	if err != nil {
		return 0, err
	}

	now := s.clock.Now()
	removed := 0
	for _, session := range sessions {
		if session.IsValid(now) {
			continue
		}
		if err := s.sessions.Delete(ctx, session.SessionID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("Failed to delete session", zap.String("session_id", session.SessionID), zap.Error(err))
			continue
		}
		removed++
	}
	return removed, nil
}

// StartCleanup runs CleanupExpired every interval until ctx is done
func (s *Service) StartCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	s.sweepOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					n, err := s.CleanupExpired(ctx)
					if err != nil {
						s.logger.Warn("Session cleanup failed", zap.Error(err))
						continue
					}
					if n > 0 {
						s.logger.Info("Cleaned up expired sessions", zap.Int("removed", n))
					}
				}
			}
		}()
	})
}
