// Package quota tracks per-user daily chat usage with a calendar-day reset.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/anaphygon/askgate/internal/clock"
	"github.com/anaphygon/askgate/internal/models"
	"github.com/anaphygon/askgate/internal/storage"
	"go.uber.org/zap"
)

const dateLayout = "2006-01-02"

// ErrUserNotFound is returned when the user record does not exist
var ErrUserNotFound = fmt.Errorf("quota: user not found: %w", storage.ErrNotFound)

// UserStore persists user records. Update must be atomic per user, since
// several instances may share one store.
type UserStore interface {
	Load(ctx context.Context, userID string) (*models.User, error)
	Update(ctx context.Context, userID string, fn storage.UpdateFunc) (*models.User, error)
}

// Status is the quota view of a user
type Status struct {
	CanProceed bool      `json:"canProceed"`
	Used       int       `json:"used"`
	Limit      int       `json:"limit"`
	Remaining  int       `json:"remaining"`
	ResetAt    time.Time `json:"resetAt"`
}

// Info converts the status into the response metadata shape
func (s Status) Info() *models.QuotaInfo {
	return &models.QuotaInfo{Used: s.Used, Limit: s.Limit, Remaining: s.Remaining}
}

type (
	// Option configures the tracker
	Option func(t *Tracker)

	// Tracker enforces the daily chat limit of each user
	Tracker struct {
		store  UserStore
		clock  clock.Clock
		loc    *time.Location
		logger *zap.Logger
	}
)

// WithClock sets the time source
func WithClock(c clock.Clock) Option {
	return func(t *Tracker) { t.clock = c }
}

// WithLocation sets the timezone that defines a calendar day
func WithLocation(loc *time.Location) Option {
	return func(t *Tracker) {
		if loc != nil {
			t.loc = loc
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(t *Tracker) { t.logger = logger }
}

// NewTracker creates a tracker backed by store. Days are counted in UTC
// unless WithLocation says otherwise.
func NewTracker(store UserStore, opts ...Option) *Tracker {
	t := &Tracker{
		store:  store,
		clock:  clock.Real{},
		loc:    time.UTC,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Check reports whether the user may start another chat. A stale day is
// reset and persisted, but usage is not incremented.
func (t *Tracker) Check(ctx context.Context, userID string) (Status, error) {
	user, err := t.load(ctx, userID)
	if err != nil {
		return Status{}, err
	}

	if user.LastUsageReset != t.today() {
		user, err = t.update(ctx, userID, func(u *models.User) error {
			t.resetIfStale(u)
			return nil
		})
		if err != nil {
			return Status{}, fmt.Errorf("save reset quota: %w", err)
		}
	}

	return t.status(user), nil
}

// Consume records one successful chat and returns the post-increment status.
// The increment happens inside the store's atomic update, so concurrent
// consumers on other instances are never lost.
func (t *Tracker) Consume(ctx context.Context, userID string) (Status, error) {
	user, err := t.update(ctx, userID, func(u *models.User) error {
		t.resetIfStale(u)
		u.DailyUsage++
		return nil
	})
	if err != nil {
		return Status{}, fmt.Errorf("save quota usage: %w", err)
	}

	st := t.status(user)
	t.logger.Debug("Quota consumed",
		zap.String("user_id", userID),
		zap.Int("used", st.Used),
		zap.Int("limit", st.Limit))
	return st, nil
}

// SetLimit changes a user's daily limit
func (t *Tracker) SetLimit(ctx context.Context, userID string, limit int) (Status, error) {
	if limit < 0 {
		return Status{}, fmt.Errorf("invalid limit %d", limit)
	}

	user, err := t.update(ctx, userID, func(u *models.User) error {
		t.resetIfStale(u)
		u.ChatLimit = limit
		return nil
	})
	if err != nil {
		return Status{}, fmt.Errorf("save quota limit: %w", err)
	}

	t.logger.Info("Updated chat limit",
		zap.String("user_id", userID),
		zap.Int("limit", limit))
	return t.status(user), nil
}

func (t *Tracker) update(ctx context.Context, userID string, fn storage.UpdateFunc) (*models.User, error) {
	user, err := t.store.Update(ctx, userID, fn)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	return user, err
}

func (t *Tracker) load(ctx context.Context, userID string) (*models.User, error) {
	user, err := t.store.Load(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("load user %s: %w", userID, err)
	}
	return user, nil
}

func (t *Tracker) today() string {
	return t.clock.Now().In(t.loc).Format(dateLayout)
}

func (t *Tracker) resetIfStale(user *models.User) bool {
	today := t.today()
	if user.LastUsageReset == today {
		return false
	}
	user.DailyUsage = 0
	user.LastUsageReset = today
	return true
}

func (t *Tracker) status(user *models.User) Status {
	now := t.clock.Now().In(t.loc)
	y, m, d := now.Date()
	remaining := user.ChatLimit - user.DailyUsage
	if remaining < 0 {
		remaining = 0
	}
	return Status{
		CanProceed: user.DailyUsage < user.ChatLimit,
		Used:       user.DailyUsage,
		Limit:      user.ChatLimit,
		Remaining:  remaining,
		ResetAt:    time.Date(y, m, d+1, 0, 0, 0, 0, t.loc),
	}
}
