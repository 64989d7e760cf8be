package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anaphygon/askgate/internal/models"
)

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("storage: not found")
	// ErrUsernameTaken is returned by Create when the username is in use
	ErrUsernameTaken = errors.New("storage: username taken")
	// ErrEmailTaken is returned by Create when the email is in use
	ErrEmailTaken = errors.New("storage: email taken")
)

// UpdateFunc mutates a freshly loaded user. It may run more than once when
// a backend retries after a concurrent write, so it must not have side
// effects outside the user.
type UpdateFunc func(user *models.User) error

// Users is implemented by every user store backend. Create and Update are
// atomic for every writer of the backend: the file and memory stores lock
// in process, Redis uses WATCH transactions across instances.
type Users interface {
	Create(ctx context.Context, user *models.User) error
	Update(ctx context.Context, userID string, fn UpdateFunc) (*models.User, error)
	Save(ctx context.Context, user *models.User) error
	Load(ctx context.Context, userID string) (*models.User, error)
	FindByUsername(ctx context.Context, username string) (*models.User, error)
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	List(ctx context.Context) ([]*models.User, error)
	Delete(ctx context.Context, userID string) error
}

// validateID rejects identifiers that would escape the store directory
func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("empty id")
	}
	if strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return fmt.Errorf("invalid id format")
	}
	return nil
}

func normalizeName(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// checkUnique reports whether user collides with an existing record of a
// different ID
func checkUnique(existing []*models.User, user *models.User) error {
	name, email := normalizeName(user.Username), normalizeName(user.Email)
	for _, u := range existing {
		if u.ID == user.ID {
			continue
		}
		if name != "" && normalizeName(u.Username) == name {
			return ErrUsernameTaken
		}
		if email != "" && normalizeName(u.Email) == email {
			return ErrEmailTaken
		}
	}
	return nil
}
