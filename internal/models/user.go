package models

import (
	"time"
)

// User represents a registered chat user
type User struct {
	ID             string     `json:"id"`
	Username       string     `json:"username"`
	Email          string     `json:"email"`
	PasswordHash   string     `json:"password,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	LastLogin      *time.Time `json:"lastLogin,omitempty"`
	ChatLimit      int        `json:"chatLimit"`
	DailyUsage     int        `json:"dailyUsage"`
	LastUsageReset string     `json:"lastUsageReset"` // YYYY-MM-DD
	IsActive       bool       `json:"isActive"`
	Role           string     `json:"role"`
}

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Public returns a copy of the user without the password hash
func (u *User) Public() *User {
	c := *u
	c.PasswordHash = ""
	return &c
}

// Clone returns a deep copy of the user
func (u *User) Clone() *User {
	c := *u
	if u.LastLogin != nil {
		t := *u.LastLogin
		c.LastLogin = &t
	}
	return &c
}

// Session represents a login session bound to a cookie
type Session struct {
	SessionID string    `json:"sessionId"`
	UserID    string    `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	IsActive  bool      `json:"isActive"`
}

// IsExpired checks if the session is past its expiry
func (s *Session) IsExpired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// IsValid checks if the session can still authenticate requests
func (s *Session) IsValid(now time.Time) bool {
	return s.IsActive && !s.IsExpired(now)
}
