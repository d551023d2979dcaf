package store

import (
	"context"
	"time"
)

// UserStore persists user accounts.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id string) (*User, error)
	GetByUsername(ctx context.Context, username string) (*User, error)
	List(ctx context.Context) ([]User, error)
	Count(ctx context.Context) (int, error)
	SetLastLogin(ctx context.Context, id string, at time.Time) error
	Delete(ctx context.Context, id string) error
}

// DeviceStore persists enrolled devices.
type DeviceStore interface {
	Create(ctx context.Context, d *Device) error
	GetByID(ctx context.Context, id string) (*Device, error)
	GetByHashedToken(ctx context.Context, hash string) (*Device, error)
	ListByUser(ctx context.Context, userID string) ([]Device, error)
	Rename(ctx context.Context, id, displayName string) error
	SetLastSeen(ctx context.Context, id string, at time.Time) error
	Delete(ctx context.Context, id string) error
}

// SkillStore persists the skill registry rows. Replace is the idempotent
// full replacement used by register: delete the device's previous rows and
// insert the new set in one transaction.
type SkillStore interface {
	Replace(ctx context.Context, deviceID string, skills []Skill) error
	ListByDevice(ctx context.Context, deviceID string) ([]Skill, error)
	ListByUser(ctx context.Context, userID string, freshSince time.Time) ([]Skill, error)
	TouchHeartbeat(ctx context.Context, deviceID string, at time.Time) (int, error)
	DeleteStale(ctx context.Context, olderThan time.Time) (int, error)
	DeleteByDevice(ctx context.Context, deviceID string) error
}

// SessionListOpts bounds session listing.
type SessionListOpts struct {
	UserID string
	Limit  int
	Offset int
}

// SessionStore persists sessions and their messages.
type SessionStore interface {
	Create(ctx context.Context, s *Session) error
	GetByID(ctx context.Context, id string) (*Session, error)
	List(ctx context.Context, opts SessionListOpts) ([]Session, int, error)
	Rename(ctx context.Context, id, title string) error
	TouchActivity(ctx context.Context, id string, at time.Time) error
	Delete(ctx context.Context, id string) error

	AppendMessage(ctx context.Context, m *Message) error
	ListMessages(ctx context.Context, sessionID string, limit int) ([]Message, error)
	CountMessages(ctx context.Context, sessionID string) (int, error)
}

// Stores is the top-level container handed to services.
type Stores struct {
	Users    UserStore
	Devices  DeviceStore
	Skills   SkillStore
	Sessions SessionStore
}
