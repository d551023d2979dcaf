// Package store defines the persistent entities of the hub and the
// interfaces its storage backends implement.
package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned on unique-constraint violations (e.g. duplicate
// username).
var ErrConflict = errors.New("conflict")

// User is an account that owns devices and sessions.
type User struct {
	ID           string     `json:"id"`
	Username     string     `json:"username"`
	PasswordHash string     `json:"-"`
	IsAdmin      bool       `json:"is_admin"`
	CreatedAt    time.Time  `json:"created_at"`
	LastLogin    *time.Time `json:"last_login,omitempty"`
}

// Device is a Spoke enrolled by a user. ID is the stable routing key;
// DisplayName is cosmetic and disambiguated per user.
type Device struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	DisplayName string     `json:"display_name"`
	HashedToken string     `json:"-"`
	IsActive    bool       `json:"is_active"`
	LastSeen    *time.Time `json:"last_seen,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Skill is one callable registered by a device. Liveness additionally
// requires the device's channel to be open; that check lives in the
// registry, not here.
type Skill struct {
	ID            string    `json:"id"`
	DeviceID      string    `json:"device_id"`
	ClassName     string    `json:"class_name"`
	MethodName    string    `json:"method_name"`
	Signature     string    `json:"signature"`
	Docstring     string    `json:"docstring,omitempty"`
	ClassSummary  string    `json:"class_summary,omitempty"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	CreatedAt     time.Time `json:"created_at"`
}

// Session groups the messages of one conversation.
type Session struct {
	ID           string    `json:"id"`
	DeviceID     string    `json:"device_id,omitempty"`
	UserID       string    `json:"user_id"`
	Title        string    `json:"title,omitempty"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Message is one transcript entry. Append-only; ordered by (created_at, id).
// ToolCalls holds the raw tool-call JSON for assistant messages; ToolCallID
// ties a tool message back to the call it answers.
type Message struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	Role       string    `json:"role"` // system, user, assistant, tool
	Content    string    `json:"content"`
	ToolCallID string    `json:"tool_call_id,omitempty"`
	ToolCalls  string    `json:"tool_calls,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
