package store

import "github.com/google/uuid"

// NewID returns a time-ordered UUIDv7 string. Sorting ids lexicographically
// preserves creation order, which the message ordering contract relies on
// as its tie-break.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}
