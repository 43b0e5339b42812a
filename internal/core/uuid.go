package core

import "github.com/google/uuid"

// NewUUIDv7 generates a time-ordered UUIDv7 string for event and lease IDs.
func NewUUIDv7() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the entropy source does; fall back to v4.
		return uuid.NewString()
	}
	return id.String()
}
