package uid

import (
	"fmt"

	"github.com/google/uuid"
)

// New generates a time-ordered identifier, so ledger ids sort by creation.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// ParseIdentity parses a player identity in either dashed or undashed form.
func ParseIdentity(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid identity %q: %w", s, err)
	}
	if id == uuid.Nil {
		return uuid.Nil, fmt.Errorf("invalid identity %q: nil uuid", s)
	}
	return id, nil
}
