package docstore

import "github.com/google/uuid"

// NewID returns a time-ordered unique identifier for internal document
// bookkeeping. Falls back to a random UUID when the clock source misbehaves.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
