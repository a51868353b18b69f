package id

import "github.com/google/uuid"

// NewRequestID returns a time-ordered identifier for one logical request.
func NewRequestID() string {
	return "req-" + newBody()
}

// NewIdempotencyKey returns the key shared by every retry of one write.
func NewIdempotencyKey() string {
	return newBody()
}

func newBody() string {
	v7, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return v7.String()
}
