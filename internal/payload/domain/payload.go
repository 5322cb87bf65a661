package domain

import "time"

// Payload is the identity record for a tracked object (balloon, chase vehicle).
// It owns one or more immutable, globally unique identifier strings; Name is
// mutable and defaults to the first identifier seen.
type Payload struct {
	ID          string
	Name        string
	Identifiers []string
	CreatedAt   time.Time
}
