package model

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when an event or recurring event id is unknown.
	ErrNotFound = errors.New("capsched: not found")

	// ErrDuplicateID is returned by a store when persisting an id that
	// already exists.
	ErrDuplicateID = errors.New("capsched: duplicate id")

	// ErrIDExhausted is returned when no unique id could be generated within
	// the configured number of attempts.
	ErrIDExhausted = errors.New("capsched: unique id retries exhausted")

	// ErrInvalidInterval is returned when an event ends before it starts.
	ErrInvalidInterval = errors.New("capsched: end is before start")
)

// IncompleteDataError reports that a recurring event (or a conflict
// candidate) lacks fields required for expansion or conflict checking.
type IncompleteDataError struct {
	Missing []string
}

func (e *IncompleteDataError) Error() string {
	return "capsched: incomplete data: missing " + strings.Join(e.Missing, ", ")
}

// MalformedRecurrenceError reports an RRULE that could not be parsed.
type MalformedRecurrenceError struct {
	Rule string
	Err  error
}

func (e *MalformedRecurrenceError) Error() string {
	return fmt.Sprintf("capsched: malformed recurrence rule %q: %v", e.Rule, e.Err)
}

func (e *MalformedRecurrenceError) Unwrap() error { return e.Err }

// StoreUnavailableError wraps an infrastructure failure of the event store.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("capsched: store %s failed: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }
