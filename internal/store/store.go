// Package store defines the durable event store contract and provides an
// in-memory implementation and a SQL implementation (SQLite or Postgres).
package store

import (
	"context"

	"capsched/internal/model"
)

// EventStore is durable keyed storage for events and recurring events.
//
// Find* return model.ErrNotFound when the id is unknown, which is also how
// callers probe whether an id is free. Persist* insert and return
// model.ErrDuplicateID for an existing id. Merge* replace an existing
// record and Remove* delete one; both return model.ErrNotFound when absent.
// Infrastructure failures are *model.StoreUnavailableError.
//
// A stored RecurringEvent does not own its occurrences; FindRecurringEvent
// fills RecurringEvent.Events from the events referencing it.
type EventStore interface {
	FindEvent(ctx context.Context, id string) (model.Event, error)
	ListEvents(ctx context.Context) ([]model.Event, error)
	PersistEvent(ctx context.Context, ev model.Event) error
	MergeEvent(ctx context.Context, ev model.Event) error
	RemoveEvent(ctx context.Context, id string) error

	FindRecurringEvent(ctx context.Context, id string) (model.RecurringEvent, error)
	ListRecurringEvents(ctx context.Context) ([]model.RecurringEvent, error)
	PersistRecurringEvent(ctx context.Context, re model.RecurringEvent) error
	MergeRecurringEvent(ctx context.Context, re model.RecurringEvent) error
	RemoveRecurringEvent(ctx context.Context, id string) error

	Close() error
}

// Compile-time checks.
var (
	_ EventStore = (*MemoryStore)(nil)
	_ EventStore = (*SQLStore)(nil)
)
