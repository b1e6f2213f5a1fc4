package store

import (
	"context"
	"errors"
	"sort"
	"sync"

	"capsched/internal/model"
)

var errClosed = errors.New("store closed")

// MemoryStore is a map-backed EventStore. Values are copied on the way in
// and out, so callers never share state with the store.
type MemoryStore struct {
	mu sync.RWMutex

	events    map[string]model.Event
	recurring map[string]model.RecurringEvent

	closed bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:    make(map[string]model.Event),
		recurring: make(map[string]model.RecurringEvent),
	}
}

func (s *MemoryStore) check(op string) error {
	if s.closed {
		return &model.StoreUnavailableError{Op: op, Err: errClosed}
	}
	return nil
}

// Close marks the store as closed; later calls fail.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *MemoryStore) FindEvent(_ context.Context, id string) (model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check("find event"); err != nil {
		return model.Event{}, err
	}
	ev, ok := s.events[id]
	if !ok {
		return model.Event{}, model.ErrNotFound
	}
	return ev.Clone(), nil
}

func (s *MemoryStore) ListEvents(_ context.Context) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check("list events"); err != nil {
		return nil, err
	}
	out := make([]model.Event, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Clone())
	}
	model.SortByStart(out)
	return out, nil
}

func (s *MemoryStore) PersistEvent(_ context.Context, ev model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("persist event"); err != nil {
		return err
	}
	if _, exists := s.events[ev.ID]; exists {
		return model.ErrDuplicateID
	}
	s.events[ev.ID] = ev.Clone()
	return nil
}

func (s *MemoryStore) MergeEvent(_ context.Context, ev model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("merge event"); err != nil {
		return err
	}
	if _, exists := s.events[ev.ID]; !exists {
		return model.ErrNotFound
	}
	s.events[ev.ID] = ev.Clone()
	return nil
}

func (s *MemoryStore) RemoveEvent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("remove event"); err != nil {
		return err
	}
	if _, exists := s.events[id]; !exists {
		return model.ErrNotFound
	}
	delete(s.events, id)
	return nil
}

// occurrencesLocked returns the events referencing recurring event id.
// Caller holds s.mu.
func (s *MemoryStore) occurrencesLocked(id string) []model.Event {
	var out []model.Event
	for _, ev := range s.events {
		if ev.RecurringEventID == id {
			out = append(out, ev.Clone())
		}
	}
	model.SortByStart(out)
	return out
}

func (s *MemoryStore) FindRecurringEvent(_ context.Context, id string) (model.RecurringEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check("find recurring event"); err != nil {
		return model.RecurringEvent{}, err
	}
	re, ok := s.recurring[id]
	if !ok {
		return model.RecurringEvent{}, model.ErrNotFound
	}
	out := re.Clone()
	out.Events = s.occurrencesLocked(id)
	return out, nil
}

func (s *MemoryStore) ListRecurringEvents(_ context.Context) ([]model.RecurringEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check("list recurring events"); err != nil {
		return nil, err
	}
	out := make([]model.RecurringEvent, 0, len(s.recurring))
	for id, re := range s.recurring {
		c := re.Clone()
		c.Events = s.occurrencesLocked(id)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) PersistRecurringEvent(_ context.Context, re model.RecurringEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("persist recurring event"); err != nil {
		return err
	}
	if _, exists := s.recurring[re.ID]; exists {
		return model.ErrDuplicateID
	}
	c := re.Clone()
	c.Events = nil
	s.recurring[re.ID] = c
	return nil
}

func (s *MemoryStore) MergeRecurringEvent(_ context.Context, re model.RecurringEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("merge recurring event"); err != nil {
		return err
	}
	if _, exists := s.recurring[re.ID]; !exists {
		return model.ErrNotFound
	}
	c := re.Clone()
	c.Events = nil
	s.recurring[re.ID] = c
	return nil
}

func (s *MemoryStore) RemoveRecurringEvent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("remove recurring event"); err != nil {
		return err
	}
	if _, exists := s.recurring[id]; !exists {
		return model.ErrNotFound
	}
	delete(s.recurring, id)
	return nil
}
