// Package scheduler is the scheduling facade: it owns id generation, the
// short-lived event snapshot, calendar caching and change notification on
// top of an EventStore.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"capsched/internal/calendar"
	"capsched/internal/conflict"
	"capsched/internal/filter"
	"capsched/internal/ics"
	appLog "capsched/internal/log"
	"capsched/internal/metrics"
	"capsched/internal/model"
	"capsched/internal/notify"
	"capsched/internal/store"
)

const (
	defaultIDRetries = 16
	defaultEventsTTL = 30 * time.Second
)

// Options configures a Service. Only Store is required.
type Options struct {
	Store     store.EventStore
	Calendars *calendar.Cache
	Notifier  notify.Notifier

	Expand    ics.ExpandConfig
	IDRetries int
	EventsTTL time.Duration
	ProductID string

	Now   func() time.Time
	NewID func() string
}

// Service implements the scheduling operations. It is safe for concurrent
// use.
type Service struct {
	store     store.EventStore
	calendars *calendar.Cache
	notifier  notify.Notifier

	expand    ics.ExpandConfig
	idRetries int
	eventsTTL time.Duration
	productID string

	now   func() time.Time
	newID func() string

	// mu guards the event snapshot. It is never held across a store call.
	mu            sync.Mutex
	snapshot      []model.Event
	snapshotBasis time.Time
	snapshotAt    time.Time
}

// New creates a Service.
func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("scheduler: nil event store")
	}
	s := &Service{
		store:     opts.Store,
		calendars: opts.Calendars,
		notifier:  opts.Notifier,
		expand:    opts.Expand,
		idRetries: opts.IDRetries,
		eventsTTL: opts.EventsTTL,
		productID: opts.ProductID,
		now:       opts.Now,
		newID:     opts.NewID,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	if s.calendars == nil {
		s.calendars = calendar.New(nil, s.now)
	}
	if s.notifier == nil {
		s.notifier = notify.Nop{}
	}
	if s.idRetries <= 0 {
		s.idRetries = defaultIDRetries
	}
	if s.eventsTTL <= 0 {
		s.eventsTTL = defaultEventsTTL
	}
	return s, nil
}

// LastModified returns the time of the last successful mutation, made by
// this process or, with a shared calendar backend, by any other.
func (s *Service) LastModified() time.Time {
	return s.calendars.Sync(context.Background())
}

// mutated records a successful write: it advances lastModified, which
// stales every calendar and the event snapshot, then notifies devices.
func (s *Service) mutated(ctx context.Context, op string, devices ...string) {
	at := s.calendars.Invalidate(ctx)
	metrics.IncMutation(op)
	appLog.Debug("schedule changed", "op", op, "last_modified", at)

	if err := s.notifier.ScheduleChanged(ctx, notify.Change{Op: op, Devices: devices, At: at}); err != nil {
		appLog.Warn("schedule change notification failed", "op", op, "err", err.Error())
	}
}

// storeFailure logs a store error that the caller turns into a false
// result.
func storeFailure(op string, err error) {
	metrics.IncStoreError(op)
	appLog.Error("scheduler: store operation failed", err, "op", op)
}

// allEvents returns every stored event, served from the snapshot when it is
// younger than the events TTL and no mutation happened since it was taken.
func (s *Service) allEvents(ctx context.Context) ([]model.Event, error) {
	basis := s.calendars.Sync(ctx)
	now := s.now()

	s.mu.Lock()
	if s.snapshot != nil && !s.snapshotBasis.Before(basis) && now.Sub(s.snapshotAt) < s.eventsTTL {
		out := cloneEvents(s.snapshot)
		s.mu.Unlock()
		metrics.RecordEventCacheRequest(true)
		return out, nil
	}
	s.mu.Unlock()
	metrics.RecordEventCacheRequest(false)

	events, err := s.store.ListEvents(ctx)
	if err != nil {
		metrics.IncStoreError("list events")
		return nil, fmt.Errorf("scheduler: list events: %w", err)
	}

	s.mu.Lock()
	if s.snapshot == nil || !basis.Before(s.snapshotBasis) {
		s.snapshot = events
		s.snapshotBasis = basis
		s.snapshotAt = now
	}
	s.mu.Unlock()

	return cloneEvents(events), nil
}

func cloneEvents(events []model.Event) []model.Event {
	out := make([]model.Event, len(events))
	for i, ev := range events {
		out[i] = ev.Clone()
	}
	return out
}

// persistWithUniqueID stores a record under preferred, or under a fresh id
// when preferred is blank or taken. A duplicate reported by persist (a
// concurrent writer won the id) consumes an attempt like any collision.
func (s *Service) persistWithUniqueID(ctx context.Context, preferred string,
	find func(ctx context.Context, id string) error,
	persist func(id string) error,
) (string, error) {
	candidate := strings.TrimSpace(preferred)
	for attempt := 1; attempt <= s.idRetries; attempt++ {
		if candidate == "" {
			candidate = s.newID()
		}

		err := find(ctx, candidate)
		switch {
		case errors.Is(err, model.ErrNotFound):
			err = persist(candidate)
			if err == nil {
				return candidate, nil
			}
			if !errors.Is(err, model.ErrDuplicateID) {
				return "", err
			}
		case err != nil:
			return "", err
		}

		appLog.Debug("id already taken, retrying", "id", candidate, "attempt", attempt)
		candidate = ""
	}
	return "", model.ErrIDExhausted
}

func (s *Service) findEventErr(ctx context.Context, id string) error {
	_, err := s.store.FindEvent(ctx, id)
	return err
}

func (s *Service) findRecurringErr(ctx context.Context, id string) error {
	_, err := s.store.FindRecurringEvent(ctx, id)
	return err
}

func (s *Service) persistEvent(ctx context.Context, ev *model.Event) error {
	id, err := s.persistWithUniqueID(ctx, ev.ID, s.findEventErr, func(id string) error {
		c := ev.Clone()
		c.ID = id
		return s.store.PersistEvent(ctx, c)
	})
	if err != nil {
		return err
	}
	ev.ID = id
	return nil
}

// AddEvent stores e under a unique id and returns the stored event. An id
// supplied by the caller is kept only when it is not in use.
func (s *Service) AddEvent(ctx context.Context, e model.Event) (model.Event, error) {
	if err := e.Validate(); err != nil {
		return model.Event{}, err
	}
	ev := e.Clone()
	if err := s.persistEvent(ctx, &ev); err != nil {
		if !errors.Is(err, model.ErrIDExhausted) {
			metrics.IncStoreError("persist event")
		}
		return model.Event{}, fmt.Errorf("scheduler: add event: %w", err)
	}
	s.mutated(ctx, "add-event", ev.Device, ev.Location)
	return ev, nil
}

// AddRecurringEvent expands re, then stores the parent and its occurrences.
// Incomplete or malformed recurrences fail before anything is written. A
// failure while writing occurrences is returned together with the parent
// as stored so far; nothing is rolled back.
func (s *Service) AddRecurringEvent(ctx context.Context, re model.RecurringEvent) (model.RecurringEvent, error) {
	parent := re.Clone()
	occurrences, err := ics.Expand(&parent, s.expand)
	if err != nil {
		return model.RecurringEvent{}, err
	}

	id, err := s.persistWithUniqueID(ctx, parent.ID, s.findRecurringErr, func(id string) error {
		c := parent.Clone()
		c.ID = id
		c.Events = nil
		return s.store.PersistRecurringEvent(ctx, c)
	})
	if err != nil {
		return model.RecurringEvent{}, fmt.Errorf("scheduler: add recurring event: %w", err)
	}
	parent.ID = id
	parent.Events = make([]model.Event, 0, len(occurrences))

	var childErr error
	for i := range occurrences {
		occ := occurrences[i]
		occ.RecurringEventID = id
		if err := s.persistEvent(ctx, &occ); err != nil {
			childErr = fmt.Errorf("scheduler: persist occurrence %d of %s: %w", i, id, err)
			appLog.Error("recurring event partially stored", err,
				"recurring_event_id", id,
				"stored", len(parent.Events),
				"expected", len(occurrences),
			)
			break
		}
		parent.Events = append(parent.Events, occ)
	}

	s.mutated(ctx, "add-recurring-event", parent.Device, parent.Location)
	return parent, childErr
}

// GetEvent returns the event with id.
func (s *Service) GetEvent(ctx context.Context, id string) (model.Event, bool) {
	ev, err := s.store.FindEvent(ctx, id)
	if err != nil {
		if !errors.Is(err, model.ErrNotFound) {
			storeFailure("find event", err)
		}
		return model.Event{}, false
	}
	return ev, true
}

// GetRecurringEvent returns the recurring event with id and its
// occurrences.
func (s *Service) GetRecurringEvent(ctx context.Context, id string) (model.RecurringEvent, bool) {
	re, err := s.store.FindRecurringEvent(ctx, id)
	if err != nil {
		if !errors.Is(err, model.ErrNotFound) {
			storeFailure("find recurring event", err)
		}
		return model.RecurringEvent{}, false
	}
	return re, true
}

// GetAllRecurringEvents returns every recurring event with its occurrences.
func (s *Service) GetAllRecurringEvents(ctx context.Context) ([]model.RecurringEvent, error) {
	all, err := s.store.ListRecurringEvents(ctx)
	if err != nil {
		metrics.IncStoreError("list recurring events")
		return nil, fmt.Errorf("scheduler: list recurring events: %w", err)
	}
	return all, nil
}

// GetEvents returns the events matching f. A filter naming an event id is
// answered by a direct lookup; its other fields still apply.
func (s *Service) GetEvents(ctx context.Context, f *filter.Filter) ([]model.Event, error) {
	if f.HasEventID() {
		ev, err := s.store.FindEvent(ctx, strings.TrimSpace(f.EventID))
		if errors.Is(err, model.ErrNotFound) {
			return []model.Event{}, nil
		}
		if err != nil {
			metrics.IncStoreError("find event")
			return nil, fmt.Errorf("scheduler: find event: %w", err)
		}
		return filter.Apply([]model.Event{ev}, f.WithoutEventID()), nil
	}

	all, err := s.allEvents(ctx)
	if err != nil {
		return nil, err
	}
	return filter.Apply(all, f), nil
}

// GetUpcomingEvents returns the events that start after now, earliest
// first.
func (s *Service) GetUpcomingEvents(ctx context.Context) ([]model.Event, error) {
	all, err := s.allEvents(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	out := make([]model.Event, 0)
	for _, ev := range all {
		if ev.Start.After(now) {
			out = append(out, ev)
		}
	}
	model.SortByStart(out)
	return out, nil
}

// GetCapturingEvents returns the events running now (start <= now < end).
// Events without both times are skipped.
func (s *Service) GetCapturingEvents(ctx context.Context) ([]model.Event, error) {
	all, err := s.allEvents(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	out := make([]model.Event, 0)
	for _, ev := range all {
		if !ev.HasInterval() {
			continue
		}
		if !ev.Start.After(now) && now.Before(ev.End) {
			out = append(out, ev)
		}
	}
	return out, nil
}

// RemoveEvent deletes the event with id. An occurrence is detached from its
// recurring event by the removal itself, since a parent's occurrences are
// the events referencing it.
func (s *Service) RemoveEvent(ctx context.Context, id string) bool {
	ev, err := s.store.FindEvent(ctx, id)
	if err != nil {
		if !errors.Is(err, model.ErrNotFound) {
			storeFailure("find event", err)
		}
		return false
	}

	if err := s.store.RemoveEvent(ctx, id); err != nil {
		if !errors.Is(err, model.ErrNotFound) {
			storeFailure("remove event", err)
		}
		return false
	}
	if ev.RecurringEventID != "" {
		appLog.Debug("occurrence detached", "id", id, "recurring_event_id", ev.RecurringEventID)
	}
	s.mutated(ctx, "remove-event", ev.Device, ev.Location)
	return true
}

// mergeEvent applies the non-empty fields of patch to the stored event and
// returns the devices touched. The recurring back-reference is not
// patchable.
func (s *Service) mergeEvent(ctx context.Context, patch model.Event) ([]string, bool) {
	current, err := s.store.FindEvent(ctx, patch.ID)
	if err != nil {
		if !errors.Is(err, model.ErrNotFound) {
			storeFailure("find event", err)
		}
		return nil, false
	}

	merged := current.Clone()
	merged.Metadata.Merge(patch.Metadata)
	if !patch.Start.IsZero() {
		merged.Start = patch.Start
	}
	if !patch.End.IsZero() {
		merged.End = patch.End
	}
	if err := merged.Validate(); err != nil {
		appLog.Warn("rejecting event update", "id", patch.ID, "err", err.Error())
		return nil, false
	}

	if err := s.store.MergeEvent(ctx, merged); err != nil {
		if !errors.Is(err, model.ErrNotFound) {
			storeFailure("merge event", err)
		}
		return nil, false
	}
	return []string{current.Device, current.Location, merged.Device, merged.Location}, true
}

// UpdateEvent merges the non-empty fields of e into the stored event with
// the same id. It returns false when the event does not exist, the result
// would end before it starts, or the store fails.
func (s *Service) UpdateEvent(ctx context.Context, e model.Event) bool {
	devices, ok := s.mergeEvent(ctx, e)
	if !ok {
		return false
	}
	s.mutated(ctx, "update-event", devices...)
	return true
}

// UpdateEvents applies the metadata patch to every listed event and returns
// how many were updated.
func (s *Service) UpdateEvents(ctx context.Context, ids []string, patch model.Metadata) int {
	var (
		updated int
		devices []string
	)
	for _, id := range ids {
		touched, ok := s.mergeEvent(ctx, model.Event{ID: id, Metadata: patch})
		if !ok {
			continue
		}
		updated++
		devices = append(devices, touched...)
	}
	if updated > 0 {
		s.mutated(ctx, "update-events", devices...)
	}
	return updated
}

// RemoveRecurringEvent deletes the recurring event with id and all its
// occurrences. It returns false when the id is unknown or the store fails;
// occurrences already removed at that point stay removed.
func (s *Service) RemoveRecurringEvent(ctx context.Context, id string) bool {
	re, err := s.store.FindRecurringEvent(ctx, id)
	if err != nil {
		if !errors.Is(err, model.ErrNotFound) {
			storeFailure("find recurring event", err)
		}
		return false
	}

	devices := []string{re.Device, re.Location}
	removed := 0
	for _, occ := range re.Events {
		err := s.store.RemoveEvent(ctx, occ.ID)
		if err != nil && !errors.Is(err, model.ErrNotFound) {
			storeFailure("remove event", err)
			if removed > 0 {
				s.mutated(ctx, "remove-recurring-event", devices...)
			}
			return false
		}
		removed++
		devices = append(devices, occ.Device, occ.Location)
	}

	if err := s.store.RemoveRecurringEvent(ctx, id); err != nil {
		if !errors.Is(err, model.ErrNotFound) {
			storeFailure("remove recurring event", err)
		}
		if removed > 0 {
			s.mutated(ctx, "remove-recurring-event", devices...)
		}
		return false
	}
	s.mutated(ctx, "remove-recurring-event", devices...)
	return true
}

// UpdateRecurringEvent merges re into the stored recurring event with the
// same id and regenerates its occurrences. Occurrences that still fit the
// new rule keep their id. It returns false with a nil error when the id is
// unknown; incomplete or malformed recurrences are returned as errors and
// leave the stored state untouched.
func (s *Service) UpdateRecurringEvent(ctx context.Context, re model.RecurringEvent) (bool, error) {
	current, err := s.store.FindRecurringEvent(ctx, re.ID)
	if errors.Is(err, model.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		storeFailure("find recurring event", err)
		return false, fmt.Errorf("scheduler: find recurring event: %w", err)
	}

	merged := current.Clone()
	merged.Metadata.Merge(re.Metadata)
	if re.Rule != "" {
		merged.Rule = re.Rule
	}
	if !re.RecurrenceStart.IsZero() {
		merged.RecurrenceStart = re.RecurrenceStart
	}
	if !re.RecurrenceEnd.IsZero() {
		merged.RecurrenceEnd = re.RecurrenceEnd
	}
	if re.Duration > 0 {
		merged.Duration = re.Duration
	}

	rec, err := ics.Regenerate(&merged, s.expand)
	if err != nil {
		return false, err
	}

	parent := merged.Clone()
	parent.Events = nil
	if err := s.store.MergeRecurringEvent(ctx, parent); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return false, nil
		}
		storeFailure("merge recurring event", err)
		return false, fmt.Errorf("scheduler: merge recurring event: %w", err)
	}

	devices := []string{current.Device, current.Location, merged.Device, merged.Location}
	var errs []error

	for _, old := range rec.Removed {
		if err := s.store.RemoveEvent(ctx, old.ID); err != nil && !errors.Is(err, model.ErrNotFound) {
			errs = append(errs, fmt.Errorf("remove occurrence %s: %w", old.ID, err))
		}
		devices = append(devices, old.Device, old.Location)
	}
	for _, kept := range rec.Kept {
		err := s.store.MergeEvent(ctx, kept)
		if errors.Is(err, model.ErrNotFound) {
			err = s.store.PersistEvent(ctx, kept)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("merge occurrence %s: %w", kept.ID, err))
		}
	}
	for i := range rec.Added {
		if err := s.persistEvent(ctx, &rec.Added[i]); err != nil {
			errs = append(errs, fmt.Errorf("persist occurrence: %w", err))
		}
	}

	s.mutated(ctx, "update-recurring-event", devices...)

	if err := errors.Join(errs...); err != nil {
		metrics.IncStoreError("update recurring event")
		appLog.Error("recurring event occurrences partially updated", err, "recurring_event_id", re.ID)
		return true, fmt.Errorf("scheduler: update occurrences of %s: %w", re.ID, err)
	}
	return true, nil
}

// FindConflictingEvents returns the stored events colliding with e on its
// device. A stored version of e itself is included.
func (s *Service) FindConflictingEvents(ctx context.Context, e model.Event) ([]model.Event, error) {
	all, err := s.allEvents(ctx)
	if err != nil {
		return nil, err
	}
	out, err := conflict.ForEvent(all, e)
	if err != nil {
		return nil, err
	}
	metrics.AddConflicts(len(out))
	return out, nil
}

// FindConflictingRecurringEvents returns the stored events colliding with
// any occurrence of re.
func (s *Service) FindConflictingRecurringEvents(ctx context.Context, re model.RecurringEvent) ([]model.Event, error) {
	if missing := re.Missing(); len(missing) > 0 {
		return nil, &model.IncompleteDataError{Missing: missing}
	}
	all, err := s.allEvents(ctx)
	if err != nil {
		return nil, err
	}
	out, err := conflict.ForRecurring(all, &re, s.expand)
	if err != nil {
		return nil, err
	}
	metrics.AddConflicts(len(out))
	return out, nil
}

// GetCalendarForCaptureAgent returns the iCalendar document of everything
// scheduled on agent, either as the recording device or as the location.
// The document is rebuilt only after the schedule changed.
func (s *Service) GetCalendarForCaptureAgent(ctx context.Context, agent string) (string, error) {
	agent = strings.TrimSpace(agent)
	if agent == "" {
		return "", errors.New("scheduler: empty capture agent id")
	}

	entry, err := s.calendars.Get(ctx, agent, func(ctx context.Context) (string, error) {
		all, err := s.allEvents(ctx)
		if err != nil {
			return "", err
		}
		events := agentEvents(all, agent)

		text, err := ics.Render(agent, events, ics.RenderOptions{ProductID: s.productID, Now: s.now()})
		var verr *ics.ValidationError
		if errors.As(err, &verr) {
			appLog.Warn("calendar failed validation, serving it anyway", "agent", agent, "problems", verr.Problems)
			return text, nil
		}
		return text, err
	})
	if err != nil {
		return "", fmt.Errorf("scheduler: calendar for %s: %w", agent, err)
	}
	return entry.Text, nil
}

// agentEvents is the union of the events recorded by agent and the events
// located at agent, ordered by start.
func agentEvents(all []model.Event, agent string) []model.Event {
	byDevice := filter.Apply(all, &filter.Filter{Device: agent})
	byLocation := filter.Apply(all, &filter.Filter{Location: agent})

	seen := make(map[string]struct{}, len(byDevice))
	out := make([]model.Event, 0, len(byDevice)+len(byLocation))
	for _, ev := range append(byDevice, byLocation...) {
		if _, dup := seen[ev.ID]; dup {
			continue
		}
		seen[ev.ID] = struct{}{}
		out = append(out, ev)
	}
	model.SortByStart(out)
	return out
}
