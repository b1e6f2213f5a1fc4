package model

import (
	"maps"
	"slices"
	"time"
)

// Well-known metadata keys. These are the keys accepted by Metadata.Get and
// Metadata.Set; anything else is kept in Metadata.Extra.
const (
	KeyTitle       = "title"
	KeyCreator     = "creator"
	KeyAbstract    = "abstract"
	KeyContributor = "contributor"
	KeyDevice      = "device"
	KeyLocation    = "location"
	KeySeriesID    = "series-id"
	KeyChannelID   = "channel-id"
	KeyResources   = "resources"
	KeyAttendees   = "attendees"
)

// Metadata holds the descriptive fields shared by events and recurring
// events. An empty string means the field is absent.
type Metadata struct {
	Title       string `json:"title,omitempty"`
	Creator     string `json:"creator,omitempty"`
	Abstract    string `json:"abstract,omitempty"`
	Contributor string `json:"contributor,omitempty"`
	Device      string `json:"device,omitempty"`
	Location    string `json:"location,omitempty"`
	SeriesID    string `json:"seriesId,omitempty"`
	ChannelID   string `json:"channelId,omitempty"`
	Resources   string `json:"resources,omitempty"`
	Attendees   string `json:"attendees,omitempty"`

	// Extra carries keys that have no named field.
	Extra map[string]string `json:"extra,omitempty"`
}

func (m *Metadata) field(key string) *string {
	switch key {
	case KeyTitle:
		return &m.Title
	case KeyCreator:
		return &m.Creator
	case KeyAbstract:
		return &m.Abstract
	case KeyContributor:
		return &m.Contributor
	case KeyDevice:
		return &m.Device
	case KeyLocation:
		return &m.Location
	case KeySeriesID:
		return &m.SeriesID
	case KeyChannelID:
		return &m.ChannelID
	case KeyResources:
		return &m.Resources
	case KeyAttendees:
		return &m.Attendees
	}
	return nil
}

// Get returns the value stored under key and whether it is present.
func (m Metadata) Get(key string) (string, bool) {
	if p := m.field(key); p != nil {
		return *p, *p != ""
	}
	v, ok := m.Extra[key]
	return v, ok
}

// Set stores value under key. Unknown keys go to Extra.
func (m *Metadata) Set(key, value string) {
	if p := m.field(key); p != nil {
		*p = value
		return
	}
	if m.Extra == nil {
		m.Extra = make(map[string]string)
	}
	m.Extra[key] = value
}

// Merge overlays every non-empty field of other onto m.
func (m *Metadata) Merge(other Metadata) {
	for _, key := range []string{
		KeyTitle, KeyCreator, KeyAbstract, KeyContributor, KeyDevice,
		KeyLocation, KeySeriesID, KeyChannelID, KeyResources, KeyAttendees,
	} {
		if v, ok := other.Get(key); ok {
			m.Set(key, v)
		}
	}
	for k, v := range other.Extra {
		m.Set(k, v)
	}
}

// Clone returns a copy that shares no map with m.
func (m Metadata) Clone() Metadata {
	out := m
	if m.Extra != nil {
		out.Extra = maps.Clone(m.Extra)
	}
	return out
}

// Event is a single scheduled recording.
type Event struct {
	ID string `json:"id"`
	Metadata

	// Start and End are absolute instants; the zero value means absent.
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`

	// RecurringEventID references the recurring event that generated this
	// occurrence. Empty for ad hoc events.
	RecurringEventID string `json:"recurringEventId,omitempty"`
}

// HasInterval reports whether both start and end are set.
func (e Event) HasInterval() bool {
	return !e.Start.IsZero() && !e.End.IsZero()
}

// Validate checks the Start <= End invariant when both are present.
func (e Event) Validate() error {
	if e.HasInterval() && e.End.Before(e.Start) {
		return ErrInvalidInterval
	}
	return nil
}

// Clone returns a deep copy of e.
func (e Event) Clone() Event {
	e.Metadata = e.Metadata.Clone()
	return e
}

// RecurringEvent is a template that produces a bounded series of events.
type RecurringEvent struct {
	ID string `json:"id"`
	Metadata

	// Rule is an iCalendar RRULE value, e.g. "FREQ=WEEKLY;BYDAY=MO".
	Rule            string        `json:"rule"`
	RecurrenceStart time.Time     `json:"recurrenceStart"`
	RecurrenceEnd   time.Time     `json:"recurrenceEnd"`
	Duration        time.Duration `json:"duration"`

	// Events are the occurrences owned by this recurring event.
	Events []Event `json:"events,omitempty"`
}

// Missing lists the required recurrence fields that are absent, in a fixed
// order. An empty result means the recurring event can be expanded.
func (r RecurringEvent) Missing() []string {
	var missing []string
	if r.Rule == "" {
		missing = append(missing, "rule")
	}
	if r.RecurrenceStart.IsZero() {
		missing = append(missing, "recurrenceStart")
	}
	if r.RecurrenceEnd.IsZero() {
		missing = append(missing, "recurrenceEnd")
	}
	if r.Device == "" {
		missing = append(missing, "device")
	}
	if r.Duration <= 0 {
		missing = append(missing, "duration")
	}
	return missing
}

// Clone returns a deep copy of r including its occurrences.
func (r RecurringEvent) Clone() RecurringEvent {
	r.Metadata = r.Metadata.Clone()
	if r.Events != nil {
		events := make([]Event, len(r.Events))
		for i, ev := range r.Events {
			events[i] = ev.Clone()
		}
		r.Events = events
	}
	return r
}

// SortByStart orders events by start time, then by ID.
func SortByStart(events []Event) {
	slices.SortStableFunc(events, func(a, b Event) int {
		if c := a.Start.Compare(b.Start); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
}
