// Package filter narrows event collections with conjunctive field queries.
package filter

import (
	"strings"
	"time"

	"capsched/internal/model"
)

// Filter is a conjunctive query over event fields. Empty strings and nil
// times are unset and do not constrain the result.
type Filter struct {
	EventID string `json:"eventId,omitempty"`

	// Substring matches.
	Title       string `json:"title,omitempty"`
	Creator     string `json:"creator,omitempty"`
	Abstract    string `json:"abstract,omitempty"`
	Contributor string `json:"contributor,omitempty"`
	ChannelID   string `json:"channelId,omitempty"`
	Resource    string `json:"resource,omitempty"`
	Attendee    string `json:"attendee,omitempty"`

	// Exact matches.
	Device   string `json:"device,omitempty"`
	Location string `json:"location,omitempty"`
	SeriesID string `json:"seriesId,omitempty"`

	// Start keeps events whose end is after it; End keeps events whose
	// start is before it.
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}

// IsEmpty reports whether f constrains nothing. A nil filter is empty.
func (f *Filter) IsEmpty() bool {
	if f == nil {
		return true
	}
	return strings.TrimSpace(f.EventID) == "" &&
		f.Title == "" && f.Creator == "" && f.Abstract == "" &&
		f.Contributor == "" && f.ChannelID == "" && f.Resource == "" &&
		f.Attendee == "" && f.Device == "" && f.Location == "" &&
		f.SeriesID == "" && f.Start == nil && f.End == nil
}

// HasEventID reports whether f asks for a single event by id.
func (f *Filter) HasEventID() bool {
	return f != nil && strings.TrimSpace(f.EventID) != ""
}

// WithoutEventID returns a copy of f with the id constraint cleared.
func (f *Filter) WithoutEventID() *Filter {
	if f == nil {
		return nil
	}
	c := *f
	c.EventID = ""
	return &c
}

type predicate func(model.Event) bool

func exact(get func(model.Event) string, want string) predicate {
	return func(ev model.Event) bool {
		v := get(ev)
		return v != "" && v == want
	}
}

func contains(get func(model.Event) string, want string) predicate {
	return func(ev model.Event) bool {
		v := get(ev)
		return v != "" && strings.Contains(v, want)
	}
}

func (f *Filter) predicates() []predicate {
	var ps []predicate
	if id := strings.TrimSpace(f.EventID); id != "" {
		ps = append(ps, func(ev model.Event) bool { return ev.ID == id })
	}

	if f.Device != "" {
		ps = append(ps, exact(func(ev model.Event) string { return ev.Device }, f.Device))
	}
	if f.Location != "" {
		ps = append(ps, exact(func(ev model.Event) string { return ev.Location }, f.Location))
	}
	if f.SeriesID != "" {
		ps = append(ps, exact(func(ev model.Event) string { return ev.SeriesID }, f.SeriesID))
	}

	if f.Title != "" {
		ps = append(ps, contains(func(ev model.Event) string { return ev.Title }, f.Title))
	}
	if f.Creator != "" {
		ps = append(ps, contains(func(ev model.Event) string { return ev.Creator }, f.Creator))
	}
	if f.Abstract != "" {
		ps = append(ps, contains(func(ev model.Event) string { return ev.Abstract }, f.Abstract))
	}
	if f.Contributor != "" {
		ps = append(ps, contains(func(ev model.Event) string { return ev.Contributor }, f.Contributor))
	}
	if f.ChannelID != "" {
		ps = append(ps, contains(func(ev model.Event) string { return ev.ChannelID }, f.ChannelID))
	}
	if f.Resource != "" {
		ps = append(ps, contains(func(ev model.Event) string { return ev.Resources }, f.Resource))
	}
	if f.Attendee != "" {
		ps = append(ps, contains(func(ev model.Event) string { return ev.Attendees }, f.Attendee))
	}

	if f.Start != nil {
		at := *f.Start
		ps = append(ps, func(ev model.Event) bool { return !ev.End.IsZero() && ev.End.After(at) })
	}
	if f.End != nil {
		at := *f.End
		ps = append(ps, func(ev model.Event) bool { return !ev.Start.IsZero() && ev.Start.Before(at) })
	}
	return ps
}

// Apply returns the events that satisfy every populated field of f, in
// their original order. The input slice and its elements are not modified.
// An empty filter returns a copy of all events.
func Apply(events []model.Event, f *Filter) []model.Event {
	out := make([]model.Event, 0, len(events))
	if f.IsEmpty() {
		return append(out, events...)
	}

	ps := f.predicates()
next:
	for _, ev := range events {
		for _, p := range ps {
			if !p(ev) {
				continue next
			}
		}
		out = append(out, ev)
	}
	return out
}
