// Package conflict finds scheduled events that collide with a candidate on
// the same capture device.
package conflict

import (
	"time"

	"capsched/internal/filter"
	"capsched/internal/ics"
	"capsched/internal/model"
)

// Slack widens the candidate interval on both sides, so an event ending
// exactly when the candidate starts (or starting exactly when it ends)
// counts as a conflict.
const Slack = time.Millisecond

// ForEvent returns the events in universe that run on candidate.Device and
// overlap [candidate.Start-Slack, candidate.End+Slack]. Universe events
// without both times are ignored. The candidate's own stored version is
// not excluded; callers checking an update must drop it by id.
func ForEvent(universe []model.Event, candidate model.Event) ([]model.Event, error) {
	var missing []string
	if candidate.Start.IsZero() {
		missing = append(missing, "start")
	}
	if candidate.End.IsZero() {
		missing = append(missing, "end")
	}
	if len(missing) > 0 {
		return nil, &model.IncompleteDataError{Missing: missing}
	}

	onDevice := filter.Apply(universe, &filter.Filter{Device: candidate.Device})
	if candidate.Device == "" {
		onDevice = withoutDevice(universe)
	}

	from := candidate.Start.Add(-Slack)
	to := candidate.End.Add(Slack)

	out := make([]model.Event, 0)
	for _, ev := range onDevice {
		if !ev.HasInterval() {
			continue
		}
		if ev.End.Before(from) || ev.Start.After(to) {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// withoutDevice keeps the events that also lack a device.
func withoutDevice(universe []model.Event) []model.Event {
	out := make([]model.Event, 0)
	for _, ev := range universe {
		if ev.Device == "" {
			out = append(out, ev)
		}
	}
	return out
}

// ForRecurring expands re without persisting it and returns the union of
// the conflicts of every occurrence, de-duplicated by id and ordered by
// start. Incomplete recurring events fail with *model.IncompleteDataError.
func ForRecurring(universe []model.Event, re *model.RecurringEvent, cfg ics.ExpandConfig) ([]model.Event, error) {
	if missing := re.Missing(); len(missing) > 0 {
		return nil, &model.IncompleteDataError{Missing: missing}
	}

	occurrences, err := ics.Expand(re, cfg)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	out := make([]model.Event, 0)
	for _, occ := range occurrences {
		hits, err := ForEvent(universe, occ)
		if err != nil {
			return nil, err
		}
		for _, ev := range hits {
			if _, dup := seen[ev.ID]; dup {
				continue
			}
			seen[ev.ID] = struct{}{}
			out = append(out, ev)
		}
	}

	model.SortByStart(out)
	return out, nil
}
