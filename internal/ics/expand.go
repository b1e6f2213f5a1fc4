package ics

import (
	"errors"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	appLog "capsched/internal/log"
	"capsched/internal/model"
)

const (
	defaultMaxOccurrences = 5000
	defaultMatchTolerance = 10 * time.Minute
)

// ExpandConfig controls how recurrence expansion is performed.
type ExpandConfig struct {
	// Location is the timezone the rule is evaluated in (BYDAY, BYHOUR and
	// friends are wall-clock based). If nil, the location of
	// RecurrenceStart is used.
	Location *time.Location

	// MaxOccurrences is a safety cap against unbounded rules. If zero,
	// defaultMaxOccurrences is used.
	MaxOccurrences int

	// MatchTolerance is how far apart an existing occurrence and a freshly
	// expanded one may start and still be treated as the same occurrence.
	MatchTolerance time.Duration
}

func (c ExpandConfig) normalized() ExpandConfig {
	if c.MaxOccurrences <= 0 {
		c.MaxOccurrences = defaultMaxOccurrences
	}
	if c.MatchTolerance <= 0 {
		c.MatchTolerance = defaultMatchTolerance
	}
	return c
}

// ParseRule parses an RRULE value (with or without the "RRULE:" prefix)
// anchored at dtstart.
func ParseRule(rule string, dtstart time.Time) (*rrule.RRule, error) {
	raw := strings.TrimSpace(rule)
	if len(raw) >= 6 && strings.EqualFold(raw[:6], "RRULE:") {
		raw = raw[6:]
	}
	if raw == "" {
		return nil, &model.MalformedRecurrenceError{Rule: rule, Err: errors.New("empty rule")}
	}
	opt, err := rrule.StrToROption(raw)
	if err != nil {
		return nil, &model.MalformedRecurrenceError{Rule: rule, Err: err}
	}
	opt.Dtstart = dtstart
	r, err := rrule.NewRRule(*opt)
	if err != nil {
		return nil, &model.MalformedRecurrenceError{Rule: rule, Err: err}
	}
	return r, nil
}

// Expand turns a recurring event into its concrete occurrences within
// [RecurrenceStart, RecurrenceEnd]. The returned events carry no ID; they
// copy the parent's metadata and reference the parent by ID.
//
// Incomplete recurring events fail with *model.IncompleteDataError, rules
// that do not parse with *model.MalformedRecurrenceError. A rule that
// yields no occurrence in range returns an empty slice.
func Expand(re *model.RecurringEvent, cfg ExpandConfig) ([]model.Event, error) {
	if missing := re.Missing(); len(missing) > 0 {
		return nil, &model.IncompleteDataError{Missing: missing}
	}
	cfg = cfg.normalized()

	loc := cfg.Location
	if loc == nil {
		loc = re.RecurrenceStart.Location()
	}
	start := re.RecurrenceStart.In(loc)
	end := re.RecurrenceEnd.In(loc)

	r, err := ParseRule(re.Rule, start)
	if err != nil {
		return nil, err
	}

	out := make([]model.Event, 0)
	if end.Before(start) {
		return out, nil
	}

	next := r.Iterator()
	for {
		t, ok := next()
		if !ok || t.After(end) {
			break
		}
		if t.Before(start) {
			continue
		}
		if len(out) >= cfg.MaxOccurrences {
			appLog.Error("expand: truncated occurrences due to cap",
				errors.New("max occurrences reached"),
				"recurring_event_id", re.ID,
				"cap", cfg.MaxOccurrences,
			)
			break
		}
		out = append(out, makeOccurrence(re, t))
	}

	return out, nil
}

func makeOccurrence(re *model.RecurringEvent, start time.Time) model.Event {
	return model.Event{
		Metadata:         re.Metadata.Clone(),
		Start:            start,
		End:              start.Add(re.Duration),
		RecurringEventID: re.ID,
	}
}

// Reconciliation describes how a fresh expansion relates to the
// occurrences a recurring event already owned.
type Reconciliation struct {
	// Added are fresh occurrences with no existing counterpart (no ID yet).
	Added []model.Event
	// Kept are existing occurrences that matched a fresh one; they keep
	// their ID and take the fresh times and metadata.
	Kept []model.Event
	// Removed are existing occurrences with no fresh counterpart.
	Removed []model.Event
}

// Regenerate re-expands re and replaces re.Events with the result. Existing
// occurrences on the same device starting within cfg.MatchTolerance of a
// fresh occurrence are preserved. On error re.Events is left untouched.
func Regenerate(re *model.RecurringEvent, cfg ExpandConfig) (Reconciliation, error) {
	cfg = cfg.normalized()

	fresh, err := Expand(re, cfg)
	if err != nil {
		return Reconciliation{}, err
	}

	var rec Reconciliation
	used := make([]bool, len(re.Events))

	for _, f := range fresh {
		best := -1
		var bestDelta time.Duration
		for i, old := range re.Events {
			if used[i] || old.Device != f.Device || old.Start.IsZero() {
				continue
			}
			delta := absDuration(old.Start.Sub(f.Start))
			if delta > cfg.MatchTolerance {
				continue
			}
			if best == -1 || delta < bestDelta {
				best, bestDelta = i, delta
			}
		}
		if best == -1 {
			rec.Added = append(rec.Added, f)
			continue
		}
		used[best] = true
		f.ID = re.Events[best].ID
		rec.Kept = append(rec.Kept, f)
	}

	for i, old := range re.Events {
		if !used[i] {
			rec.Removed = append(rec.Removed, old)
		}
	}

	events := make([]model.Event, 0, len(rec.Kept)+len(rec.Added))
	events = append(events, rec.Kept...)
	events = append(events, rec.Added...)
	model.SortByStart(events)
	re.Events = events

	return rec, nil
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
