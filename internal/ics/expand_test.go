package ics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"capsched/internal/model"
)

func dailyRecurring(days int) model.RecurringEvent {
	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	return model.RecurringEvent{
		ID:              "rec-1",
		Metadata:        model.Metadata{Title: "Lecture", Device: "room1", SeriesID: "s1"},
		Rule:            "FREQ=DAILY",
		RecurrenceStart: start,
		RecurrenceEnd:   start.AddDate(0, 0, days-1).Add(30 * time.Minute),
		Duration:        time.Hour,
	}
}

func TestExpandDailyRoundTrip(t *testing.T) {
	re := dailyRecurring(5)

	events, err := Expand(&re, ExpandConfig{})
	require.NoError(t, err)
	require.Len(t, events, 5)

	for i, ev := range events {
		want := re.RecurrenceStart.AddDate(0, 0, i)
		assert.True(t, want.Equal(ev.Start), "occurrence %d starts at %s", i, ev.Start)
		assert.Equal(t, time.Hour, ev.End.Sub(ev.Start))
		assert.Equal(t, "room1", ev.Device)
		assert.Equal(t, "Lecture", ev.Title)
		assert.Equal(t, "rec-1", ev.RecurringEventID)
		assert.Empty(t, ev.ID)
	}
}

func TestExpandWeeklyFourOccurrences(t *testing.T) {
	start := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	re := model.RecurringEvent{
		ID:              "rec-weekly",
		Metadata:        model.Metadata{Device: "room2"},
		Rule:            "RRULE:FREQ=WEEKLY;COUNT=4",
		RecurrenceStart: start,
		RecurrenceEnd:   start.AddDate(1, 0, 0),
		Duration:        90 * time.Minute,
	}

	events, err := Expand(&re, ExpandConfig{})
	require.NoError(t, err)
	require.Len(t, events, 4)
	for i := 1; i < len(events); i++ {
		assert.Equal(t, 7*24*time.Hour, events[i].Start.Sub(events[i-1].Start))
	}
}

func TestExpandByDayUsesLocation(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)

	// 23:30 UTC on Sunday is already Monday in Berlin.
	start := time.Date(2024, 1, 7, 23, 30, 0, 0, time.UTC)
	re := model.RecurringEvent{
		Metadata:        model.Metadata{Device: "room1"},
		Rule:            "FREQ=WEEKLY;BYDAY=MO",
		RecurrenceStart: start,
		RecurrenceEnd:   start.AddDate(0, 0, 14),
		Duration:        time.Hour,
	}

	events, err := Expand(&re, ExpandConfig{Location: loc})
	require.NoError(t, err)
	require.Len(t, events, 3)
	for _, ev := range events {
		assert.Equal(t, time.Monday, ev.Start.In(loc).Weekday())
	}
}

func TestExpandZeroOccurrences(t *testing.T) {
	re := dailyRecurring(3)
	re.Rule = "FREQ=DAILY;UNTIL=20231231T000000Z"

	events, err := Expand(&re, ExpandConfig{})
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.NotNil(t, events)
}

func TestExpandMalformedRule(t *testing.T) {
	for _, rule := range []string{"FREQ=SOMETIMES", "NOT A RULE", "RRULE:"} {
		re := dailyRecurring(3)
		re.Rule = rule

		_, err := Expand(&re, ExpandConfig{})
		var mre *model.MalformedRecurrenceError
		assert.ErrorAs(t, err, &mre, "rule %q", rule)
	}
}

func TestExpandIncompleteData(t *testing.T) {
	re := dailyRecurring(3)
	re.Device = ""
	re.Duration = 0

	_, err := Expand(&re, ExpandConfig{})
	var ide *model.IncompleteDataError
	require.ErrorAs(t, err, &ide)
	assert.Equal(t, []string{"device", "duration"}, ide.Missing)
}

func TestExpandCap(t *testing.T) {
	re := dailyRecurring(30)
	events, err := Expand(&re, ExpandConfig{MaxOccurrences: 7})
	require.NoError(t, err)
	assert.Len(t, events, 7)
}

func TestRegeneratePreservesMatchingOccurrences(t *testing.T) {
	re := dailyRecurring(3)
	_, err := Regenerate(&re, ExpandConfig{})
	require.NoError(t, err)
	require.Len(t, re.Events, 3)
	for i := range re.Events {
		re.Events[i].ID = []string{"a", "b", "c"}[i]
	}

	// Shift by five minutes (inside the tolerance) and add a fourth day.
	re.RecurrenceStart = re.RecurrenceStart.Add(5 * time.Minute)
	re.RecurrenceEnd = re.RecurrenceEnd.AddDate(0, 0, 1)
	re.Title = "Lecture (moved)"

	rec, err := Regenerate(&re, ExpandConfig{})
	require.NoError(t, err)

	assert.Len(t, rec.Kept, 3)
	assert.Len(t, rec.Added, 1)
	assert.Empty(t, rec.Removed)

	require.Len(t, re.Events, 4)
	assert.Equal(t, []string{"a", "b", "c", ""}, []string{re.Events[0].ID, re.Events[1].ID, re.Events[2].ID, re.Events[3].ID})
	assert.Equal(t, "Lecture (moved)", re.Events[0].Title)
	assert.Equal(t, 10, re.Events[0].Start.Hour())
	assert.Equal(t, 5, re.Events[0].Start.Minute())
}

func TestRegenerateDropsOccurrencesOutsideTolerance(t *testing.T) {
	re := dailyRecurring(2)
	_, err := Regenerate(&re, ExpandConfig{})
	require.NoError(t, err)
	re.Events[0].ID, re.Events[1].ID = "a", "b"

	re.RecurrenceStart = re.RecurrenceStart.Add(2 * time.Hour)
	re.RecurrenceEnd = re.RecurrenceEnd.Add(2 * time.Hour)

	rec, err := Regenerate(&re, ExpandConfig{})
	require.NoError(t, err)
	assert.Empty(t, rec.Kept)
	assert.Len(t, rec.Added, 2)
	assert.Len(t, rec.Removed, 2)
}

func TestRegenerateErrorLeavesEventsUntouched(t *testing.T) {
	re := dailyRecurring(2)
	_, err := Regenerate(&re, ExpandConfig{})
	require.NoError(t, err)
	before := len(re.Events)

	re.Rule = "FREQ=NEVER"
	_, err = Regenerate(&re, ExpandConfig{})
	require.Error(t, err)
	assert.Len(t, re.Events, before)
}
