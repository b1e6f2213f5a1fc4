package ics

import (
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "capsched/internal/log"
	"capsched/internal/model"
)

const defaultProductID = "-//capsched//Capture Schedule//EN"

// Extension properties carrying metadata that has no standard VEVENT slot.
const (
	propDevice      = ical.ComponentProperty("X-CAPSCHED-DEVICE")
	propCreator     = ical.ComponentProperty("X-CAPSCHED-CREATOR")
	propContributor = ical.ComponentProperty("X-CAPSCHED-CONTRIBUTOR")
	propSeriesID    = ical.ComponentProperty("X-CAPSCHED-SERIES-ID")
	propChannelID   = ical.ComponentProperty("X-CAPSCHED-CHANNEL-ID")
	propResources   = ical.ComponentProperty("X-CAPSCHED-RESOURCES")
	propAttendees   = ical.ComponentProperty("X-CAPSCHED-ATTENDEES")
	propRelatedTo   = ical.ComponentProperty("RELATED-TO")
)

// RenderOptions controls calendar generation.
type RenderOptions struct {
	// ProductID overrides the PRODID of the generated calendar.
	ProductID string
	// Now is used as DTSTAMP. Zero means time.Now().
	Now time.Time
}

// ValidationError lists the problems found when re-reading a generated
// calendar. The calendar text is still usable on a best-effort basis.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "ics: calendar validation failed: " + strings.Join(e.Problems, "; ")
}

// Render builds an iCalendar document for agentID with one VEVENT per
// event. Events without both start and end are skipped. The document is
// re-parsed before returning; if that check fails the text is returned
// together with a *ValidationError.
func Render(agentID string, events []model.Event, opts RenderOptions) (string, error) {
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	prodID := opts.ProductID
	if prodID == "" {
		prodID = defaultProductID
	}

	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(prodID)
	cal.SetXWRCalName(agentID)

	rendered := 0
	for _, ev := range events {
		if ev.ID == "" || !ev.HasInterval() {
			appLog.Debug("ics render: skipping event without id or interval", "agent", agentID, "id", ev.ID)
			continue
		}
		addVEvent(cal, ev, now)
		rendered++
	}

	text := cal.Serialize()
	if err := Validate(text, rendered); err != nil {
		return text, err
	}
	return text, nil
}

func addVEvent(cal *ical.Calendar, ev model.Event, now time.Time) {
	ve := cal.AddEvent(ev.ID)
	ve.SetDtStampTime(now.UTC())
	ve.SetStartAt(ev.Start.UTC())
	ve.SetEndAt(ev.End.UTC())

	if ev.Title != "" {
		ve.SetSummary(ev.Title)
	}
	if ev.Abstract != "" {
		ve.SetDescription(ev.Abstract)
	}
	switch {
	case ev.Location != "":
		ve.SetLocation(ev.Location)
	case ev.Device != "":
		ve.SetLocation(ev.Device)
	}

	setText(ve, propDevice, ev.Device)
	setText(ve, propCreator, ev.Creator)
	setText(ve, propContributor, ev.Contributor)
	setText(ve, propSeriesID, ev.SeriesID)
	setText(ve, propChannelID, ev.ChannelID)
	setText(ve, propResources, ev.Resources)
	setText(ve, propAttendees, ev.Attendees)
	setText(ve, propRelatedTo, ev.RecurringEventID)
}

// setText stores the raw value; Serialize escapes TEXT properties.
func setText(ve *ical.VEvent, prop ical.ComponentProperty, value string) {
	if value == "" {
		return
	}
	ve.SetProperty(prop, value)
}

// Validate parses a generated calendar and checks that it holds want
// VEVENTs, each with a UID and a DTSTART not after its DTEND.
func Validate(text string, want int) error {
	cal, err := ical.ParseCalendar(strings.NewReader(text))
	if err != nil {
		return &ValidationError{Problems: []string{"parse: " + err.Error()}}
	}

	var problems []string
	events := cal.Events()
	if len(events) != want {
		problems = append(problems, fmt.Sprintf("expected %d VEVENTs, found %d", want, len(events)))
	}
	for i, ve := range events {
		var uid string
		if p := ve.GetProperty(ical.ComponentPropertyUniqueId); p != nil {
			uid = p.Value
		}
		if uid == "" {
			problems = append(problems, fmt.Sprintf("vevent %d: missing UID", i))
			uid = fmt.Sprintf("#%d", i)
		}
		start, serr := ve.GetStartAt()
		end, eerr := ve.GetEndAt()
		if serr != nil {
			problems = append(problems, fmt.Sprintf("vevent %s: DTSTART: %v", uid, serr))
		}
		if eerr != nil {
			problems = append(problems, fmt.Sprintf("vevent %s: DTEND: %v", uid, eerr))
		}
		if serr == nil && eerr == nil && end.Before(start) {
			problems = append(problems, fmt.Sprintf("vevent %s: DTEND before DTSTART", uid))
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}
