package ics

import (
	"errors"
	"io"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/teambition/rrule-go"

	appLog "capsched/internal/log"
	"capsched/internal/model"
)

// ImportOptions controls how external VEVENTs are turned into events.
type ImportOptions struct {
	// Device is assigned to events that carry no X-CAPSCHED-DEVICE.
	Device string
	// Horizon bounds recurring VEVENTs without UNTIL/COUNT: their
	// RecurrenceEnd becomes DTSTART + Horizon. Zero means one year.
	Horizon time.Duration
}

// ImportResult holds the events read from an iCalendar document.
type ImportResult struct {
	Events          []model.Event
	RecurringEvents []model.RecurringEvent
	// Skipped counts VEVENTs that could not be used.
	Skipped int
}

// Import parses an iCalendar document. VEVENTs with an RRULE become
// recurring events (unexpanded), all others become single events. The UID
// is used as the event id. VEVENTs that fail to parse are logged and
// skipped.
func Import(r io.Reader, opts ImportOptions) (ImportResult, error) {
	var res ImportResult
	if opts.Horizon <= 0 {
		opts.Horizon = 365 * 24 * time.Hour
	}

	cal, err := ical.ParseCalendar(r)
	if err != nil {
		appLog.Error("ics import: parse failed", err)
		return res, err
	}

	for _, ve := range cal.Events() {
		ev, rawRule, perr := parseVEvent(ve, opts.Device)
		if perr != nil {
			appLog.Error("ics import: vevent skipped", perr, "uid", ev.ID)
			res.Skipped++
			continue
		}
		if rawRule == "" {
			res.Events = append(res.Events, ev)
			continue
		}

		re, rerr := recurringFromVEvent(ev, rawRule, opts.Horizon)
		if rerr != nil {
			appLog.Error("ics import: recurring vevent skipped", rerr, "uid", ev.ID, "rrule", rawRule)
			res.Skipped++
			continue
		}
		res.RecurringEvents = append(res.RecurringEvents, re)
	}

	appLog.Info("ics import completed",
		"event_count", len(res.Events),
		"recurring_count", len(res.RecurringEvents),
		"skipped", res.Skipped,
	)
	return res, nil
}

func parseVEvent(ve *ical.VEvent, defaultDevice string) (model.Event, string, error) {
	var out model.Event

	uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || uidProp.Value == "" {
		return out, "", errors.New("missing UID")
	}
	out.ID = uidProp.Value

	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Title = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		out.Abstract = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		out.Location = p.Value
	}

	out.Device = textProp(ve, propDevice)
	out.Creator = textProp(ve, propCreator)
	out.Contributor = textProp(ve, propContributor)
	out.SeriesID = textProp(ve, propSeriesID)
	out.ChannelID = textProp(ve, propChannelID)
	out.Resources = textProp(ve, propResources)
	out.Attendees = textProp(ve, propAttendees)
	out.RecurringEventID = textProp(ve, propRelatedTo)
	if out.Device == "" {
		out.Device = defaultDevice
	}

	start, err := ve.GetStartAt()
	if err != nil {
		return out, "", err
	}
	end, err := ve.GetEndAt()
	if err != nil {
		return out, "", err
	}
	out.Start = start
	out.End = end
	if err := out.Validate(); err != nil {
		return out, "", err
	}

	var rawRule string
	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		rawRule = p.Value
	}
	return out, rawRule, nil
}

func textProp(ve *ical.VEvent, prop ical.ComponentProperty) string {
	if p := ve.GetProperty(prop); p != nil {
		return p.Value
	}
	return ""
}

func recurringFromVEvent(ev model.Event, rawRule string, horizon time.Duration) (model.RecurringEvent, error) {
	re := model.RecurringEvent{
		ID:              ev.ID,
		Metadata:        ev.Metadata,
		Rule:            rawRule,
		RecurrenceStart: ev.Start,
		Duration:        ev.End.Sub(ev.Start),
	}

	opt, err := rrule.StrToROption(rawRule)
	if err != nil {
		return re, &model.MalformedRecurrenceError{Rule: rawRule, Err: err}
	}

	switch {
	case !opt.Until.IsZero():
		re.RecurrenceEnd = opt.Until
	case opt.Count > 0:
		r, err := ParseRule(rawRule, ev.Start)
		if err != nil {
			return re, err
		}
		all := r.All()
		if len(all) == 0 {
			re.RecurrenceEnd = ev.Start
		} else {
			re.RecurrenceEnd = all[len(all)-1]
		}
	default:
		re.RecurrenceEnd = ev.Start.Add(horizon)
	}

	if strings.TrimSpace(re.Device) == "" {
		return re, &model.IncompleteDataError{Missing: []string{"device"}}
	}
	return re, nil
}
