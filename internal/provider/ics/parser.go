// Package ics implements a read-only gateway over published iCalendar feeds.
package ics

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"github.com/calsync/backend/internal/provider"
	"github.com/calsync/backend/internal/storage/models"
)

// Parse decodes every VEVENT of a feed. Events that cannot be normalized are
// returned as problems wrapping provider.ErrData. fetchedAt stands in for the
// modification time of events carrying neither LAST-MODIFIED nor DTSTAMP.
func Parse(r io.Reader, fetchedAt time.Time) ([]provider.Event, []error, error) {
	var (
		events   []provider.Event
		problems []error
	)

	dec := ical.NewDecoder(r)
	for {
		cal, err := dec.Decode()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("%w: decoding calendar: %v", provider.ErrData, err)
		}

		for _, comp := range cal.Children {
			if comp.Name != ical.CompEvent {
				continue
			}
			ev, err := parseEvent(comp, fetchedAt)
			if err != nil {
				problems = append(problems, err)
				continue
			}
			events = append(events, ev)
		}
	}

	return events, problems, nil
}

func parseEvent(comp *ical.Component, fetchedAt time.Time) (provider.Event, error) {
	var ev provider.Event

	uid := propText(comp, ical.PropUID)
	if uid == "" {
		return ev, fmt.Errorf("%w: event without UID", provider.ErrData)
	}
	// Overridden instances of a recurring event share the UID.
	if rid := comp.Props.Get(ical.PropRecurrenceID); rid != nil && rid.Value != "" {
		uid = uid + "@" + rid.Value
	}
	ev.ExternalID = uid

	ev.Title = propText(comp, ical.PropSummary)
	ev.Description = propText(comp, ical.PropDescription)
	ev.Location = propText(comp, ical.PropLocation)
	ev.Status = parseStatus(propText(comp, ical.PropStatus))

	startProp := comp.Props.Get(ical.PropDateTimeStart)
	if startProp == nil {
		return ev, fmt.Errorf("%w: event %s has no DTSTART", provider.ErrData, uid)
	}
	start, err := startProp.DateTime(time.UTC)
	if err != nil {
		return ev, fmt.Errorf("%w: event %s DTSTART: %v", provider.ErrData, uid, err)
	}
	ev.Start = start.UTC()
	ev.AllDay = startProp.ValueType() == ical.ValueDate

	switch endProp := comp.Props.Get(ical.PropDateTimeEnd); {
	case endProp != nil:
		end, err := endProp.DateTime(time.UTC)
		if err != nil {
			return ev, fmt.Errorf("%w: event %s DTEND: %v", provider.ErrData, uid, err)
		}
		ev.End = end.UTC()
	case ev.AllDay:
		ev.End = ev.Start.AddDate(0, 0, 1)
	default:
		ev.End = ev.Start
	}
	if ev.End.Before(ev.Start) {
		return ev, fmt.Errorf("%w: event %s ends before it starts", provider.ErrData, uid)
	}

	ev.LastModified = fetchedAt.UTC()
	for _, name := range []string{ical.PropLastModified, ical.PropDateTimeStamp} {
		if p := comp.Props.Get(name); p != nil {
			if t, err := p.DateTime(time.UTC); err == nil {
				ev.LastModified = t.UTC()
				break
			}
		}
	}

	return ev, nil
}

func propText(comp *ical.Component, name string) string {
	p := comp.Props.Get(name)
	if p == nil {
		return ""
	}
	text, err := p.Text()
	if err != nil {
		return p.Value
	}
	return text
}

func parseStatus(s string) models.EventStatus {
	switch strings.ToUpper(s) {
	case "CANCELLED":
		return models.EventStatusCancelled
	case "TENTATIVE":
		return models.EventStatusTentative
	default:
		return models.EventStatusConfirmed
	}
}

// validateFeed rejects bodies that are obviously not iCalendar, such as
// login pages served instead of the feed.
func validateFeed(body string) error {
	trimmed := strings.TrimSpace(body)
	upper := strings.ToUpper(trimmed)
	if strings.HasPrefix(upper, "<!DOCTYPE") || strings.HasPrefix(upper, "<HTML") {
		return fmt.Errorf("%w: received HTML instead of iCalendar data", provider.ErrData)
	}
	if !strings.HasPrefix(upper, "BEGIN:VCALENDAR") {
		return fmt.Errorf("%w: response is not an iCalendar feed", provider.ErrData)
	}
	return nil
}
