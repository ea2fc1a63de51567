package google

import (
	"fmt"
	"time"

	"google.golang.org/api/calendar/v3"

	"github.com/calsync/backend/internal/provider"
	"github.com/calsync/backend/internal/storage/models"
)

const dateLayout = "2006-01-02"

// EventFromAPI normalizes a Calendar API event. Cancelled events may carry
// no times at all.
func EventFromAPI(item *calendar.Event) (provider.Event, error) {
	ev := provider.Event{
		ExternalID:  item.Id,
		Title:       item.Summary,
		Description: item.Description,
		Location:    item.Location,
		Status:      statusFromAPI(item.Status),
	}
	if item.Id == "" {
		return ev, fmt.Errorf("%w: event without id", provider.ErrData)
	}

	updated, err := time.Parse(time.RFC3339, item.Updated)
	if err != nil {
		return ev, fmt.Errorf("%w: event %s: updated %q: %v", provider.ErrData, item.Id, item.Updated, err)
	}
	ev.LastModified = updated.UTC()

	if ev.Cancelled() && (item.Start == nil || item.End == nil) {
		return ev, nil
	}

	var startAllDay, endAllDay bool
	ev.Start, startAllDay, err = parseEventTime(item.Start)
	if err != nil {
		return ev, fmt.Errorf("%w: event %s start: %v", provider.ErrData, item.Id, err)
	}
	ev.End, endAllDay, err = parseEventTime(item.End)
	if err != nil {
		return ev, fmt.Errorf("%w: event %s end: %v", provider.ErrData, item.Id, err)
	}
	ev.AllDay = startAllDay && endAllDay

	if ev.End.Before(ev.Start) {
		return ev, fmt.Errorf("%w: event %s ends before it starts", provider.ErrData, item.Id)
	}
	return ev, nil
}

func parseEventTime(t *calendar.EventDateTime) (time.Time, bool, error) {
	if t == nil {
		return time.Time{}, false, fmt.Errorf("missing time")
	}
	if t.DateTime != "" {
		parsed, err := time.Parse(time.RFC3339, t.DateTime)
		if err != nil {
			return time.Time{}, false, err
		}
		return parsed.UTC(), false, nil
	}
	if t.Date != "" {
		parsed, err := time.Parse(dateLayout, t.Date)
		if err != nil {
			return time.Time{}, false, err
		}
		return parsed, true, nil
	}
	return time.Time{}, false, fmt.Errorf("empty time")
}

func statusFromAPI(s string) models.EventStatus {
	switch s {
	case "cancelled":
		return models.EventStatusCancelled
	case "tentative":
		return models.EventStatusTentative
	default:
		return models.EventStatusConfirmed
	}
}

// EventToAPI converts a normalized event into a request body.
func EventToAPI(ev provider.Event) *calendar.Event {
	out := &calendar.Event{
		Summary:     ev.Title,
		Description: ev.Description,
		Location:    ev.Location,
		Status:      string(ev.Status),
	}
	if ev.Status == "" {
		out.Status = string(models.EventStatusConfirmed)
	}

	if ev.AllDay {
		out.Start = &calendar.EventDateTime{Date: ev.Start.UTC().Format(dateLayout)}
		out.End = &calendar.EventDateTime{Date: ev.End.UTC().Format(dateLayout)}
	} else {
		out.Start = &calendar.EventDateTime{DateTime: ev.Start.UTC().Format(time.RFC3339)}
		out.End = &calendar.EventDateTime{DateTime: ev.End.UTC().Format(time.RFC3339)}
	}
	return out
}
