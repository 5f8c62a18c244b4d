package engine

import (
	"strings"

	calendar "google.golang.org/api/calendar/v3"

	"github.com/jw6ventures/calsync/internal/store"
)

// normalizeAttendees maps provider attendees onto the stored form, keeping
// provider order. Entries without an email address are dropped: they stand
// for non-person resources such as meeting rooms.
func normalizeAttendees(in []*calendar.EventAttendee) []store.Attendee {
	var out []store.Attendee
	for _, a := range in {
		if a == nil || a.Email == "" {
			continue
		}
		out = append(out, store.Attendee{
			Email:          a.Email,
			DisplayName:    a.DisplayName,
			ResponseStatus: a.ResponseStatus,
			IsOrganizer:    a.Organizer,
			IsSelf:         a.Self,
		})
	}
	return out
}

// attendeeEmailsEqual compares two attendee lists as email sets, ignoring
// order and case. It decides whether an update is worth dispatching
// downstream.
func attendeeEmailsEqual(a, b []store.Attendee) bool {
	return setsEqual(emailSet(a), emailSet(b))
}

func emailSet(attendees []store.Attendee) map[string]struct{} {
	set := make(map[string]struct{}, len(attendees))
	for _, a := range attendees {
		set[strings.ToLower(a.Email)] = struct{}{}
	}
	return set
}

func setsEqual(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}
