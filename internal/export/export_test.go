package export

import (
	"strings"
	"testing"
	"time"

	"icalq/internal/engine"
)

func TestCalendarICS(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	cal := engine.NewCalendar("CAL")

	event, err := engine.ParseEvent("E1", []string{
		"DTSTART:20201231T170000Z",
		"RRULE:FREQ=WEEKLY;BYDAY=MO,WE;COUNT=4",
		"CATEGORIES:A,B",
		"GEO:51.7513;-1.2601",
		"RELATED-TO;RELTYPE=PARENT:P1",
		"SUMMARY:Standup",
	}, now, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if ok, err := cal.UpsertEvent(event); err != nil || !ok {
		t.Fatal(err)
	}

	override, err := engine.ParseOverride(1609779600, []string{"SUMMARY:Moved"}, now, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if ok, err := cal.UpsertOverride("E1", override); err != nil || !ok {
		t.Fatal(err)
	}

	document, err := CalendarICS(cal, now)
	if err != nil {
		t.Fatal(err)
	}

	for _, want := range []string{
		"BEGIN:VCALENDAR",
		"END:VCALENDAR",
		"BEGIN:VEVENT",
		"UID:E1",
		"RRULE:FREQ=WEEKLY;BYDAY=MO,WE;COUNT=4",
		"CATEGORIES:A,B",
		"RECURRENCE-ID:20210104T170000Z",
		"SUMMARY:Moved",
	} {
		if !strings.Contains(document, want) {
			t.Errorf("exported document missing %q", want)
		}
	}

	// One component for the event, one for its override.
	if got := strings.Count(document, "BEGIN:VEVENT"); got != 2 {
		t.Errorf("VEVENT count = %d, want 2", got)
	}
}
