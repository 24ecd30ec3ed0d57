package server

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"icalq/internal/apperr"
	"icalq/internal/config"
)

// recordingNotifier captures dispatched keyspace notifications.
type recordingNotifier struct {
	messages []string
}

func (n *recordingNotifier) Notify(_ context.Context, calendarUID, message string) {
	n.messages = append(n.messages, calendarUID+"|"+message)
}

func (n *recordingNotifier) last() string {
	if len(n.messages) == 0 {
		return ""
	}
	return n.messages[len(n.messages)-1]
}

func newTestDispatcher() (*Dispatcher, *recordingNotifier) {
	notifier := &recordingNotifier{}
	cfg := config.DefaultConfig()
	d := NewDispatcher(NewStore(), cfg, notifier, zerolog.Nop())
	d.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return d, notifier
}

func dispatch(t *testing.T, d *Dispatcher, cmd string, args ...string) *Reply {
	t.Helper()
	reply, err := d.Dispatch(context.Background(), cmd, args)
	if err != nil {
		t.Fatalf("%s %v: %v", cmd, args, err)
	}
	return reply
}

func TestCalendarLifecycle(t *testing.T) {
	d, notifier := newTestDispatcher()

	reply := dispatch(t, d, "CAL_SET", "CAL")
	if !reply.Bool {
		t.Error("CAL_SET should create")
	}
	if notifier.last() != "CAL|cal_set" {
		t.Errorf("notification = %q", notifier.last())
	}

	if reply := dispatch(t, d, "CAL_SET", "CAL"); reply.Bool {
		t.Error("second CAL_SET should report existing")
	}

	reply = dispatch(t, d, "CAL_GET", "CAL")
	if reply.Kind != ReplyLines || reply.Lines[0] != "UID:CAL" {
		t.Errorf("CAL_GET = %+v", reply)
	}

	if reply := dispatch(t, d, "CAL_GET", "MISSING"); reply.Kind != ReplyNil {
		t.Error("CAL_GET on absent calendar should be nil")
	}

	if reply := dispatch(t, d, "CAL_DEL", "CAL"); !reply.Bool {
		t.Error("CAL_DEL should delete")
	}
	if notifier.last() != "CAL|cal_del" {
		t.Errorf("notification = %q", notifier.last())
	}
}

func TestEventCommands(t *testing.T) {
	d, notifier := newTestDispatcher()
	dispatch(t, d, "CAL_SET", "CAL")

	reply := dispatch(t, d, "EVT_SET", "CAL", "E1",
		"DTSTART:20201231T170000Z",
		"RRULE:FREQ=WEEKLY;BYDAY=MO,WE;COUNT=4",
		"CATEGORIES:A,B",
	)
	if reply.Kind != ReplyLines {
		t.Fatalf("EVT_SET reply = %+v", reply)
	}
	if !strings.HasPrefix(notifier.last(), "CAL|evt_set:E1 LAST-MODIFIED:") {
		t.Errorf("notification = %q", notifier.last())
	}

	reply = dispatch(t, d, "EVT_GET", "CAL", "E1")
	if reply.Kind != ReplyLines {
		t.Fatalf("EVT_GET = %+v", reply)
	}
	foundCategories := false
	for _, line := range reply.Lines {
		if line == "CATEGORIES:A,B" {
			foundCategories = true
		}
	}
	if !foundCategories {
		t.Errorf("EVT_GET lines = %v", reply.Lines)
	}

	if reply := dispatch(t, d, "EVT_GET", "CAL", "GHOST"); reply.Kind != ReplyNil {
		t.Error("EVT_GET on absent event should be nil")
	}

	reply = dispatch(t, d, "EVT_LIST", "CAL")
	if reply.Kind != ReplyEntities || len(reply.Entities) != 1 {
		t.Errorf("EVT_LIST = %+v", reply)
	}

	if reply := dispatch(t, d, "EVT_DEL", "CAL", "E1"); !reply.Bool {
		t.Error("EVT_DEL should delete")
	}
	if notifier.last() != "CAL|evt_del:E1" {
		t.Errorf("notification = %q", notifier.last())
	}
}

func TestEventSetLastModifiedRegression(t *testing.T) {
	d, _ := newTestDispatcher()
	dispatch(t, d, "CAL_SET", "CAL")

	dispatch(t, d, "EVT_SET", "CAL", "E1",
		"DTSTART:20210101T090000Z",
		"LAST-MODIFIED:20240101T000000Z",
	)

	reply := dispatch(t, d, "EVT_SET", "CAL", "E1",
		"DTSTART:20210101T090000Z",
		"LAST-MODIFIED:20230101T000000Z",
	)
	if reply.Kind != ReplyBool || reply.Bool {
		t.Errorf("stale EVT_SET should return falsey, got %+v", reply)
	}

	// Prior state retained.
	get := dispatch(t, d, "EVT_GET", "CAL", "E1")
	found := false
	for _, line := range get.Lines {
		if line == "LAST-MODIFIED:20240101T000000Z" {
			found = true
		}
	}
	if !found {
		t.Errorf("EVT_GET lines = %v", get.Lines)
	}
}

func TestOverrideCommands(t *testing.T) {
	d, notifier := newTestDispatcher()
	dispatch(t, d, "CAL_SET", "CAL")
	dispatch(t, d, "EVT_SET", "CAL", "E1",
		"DTSTART:20201231T170000Z",
		"RRULE:FREQ=WEEKLY;BYDAY=MO,WE;COUNT=4",
		"CATEGORIES:A,B",
	)

	reply := dispatch(t, d, "EVO_SET", "CAL", "E1", "20210104T170000Z",
		"SUMMARY:Overridden", "CATEGORIES:X")
	if reply.Kind != ReplyLines {
		t.Fatalf("EVO_SET = %+v", reply)
	}
	if !strings.HasPrefix(notifier.last(), "CAL|evo_set:E1:20210104T170000Z LAST-MODIFIED:") {
		t.Errorf("notification = %q", notifier.last())
	}

	reply = dispatch(t, d, "EVO_GET", "CAL", "E1", "20210104T170000Z")
	if reply.Kind != ReplyLines {
		t.Fatalf("EVO_GET = %+v", reply)
	}

	reply = dispatch(t, d, "EVO_LIST", "CAL", "E1")
	if reply.Kind != ReplyEntities || len(reply.Entities) != 1 {
		t.Errorf("EVO_LIST = %+v", reply)
	}

	// An off-schedule instant is a Validation error.
	if _, err := d.Dispatch(context.Background(), "EVO_SET",
		[]string{"CAL", "E1", "20210105T170000Z", "SUMMARY:Bad"}); !apperr.IsKind(err, apperr.KindValidation) {
		t.Errorf("expected Validation, got %v", err)
	}

	if reply := dispatch(t, d, "EVO_DEL", "CAL", "E1", "20210104T170000Z"); !reply.Bool {
		t.Error("EVO_DEL should delete")
	}
	if notifier.last() != "CAL|evo_del:E1:20210104T170000Z" {
		t.Errorf("notification = %q", notifier.last())
	}
}

func TestInstanceCommands(t *testing.T) {
	d, _ := newTestDispatcher()
	dispatch(t, d, "CAL_SET", "CAL")
	dispatch(t, d, "EVT_SET", "CAL", "E1",
		"DTSTART:20201231T170000Z",
		"RRULE:FREQ=WEEKLY;BYDAY=MO,WE;COUNT=4",
		"GEO:51.7513;-1.2601",
		"CATEGORIES:A,B",
	)
	dispatch(t, d, "EVO_SET", "CAL", "E1", "20210104T170000Z", "CATEGORIES:X")

	reply := dispatch(t, d, "EVI_LIST", "CAL", "E1")
	if reply.Kind != ReplyEntities || len(reply.Entities) != 4 {
		t.Fatalf("EVI_LIST rows = %d, want 4", len(reply.Entities))
	}
	wantIDs := []string{
		"RECURRENCE-ID:20201231T170000Z",
		"RECURRENCE-ID:20210104T170000Z",
		"RECURRENCE-ID:20210106T170000Z",
		"RECURRENCE-ID:20210111T170000Z",
	}
	for i, entity := range reply.Entities {
		found := false
		for _, line := range entity {
			if line == wantIDs[i] {
				found = true
			}
		}
		if !found {
			t.Errorf("entity %d missing %q: %v", i, wantIDs[i], entity)
		}
	}

	query := dispatch(t, d, "EVI_QUERY", "CAL", "X-CATEGORIES:X")
	if query.Kind != ReplyRows || len(query.Rows) != 1 {
		t.Fatalf("EVI_QUERY = %+v", query)
	}
	if query.Rows[0].Projection[0] != "DTSTART:20210104T170000Z" {
		t.Errorf("projection = %v", query.Rows[0].Projection)
	}

	events := dispatch(t, d, "EVT_QUERY", "CAL", "X-CATEGORIES:A")
	if events.Kind != ReplyRows || len(events.Rows) != 1 {
		t.Fatalf("EVT_QUERY = %+v", events)
	}
}

func TestIndexDisableRebuildFlow(t *testing.T) {
	d, _ := newTestDispatcher()
	dispatch(t, d, "CAL_SET", "CAL")
	dispatch(t, d, "EVT_SET", "CAL", "E1", "DTSTART:20210101T090000Z", "CATEGORIES:A")

	dispatch(t, d, "CAL_IDX_DISABLE", "CAL")
	dispatch(t, d, "EVT_SET", "CAL", "E3", "DTSTART:20210301T100000Z", "CATEGORIES:Z")

	if reply := dispatch(t, d, "EVI_QUERY", "CAL", ""); len(reply.Rows) != 0 {
		t.Errorf("disabled calendar returned %d rows", len(reply.Rows))
	}

	dispatch(t, d, "CAL_IDX_REBUILD", "CAL")
	if reply := dispatch(t, d, "EVI_QUERY", "CAL", "X-CATEGORIES:Z"); len(reply.Rows) != 1 {
		t.Errorf("rebuild did not surface the new event, rows = %d", len(reply.Rows))
	}
}

func TestPruneCommands(t *testing.T) {
	d, _ := newTestDispatcher()
	dispatch(t, d, "CAL_SET", "CAL")
	dispatch(t, d, "EVT_SET", "CAL", "E1", "DTSTART:20210101T090000Z")
	dispatch(t, d, "EVT_SET", "CAL", "E2", "DTSTART:20220601T090000Z")

	reply := dispatch(t, d, "EVT_PRUNE", "CAL", "20210101T000000Z", "20211231T235959Z")
	if reply.Kind != ReplyCount || reply.Count != 1 {
		t.Errorf("EVT_PRUNE = %+v", reply)
	}

	dispatch(t, d, "EVO_SET", "CAL", "E2", "20220601T090000Z", "SUMMARY:O")
	reply = dispatch(t, d, "EVO_PRUNE", "CAL", "E2", "20220101T000000Z", "20221231T235959Z")
	if reply.Kind != ReplyCount || reply.Count != 1 {
		t.Errorf("EVO_PRUNE = %+v", reply)
	}
}

func TestDispatchErrors(t *testing.T) {
	d, _ := newTestDispatcher()

	if _, err := d.Dispatch(context.Background(), "NOPE", []string{"CAL"}); !apperr.IsKind(err, apperr.KindParse) {
		t.Errorf("unknown command: %v", err)
	}
	if _, err := d.Dispatch(context.Background(), "EVT_SET", []string{"CAL", "E1", "DTSTART:20210101T090000Z"}); !apperr.IsKind(err, apperr.KindNotFound) {
		t.Errorf("missing calendar: %v", err)
	}

	dispatch(t, d, "CAL_SET", "CAL")
	if _, err := d.Dispatch(context.Background(), "EVT_SET",
		[]string{"CAL", "E1", "DTSTART:20210101T090000Z", "DTEND:20210101T100000Z", "DURATION:PT1H"}); !apperr.IsKind(err, apperr.KindValidation) {
		t.Errorf("DTEND+DURATION: %v", err)
	}
}

func TestGeneratedEventUID(t *testing.T) {
	d, _ := newTestDispatcher()
	dispatch(t, d, "CAL_SET", "CAL")

	reply := dispatch(t, d, "EVT_SET", "CAL", "", "DTSTART:20210101T090000Z")
	if reply.Kind != ReplyLines {
		t.Fatalf("EVT_SET with empty UID = %+v", reply)
	}

	uidLine := ""
	for _, line := range reply.Lines {
		if strings.HasPrefix(line, "UID:") {
			uidLine = line
		}
	}
	if len(uidLine) <= len("UID:") {
		t.Errorf("no generated UID in %v", reply.Lines)
	}
}
