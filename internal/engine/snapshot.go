package engine

import (
	"encoding/json"
	"time"

	"icalq/internal/apperr"
	"icalq/internal/ical"
)

// SnapshotVersion is the format version written by Encode. Readers
// accept any version up to and including this one.
const SnapshotVersion = 1

// snapshot is the owned-state persistence envelope: calendar identity,
// events and overrides in their normalized property-line form, and the
// indexing flag. Derived indexes are never captured; they are rebuilt on
// load.
type snapshot struct {
	Version        int             `json:"version"`
	CalendarUID    string          `json:"calendar_uid"`
	IndexesEnabled bool            `json:"indexes_enabled"`
	Events         []snapshotEvent `json:"events"`
}

type snapshotEvent struct {
	UID        string             `json:"uid"`
	Properties []string           `json:"properties"`
	Overrides  []snapshotOverride `json:"overrides,omitempty"`
}

type snapshotOverride struct {
	RecurrenceID string   `json:"recurrence_id"`
	Properties   []string `json:"properties"`
}

// EncodeSnapshot serializes the calendar's owned state.
func EncodeSnapshot(c *Calendar) ([]byte, error) {
	snap := snapshot{
		Version:        SnapshotVersion,
		CalendarUID:    c.UID,
		IndexesEnabled: c.IndexesEnabled,
	}

	for _, uid := range c.EventUIDs() {
		event := c.Events[uid]

		encoded := snapshotEvent{UID: uid, Properties: event.PropertyLines()}
		for _, instant := range event.OverrideInstants() {
			encoded.Overrides = append(encoded.Overrides, snapshotOverride{
				RecurrenceID: ical.FormatUTC(instant),
				Properties:   event.Overrides[instant].PropertyLines(),
			})
		}

		snap.Events = append(snap.Events, encoded)
	}

	return json.MarshalIndent(snap, "", "  ")
}

// DecodeSnapshot reconstructs a calendar from a snapshot produced by
// this or any earlier format version. Indexes are rebuilt unless the
// snapshot recorded them as disabled.
func DecodeSnapshot(data []byte) (*Calendar, error) {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, apperr.Wrap(apperr.KindParse, "malformed calendar snapshot", err)
	}

	if snap.Version < 1 || snap.Version > SnapshotVersion {
		return nil, apperr.Newf(apperr.KindParse, "unsupported snapshot version %d", snap.Version)
	}
	if snap.CalendarUID == "" {
		return nil, apperr.New(apperr.KindParse, "snapshot missing calendar UID")
	}

	calendar := NewCalendar(snap.CalendarUID)
	calendar.IndexesEnabled = false // deferred until the rebuild below

	now := time.Now().UTC()

	for _, encoded := range snap.Events {
		event, err := ParseEvent(encoded.UID, stripRecurrenceID(encoded.Properties), now, time.Time{})
		if err != nil {
			return nil, err
		}

		for _, over := range encoded.Overrides {
			instant, err := ical.ParseDateTime(over.RecurrenceID, "")
			if err != nil {
				return nil, err
			}
			// Overrides are attached directly: retained explicit-instant
			// overrides must survive restore even when the schedule no
			// longer produces their instant.
			override, err := ParseOverride(instant, stripRecurrenceID(over.Properties), now, time.Time{})
			if err != nil {
				return nil, err
			}
			event.Overrides[instant] = override
		}

		calendar.Events[event.UID] = event
	}

	if snap.IndexesEnabled {
		calendar.RebuildIndexes()
	}

	return calendar, nil
}

// stripRecurrenceID drops the RECURRENCE-ID marker line that
// PropertyLines emits for overrides; the instant travels separately.
func stripRecurrenceID(lines []string) []string {
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		parsed, err := ical.ParseContentLine(line)
		if err == nil && parsed.Name == "RECURRENCE-ID" {
			continue
		}
		kept = append(kept, line)
	}
	return kept
}
