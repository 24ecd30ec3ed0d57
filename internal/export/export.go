// Package export renders calendars as iCalendar documents for
// subscription-style consumers.
package export

import (
	"strings"
	"time"

	ics "github.com/arran4/golang-ical"

	"icalq/internal/engine"
	"icalq/internal/ical"
)

// CalendarICS serializes every event of the calendar (override
// occurrences included, as RECURRENCE-ID components) into one VCALENDAR
// document.
func CalendarICS(cal *engine.Calendar, now time.Time) (string, error) {
	doc := ics.NewCalendar()
	doc.SetMethod(ics.MethodPublish)

	for _, uid := range cal.EventUIDs() {
		event := cal.Event(uid)

		ve := doc.AddEvent(uid)
		ve.SetDtStampTime(now)
		fillEventComponent(ve, event)

		for _, instant := range event.OverrideInstants() {
			vo := doc.AddEvent(uid)
			vo.SetDtStampTime(now)
			vo.SetProperty(ics.ComponentProperty("RECURRENCE-ID"), ical.FormatUTC(instant))
			fillOverrideComponent(vo, event, instant)
		}
	}

	// The library escapes every comma of a TEXT value; CATEGORIES and
	// LOCATION-TYPE are comma-separated lists, so their lines are unfolded
	// and their separators restored.
	unescape := strings.NewReplacer(`\\`, `\\`, `\,`, ",")
	lines := strings.Split(doc.Serialize(), "\n")
	for i := 0; i < len(lines); i++ {
		if !strings.HasPrefix(lines[i], "CATEGORIES") && !strings.HasPrefix(lines[i], "LOCATION-TYPE") {
			continue
		}
		for i+1 < len(lines) && strings.HasPrefix(lines[i+1], " ") {
			lines[i] = strings.TrimSuffix(lines[i], "\r") + lines[i+1][1:]
			lines = append(lines[:i+1], lines[i+2:]...)
		}
		lines[i] = unescape.Replace(lines[i])
	}
	return strings.Join(lines, "\n"), nil
}

func fillEventComponent(ve *ics.VEvent, event *engine.Event) {
	ve.SetStartAt(time.Unix(event.DTStartUTC, 0).UTC())
	if event.HasDTEnd {
		ve.SetEndAt(time.Unix(event.DTEndUTC, 0).UTC())
	} else if event.HasDuration {
		ve.SetProperty(ics.ComponentProperty("DURATION"), ical.FormatDuration(event.DurSeconds))
	}

	for _, rule := range event.RRules {
		ve.AddRrule(rule)
	}
	for _, rule := range event.ExRules {
		ve.SetProperty(ics.ComponentProperty("EXRULE"), rule)
	}
	if len(event.RDates) > 0 {
		ve.SetProperty(ics.ComponentProperty("RDATE"), joinInstants(event.RDates))
	}
	if len(event.ExDates) > 0 {
		ve.SetProperty(ics.ComponentProperty("EXDATE"), joinInstants(event.ExDates))
	}

	setIndexedProperties(ve, event.Categories, event.RelatedTo, event.LocationTypes, event.Class, event.Geo)
	setPassiveProperties(ve, event.Passive)

	ve.SetProperty(ics.ComponentProperty("LAST-MODIFIED"), ical.FormatUTC(event.LastModifiedMillis/1000))
}

func fillOverrideComponent(ve *ics.VEvent, event *engine.Event, instant int64) {
	instance := event.InstanceAt(instant)

	ve.SetStartAt(time.Unix(instance.DTStartUTC, 0).UTC())
	ve.SetEndAt(time.Unix(instance.DTEndUTC(), 0).UTC())

	setIndexedProperties(ve, instance.Categories, instance.RelatedTo, instance.LocationTypes, instance.Class, instance.Geo)
	setPassiveProperties(ve, instance.Passive)

	ve.SetProperty(ics.ComponentProperty("LAST-MODIFIED"), ical.FormatUTC(instance.LastModifiedMillis/1000))
}

func setIndexedProperties(ve *ics.VEvent, categories []string, related []engine.RelTerm, locationTypes []string, class string, geo *engine.GeoPoint) {
	if len(categories) > 0 {
		ve.SetProperty(ics.ComponentProperty("CATEGORIES"), strings.Join(categories, ","))
	}
	for _, rel := range related {
		ve.SetProperty(ics.ComponentProperty("RELATED-TO"), rel.Value,
			&ics.KeyValues{Key: "RELTYPE", Value: []string{rel.RelType}})
	}
	if len(locationTypes) > 0 {
		ve.SetProperty(ics.ComponentProperty("LOCATION-TYPE"), strings.Join(locationTypes, ","))
	}
	if class != "" {
		ve.SetProperty(ics.ComponentProperty("CLASS"), class)
	}
	if geo != nil {
		ve.SetProperty(ics.ComponentProperty("GEO"), ical.FormatGeoValue(geo.Lat, geo.Lon))
	}
}

func setPassiveProperties(ve *ics.VEvent, passive []ical.ContentLine) {
	for _, line := range passive {
		var params []ics.PropertyParameter
		for name, values := range line.Params {
			params = append(params, &ics.KeyValues{Key: name, Value: values})
		}
		ve.SetProperty(ics.ComponentProperty(line.Name), line.Value, params...)
	}
}

func joinInstants(instants []int64) string {
	values := make([]string, 0, len(instants))
	for _, instant := range instants {
		values = append(values, ical.FormatUTC(instant))
	}
	return strings.Join(values, ",")
}
