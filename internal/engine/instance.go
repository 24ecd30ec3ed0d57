package engine

import (
	"sort"

	"icalq/internal/ical"
)

// Instance is the fully merged view of one occurrence. It is derived on
// demand and never stored.
type Instance struct {
	EventUID     string
	RecurrenceID int64
	DTStartUTC   int64
	DurSeconds   int64

	Categories    []string
	RelatedTo     []RelTerm
	LocationTypes []string
	Class         string
	Geo           *GeoPoint

	Passive []ical.ContentLine

	LastModifiedMillis int64
}

// InstanceAt materializes the occurrence at instant, layering the
// override at that instant (if any) over the base event.
func (e *Event) InstanceAt(instant int64) *Instance {
	instance := &Instance{
		EventUID:           e.UID,
		RecurrenceID:       instant,
		DTStartUTC:         instant,
		DurSeconds:         e.Duration(),
		Categories:         e.Categories,
		RelatedTo:          e.RelatedTo,
		LocationTypes:      e.LocationTypes,
		Class:              e.Class,
		Geo:                e.Geo,
		Passive:            e.Passive,
		LastModifiedMillis: e.LastModifiedMillis,
	}

	override, ok := e.Overrides[instant]
	if !ok {
		return instance
	}

	switch {
	case override.HasDuration:
		instance.DurSeconds = override.DurSeconds
	case override.HasDTEnd:
		instance.DurSeconds = override.DTEndUTC - instance.DTStartUTC
	}

	if override.HasCategories {
		instance.Categories = override.Categories
	}
	if override.HasRelatedTo {
		instance.RelatedTo = override.RelatedTo
	}
	if override.HasLocationTypes {
		instance.LocationTypes = override.LocationTypes
	}
	if override.Class != nil {
		instance.Class = *override.Class
	}
	if override.HasGeo {
		instance.Geo = override.Geo
	}

	if len(override.Passive) > 0 {
		instance.Passive = mergePassive(e.Passive, override.Passive)
	}

	if override.LastModifiedMillis > 0 {
		instance.LastModifiedMillis = override.LastModifiedMillis
	}

	return instance
}

// DTEndUTC is the effective occurrence end: DTSTART plus the effective
// duration.
func (i *Instance) DTEndUTC() int64 {
	return i.DTStartUTC + i.DurSeconds
}

// AssertsCategory reports whether the merged instance carries the
// category.
func (i *Instance) AssertsCategory(value string) bool {
	for _, category := range i.Categories {
		if category == value {
			return true
		}
	}
	return false
}

// AssertsRelatedTo reports whether the merged instance carries the
// (reltype, value) relation.
func (i *Instance) AssertsRelatedTo(term RelTerm) bool {
	for _, rel := range i.RelatedTo {
		if rel == term {
			return true
		}
	}
	return false
}

// AssertsLocationType reports whether the merged instance carries the
// location type.
func (i *Instance) AssertsLocationType(value string) bool {
	for _, locationType := range i.LocationTypes {
		if locationType == value {
			return true
		}
	}
	return false
}

// PropertyLines serializes the instance's full property set in canonical
// sorted order, rendering date-times in the given output zone.
func (i *Instance) PropertyLines(tzid string) ([]string, error) {
	dtstart, err := formatZonedLine("DTSTART", i.DTStartUTC, tzid)
	if err != nil {
		return nil, err
	}
	dtend, err := formatZonedLine("DTEND", i.DTEndUTC(), tzid)
	if err != nil {
		return nil, err
	}

	lines := []string{
		ical.UID{Value: i.EventUID}.ContentLine().String(),
		ical.ContentLine{Name: "RECURRENCE-ID", Params: ical.Params{}, Value: ical.FormatUTC(i.RecurrenceID)}.String(),
		dtstart,
		dtend,
		ical.Duration{Seconds: i.DurSeconds}.ContentLine().String(),
		ical.LastModified{UTCMillis: i.LastModifiedMillis}.ContentLine().String(),
	}

	if len(i.Categories) > 0 {
		lines = append(lines, ical.Categories{Values: i.Categories}.ContentLine().String())
	}
	for _, rel := range sortedRelTerms(i.RelatedTo) {
		lines = append(lines, ical.RelatedTo{RelType: rel.RelType, Value: rel.Value}.ContentLine().String())
	}
	if len(i.LocationTypes) > 0 {
		lines = append(lines, ical.LocationType{Values: i.LocationTypes}.ContentLine().String())
	}
	if i.Class != "" {
		lines = append(lines, ical.Class{Value: i.Class}.ContentLine().String())
	}
	if i.Geo != nil {
		lines = append(lines, ical.Geo{Lat: i.Geo.Lat, Lon: i.Geo.Lon}.ContentLine().String())
	}
	for _, passive := range i.Passive {
		lines = append(lines, passive.String())
	}

	sort.Strings(lines)
	return lines, nil
}

// mergePassive layers override passive lines over base ones
// property-by-property: every base line whose name the override also
// carries is replaced by the override's lines of that name.
func mergePassive(base, override []ical.ContentLine) []ical.ContentLine {
	overridden := make(map[string]struct{}, len(override))
	for _, line := range override {
		overridden[line.Name] = struct{}{}
	}

	merged := make([]ical.ContentLine, 0, len(base)+len(override))
	for _, line := range base {
		if _, ok := overridden[line.Name]; !ok {
			merged = append(merged, line)
		}
	}
	merged = append(merged, override...)

	return merged
}

func formatZonedLine(name string, unix int64, tzid string) (string, error) {
	suffix, err := ical.FormatDateTime(unix, tzid)
	if err != nil {
		return "", err
	}
	return name + suffix, nil
}
