package engine

import (
	"sort"
	"time"

	"icalq/internal/apperr"
	"icalq/internal/ical"
)

// Override replaces individual properties of one occurrence. Absent
// properties inherit from the base event; present ones replace, with an
// empty value list meaning "explicitly cleared".
type Override struct {
	Instant int64

	HasDTStart  bool
	HasDTEnd    bool
	DTEndUTC    int64
	DTEndTZID   string
	HasDuration bool
	DurSeconds  int64

	HasCategories bool
	Categories    []string

	HasRelatedTo bool
	RelatedTo    []RelTerm

	HasLocationTypes bool
	LocationTypes    []string

	Class *string

	HasGeo bool
	Geo    *GeoPoint

	Passive []ical.ContentLine

	LastModifiedMillis int64
}

// ParseOverride builds an override for the occurrence at instant from
// raw property lines. Recurrence properties are rejected; a DTSTART, if
// present, must equal the occurrence instant.
func ParseOverride(instant int64, lines []string, now, deadline time.Time) (*Override, error) {
	override := &Override{Instant: instant}

	for _, line := range lines {
		if err := checkDeadline(deadline); err != nil {
			return nil, err
		}
		parsed, err := ical.ParseContentLine(line)
		if err != nil {
			return nil, err
		}

		switch parsed.Name {
		case "RRULE", "EXRULE", "RDATE", "EXDATE":
			return nil, apperr.Newf(apperr.KindValidation, "override must not carry %s", parsed.Name)

		case "GEO":
			override.HasGeo = true
			if parsed.Value == "" {
				override.Geo = nil
				continue
			}
			lat, lon, err := ical.ParseGeoValue(parsed.Value)
			if err != nil {
				return nil, err
			}
			override.Geo = &GeoPoint{Lat: lat, Lon: lon}

		case "CLASS":
			value := parsed.Value
			override.Class = &value

		default:
			property, err := ical.ParseProperty(line)
			if err != nil {
				return nil, err
			}

			switch p := property.(type) {
			case ical.DTStart:
				if p.UTC != instant {
					return nil, apperr.Newf(apperr.KindValidation,
						"override DTSTART %s does not match occurrence %s",
						ical.FormatUTC(p.UTC), ical.FormatUTC(instant))
				}
				override.HasDTStart = true

			case ical.DTEnd:
				override.HasDTEnd = true
				override.DTEndUTC = p.UTC
				override.DTEndTZID = p.TZID

			case ical.Duration:
				override.HasDuration = true
				override.DurSeconds = p.Seconds

			case ical.Categories:
				override.HasCategories = true
				override.Categories = mergeSortedStrings(override.Categories, p.Values)

			case ical.RelatedTo:
				override.HasRelatedTo = true
				override.RelatedTo = mergeRelTerms(override.RelatedTo, RelTerm{RelType: p.RelType, Value: p.Value})

			case ical.LocationType:
				override.HasLocationTypes = true
				override.LocationTypes = mergeSortedStrings(override.LocationTypes, p.Values)

			case ical.UID:
				return nil, apperr.New(apperr.KindValidation, "override must not carry UID")

			case ical.LastModified:
				override.LastModifiedMillis = p.UTCMillis

			case ical.Passive:
				override.Passive = append(override.Passive, p.Line)
			}
		}
	}

	if override.HasDTEnd && override.HasDuration {
		return nil, apperr.New(apperr.KindValidation, "override must not carry both DTEND and DURATION")
	}

	if override.LastModifiedMillis == 0 {
		override.LastModifiedMillis = now.UTC().UnixMilli()
	}

	return override, nil
}

// Clone deep-copies the override.
func (o *Override) Clone() *Override {
	clone := *o
	clone.Categories = append([]string(nil), o.Categories...)
	clone.RelatedTo = append([]RelTerm(nil), o.RelatedTo...)
	clone.LocationTypes = append([]string(nil), o.LocationTypes...)
	if o.Class != nil {
		class := *o.Class
		clone.Class = &class
	}
	if o.Geo != nil {
		geo := *o.Geo
		clone.Geo = &geo
	}
	clone.Passive = append([]ical.ContentLine(nil), o.Passive...)
	return &clone
}

// PropertyLines serializes the override in canonical sorted order.
func (o *Override) PropertyLines() []string {
	lines := []string{
		ical.ContentLine{Name: "RECURRENCE-ID", Params: ical.Params{}, Value: ical.FormatUTC(o.Instant)}.String(),
	}

	if o.HasDTStart {
		lines = append(lines, ical.DTStart{UTC: o.Instant}.ContentLine().String())
	}
	if o.HasDTEnd {
		lines = append(lines, ical.DTEnd{UTC: o.DTEndUTC, TZID: o.DTEndTZID}.ContentLine().String())
	}
	if o.HasDuration {
		lines = append(lines, ical.Duration{Seconds: o.DurSeconds}.ContentLine().String())
	}
	if o.HasCategories {
		lines = append(lines, ical.Categories{Values: o.Categories}.ContentLine().String())
	}
	if o.HasRelatedTo {
		for _, rel := range sortedRelTerms(o.RelatedTo) {
			lines = append(lines, ical.RelatedTo{RelType: rel.RelType, Value: rel.Value}.ContentLine().String())
		}
	}
	if o.HasLocationTypes {
		lines = append(lines, ical.LocationType{Values: o.LocationTypes}.ContentLine().String())
	}
	if o.Class != nil {
		lines = append(lines, ical.Class{Value: *o.Class}.ContentLine().String())
	}
	if o.HasGeo {
		if o.Geo != nil {
			lines = append(lines, ical.Geo{Lat: o.Geo.Lat, Lon: o.Geo.Lon}.ContentLine().String())
		} else {
			lines = append(lines, ical.ContentLine{Name: "GEO", Params: ical.Params{}, Value: ""}.String())
		}
	}
	lines = append(lines, ical.LastModified{UTCMillis: o.LastModifiedMillis}.ContentLine().String())
	for _, passive := range o.Passive {
		lines = append(lines, passive.String())
	}

	sort.Strings(lines)
	return lines
}
