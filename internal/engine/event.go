package engine

import (
	"sort"
	"time"

	"icalq/internal/apperr"
	"icalq/internal/ical"
)

// Event is one stored calendar entry: a schedule, the indexed and
// passive properties asserted by every occurrence, and the map of
// per-occurrence overrides keyed by UTC occurrence instant.
type Event struct {
	UID string

	// Schedule.
	HasDTStart  bool
	DTStartUTC  int64
	DTStartTZID string
	HasDTEnd    bool
	DTEndUTC    int64
	DTEndTZID   string
	HasDuration bool
	DurSeconds  int64
	RRules      []string
	ExRules     []string
	RDates      []int64
	ExDates     []int64

	// Indexed.
	Categories    []string
	RelatedTo     []RelTerm
	LocationTypes []string
	Class         string
	Geo           *GeoPoint

	// Passive, preserved verbatim.
	Passive []ical.ContentLine

	LastModifiedMillis int64

	Overrides map[int64]*Override
}

// ParseEvent builds an event from raw property lines. now supplies the
// LAST-MODIFIED default when the input carries none; deadline bounds
// parsing work cooperatively (zero disables the check).
func ParseEvent(uid string, lines []string, now, deadline time.Time) (*Event, error) {
	if uid == "" {
		return nil, apperr.New(apperr.KindValidation, "event UID must not be empty")
	}

	event := &Event{UID: uid, Overrides: map[int64]*Override{}}

	for _, line := range lines {
		if err := checkDeadline(deadline); err != nil {
			return nil, err
		}
		property, err := ical.ParseProperty(line)
		if err != nil {
			return nil, err
		}

		switch p := property.(type) {
		case ical.DTStart:
			if event.HasDTStart {
				return nil, apperr.New(apperr.KindValidation, "event carries more than one DTSTART")
			}
			event.HasDTStart = true
			event.DTStartUTC = p.UTC
			event.DTStartTZID = p.TZID

		case ical.DTEnd:
			event.HasDTEnd = true
			event.DTEndUTC = p.UTC
			event.DTEndTZID = p.TZID

		case ical.Duration:
			event.HasDuration = true
			event.DurSeconds = p.Seconds

		case ical.RRule:
			event.RRules = append(event.RRules, p.Value)

		case ical.ExRule:
			event.ExRules = append(event.ExRules, p.Value)

		case ical.RDate:
			event.RDates = mergeSortedInstants(event.RDates, p.UTC)

		case ical.ExDate:
			event.ExDates = mergeSortedInstants(event.ExDates, p.UTC)

		case ical.Categories:
			event.Categories = mergeSortedStrings(event.Categories, p.Values)

		case ical.RelatedTo:
			event.RelatedTo = mergeRelTerms(event.RelatedTo, RelTerm{RelType: p.RelType, Value: p.Value})

		case ical.LocationType:
			event.LocationTypes = mergeSortedStrings(event.LocationTypes, p.Values)

		case ical.Class:
			event.Class = p.Value

		case ical.Geo:
			event.Geo = &GeoPoint{Lat: p.Lat, Lon: p.Lon}

		case ical.UID:
			if p.Value != uid {
				return nil, apperr.Newf(apperr.KindValidation, "UID property %q does not match event UID %q", p.Value, uid)
			}

		case ical.LastModified:
			event.LastModifiedMillis = p.UTCMillis

		case ical.Passive:
			event.Passive = append(event.Passive, p.Line)
		}
	}

	if err := event.validate(); err != nil {
		return nil, err
	}

	if event.LastModifiedMillis == 0 {
		event.LastModifiedMillis = now.UTC().UnixMilli()
	}

	return event, nil
}

func (e *Event) validate() error {
	if !e.HasDTStart {
		return apperr.New(apperr.KindValidation, "event requires a DTSTART")
	}
	if e.HasDTEnd && e.HasDuration {
		return apperr.New(apperr.KindValidation, "event must not carry both DTEND and DURATION")
	}
	if e.HasDTEnd && e.DTEndUTC < e.DTStartUTC {
		return apperr.New(apperr.KindValidation, "DTEND precedes DTSTART")
	}
	return nil
}

// Duration returns the effective event duration in seconds:
// DTEND − DTSTART when DTEND is present, the explicit DURATION otherwise,
// zero when neither is set.
func (e *Event) Duration() int64 {
	if e.HasDTEnd {
		return e.DTEndUTC - e.DTStartUTC
	}
	if e.HasDuration {
		return e.DurSeconds
	}
	return 0
}

// Clone deep-copies the event, overrides included.
func (e *Event) Clone() *Event {
	clone := *e
	clone.RRules = append([]string(nil), e.RRules...)
	clone.ExRules = append([]string(nil), e.ExRules...)
	clone.RDates = append([]int64(nil), e.RDates...)
	clone.ExDates = append([]int64(nil), e.ExDates...)
	clone.Categories = append([]string(nil), e.Categories...)
	clone.RelatedTo = append([]RelTerm(nil), e.RelatedTo...)
	clone.LocationTypes = append([]string(nil), e.LocationTypes...)
	if e.Geo != nil {
		geo := *e.Geo
		clone.Geo = &geo
	}
	clone.Passive = append([]ical.ContentLine(nil), e.Passive...)
	clone.Overrides = make(map[int64]*Override, len(e.Overrides))
	for instant, override := range e.Overrides {
		clone.Overrides[instant] = override.Clone()
	}
	return &clone
}

// PropertyLines serializes the event's own properties (not overrides) in
// the canonical sorted order used by command replies.
func (e *Event) PropertyLines() []string {
	lines := []string{ical.UID{Value: e.UID}.ContentLine().String()}

	lines = append(lines, ical.DTStart{UTC: e.DTStartUTC, TZID: e.DTStartTZID}.ContentLine().String())
	if e.HasDTEnd {
		lines = append(lines, ical.DTEnd{UTC: e.DTEndUTC, TZID: e.DTEndTZID}.ContentLine().String())
	}
	if e.HasDuration {
		lines = append(lines, ical.Duration{Seconds: e.DurSeconds}.ContentLine().String())
	}
	for _, rule := range e.RRules {
		lines = append(lines, ical.RRule{Value: rule}.ContentLine().String())
	}
	for _, rule := range e.ExRules {
		lines = append(lines, ical.ExRule{Value: rule}.ContentLine().String())
	}
	if len(e.RDates) > 0 {
		lines = append(lines, ical.RDate{UTC: e.RDates}.ContentLine().String())
	}
	if len(e.ExDates) > 0 {
		lines = append(lines, ical.ExDate{UTC: e.ExDates}.ContentLine().String())
	}
	if len(e.Categories) > 0 {
		lines = append(lines, ical.Categories{Values: e.Categories}.ContentLine().String())
	}
	for _, rel := range sortedRelTerms(e.RelatedTo) {
		lines = append(lines, ical.RelatedTo{RelType: rel.RelType, Value: rel.Value}.ContentLine().String())
	}
	if len(e.LocationTypes) > 0 {
		lines = append(lines, ical.LocationType{Values: e.LocationTypes}.ContentLine().String())
	}
	if e.Class != "" {
		lines = append(lines, ical.Class{Value: e.Class}.ContentLine().String())
	}
	if e.Geo != nil {
		lines = append(lines, ical.Geo{Lat: e.Geo.Lat, Lon: e.Geo.Lon}.ContentLine().String())
	}
	lines = append(lines, ical.LastModified{UTCMillis: e.LastModifiedMillis}.ContentLine().String())
	for _, passive := range e.Passive {
		lines = append(lines, passive.String())
	}

	sort.Strings(lines)
	return lines
}

// OverrideInstants returns the override keys in ascending order.
func (e *Event) OverrideInstants() []int64 {
	instants := make([]int64, 0, len(e.Overrides))
	for instant := range e.Overrides {
		instants = append(instants, instant)
	}
	sort.Slice(instants, func(i, j int) bool { return instants[i] < instants[j] })
	return instants
}

// Term extraction for index maintenance.

func (e *Event) categoryTerms() ([]string, map[int64][]string) {
	overrides := map[int64][]string{}
	for instant, override := range e.Overrides {
		if override.HasCategories {
			overrides[instant] = override.Categories
		}
	}
	return e.Categories, overrides
}

func (e *Event) relatedTerms() ([]RelTerm, map[int64][]RelTerm) {
	overrides := map[int64][]RelTerm{}
	for instant, override := range e.Overrides {
		if override.HasRelatedTo {
			overrides[instant] = override.RelatedTo
		}
	}
	return e.RelatedTo, overrides
}

func (e *Event) locationTypeTerms() ([]string, map[int64][]string) {
	overrides := map[int64][]string{}
	for instant, override := range e.Overrides {
		if override.HasLocationTypes {
			overrides[instant] = override.LocationTypes
		}
	}
	return e.LocationTypes, overrides
}

func (e *Event) classTerms() ([]string, map[int64][]string) {
	var base []string
	if e.Class != "" {
		base = []string{e.Class}
	}
	overrides := map[int64][]string{}
	for instant, override := range e.Overrides {
		if override.Class != nil {
			var terms []string
			if *override.Class != "" {
				terms = []string{*override.Class}
			}
			overrides[instant] = terms
		}
	}
	return base, overrides
}

func (e *Event) geoTerms() ([]GeoPoint, map[int64][]GeoPoint) {
	var base []GeoPoint
	if e.Geo != nil {
		base = []GeoPoint{*e.Geo}
	}
	overrides := map[int64][]GeoPoint{}
	for instant, override := range e.Overrides {
		if override.HasGeo {
			var terms []GeoPoint
			if override.Geo != nil {
				terms = []GeoPoint{*override.Geo}
			}
			overrides[instant] = terms
		}
	}
	return base, overrides
}

func checkDeadline(deadline time.Time) error {
	if !deadline.IsZero() && time.Now().After(deadline) {
		return apperr.New(apperr.KindParseTimeout, "property parsing exceeded its deadline")
	}
	return nil
}

// Merge helpers keeping slices sorted and deduplicated.

func mergeSortedInstants(existing, incoming []int64) []int64 {
	seen := make(map[int64]struct{}, len(existing)+len(incoming))
	for _, instant := range existing {
		seen[instant] = struct{}{}
	}
	for _, instant := range incoming {
		seen[instant] = struct{}{}
	}
	merged := make([]int64, 0, len(seen))
	for instant := range seen {
		merged = append(merged, instant)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i] < merged[j] })
	return merged
}

func mergeSortedStrings(existing, incoming []string) []string {
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	for _, value := range existing {
		seen[value] = struct{}{}
	}
	for _, value := range incoming {
		seen[value] = struct{}{}
	}
	merged := make([]string, 0, len(seen))
	for value := range seen {
		merged = append(merged, value)
	}
	sort.Strings(merged)
	return merged
}

func mergeRelTerms(existing []RelTerm, incoming ...RelTerm) []RelTerm {
	seen := make(map[RelTerm]struct{}, len(existing)+len(incoming))
	for _, term := range existing {
		seen[term] = struct{}{}
	}
	for _, term := range incoming {
		seen[term] = struct{}{}
	}
	merged := make([]RelTerm, 0, len(seen))
	for term := range seen {
		merged = append(merged, term)
	}
	return sortedRelTerms(merged)
}

func sortedRelTerms(terms []RelTerm) []RelTerm {
	sorted := append([]RelTerm(nil), terms...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].RelType != sorted[j].RelType {
			return sorted[i].RelType < sorted[j].RelType
		}
		return sorted[i].Value < sorted[j].Value
	})
	return sorted
}
