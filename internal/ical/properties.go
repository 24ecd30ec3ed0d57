package ical

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/teambition/rrule-go"

	"icalq/internal/apperr"
)

// DefaultRelType is assumed when a RELATED-TO property or filter carries
// no RELTYPE parameter.
const DefaultRelType = "PARENT"

// Property is one typed iCalendar property. The concrete type decides
// whether the property participates in scheduling, indexing, or is
// carried passively.
type Property interface {
	// ContentLine renders the property in its canonical serialized form.
	ContentLine() ContentLine
}

// Schedule properties.

type DTStart struct {
	UTC  int64
	TZID string
}

type DTEnd struct {
	UTC  int64
	TZID string
}

type Duration struct {
	Seconds int64
}

type RRule struct {
	Value string
}

type ExRule struct {
	Value string
}

type RDate struct {
	UTC  []int64
	TZID string
}

type ExDate struct {
	UTC  []int64
	TZID string
}

// Indexed properties.

type Categories struct {
	Values []string
}

type RelatedTo struct {
	RelType string
	Value   string
}

type LocationType struct {
	Values []string
}

type Class struct {
	Value string
}

type Geo struct {
	Lat float64
	Lon float64
}

// UID identifies the event. Treated as indexed: the calendar keeps a UID
// posting list so X-UID filters resolve without scanning.
type UID struct {
	Value string
}

// LastModified records the write version of an event or override in UTC,
// extended to millisecond precision via the X-MILLIS parameter.
type LastModified struct {
	UTCMillis int64
}

// Passive is any property the engine carries through untouched
// (SUMMARY, DESCRIPTION, unknown X- lines, …).
type Passive struct {
	Line ContentLine
}

func (p DTStart) ContentLine() ContentLine {
	return dateTimeLine("DTSTART", p.UTC, p.TZID)
}

func (p DTEnd) ContentLine() ContentLine {
	return dateTimeLine("DTEND", p.UTC, p.TZID)
}

func (p Duration) ContentLine() ContentLine {
	return ContentLine{Name: "DURATION", Params: Params{}, Value: FormatDuration(p.Seconds)}
}

func (p RRule) ContentLine() ContentLine {
	return ContentLine{Name: "RRULE", Params: Params{}, Value: p.Value}
}

func (p ExRule) ContentLine() ContentLine {
	return ContentLine{Name: "EXRULE", Params: Params{}, Value: p.Value}
}

func (p RDate) ContentLine() ContentLine {
	return dateListLine("RDATE", p.UTC)
}

func (p ExDate) ContentLine() ContentLine {
	return dateListLine("EXDATE", p.UTC)
}

func (p Categories) ContentLine() ContentLine {
	values := append([]string(nil), p.Values...)
	sort.Strings(values)
	return ContentLine{Name: "CATEGORIES", Params: Params{}, Value: strings.Join(values, ",")}
}

func (p RelatedTo) ContentLine() ContentLine {
	params := Params{}
	params.Set("RELTYPE", p.RelType)
	return ContentLine{Name: "RELATED-TO", Params: params, Value: p.Value}
}

func (p LocationType) ContentLine() ContentLine {
	values := append([]string(nil), p.Values...)
	sort.Strings(values)
	return ContentLine{Name: "LOCATION-TYPE", Params: Params{}, Value: strings.Join(values, ",")}
}

func (p Class) ContentLine() ContentLine {
	return ContentLine{Name: "CLASS", Params: Params{}, Value: p.Value}
}

func (p Geo) ContentLine() ContentLine {
	return ContentLine{
		Name:   "GEO",
		Params: Params{},
		Value:  FormatGeoValue(p.Lat, p.Lon),
	}
}

func (p UID) ContentLine() ContentLine {
	return ContentLine{Name: "UID", Params: Params{}, Value: p.Value}
}

func (p LastModified) ContentLine() ContentLine {
	line := ContentLine{
		Name:   "LAST-MODIFIED",
		Params: Params{},
		Value:  FormatUTC(p.UTCMillis / 1000),
	}
	if millis := p.UTCMillis % 1000; millis != 0 {
		line.Params.Set("X-MILLIS", strconv.FormatInt(millis, 10))
	}
	return line
}

func (p Passive) ContentLine() ContentLine {
	return p.Line
}

// FormatGeoValue renders a GEO value as "lat;lon" with insignificant
// trailing zeros dropped.
func FormatGeoValue(lat, lon float64) string {
	return trimFloat(lat) + ";" + trimFloat(lon)
}

func trimFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// ParseProperty turns one raw property line into its typed form. Unknown
// property names (including unrecognized X- extensions) come back as
// Passive; malformed lines fail with a Parse error.
func ParseProperty(line string) (Property, error) {
	parsed, err := ParseContentLine(line)
	if err != nil {
		return nil, err
	}

	tzid := parsed.Params.Get("TZID")

	switch parsed.Name {
	case "DTSTART":
		unix, err := ParseDateTime(parsed.Value, tzid)
		if err != nil {
			return nil, err
		}
		return DTStart{UTC: unix, TZID: normalizeTZID(tzid)}, nil

	case "DTEND":
		unix, err := ParseDateTime(parsed.Value, tzid)
		if err != nil {
			return nil, err
		}
		return DTEnd{UTC: unix, TZID: normalizeTZID(tzid)}, nil

	case "DURATION":
		seconds, err := ParseDuration(parsed.Value)
		if err != nil {
			return nil, err
		}
		return Duration{Seconds: seconds}, nil

	case "RRULE":
		value, err := normalizeRecurrenceRule(parsed.Value)
		if err != nil {
			return nil, err
		}
		return RRule{Value: value}, nil

	case "EXRULE":
		value, err := normalizeRecurrenceRule(parsed.Value)
		if err != nil {
			return nil, err
		}
		return ExRule{Value: value}, nil

	case "RDATE":
		instants, err := parseDateList(parsed.Value, tzid)
		if err != nil {
			return nil, err
		}
		return RDate{UTC: instants, TZID: normalizeTZID(tzid)}, nil

	case "EXDATE":
		instants, err := parseDateList(parsed.Value, tzid)
		if err != nil {
			return nil, err
		}
		return ExDate{UTC: instants, TZID: normalizeTZID(tzid)}, nil

	case "CATEGORIES":
		return Categories{Values: parseValueList(parsed.Value)}, nil

	case "RELATED-TO":
		reltype := parsed.Params.Get("RELTYPE")
		if reltype == "" {
			reltype = DefaultRelType
		}
		if parsed.Value == "" {
			return nil, apperr.New(apperr.KindParse, "RELATED-TO requires a value")
		}
		return RelatedTo{RelType: reltype, Value: parsed.Value}, nil

	case "LOCATION-TYPE":
		return LocationType{Values: parseValueList(parsed.Value)}, nil

	case "CLASS":
		if parsed.Value == "" {
			return nil, apperr.New(apperr.KindParse, "CLASS requires a value")
		}
		return Class{Value: parsed.Value}, nil

	case "GEO":
		lat, lon, err := ParseGeoValue(parsed.Value)
		if err != nil {
			return nil, err
		}
		return Geo{Lat: lat, Lon: lon}, nil

	case "UID":
		return UID{Value: parsed.Value}, nil

	case "LAST-MODIFIED":
		if !strings.HasSuffix(parsed.Value, "Z") {
			return nil, apperr.Newf(apperr.KindParse, "LAST-MODIFIED must be in UTC zulu form, got %q", parsed.Value)
		}
		unix, err := ParseDateTime(parsed.Value, "")
		if err != nil {
			return nil, err
		}
		millis := unix * 1000
		if extra := parsed.Params.Get("X-MILLIS"); extra != "" {
			n, err := strconv.ParseInt(extra, 10, 64)
			if err != nil || n < 0 || n > 999 {
				return nil, apperr.Newf(apperr.KindParse, "invalid X-MILLIS value %q", extra)
			}
			millis += n
		}
		return LastModified{UTCMillis: millis}, nil

	default:
		return Passive{Line: parsed}, nil
	}
}

// ParseGeoValue parses a "lat;lon" GEO value in decimal degrees.
func ParseGeoValue(value string) (lat, lon float64, err error) {
	parts := strings.Split(value, ";")
	if len(parts) != 2 {
		return 0, 0, apperr.Newf(apperr.KindParse, "GEO value must be lat;lon, got %q", value)
	}

	lat, err = strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return 0, 0, apperr.Wrap(apperr.KindParse, fmt.Sprintf("invalid GEO latitude %q", parts[0]), err)
	}
	lon, err = strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return 0, 0, apperr.Wrap(apperr.KindParse, fmt.Sprintf("invalid GEO longitude %q", parts[1]), err)
	}

	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return 0, 0, apperr.Newf(apperr.KindParse, "GEO coordinates out of range: %s", value)
	}

	return lat, lon, nil
}

// normalizeRecurrenceRule validates a recurrence rule via the rrule
// library and returns the canonical upper-cased rule string.
func normalizeRecurrenceRule(value string) (string, error) {
	value = strings.ToUpper(strings.TrimSpace(value))
	if _, err := rrule.StrToRRule(value); err != nil {
		return "", apperr.Wrap(apperr.KindParse, fmt.Sprintf("invalid recurrence rule %q", value), err)
	}
	return value, nil
}

func parseDateList(value, tzid string) ([]int64, error) {
	var instants []int64
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		unix, err := ParseDateTime(part, tzid)
		if err != nil {
			return nil, err
		}
		instants = append(instants, unix)
	}
	if len(instants) == 0 {
		return nil, apperr.New(apperr.KindParse, "date list requires at least one value")
	}
	sort.Slice(instants, func(i, j int) bool { return instants[i] < instants[j] })
	return instants, nil
}

// parseValueList splits a comma-separated value list, dropping empties.
// An entirely empty value yields an empty (non-nil) list, which override
// semantics use to express "explicitly cleared".
func parseValueList(value string) []string {
	values := []string{}
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			values = append(values, part)
		}
	}
	return values
}

func normalizeTZID(tzid string) string {
	if strings.EqualFold(tzid, "UTC") {
		return ""
	}
	return tzid
}

func dateTimeLine(name string, unix int64, tzid string) ContentLine {
	line := ContentLine{Name: name, Params: Params{}}

	if tzid == "" {
		line.Value = FormatUTC(unix)
		return line
	}

	suffix, err := FormatDateTime(unix, tzid)
	if err != nil {
		// Zone was validated at parse time; fall back to zulu form.
		line.Value = FormatUTC(unix)
		return line
	}

	// suffix is ";TZID=<zone>:<local>"; split it back apart.
	colon := strings.IndexByte(suffix, ':')
	line.Params.Set("TZID", tzid)
	line.Value = suffix[colon+1:]
	return line
}

func dateListLine(name string, instants []int64) ContentLine {
	sorted := append([]int64(nil), instants...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	values := make([]string, 0, len(sorted))
	for _, unix := range sorted {
		values = append(values, FormatUTC(unix))
	}

	return ContentLine{Name: name, Params: Params{}, Value: strings.Join(values, ",")}
}
