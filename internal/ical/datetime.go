package ical

import (
	"fmt"
	"strings"
	"time"

	"icalq/internal/apperr"
)

const (
	layoutUTC      = "20060102T150405Z"
	layoutLocal    = "20060102T150405"
	layoutDateOnly = "20060102"
)

// ParseDateTime parses an iCalendar DATE-TIME or DATE value into a UTC
// unix timestamp (second precision).
//
//   - "20201231T170000Z"  — UTC zulu form; tzid must be empty or "UTC"
//   - "20201231T170000"   — floating local, interpreted in tzid (UTC if "")
//   - "20201231"          — date form, midnight in tzid (UTC if "")
func ParseDateTime(value, tzid string) (int64, error) {
	value = strings.TrimSpace(value)

	if strings.HasSuffix(value, "Z") {
		t, err := time.Parse(layoutUTC, value)
		if err != nil {
			return 0, apperr.Wrap(apperr.KindParse, fmt.Sprintf("invalid UTC date-time %q", value), err)
		}
		return t.Unix(), nil
	}

	loc, err := loadLocation(tzid)
	if err != nil {
		return 0, err
	}

	layout := layoutDateOnly
	if strings.ContainsRune(value, 'T') {
		layout = layoutLocal
	}

	t, err := time.ParseInLocation(layout, value, loc)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindParse, fmt.Sprintf("invalid date-time %q", value), err)
	}

	return t.Unix(), nil
}

// FormatUTC renders a UTC unix timestamp in zulu form, e.g. "20201231T170000Z".
func FormatUTC(unix int64) string {
	return time.Unix(unix, 0).UTC().Format(layoutUTC)
}

// FormatDateTime renders a timestamp as an iCalendar date-time property
// suffix including the value delimiter, matching the requested output
// zone: ":20231113T000000Z" for UTC, ";TZID=Europe/London:20231113T000000"
// otherwise.
func FormatDateTime(unix int64, tzid string) (string, error) {
	if tzid == "" || strings.EqualFold(tzid, "UTC") {
		return ":" + FormatUTC(unix), nil
	}

	loc, err := loadLocation(tzid)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf(";TZID=%s:%s", tzid, time.Unix(unix, 0).In(loc).Format(layoutLocal)), nil
}

func loadLocation(tzid string) (*time.Location, error) {
	if tzid == "" || strings.EqualFold(tzid, "UTC") {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tzid)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindParse, fmt.Sprintf("unknown timezone %q", tzid), err)
	}
	return loc, nil
}

// ValidTZID reports whether tzid names a loadable IANA zone (or UTC).
func ValidTZID(tzid string) bool {
	_, err := loadLocation(tzid)
	return err == nil
}
