package ical

import (
	"fmt"
	"strings"

	"icalq/internal/apperr"
)

// ParseDuration parses an RFC 5545 DURATION value ("P1DT2H30M", "PT15M",
// "P2W", optionally signed) into whole seconds.
func ParseDuration(value string) (int64, error) {
	original := value
	value = strings.TrimSpace(value)

	sign := int64(1)
	switch {
	case strings.HasPrefix(value, "-"):
		sign = -1
		value = value[1:]
	case strings.HasPrefix(value, "+"):
		value = value[1:]
	}

	if !strings.HasPrefix(value, "P") {
		return 0, apperr.Newf(apperr.KindParse, "invalid duration %q", original)
	}
	value = value[1:]

	var seconds int64
	inTime := false
	number := int64(0)
	haveNumber := false

	for i := 0; i < len(value); i++ {
		c := value[i]
		switch {
		case c >= '0' && c <= '9':
			number = number*10 + int64(c-'0')
			haveNumber = true
		case c == 'T':
			if haveNumber {
				return 0, apperr.Newf(apperr.KindParse, "invalid duration %q", original)
			}
			inTime = true
		default:
			if !haveNumber {
				return 0, apperr.Newf(apperr.KindParse, "invalid duration %q", original)
			}
			switch {
			case c == 'W' && !inTime:
				seconds += number * 7 * 86400
			case c == 'D' && !inTime:
				seconds += number * 86400
			case c == 'H' && inTime:
				seconds += number * 3600
			case c == 'M' && inTime:
				seconds += number * 60
			case c == 'S' && inTime:
				seconds += number
			default:
				return 0, apperr.Newf(apperr.KindParse, "invalid duration designator %q in %q", string(c), original)
			}
			number = 0
			haveNumber = false
		}
	}

	if haveNumber {
		return 0, apperr.Newf(apperr.KindParse, "invalid duration %q", original)
	}

	return sign * seconds, nil
}

// FormatDuration renders whole seconds as a canonical RFC 5545 DURATION:
// weeks when the span is an exact number of weeks, otherwise days/time parts.
func FormatDuration(seconds int64) string {
	var builder strings.Builder

	if seconds < 0 {
		builder.WriteByte('-')
		seconds = -seconds
	}
	builder.WriteByte('P')

	if seconds == 0 {
		return builder.String() + "T0S"
	}

	if seconds%(7*86400) == 0 {
		builder.WriteString(fmt.Sprintf("%dW", seconds/(7*86400)))
		return builder.String()
	}

	if days := seconds / 86400; days > 0 {
		builder.WriteString(fmt.Sprintf("%dD", days))
		seconds %= 86400
	}

	if seconds > 0 {
		builder.WriteByte('T')
		if hours := seconds / 3600; hours > 0 {
			builder.WriteString(fmt.Sprintf("%dH", hours))
			seconds %= 3600
		}
		if minutes := seconds / 60; minutes > 0 {
			builder.WriteString(fmt.Sprintf("%dM", minutes))
			seconds %= 60
		}
		if seconds > 0 {
			builder.WriteString(fmt.Sprintf("%dS", seconds))
		}
	}

	return builder.String()
}
