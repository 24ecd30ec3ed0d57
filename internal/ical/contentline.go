package ical

import (
	"sort"
	"strings"

	"icalq/internal/apperr"
)

// Params holds the parameters of a single content line, keyed by
// upper-cased parameter name. A parameter may carry multiple values.
type Params map[string][]string

// Get returns the first value for the given parameter name, or "".
func (p Params) Get(name string) string {
	values := p[strings.ToUpper(name)]
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// Set replaces any existing values for name with the single given value.
func (p Params) Set(name, value string) {
	p[strings.ToUpper(name)] = []string{value}
}

// ContentLine is one parsed iCalendar content line:
// NAME[;PARAM=VALUE[,VALUE…]…]:VALUE
type ContentLine struct {
	Name   string
	Params Params
	Value  string
}

// ParseContentLine splits a raw property line into name, parameters and
// value. Parameter values may be double-quoted to escape ';', ':' and ','.
// Unfolding is the caller's concern; the input must be a single line.
func ParseContentLine(line string) (ContentLine, error) {
	parsed := ContentLine{Params: Params{}}

	line = strings.TrimSpace(line)
	if line == "" {
		return parsed, apperr.New(apperr.KindParse, "empty property line")
	}

	nameEnd := -1
	inQuotes := false
	for i, r := range line {
		if r == '"' {
			inQuotes = !inQuotes
			continue
		}
		if inQuotes {
			continue
		}
		if r == ';' || r == ':' {
			nameEnd = i
			break
		}
	}
	if nameEnd <= 0 {
		return parsed, apperr.Newf(apperr.KindParse, "property line missing name/value delimiter: %q", line)
	}

	parsed.Name = strings.ToUpper(line[:nameEnd])
	rest := line[nameEnd:]

	// Consume ';'-prefixed parameters until the unquoted ':' value delimiter.
	for strings.HasPrefix(rest, ";") {
		rest = rest[1:]

		end := len(rest)
		inQuotes = false
		for i, r := range rest {
			if r == '"' {
				inQuotes = !inQuotes
				continue
			}
			if inQuotes {
				continue
			}
			if r == ';' || r == ':' {
				end = i
				break
			}
		}

		param := rest[:end]
		rest = rest[end:]

		eq := strings.IndexByte(param, '=')
		if eq <= 0 {
			return parsed, apperr.Newf(apperr.KindParse, "malformed parameter %q", param)
		}

		name := strings.ToUpper(strings.TrimSpace(param[:eq]))
		for _, value := range splitUnquoted(param[eq+1:], ',') {
			parsed.Params[name] = append(parsed.Params[name], strings.Trim(value, `"`))
		}
	}

	if !strings.HasPrefix(rest, ":") {
		return parsed, apperr.Newf(apperr.KindParse, "property %s missing value", parsed.Name)
	}
	parsed.Value = rest[1:]

	return parsed, nil
}

// String renders the content line back in canonical form: parameters
// sorted by name, values quoted only when they contain reserved runes.
func (c ContentLine) String() string {
	var builder strings.Builder

	builder.WriteString(c.Name)

	names := make([]string, 0, len(c.Params))
	for name := range c.Params {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		builder.WriteByte(';')
		builder.WriteString(name)
		builder.WriteByte('=')
		for i, value := range c.Params[name] {
			if i > 0 {
				builder.WriteByte(',')
			}
			builder.WriteString(quoteParamValue(value))
		}
	}

	builder.WriteByte(':')
	builder.WriteString(c.Value)

	return builder.String()
}

func quoteParamValue(value string) string {
	if strings.ContainsAny(value, ";:,") {
		return `"` + value + `"`
	}
	return value
}

// splitUnquoted splits s on sep, honoring double-quoted sections.
func splitUnquoted(s string, sep byte) []string {
	var parts []string
	var current strings.Builder

	inQuotes := false
	for i := 0; i < len(s); i++ {
		switch {
		case s[i] == '"':
			inQuotes = !inQuotes
			current.WriteByte(s[i])
		case s[i] == sep && !inQuotes:
			parts = append(parts, current.String())
			current.Reset()
		default:
			current.WriteByte(s[i])
		}
	}
	parts = append(parts, current.String())

	return parts
}
