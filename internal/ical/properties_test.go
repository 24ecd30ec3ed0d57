package ical

import (
	"reflect"
	"testing"

	"icalq/internal/apperr"
)

func TestParseContentLine(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    ContentLine
		wantErr bool
	}{
		{
			name:  "bare value",
			input: "SUMMARY:Weekly sync",
			want:  ContentLine{Name: "SUMMARY", Params: Params{}, Value: "Weekly sync"},
		},
		{
			name:  "single param",
			input: "DTSTART;TZID=Europe/London:20210101T090000",
			want: ContentLine{
				Name:   "DTSTART",
				Params: Params{"TZID": {"Europe/London"}},
				Value:  "20210101T090000",
			},
		},
		{
			name:  "multiple params and list values",
			input: "ATTENDEE;ROLE=CHAIR;MEMBER=a,b:mailto:x@example.com",
			want: ContentLine{
				Name:   "ATTENDEE",
				Params: Params{"ROLE": {"CHAIR"}, "MEMBER": {"a", "b"}},
				Value:  "mailto:x@example.com",
			},
		},
		{
			name:  "quoted param value keeps reserved runes",
			input: `X-ALT;CN="Doe; John":ok`,
			want: ContentLine{
				Name:   "X-ALT",
				Params: Params{"CN": {"Doe; John"}},
				Value:  "ok",
			},
		},
		{
			name:  "empty value allowed",
			input: "CATEGORIES:",
			want:  ContentLine{Name: "CATEGORIES", Params: Params{}, Value: ""},
		},
		{name: "missing delimiter", input: "JUNK", wantErr: true},
		{name: "empty line", input: "   ", wantErr: true},
		{name: "malformed param", input: "DTSTART;TZID:20210101", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseContentLine(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseContentLine(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseContentLine(%q) = %#v, want %#v", tt.input, got, tt.want)
			}
		})
	}
}

func TestContentLineString(t *testing.T) {
	line := ContentLine{
		Name:   "RELATED-TO",
		Params: Params{"RELTYPE": {"PARENT"}},
		Value:  "P1",
	}
	if got := line.String(); got != "RELATED-TO;RELTYPE=PARENT:P1" {
		t.Errorf("String() = %q", got)
	}

	// Params serialize sorted by name.
	line = ContentLine{
		Name:   "X-THING",
		Params: Params{"B": {"2"}, "A": {"1"}},
		Value:  "v",
	}
	if got := line.String(); got != "X-THING;A=1;B=2:v" {
		t.Errorf("String() = %q", got)
	}
}

func TestParseDateTime(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		tzid    string
		want    int64
		wantErr bool
	}{
		{name: "utc zulu", value: "20201231T170000Z", want: 1609434000},
		{name: "floating defaults to utc", value: "20201231T170000", want: 1609434000},
		{name: "date only", value: "20210101", want: 1609459200},
		{name: "zoned local", value: "20210101T000000", tzid: "Europe/London", want: 1609459200},
		{name: "garbage", value: "tomorrow", wantErr: true},
		{name: "unknown zone", value: "20210101T000000", tzid: "Mars/Olympus", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDateTime(tt.value, tt.tzid)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseDateTime(%q, %q) error = %v, wantErr %v", tt.value, tt.tzid, err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Errorf("ParseDateTime(%q, %q) = %d, want %d", tt.value, tt.tzid, got, tt.want)
			}
		})
	}
}

func TestFormatDateTime(t *testing.T) {
	// 2023-11-13 00:00:00 UTC
	const ts = 1699833600

	got, err := FormatDateTime(ts, "UTC")
	if err != nil || got != ":20231113T000000Z" {
		t.Errorf("FormatDateTime(UTC) = %q, %v", got, err)
	}

	got, err = FormatDateTime(ts, "Europe/Vilnius")
	if err != nil || got != ";TZID=Europe/Vilnius:20231113T020000" {
		t.Errorf("FormatDateTime(Europe/Vilnius) = %q, %v", got, err)
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		value   string
		want    int64
		wantErr bool
	}{
		{value: "PT30M", want: 1800},
		{value: "PT1H30M", want: 5400},
		{value: "P1DT2H", want: 93600},
		{value: "P2W", want: 1209600},
		{value: "-PT15M", want: -900},
		{value: "PT0S", want: 0},
		{value: "P", want: 0},
		{value: "PT", wantErr: false},
		{value: "1H", wantErr: true},
		{value: "PT1X", wantErr: true},
		{value: "PT1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			got, err := ParseDuration(tt.value)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseDuration(%q) error = %v, wantErr %v", tt.value, err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Errorf("ParseDuration(%q) = %d, want %d", tt.value, got, tt.want)
			}
		})
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		seconds int64
		want    string
	}{
		{seconds: 1800, want: "PT30M"},
		{seconds: 5400, want: "PT1H30M"},
		{seconds: 93600, want: "P1DT2H"},
		{seconds: 1209600, want: "P2W"},
		{seconds: -900, want: "-PT15M"},
		{seconds: 0, want: "PT0S"},
	}

	for _, tt := range tests {
		if got := FormatDuration(tt.seconds); got != tt.want {
			t.Errorf("FormatDuration(%d) = %q, want %q", tt.seconds, got, tt.want)
		}
	}
}

func TestParseProperty(t *testing.T) {
	t.Run("categories sort on serialize", func(t *testing.T) {
		property, err := ParseProperty("CATEGORIES:B,A,C")
		if err != nil {
			t.Fatal(err)
		}
		categories, ok := property.(Categories)
		if !ok {
			t.Fatalf("expected Categories, got %T", property)
		}
		if got := categories.ContentLine().String(); got != "CATEGORIES:A,B,C" {
			t.Errorf("serialized = %q", got)
		}
	})

	t.Run("related-to defaults reltype", func(t *testing.T) {
		property, err := ParseProperty("RELATED-TO:P1")
		if err != nil {
			t.Fatal(err)
		}
		rel := property.(RelatedTo)
		if rel.RelType != "PARENT" || rel.Value != "P1" {
			t.Errorf("got %+v", rel)
		}
	})

	t.Run("geo", func(t *testing.T) {
		property, err := ParseProperty("GEO:51.7513;-1.2601")
		if err != nil {
			t.Fatal(err)
		}
		geo := property.(Geo)
		if geo.Lat != 51.7513 || geo.Lon != -1.2601 {
			t.Errorf("got %+v", geo)
		}
	})

	t.Run("geo out of range", func(t *testing.T) {
		if _, err := ParseProperty("GEO:123.0;-1.0"); !apperr.IsKind(err, apperr.KindParse) {
			t.Errorf("expected Parse error, got %v", err)
		}
	})

	t.Run("last-modified requires zulu", func(t *testing.T) {
		if _, err := ParseProperty("LAST-MODIFIED:20240101T000000"); !apperr.IsKind(err, apperr.KindParse) {
			t.Errorf("expected Parse error, got %v", err)
		}
	})

	t.Run("last-modified with millis", func(t *testing.T) {
		property, err := ParseProperty("LAST-MODIFIED;X-MILLIS=250:20240101T000000Z")
		if err != nil {
			t.Fatal(err)
		}
		lm := property.(LastModified)
		if lm.UTCMillis != 1704067200250 {
			t.Errorf("UTCMillis = %d", lm.UTCMillis)
		}
	})

	t.Run("unknown x property is passive", func(t *testing.T) {
		property, err := ParseProperty("X-CUSTOM;A=1:anything")
		if err != nil {
			t.Fatal(err)
		}
		if _, ok := property.(Passive); !ok {
			t.Errorf("expected Passive, got %T", property)
		}
	})

	t.Run("invalid rrule", func(t *testing.T) {
		if _, err := ParseProperty("RRULE:FREQ=SOMETIMES"); !apperr.IsKind(err, apperr.KindParse) {
			t.Errorf("expected Parse error, got %v", err)
		}
	})
}
