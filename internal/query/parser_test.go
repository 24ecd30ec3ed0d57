package query

import (
	"testing"
	"time"

	"icalq/internal/apperr"
	"icalq/internal/engine"
)

func mustParse(t *testing.T, input string) *Query {
	t.Helper()
	q, err := Parse(input, time.Time{})
	if err != nil {
		t.Fatalf("Parse(%q): %v", input, err)
	}
	return q
}

func TestParseDefaults(t *testing.T) {
	q := mustParse(t, "")

	if q.Where != nil {
		t.Error("empty query should have no filter")
	}
	if q.Limit != 50 || q.Offset != 0 {
		t.Errorf("limit/offset = %d/%d, want 50/0", q.Limit, q.Offset)
	}
	if q.Order.Kind != OrderDTStart {
		t.Error("default ordering should be DTSTART")
	}
	if q.TZID != "UTC" {
		t.Errorf("default TZID = %q, want UTC", q.TZID)
	}
	if q.DistinctUID {
		t.Error("distinct should default off")
	}
}

func TestParseQueryProperties(t *testing.T) {
	q := mustParse(t, "X-FROM;PROP=DTSTART;OP=GTE;TZID=Europe/London:20210101T000000 "+
		"X-UNTIL;OP=LTE:20210301T000000Z "+
		"X-LIMIT:10 X-OFFSET:5 X-DISTINCT:UID X-TZID:Europe/Vilnius "+
		"X-ORDER-BY:GEO-DIST-DTSTART;51.4514;-1.0784")

	if q.From == nil || !q.From.Inclusive || q.From.Prop != RangeDTStart {
		t.Fatalf("From = %+v", q.From)
	}
	if q.From.UTC != 1609459200 { // 2021-01-01 00:00 London == UTC
		t.Errorf("From.UTC = %d", q.From.UTC)
	}
	if q.Until == nil || !q.Until.Inclusive {
		t.Fatalf("Until = %+v", q.Until)
	}
	if q.Limit != 10 || !q.HasLimit || q.Offset != 5 {
		t.Errorf("limit/offset = %d/%d", q.Limit, q.Offset)
	}
	if !q.DistinctUID || q.TZID != "Europe/Vilnius" {
		t.Errorf("distinct/tzid = %v/%q", q.DistinctUID, q.TZID)
	}
	if q.Order.Kind != OrderGeoDistDTStart || q.Order.Point != (engine.GeoPoint{Lat: 51.4514, Lon: -1.0784}) {
		t.Errorf("ordering = %+v", q.Order)
	}
}

func TestParseTagFilters(t *testing.T) {
	q := mustParse(t, "X-CATEGORIES;OP=OR:A,B")
	or, ok := q.Where.(OrNode)
	if !ok {
		t.Fatalf("expected OrNode, got %T", q.Where)
	}
	if or.Left.(CategoryFilter).Value != "A" || or.Right.(CategoryFilter).Value != "B" {
		t.Errorf("unexpected OR children: %+v", or)
	}

	q = mustParse(t, "X-CATEGORIES:A,B")
	if _, ok := q.Where.(AndNode); !ok {
		t.Errorf("multi-value default should be AND, got %T", q.Where)
	}

	q = mustParse(t, "X-RELATED-TO:P1")
	rel := q.Where.(RelatedToFilter)
	if rel.Term != (engine.RelTerm{RelType: "PARENT", Value: "P1"}) {
		t.Errorf("RELTYPE default = %+v", rel.Term)
	}

	q = mustParse(t, "X-RELATED-TO;RELTYPE=CHILD:C1")
	if q.Where.(RelatedToFilter).Term.RelType != "CHILD" {
		t.Error("explicit RELTYPE lost")
	}
}

func TestParseTopLevelAdjacencyIsAnd(t *testing.T) {
	q := mustParse(t, "X-CATEGORIES:A X-CLASS:PUBLIC")
	and, ok := q.Where.(AndNode)
	if !ok {
		t.Fatalf("expected AndNode, got %T", q.Where)
	}
	if _, ok := and.Left.(CategoryFilter); !ok {
		t.Errorf("left = %T", and.Left)
	}
	if _, ok := and.Right.(ClassFilter); !ok {
		t.Errorf("right = %T", and.Right)
	}
}

func TestParseWhereGroupPrecedence(t *testing.T) {
	// AND binds tighter than OR: A OR B AND C == A OR (B AND C).
	q := mustParse(t, "(X-CATEGORIES:A OR X-CATEGORIES:B AND X-CLASS:PUBLIC)")

	group, ok := q.Where.(GroupNode)
	if !ok {
		t.Fatalf("expected GroupNode, got %T", q.Where)
	}
	or, ok := group.Child.(OrNode)
	if !ok {
		t.Fatalf("expected OrNode inside group, got %T", group.Child)
	}
	if _, ok := or.Left.(CategoryFilter); !ok {
		t.Errorf("or.Left = %T", or.Left)
	}
	if _, ok := or.Right.(AndNode); !ok {
		t.Errorf("or.Right = %T, want AndNode", or.Right)
	}
}

func TestParseNestedGroups(t *testing.T) {
	q := mustParse(t, "((X-CATEGORIES:A OR X-CATEGORIES:B) X-CLASS:PUBLIC)")

	outer := q.Where.(GroupNode)
	and, ok := outer.Child.(AndNode)
	if !ok {
		t.Fatalf("expected AndNode, got %T", outer.Child)
	}
	if _, ok := and.Left.(GroupNode); !ok {
		t.Errorf("and.Left = %T, want nested GroupNode", and.Left)
	}
}

func TestParseGeoFilter(t *testing.T) {
	q := mustParse(t, "X-GEO;DIST=60KM:51.3432;-3.1608")
	geo := q.Where.(GeoFilter)
	if geo.RadiusKm != 60 {
		t.Errorf("RadiusKm = %f", geo.RadiusKm)
	}
	if geo.Center != (engine.GeoPoint{Lat: 51.3432, Lon: -3.1608}) {
		t.Errorf("Center = %+v", geo.Center)
	}

	// DIST defaults to 10KM.
	q = mustParse(t, "X-GEO:51.0;0.0")
	if got := q.Where.(GeoFilter).RadiusKm; got != 10 {
		t.Errorf("default radius = %f, want 10", got)
	}

	// Miles convert.
	q = mustParse(t, "X-GEO;DIST=10MI:51.0;0.0")
	if got := q.Where.(GeoFilter).RadiusKm; got < 16.09 || got > 16.1 {
		t.Errorf("10MI = %f km", got)
	}
}

func TestParseUIDFilter(t *testing.T) {
	q := mustParse(t, "X-UID:E1,E2")
	uidFilter, ok := q.Where.(UIDFilter)
	if !ok {
		t.Fatalf("expected UIDFilter, got %T", q.Where)
	}
	if len(uidFilter.Values) != 2 {
		t.Errorf("Values = %v", uidFilter.Values)
	}

	// OP is ignored: UID values always OR.
	q = mustParse(t, "X-UID;OP=AND:E1,E2")
	if _, ok := q.Where.(UIDFilter); !ok {
		t.Errorf("X-UID with OP should stay a single UIDFilter, got %T", q.Where)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "unknown property", input: "X-BOGUS:1"},
		{name: "bare token", input: "INVALID"},
		{name: "unbalanced open", input: "(X-CATEGORIES:A"},
		{name: "unbalanced close", input: "X-CATEGORIES:A)"},
		{name: "empty group", input: "()"},
		{name: "dangling operator", input: "(X-CATEGORIES:A OR)"},
		{name: "leading operator", input: "(AND X-CATEGORIES:A)"},
		{name: "bad limit", input: "X-LIMIT:-1"},
		{name: "bad order", input: "X-ORDER-BY:SOMETHING"},
		{name: "geo order missing point", input: "X-ORDER-BY:GEO-DIST-DTSTART"},
		{name: "bad dist unit", input: "X-GEO;DIST=10:51.0;0.0"},
		{name: "bad from prop", input: "X-FROM;PROP=SUMMARY:20210101T000000Z"},
		{name: "bad tz", input: "X-TZID:Nowhere/Noplace"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(tt.input, time.Time{}); !apperr.IsKind(err, apperr.KindParse) {
				t.Errorf("Parse(%q) error = %v, want Parse kind", tt.input, err)
			}
		})
	}
}

func TestParseDeadline(t *testing.T) {
	expired := time.Now().Add(-time.Second)
	if _, err := Parse("X-CATEGORIES:A", expired); !apperr.IsKind(err, apperr.KindParseTimeout) {
		t.Errorf("expected ParseTimeout, got %v", err)
	}

	future := time.Now().Add(time.Minute)
	if _, err := Parse("X-CATEGORIES:A", future); err != nil {
		t.Errorf("unexpired deadline should parse, got %v", err)
	}
}
