package query

import (
	"fmt"
	"sort"

	"icalq/internal/engine"
	"icalq/internal/ical"
)

// Row is one query result: the ordering-key projection and the full
// property set of the materialized instance.
type Row struct {
	EventUID     string
	RecurrenceID int64
	DTStartUTC   int64
	GeoDistKm    *float64

	Projection []string
	Properties []string
}

// Results is an ordered query result set.
type Results struct {
	Rows []Row
}

// Execute runs the query against the calendar: candidate selection via
// the inverted/geospatial indexes, bounded schedule expansion, override
// merging, a concrete per-instance verification pass, ordering, distinct
// and pagination, and final projection.
//
// A calendar with disabled indexes exposes no query results.
func Execute(cal *engine.Calendar, q *Query) (*Results, error) {
	results := &Results{Rows: []Row{}}

	if !cal.IndexesEnabled {
		return results, nil
	}

	var posting *engine.Posting
	if q.Where != nil {
		posting = evalNode(cal, q.Where)
	}

	candidates := candidateEvents(cal, posting)

	rows, err := materialize(cal, q, candidates)
	if err != nil {
		return nil, err
	}

	sortRows(rows, q.Order.Kind)

	if q.DistinctUID {
		rows = firstPerUID(rows)
	}

	if q.Offset > 0 {
		if q.Offset >= len(rows) {
			rows = nil
		} else {
			rows = rows[q.Offset:]
		}
	}
	if q.Limit > 0 && len(rows) > q.Limit {
		rows = rows[:q.Limit]
	}

	for i := range rows {
		if err := project(&rows[i], cal, q); err != nil {
			return nil, err
		}
	}

	results.Rows = rows
	return results, nil
}

// ExecuteEvents runs the query at event granularity: one row per
// matching event (its first matching occurrence decides ordering), with
// the row's property set being the event's own properties rather than a
// merged instance.
func ExecuteEvents(cal *engine.Calendar, q *Query) (*Results, error) {
	distinct := *q
	distinct.DistinctUID = true

	results, err := Execute(cal, &distinct)
	if err != nil {
		return nil, err
	}

	for i := range results.Rows {
		if event := cal.Event(results.Rows[i].EventUID); event != nil {
			results.Rows[i].Properties = event.PropertyLines()
		}
	}

	return results, nil
}

// candidate pairs an event with the index conclusion restricting which
// of its occurrences may match. A nil conclusion means unrestricted.
type candidate struct {
	uid        string
	conclusion *engine.Conclusion
}

func candidateEvents(cal *engine.Calendar, posting *engine.Posting) []candidate {
	var candidates []candidate

	if posting == nil {
		for uid := range cal.Events {
			candidates = append(candidates, candidate{uid: uid})
		}
	} else {
		for uid, conclusion := range posting.Events {
			if conclusion.IsEmptyExclude() {
				continue
			}
			candidates = append(candidates, candidate{uid: uid, conclusion: conclusion})
		}
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].uid < candidates[j].uid })
	return candidates
}

func materialize(cal *engine.Calendar, q *Query, candidates []candidate) ([]Row, error) {
	perEventMax := 0
	switch {
	case q.DistinctUID && q.Order.Kind == OrderDTStart:
		// Ordering by start means the first surviving occurrence per
		// event is the one distinct keeps.
		perEventMax = 1
	case q.Limit > 0:
		perEventMax = q.Offset + q.Limit
	}

	var rows []Row

	for _, cand := range candidates {
		event := cal.Event(cand.uid)
		if event == nil {
			continue
		}

		bounds := engine.Bounds{Max: expandMax(perEventMax, cand.conclusion, q, event)}
		if q.Until != nil {
			until := q.Until.UTC
			if !q.Until.Inclusive {
				until--
			}
			bounds.Until = engine.Int64Ptr(until)
		}
		if q.From != nil {
			from := q.From.UTC
			if !q.From.Inclusive {
				from++
			}
			if q.From.Prop == RangeDTEnd {
				// Widen by the base duration so occurrences that started
				// earlier but end inside the range still materialize.
				from -= event.Duration()
			}
			bounds.From = engine.Int64Ptr(from)
		}

		instants, err := event.InstanceInstants(bounds)
		if err != nil {
			return nil, err
		}

		matched := 0
		for _, instant := range instants {
			if cand.conclusion != nil && !cand.conclusion.IncludesOccurrence(instant) {
				continue
			}

			instance := event.InstanceAt(instant)

			if !withinRange(instance, q) {
				continue
			}
			if q.Where != nil && !verifyNode(instance, q.Where) {
				continue
			}

			rows = append(rows, buildRow(instance, q))
			matched++
			if perEventMax > 0 && matched >= perEventMax {
				break
			}
		}
	}

	return rows, nil
}

// expandMax compensates for occurrences the verification pass will drop:
// when the index conclusion excludes instants, the raw expansion cap
// must cover them too. For DTEND lower bounds, only overridden
// occurrences can end earlier than the base duration predicts, so the
// override count bounds the extra slack needed.
func expandMax(perEventMax int, conclusion *engine.Conclusion, q *Query, event *engine.Event) int {
	if perEventMax == 0 {
		return 0
	}
	extra := 0
	if conclusion != nil {
		extra = len(conclusion.Exceptions)
	}
	if q.From != nil && q.From.Prop == RangeDTEnd {
		extra += len(event.Overrides)
	}
	return perEventMax + extra
}

func withinRange(instance *engine.Instance, q *Query) bool {
	if q.From != nil {
		value := instance.DTStartUTC
		if q.From.Prop == RangeDTEnd {
			value = instance.DTEndUTC()
		}
		if q.From.Inclusive {
			if value < q.From.UTC {
				return false
			}
		} else if value <= q.From.UTC {
			return false
		}
	}

	if q.Until != nil {
		value := instance.DTStartUTC
		if q.Until.Prop == RangeDTEnd {
			value = instance.DTEndUTC()
		}
		if q.Until.Inclusive {
			if value > q.Until.UTC {
				return false
			}
		} else if value >= q.Until.UTC {
			return false
		}
	}

	return true
}

func buildRow(instance *engine.Instance, q *Query) Row {
	row := Row{
		EventUID:     instance.EventUID,
		RecurrenceID: instance.RecurrenceID,
		DTStartUTC:   instance.DTStartUTC,
	}

	if q.Order.Kind != OrderDTStart && instance.Geo != nil {
		dist := engine.HaversineKm(*instance.Geo, q.Order.Point)
		row.GeoDistKm = &dist
	}

	return row
}

func sortRows(rows []Row, kind OrderKind) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]

		switch kind {
		case OrderGeoDistDTStart:
			if cmp := compareGeoDist(a.GeoDistKm, b.GeoDistKm); cmp != 0 {
				return cmp < 0
			}
			if a.DTStartUTC != b.DTStartUTC {
				return a.DTStartUTC < b.DTStartUTC
			}

		case OrderDTStartGeoDist:
			if a.DTStartUTC != b.DTStartUTC {
				return a.DTStartUTC < b.DTStartUTC
			}
			if cmp := compareGeoDist(a.GeoDistKm, b.GeoDistKm); cmp != 0 {
				return cmp < 0
			}

		default:
			if a.DTStartUTC != b.DTStartUTC {
				return a.DTStartUTC < b.DTStartUTC
			}
		}

		if a.EventUID != b.EventUID {
			return a.EventUID < b.EventUID
		}
		return a.RecurrenceID < b.RecurrenceID
	})
}

// compareGeoDist orders ascending with missing distances after present
// ones.
func compareGeoDist(a, b *float64) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	case *a < *b:
		return -1
	case *a > *b:
		return 1
	default:
		return 0
	}
}

func firstPerUID(rows []Row) []Row {
	seen := make(map[string]struct{}, len(rows))
	kept := rows[:0:0]
	for _, row := range rows {
		if _, ok := seen[row.EventUID]; ok {
			continue
		}
		seen[row.EventUID] = struct{}{}
		kept = append(kept, row)
	}
	return kept
}

func project(row *Row, cal *engine.Calendar, q *Query) error {
	event := cal.Event(row.EventUID)
	if event == nil {
		return nil
	}
	instance := event.InstanceAt(row.RecurrenceID)

	dtstart, err := ical.FormatDateTime(row.DTStartUTC, q.TZID)
	if err != nil {
		return err
	}

	projection := []string{"DTSTART" + dtstart}
	if q.Order.Kind != OrderDTStart && row.GeoDistKm != nil {
		projection = append(projection, fmt.Sprintf("X-GEO-DIST:%.6fKM", *row.GeoDistKm))
	}
	sort.Strings(projection)
	row.Projection = projection

	properties, err := instance.PropertyLines(q.TZID)
	if err != nil {
		return err
	}
	row.Properties = properties

	return nil
}

func evalNode(cal *engine.Calendar, node Node) *engine.Posting {
	switch n := node.(type) {
	case AndNode:
		return engine.MergePostingAnd(evalNode(cal, n.Left), evalNode(cal, n.Right))
	case OrNode:
		return engine.MergePostingOr(evalNode(cal, n.Left), evalNode(cal, n.Right))
	case GroupNode:
		return evalNode(cal, n.Child)
	case CategoryFilter:
		return cal.Categories.Posting(n.Value)
	case RelatedToFilter:
		return cal.Related.Posting(n.Term)
	case LocationTypeFilter:
		return cal.LocationTypes.Posting(n.Value)
	case ClassFilter:
		return cal.Classes.Posting(n.Value)
	case UIDFilter:
		posting := engine.NewPosting()
		for _, uid := range n.Values {
			posting = engine.MergePostingOr(posting, cal.UIDs.Posting(uid))
		}
		return posting
	case GeoFilter:
		return cal.Geo.WithinRadius(n.Center, n.RadiusKm)
	default:
		return engine.NewPosting()
	}
}

// verifyNode re-evaluates the filter tree against one concrete merged
// instance. Base-scope postings are coarse, so every survivor of the
// index pass is checked here before it can appear in results.
func verifyNode(instance *engine.Instance, node Node) bool {
	switch n := node.(type) {
	case AndNode:
		return verifyNode(instance, n.Left) && verifyNode(instance, n.Right)
	case OrNode:
		return verifyNode(instance, n.Left) || verifyNode(instance, n.Right)
	case GroupNode:
		return verifyNode(instance, n.Child)
	case CategoryFilter:
		return instance.AssertsCategory(n.Value)
	case RelatedToFilter:
		return instance.AssertsRelatedTo(n.Term)
	case LocationTypeFilter:
		return instance.AssertsLocationType(n.Value)
	case ClassFilter:
		return instance.Class == n.Value
	case UIDFilter:
		for _, uid := range n.Values {
			if instance.EventUID == uid {
				return true
			}
		}
		return false
	case GeoFilter:
		return instance.Geo != nil && engine.HaversineKm(*instance.Geo, n.Center) <= n.RadiusKm
	default:
		return false
	}
}
