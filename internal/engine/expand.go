package engine

import (
	"math"
	"sort"
	"time"

	"github.com/teambition/rrule-go"

	"icalq/internal/apperr"
)

// Bounds restricts an occurrence enumeration. From/Until are inclusive
// UTC instants; Max caps the number of emitted instants (0 = no cap).
type Bounds struct {
	From  *int64
	Until *int64
	Max   int
}

// Int64Ptr is a convenience for building Bounds literals.
func Int64Ptr(v int64) *int64 { return &v }

// instantSource is one monotonically increasing stream of instants.
type instantSource func() (int64, bool)

// OccurrenceIter is a pull-based, monotonically increasing, deduplicated
// stream of the occurrence instants a schedule produces.
type OccurrenceIter struct {
	sources []instantSource
	heads   []int64
	ready   []bool
	done    []bool

	exDates  map[int64]struct{}
	exRules  []*ruleCursor
	bounds   Bounds
	emitted  int
	finished bool
}

// Occurrences enumerates the schedule: the union of every RRULE
// expansion and explicit RDATE instants, minus EXRULE expansions and
// EXDATE instants, within bounds.
//
// DTSTART is the first instance of the recurrence set whenever the event
// has recurrence rules or no explicit dates at all; a schedule carrying
// only RDATEs defines its instants explicitly.
//
// Enumerating an unbounded schedule requires an Until bound or a Max
// cap; otherwise the call fails with UnboundedExpansion.
func (e *Event) Occurrences(bounds Bounds) (*OccurrenceIter, error) {
	if bounds.Until == nil && bounds.Max <= 0 && e.ScheduleUnbounded() {
		return nil, apperr.Newf(apperr.KindUnboundedExpansion,
			"event %s has an unbounded schedule; supply an upper bound or a limit", e.UID)
	}

	it := &OccurrenceIter{
		bounds:  bounds,
		exDates: make(map[int64]struct{}, len(e.ExDates)),
	}
	for _, instant := range e.ExDates {
		it.exDates[instant] = struct{}{}
	}

	dtstart := time.Unix(e.DTStartUTC, 0).UTC()

	for _, value := range e.RRules {
		rule, err := rrule.StrToRRule(value)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "stored recurrence rule failed to parse", err)
		}
		rule.DTStart(dtstart)
		it.sources = append(it.sources, ruleWithFirstInstance(rule, e.DTStartUTC))
	}

	if len(e.RDates) > 0 {
		it.sources = append(it.sources, sliceSource(e.RDates))
	}

	if len(e.RRules) == 0 && len(e.RDates) == 0 {
		it.sources = append(it.sources, sliceSource([]int64{e.DTStartUTC}))
	}

	for _, value := range e.ExRules {
		rule, err := rrule.StrToRRule(value)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "stored exception rule failed to parse", err)
		}
		rule.DTStart(dtstart)
		it.exRules = append(it.exRules, &ruleCursor{next: rule.Iterator()})
	}

	it.heads = make([]int64, len(it.sources))
	it.ready = make([]bool, len(it.sources))
	it.done = make([]bool, len(it.sources))

	return it, nil
}

// Next returns the next occurrence instant, or false when the
// enumeration is exhausted or a bound was reached.
func (it *OccurrenceIter) Next() (int64, bool) {
	if it.finished {
		return 0, false
	}
	if it.bounds.Max > 0 && it.emitted >= it.bounds.Max {
		it.finished = true
		return 0, false
	}

	for {
		candidate, ok := it.popMin()
		if !ok {
			it.finished = true
			return 0, false
		}

		if it.bounds.Until != nil && candidate > *it.bounds.Until {
			it.finished = true
			return 0, false
		}
		if it.bounds.From != nil && candidate < *it.bounds.From {
			continue
		}
		if it.excluded(candidate) {
			continue
		}

		it.emitted++
		return candidate, true
	}
}

// popMin pulls the smallest head across sources, consuming every source
// whose head equals it so ties collapse into a single emission.
func (it *OccurrenceIter) popMin() (int64, bool) {
	min := int64(math.MaxInt64)
	found := false

	for i := range it.sources {
		if it.done[i] {
			continue
		}
		if !it.ready[i] {
			value, ok := it.sources[i]()
			if !ok {
				it.done[i] = true
				continue
			}
			it.heads[i] = value
			it.ready[i] = true
		}
		if it.heads[i] < min {
			min = it.heads[i]
			found = true
		}
	}

	if !found {
		return 0, false
	}

	for i := range it.sources {
		if it.ready[i] && it.heads[i] == min {
			it.ready[i] = false
		}
	}

	return min, true
}

func (it *OccurrenceIter) excluded(instant int64) bool {
	if _, ok := it.exDates[instant]; ok {
		return true
	}
	for _, cursor := range it.exRules {
		if cursor.matches(instant) {
			return true
		}
	}
	return false
}

// Collect drains the iterator into a slice.
func (it *OccurrenceIter) Collect() []int64 {
	var instants []int64
	for {
		instant, ok := it.Next()
		if !ok {
			return instants
		}
		instants = append(instants, instant)
	}
}

// ScheduleUnbounded reports whether any recurrence rule lacks both COUNT
// and UNTIL.
func (e *Event) ScheduleUnbounded() bool {
	for _, value := range e.RRules {
		rule, err := rrule.StrToRRule(value)
		if err != nil {
			continue
		}
		if rule.OrigOptions.Count == 0 && rule.OrigOptions.Until.IsZero() {
			return true
		}
	}
	return false
}

// LastOccurrence returns the final instant the event will ever produce,
// considering the schedule and explicit override instants. ok is false
// when the schedule is unbounded (no final instant exists) or the event
// produces no occurrences at all.
func (e *Event) LastOccurrence() (int64, bool) {
	if e.ScheduleUnbounded() {
		return 0, false
	}

	it, err := e.Occurrences(Bounds{})
	if err != nil {
		return 0, false
	}

	last := int64(math.MinInt64)
	found := false
	for {
		instant, ok := it.Next()
		if !ok {
			break
		}
		if instant > last {
			last = instant
			found = true
		}
	}

	for instant := range e.Overrides {
		if instant > last {
			last = instant
			found = true
		}
	}

	if !found {
		return 0, false
	}
	return last, true
}

// InstanceInstants returns the sorted instants the event materializes
// within bounds: schedule occurrences plus override instants that the
// schedule no longer (or never) produces, which stay addressable as
// explicit instants.
func (e *Event) InstanceInstants(bounds Bounds) ([]int64, error) {
	it, err := e.Occurrences(bounds)
	if err != nil {
		return nil, err
	}

	instants := it.Collect()

	seen := make(map[int64]struct{}, len(instants))
	for _, instant := range instants {
		seen[instant] = struct{}{}
	}

	extra := false
	for instant := range e.Overrides {
		if _, ok := seen[instant]; ok {
			continue
		}
		if bounds.From != nil && instant < *bounds.From {
			continue
		}
		if bounds.Until != nil && instant > *bounds.Until {
			continue
		}
		instants = append(instants, instant)
		extra = true
	}

	if extra {
		sortInstants(instants)
	}
	if bounds.Max > 0 && len(instants) > bounds.Max {
		instants = instants[:bounds.Max]
	}

	return instants, nil
}

// ProducesInstant reports whether the schedule or an override key yields
// the given instant. The probe is bounded at the instant itself, so it
// terminates on unbounded schedules.
func (e *Event) ProducesInstant(instant int64) bool {
	if _, ok := e.Overrides[instant]; ok {
		return true
	}

	it, err := e.Occurrences(Bounds{From: Int64Ptr(instant), Until: Int64Ptr(instant), Max: 1})
	if err != nil {
		return false
	}
	produced, ok := it.Next()
	return ok && produced == instant
}

// ruleWithFirstInstance adapts a parsed rule into a source that emits
// DTSTART as the first instance of the recurrence set (whether or not it
// matches the rule pattern), counting it toward the rule's COUNT.
func ruleWithFirstInstance(rule *rrule.RRule, dtstartUTC int64) instantSource {
	next := rule.Iterator()
	count := rule.OrigOptions.Count
	emitted := 0
	emittedStart := false

	return func() (int64, bool) {
		if !emittedStart {
			emittedStart = true
			emitted++
			return dtstartUTC, true
		}
		if count > 0 && emitted >= count {
			return 0, false
		}
		for {
			t, ok := next()
			if !ok {
				return 0, false
			}
			instant := t.Unix()
			if instant == dtstartUTC {
				continue
			}
			emitted++
			return instant, true
		}
	}
}

func sliceSource(instants []int64) instantSource {
	index := 0
	return func() (int64, bool) {
		if index >= len(instants) {
			return 0, false
		}
		instant := instants[index]
		index++
		return instant, true
	}
}

// ruleCursor lazily advances an exception-rule iterator to test
// monotonically increasing candidates for membership.
type ruleCursor struct {
	next    rrule.Next
	current int64
	primed  bool
	done    bool
}

func (c *ruleCursor) matches(instant int64) bool {
	for {
		if c.done {
			return false
		}
		if c.primed && c.current >= instant {
			return c.current == instant
		}
		t, ok := c.next()
		if !ok {
			c.done = true
			return false
		}
		c.current = t.Unix()
		c.primed = true
	}
}

func sortInstants(instants []int64) {
	sort.Slice(instants, func(i, j int) bool { return instants[i] < instants[j] })
}
