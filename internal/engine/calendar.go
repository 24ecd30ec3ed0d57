package engine

import (
	"sort"

	"icalq/internal/apperr"
	"icalq/internal/ical"
)

// Calendar owns a set of events and keeps the calendar-wide inverted and
// geospatial indexes coherent as events and overrides change. All
// methods assume the caller serializes access per calendar.
type Calendar struct {
	UID            string
	Events         map[string]*Event
	IndexesEnabled bool

	Categories    *InvertedIndex[string]
	Related       *InvertedIndex[RelTerm]
	LocationTypes *InvertedIndex[string]
	Classes       *InvertedIndex[string]
	UIDs          *InvertedIndex[string]
	Geo           *GeoIndex
}

// NewCalendar returns an empty calendar with indexing enabled.
func NewCalendar(uid string) *Calendar {
	return &Calendar{
		UID:            uid,
		Events:         map[string]*Event{},
		IndexesEnabled: true,
		Categories:     NewInvertedIndex[string](),
		Related:        NewInvertedIndex[RelTerm](),
		LocationTypes:  NewInvertedIndex[string](),
		Classes:        NewInvertedIndex[string](),
		UIDs:           NewInvertedIndex[string](),
		Geo:            NewGeoIndex(),
	}
}

// eventFootprint bundles the per-event term conclusions of every indexed
// kind, i.e. the event's complete index footprint.
type eventFootprint struct {
	categories    *EventTerms[string]
	related       *EventTerms[RelTerm]
	locationTypes *EventTerms[string]
	classes       *EventTerms[string]
	uids          *EventTerms[string]
	geo           *EventTerms[GeoPoint]
}

func footprintOf(e *Event) *eventFootprint {
	if e == nil {
		return nil
	}

	categoriesBase, categoriesOv := e.categoryTerms()
	relatedBase, relatedOv := e.relatedTerms()
	locationBase, locationOv := e.locationTypeTerms()
	classBase, classOv := e.classTerms()
	geoBase, geoOv := e.geoTerms()

	return &eventFootprint{
		categories:    BuildEventTerms(categoriesBase, categoriesOv),
		related:       BuildEventTerms(relatedBase, relatedOv),
		locationTypes: BuildEventTerms(locationBase, locationOv),
		classes:       BuildEventTerms(classBase, classOv),
		uids:          BuildEventTerms([]string{e.UID}, nil),
		geo:           BuildEventTerms(geoBase, geoOv),
	}
}

// applyFootprintDiff moves the calendar indexes from the old footprint
// to the new one, computing and applying the diff of each index in turn.
func (c *Calendar) applyFootprintDiff(eventUID string, old, updated *eventFootprint) {
	if !c.IndexesEnabled {
		return
	}

	var (
		oldCategories, newCategories *EventTerms[string]
		oldRelated, newRelated       *EventTerms[RelTerm]
		oldLocation, newLocation     *EventTerms[string]
		oldClasses, newClasses       *EventTerms[string]
		oldUIDs, newUIDs             *EventTerms[string]
		oldGeo, newGeo               *EventTerms[GeoPoint]
	)
	if old != nil {
		oldCategories, oldRelated, oldLocation = old.categories, old.related, old.locationTypes
		oldClasses, oldUIDs, oldGeo = old.classes, old.uids, old.geo
	}
	if updated != nil {
		newCategories, newRelated, newLocation = updated.categories, updated.related, updated.locationTypes
		newClasses, newUIDs, newGeo = updated.classes, updated.uids, updated.geo
	}

	applyTermsDiff(c.Categories, eventUID, DiffEventTerms(oldCategories, newCategories))
	applyTermsDiff(c.Related, eventUID, DiffEventTerms(oldRelated, newRelated))
	applyTermsDiff(c.LocationTypes, eventUID, DiffEventTerms(oldLocation, newLocation))
	applyTermsDiff(c.Classes, eventUID, DiffEventTerms(oldClasses, newClasses))
	applyTermsDiff(c.UIDs, eventUID, DiffEventTerms(oldUIDs, newUIDs))

	geoDiff := DiffEventTerms(oldGeo, newGeo)
	for _, point := range geoDiff.Removed {
		c.Geo.Remove(eventUID, point)
	}
	for point, conclusion := range geoDiff.Upserts {
		c.Geo.Insert(eventUID, point, conclusion)
	}
}

func applyTermsDiff[K comparable](ix *InvertedIndex[K], eventUID string, diff TermsDiff[K]) {
	for _, term := range diff.Removed {
		ix.Remove(eventUID, term)
	}
	for term, conclusion := range diff.Upserts {
		ix.Insert(eventUID, term, conclusion)
	}
}

// UpsertEvent stores the event, carrying over any overrides attached to
// a prior version and applying the footprint delta to the indexes.
// A stored LAST-MODIFIED newer than the incoming one refuses the write
// and returns false without error.
func (c *Calendar) UpsertEvent(event *Event) (bool, error) {
	existing := c.Events[event.UID]

	if existing != nil {
		if existing.LastModifiedMillis > event.LastModifiedMillis {
			return false, nil
		}
		event.Overrides = existing.Overrides
	}

	c.applyFootprintDiff(event.UID, footprintOf(existing), footprintOf(event))
	c.Events[event.UID] = event

	return true, nil
}

// DeleteEvent removes the event, its overrides, and its entire index
// footprint. Returns false when the event does not exist.
func (c *Calendar) DeleteEvent(uid string) bool {
	event, ok := c.Events[uid]
	if !ok {
		return false
	}

	c.applyFootprintDiff(uid, footprintOf(event), nil)
	delete(c.Events, uid)

	return true
}

// UpsertOverride attaches the override to its event. The occurrence
// instant must be produced by the event's schedule unless the event has
// no recurrence properties, in which case it becomes an explicit
// instant. A stored override with a newer LAST-MODIFIED refuses the
// write and returns false without error.
func (c *Calendar) UpsertOverride(eventUID string, override *Override) (bool, error) {
	event, ok := c.Events[eventUID]
	if !ok {
		return false, apperr.Newf(apperr.KindNotFound, "no event with UID %q", eventUID)
	}

	hasSchedule := len(event.RRules) > 0 || len(event.RDates) > 0
	if hasSchedule && !event.ProducesInstant(override.Instant) {
		return false, apperr.Newf(apperr.KindValidation,
			"occurrence %s is not produced by event %q", ical.FormatUTC(override.Instant), eventUID)
	}

	if existing, ok := event.Overrides[override.Instant]; ok {
		if existing.LastModifiedMillis > override.LastModifiedMillis {
			return false, nil
		}
	}

	before := footprintOf(event)
	event.Overrides[override.Instant] = override
	c.applyFootprintDiff(eventUID, before, footprintOf(event))

	return true, nil
}

// DeleteOverride removes the override at instant. Returns false when the
// event or override does not exist.
func (c *Calendar) DeleteOverride(eventUID string, instant int64) bool {
	event, ok := c.Events[eventUID]
	if !ok {
		return false
	}
	if _, ok := event.Overrides[instant]; !ok {
		return false
	}

	before := footprintOf(event)
	delete(event.Overrides, instant)
	c.applyFootprintDiff(eventUID, before, footprintOf(event))

	return true
}

// PruneEvents deletes every event whose final occurrence instant falls
// in [from, until] and returns how many were removed. Events with
// unbounded schedules have no final occurrence and are never pruned.
func (c *Calendar) PruneEvents(from, until int64) int {
	var doomed []string
	for uid, event := range c.Events {
		last, ok := event.LastOccurrence()
		if ok && last >= from && last <= until {
			doomed = append(doomed, uid)
		}
	}

	for _, uid := range doomed {
		c.DeleteEvent(uid)
	}
	return len(doomed)
}

// PruneOverrides deletes overrides whose instant falls in [from, until].
// An empty eventUID prunes across every event; otherwise only the named
// event is touched (NotFound when it is absent).
func (c *Calendar) PruneOverrides(eventUID string, from, until int64) (int, error) {
	var events []*Event
	if eventUID != "" {
		event, ok := c.Events[eventUID]
		if !ok {
			return 0, apperr.Newf(apperr.KindNotFound, "no event with UID %q", eventUID)
		}
		events = []*Event{event}
	} else {
		for _, event := range c.Events {
			events = append(events, event)
		}
	}

	pruned := 0
	for _, event := range events {
		var doomed []int64
		for instant := range event.Overrides {
			if instant >= from && instant <= until {
				doomed = append(doomed, instant)
			}
		}
		if len(doomed) == 0 {
			continue
		}

		before := footprintOf(event)
		for _, instant := range doomed {
			delete(event.Overrides, instant)
		}
		c.applyFootprintDiff(event.UID, before, footprintOf(event))
		pruned += len(doomed)
	}

	return pruned, nil
}

// DisableIndexes clears every index and stops index maintenance until
// the next rebuild. Mutations remain accepted.
func (c *Calendar) DisableIndexes() {
	c.IndexesEnabled = false
	c.clearIndexes()
}

// RebuildIndexes recomputes every index from scratch and re-enables
// index maintenance.
func (c *Calendar) RebuildIndexes() {
	c.clearIndexes()
	c.IndexesEnabled = true

	for uid, event := range c.Events {
		c.applyFootprintDiff(uid, nil, footprintOf(event))
	}
}

func (c *Calendar) clearIndexes() {
	c.Categories.Clear()
	c.Related.Clear()
	c.LocationTypes.Clear()
	c.Classes.Clear()
	c.UIDs.Clear()
	c.Geo.Clear()
}

// EventUIDs returns every event UID in lexical order.
func (c *Calendar) EventUIDs() []string {
	uids := make([]string, 0, len(c.Events))
	for uid := range c.Events {
		uids = append(uids, uid)
	}
	sort.Strings(uids)
	return uids
}

// Event returns the stored event, or nil.
func (c *Calendar) Event(uid string) *Event {
	return c.Events[uid]
}
