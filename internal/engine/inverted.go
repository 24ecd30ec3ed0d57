package engine

// RelTerm is the inverted-index key for RELATED-TO entries: the RELTYPE
// and the related value, concatenated at query time.
type RelTerm struct {
	RelType string
	Value   string
}

// InvertedIndex maps terms of one indexed kind to the posting of events
// asserting them.
type InvertedIndex[K comparable] struct {
	Terms map[K]*Posting
}

// NewInvertedIndex returns an empty index.
func NewInvertedIndex[K comparable]() *InvertedIndex[K] {
	return &InvertedIndex[K]{Terms: map[K]*Posting{}}
}

// Insert sets the event's conclusion for term, replacing any prior one.
func (ix *InvertedIndex[K]) Insert(eventUID string, term K, conclusion *Conclusion) {
	posting, ok := ix.Terms[term]
	if !ok {
		posting = NewPosting()
		ix.Terms[term] = posting
	}
	posting.Events[eventUID] = conclusion.Clone()
}

// Remove drops the event's entry for term, pruning empty postings.
func (ix *InvertedIndex[K]) Remove(eventUID string, term K) {
	posting, ok := ix.Terms[term]
	if !ok {
		return
	}
	delete(posting.Events, eventUID)
	if len(posting.Events) == 0 {
		delete(ix.Terms, term)
	}
}

// Posting returns the posting for term, or an empty posting.
func (ix *InvertedIndex[K]) Posting(term K) *Posting {
	if posting, ok := ix.Terms[term]; ok {
		return posting
	}
	return NewPosting()
}

// Clear empties the index.
func (ix *InvertedIndex[K]) Clear() {
	ix.Terms = map[K]*Posting{}
}

// MergePostingAnd intersects two postings: an event survives only when
// present in both, with its conclusions intersected.
func MergePostingAnd(a, b *Posting) *Posting {
	small, large := a, b
	if len(small.Events) > len(large.Events) {
		small, large = large, small
	}

	merged := NewPosting()
	for eventUID, conclusionA := range small.Events {
		if conclusionB, ok := large.Events[eventUID]; ok {
			conclusion := MergeAnd(conclusionA, conclusionB)
			if conclusion.IsEmptyExclude() {
				continue
			}
			merged.Events[eventUID] = conclusion
		}
	}
	return merged
}

// MergePostingOr unions two postings: conclusions union where an event
// appears on both sides.
func MergePostingOr(a, b *Posting) *Posting {
	merged := NewPosting()

	for eventUID, conclusion := range a.Events {
		if other, ok := b.Events[eventUID]; ok {
			merged.Events[eventUID] = MergeOr(conclusion, other)
			continue
		}
		if conclusion.IsEmptyExclude() {
			continue
		}
		merged.Events[eventUID] = conclusion.Clone()
	}

	for eventUID, conclusion := range b.Events {
		if _, ok := a.Events[eventUID]; ok {
			continue
		}
		if conclusion.IsEmptyExclude() {
			continue
		}
		merged.Events[eventUID] = conclusion.Clone()
	}

	return merged
}

// EventTerms is the per-event view of one indexed kind: every term the
// event or its overrides touch, with the conclusion describing which
// occurrences assert it.
type EventTerms[K comparable] struct {
	Terms map[K]*Conclusion
}

// BuildEventTerms derives the per-event term conclusions for one indexed
// kind. baseTerms are the terms asserted by the event itself;
// overrideTerms holds, for every override that explicitly specifies the
// property, the full replacement term set at that occurrence instant.
// Overrides that inherit the property contribute nothing.
func BuildEventTerms[K comparable](baseTerms []K, overrideTerms map[int64][]K) *EventTerms[K] {
	terms := make(map[K]*Conclusion, len(baseTerms))

	baseSet := make(map[K]struct{}, len(baseTerms))
	for _, term := range baseTerms {
		baseSet[term] = struct{}{}
		terms[term] = IncludeAll()
	}

	for instant, specified := range overrideTerms {
		specifiedSet := make(map[K]struct{}, len(specified))
		for _, term := range specified {
			specifiedSet[term] = struct{}{}
		}

		// Base terms the override dropped stop applying at this instant.
		for term := range baseSet {
			if _, kept := specifiedSet[term]; !kept {
				terms[term].InsertException(instant)
			}
		}

		// Terms the override introduced apply only at this instant.
		for term := range specifiedSet {
			if _, isBase := baseSet[term]; isBase {
				continue
			}
			if conclusion, ok := terms[term]; ok {
				conclusion.InsertException(instant)
			} else {
				terms[term] = ExcludeAllExcept(instant)
			}
		}
	}

	return &EventTerms[K]{Terms: terms}
}

// TermsDiff is the footprint delta between two versions of an event for
// one indexed kind.
type TermsDiff[K comparable] struct {
	Removed []K
	Upserts map[K]*Conclusion
}

// DiffEventTerms computes the calendar-index maintenance operations that
// move the index from the old footprint to the new one. Unchanged
// conclusions produce no operation.
func DiffEventTerms[K comparable](old, updated *EventTerms[K]) TermsDiff[K] {
	diff := TermsDiff[K]{Upserts: map[K]*Conclusion{}}

	if old != nil {
		for term, conclusion := range old.Terms {
			if updated == nil {
				diff.Removed = append(diff.Removed, term)
				continue
			}
			next, ok := updated.Terms[term]
			switch {
			case !ok:
				diff.Removed = append(diff.Removed, term)
			case !conclusion.Equal(next):
				diff.Upserts[term] = next
			}
		}
	}

	if updated != nil {
		for term, conclusion := range updated.Terms {
			if old != nil {
				if _, ok := old.Terms[term]; ok {
					continue
				}
			}
			diff.Upserts[term] = conclusion
		}
	}

	return diff
}
