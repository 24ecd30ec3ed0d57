package engine

// Conclusion records how an event relates to one indexed term across its
// occurrences. The base form is "include every occurrence" or "exclude
// every occurrence"; the exception set carves out individual occurrence
// instants that overrides flipped the other way.
//
// Scope encoding: an Include entry is base-scope (the event itself
// asserts the term), its exceptions are override instants that retracted
// it. An Exclude entry exists purely because of overrides: only the
// excepted instants assert the term.
type Conclusion struct {
	Exclude    bool
	Exceptions map[int64]struct{}
}

// IncludeAll returns a base-scope conclusion with no exceptions.
func IncludeAll() *Conclusion {
	return &Conclusion{}
}

// ExcludeAllExcept returns an override-scope conclusion asserting the
// term only at the given instants.
func ExcludeAllExcept(instants ...int64) *Conclusion {
	c := &Conclusion{Exclude: true}
	for _, instant := range instants {
		c.InsertException(instant)
	}
	return c
}

// Clone deep-copies the conclusion.
func (c *Conclusion) Clone() *Conclusion {
	clone := &Conclusion{Exclude: c.Exclude}
	if c.Exceptions != nil {
		clone.Exceptions = make(map[int64]struct{}, len(c.Exceptions))
		for instant := range c.Exceptions {
			clone.Exceptions[instant] = struct{}{}
		}
	}
	return clone
}

// IncludesOccurrence reports whether the occurrence at instant asserts
// the indexed term under this conclusion.
func (c *Conclusion) IncludesOccurrence(instant int64) bool {
	_, excepted := c.Exceptions[instant]
	if c.Exclude {
		return excepted
	}
	return !excepted
}

// InsertException marks instant as flipped relative to the base form.
func (c *Conclusion) InsertException(instant int64) {
	if c.Exceptions == nil {
		c.Exceptions = make(map[int64]struct{})
	}
	c.Exceptions[instant] = struct{}{}
}

// RemoveException reverts instant to the base form, reporting whether it
// was present.
func (c *Conclusion) RemoveException(instant int64) bool {
	if _, ok := c.Exceptions[instant]; !ok {
		return false
	}
	delete(c.Exceptions, instant)
	if len(c.Exceptions) == 0 {
		c.Exceptions = nil
	}
	return true
}

// IsEmptyExclude reports whether the conclusion excludes every
// occurrence, i.e. it asserts the term nowhere and can be dropped.
func (c *Conclusion) IsEmptyExclude() bool {
	return c.Exclude && len(c.Exceptions) == 0
}

// Equal compares two conclusions structurally.
func (c *Conclusion) Equal(other *Conclusion) bool {
	if c == nil || other == nil {
		return c == other
	}
	if c.Exclude != other.Exclude || len(c.Exceptions) != len(other.Exceptions) {
		return false
	}
	for instant := range c.Exceptions {
		if _, ok := other.Exceptions[instant]; !ok {
			return false
		}
	}
	return true
}

// MergeAnd intersects two conclusions about the same event: the result
// includes an occurrence only when both sides include it.
func MergeAnd(a, b *Conclusion) *Conclusion {
	switch {
	case !a.Exclude && !b.Exclude:
		// Include ∧ Include: excluded anywhere either side excepts.
		return &Conclusion{Exceptions: unionSet(a.Exceptions, b.Exceptions)}

	case a.Exclude && b.Exclude:
		// Exclude ∧ Exclude: included only where both sides except.
		return &Conclusion{Exclude: true, Exceptions: intersectSet(a.Exceptions, b.Exceptions)}

	default:
		// Include-except ∧ Exclude-except: included only at the Exclude
		// side's instants that the Include side does not retract.
		include, exclude := a, b
		if a.Exclude {
			include, exclude = b, a
		}
		return &Conclusion{Exclude: true, Exceptions: differenceSet(exclude.Exceptions, include.Exceptions)}
	}
}

// MergeOr unions two conclusions about the same event: the result
// includes an occurrence when either side includes it.
func MergeOr(a, b *Conclusion) *Conclusion {
	switch {
	case !a.Exclude && !b.Exclude:
		// Include ∨ Include: excluded only where both sides except.
		return &Conclusion{Exceptions: intersectSet(a.Exceptions, b.Exceptions)}

	case a.Exclude && b.Exclude:
		// Exclude ∨ Exclude: included where either side excepts.
		return &Conclusion{Exclude: true, Exceptions: unionSet(a.Exceptions, b.Exceptions)}

	default:
		// Include-except ∨ Exclude-except: excluded only at Include-side
		// exceptions the Exclude side does not re-add.
		include, exclude := a, b
		if a.Exclude {
			include, exclude = b, a
		}
		return &Conclusion{Exceptions: differenceSet(include.Exceptions, exclude.Exceptions)}
	}
}

func unionSet(a, b map[int64]struct{}) map[int64]struct{} {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	out := make(map[int64]struct{}, len(a)+len(b))
	for instant := range a {
		out[instant] = struct{}{}
	}
	for instant := range b {
		out[instant] = struct{}{}
	}
	return out
}

func intersectSet(a, b map[int64]struct{}) map[int64]struct{} {
	if len(a) > len(b) {
		a, b = b, a
	}
	var out map[int64]struct{}
	for instant := range a {
		if _, ok := b[instant]; ok {
			if out == nil {
				out = make(map[int64]struct{})
			}
			out[instant] = struct{}{}
		}
	}
	return out
}

func differenceSet(a, b map[int64]struct{}) map[int64]struct{} {
	var out map[int64]struct{}
	for instant := range a {
		if _, ok := b[instant]; !ok {
			if out == nil {
				out = make(map[int64]struct{})
			}
			out[instant] = struct{}{}
		}
	}
	return out
}
