package server

import (
	"sort"
	"sync"

	"icalq/internal/apperr"
	"icalq/internal/engine"
)

// Store is the process-level registry of calendars. Each calendar has
// its own mutex so operations on one calendar observe serial semantics
// while distinct calendars proceed independently.
type Store struct {
	mu        sync.RWMutex
	calendars map[string]*calendarHandle
}

type calendarHandle struct {
	mu       sync.Mutex
	calendar *engine.Calendar
}

// NewStore returns an empty registry.
func NewStore() *Store {
	return &Store{calendars: map[string]*calendarHandle{}}
}

// Create registers an empty calendar under uid. Returns false when one
// already exists.
func (s *Store) Create(uid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.calendars[uid]; ok {
		return false
	}
	s.calendars[uid] = &calendarHandle{calendar: engine.NewCalendar(uid)}
	return true
}

// Put registers a fully built calendar (snapshot restore), replacing any
// existing one under the same UID.
func (s *Store) Put(calendar *engine.Calendar) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calendars[calendar.UID] = &calendarHandle{calendar: calendar}
}

// Delete removes the calendar, releasing its events and indexes.
// Returns false when it does not exist.
func (s *Store) Delete(uid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.calendars[uid]; !ok {
		return false
	}
	delete(s.calendars, uid)
	return true
}

// Exists reports whether a calendar is registered under uid.
func (s *Store) Exists(uid string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.calendars[uid]
	return ok
}

// With runs fn against the calendar under its per-calendar lock.
func (s *Store) With(uid string, fn func(*engine.Calendar) error) error {
	s.mu.RLock()
	handle, ok := s.calendars[uid]
	s.mu.RUnlock()

	if !ok {
		return apperr.Newf(apperr.KindNotFound, "no calendar with UID %q", uid)
	}

	handle.mu.Lock()
	defer handle.mu.Unlock()
	return fn(handle.calendar)
}

// UIDs returns every registered calendar UID in lexical order.
func (s *Store) UIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	uids := make([]string, 0, len(s.calendars))
	for uid := range s.calendars {
		uids = append(uids, uid)
	}
	sort.Strings(uids)
	return uids
}
