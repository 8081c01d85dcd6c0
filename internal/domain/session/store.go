package session

import (
	"sync"
	"time"

	"github.com/medcare/medcare/internal/platform/hospital"
)

// Store holds live sessions in memory. It is the primary tier: losing the
// process loses these records, and the grace snapshots exist to soften
// exactly that.
type Store struct {
	mu      sync.RWMutex
	records map[string]*Record
}

func NewStore() *Store {
	return &Store{records: make(map[string]*Record)}
}

// Put inserts or replaces a record. A record missing either the token or the
// user is rejected: a half-written session is worse than none.
func (s *Store) Put(rec Record) error {
	if rec.Token == "" || rec.User.Username == "" {
		return ErrIncompleteRecord
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = &rec
	return nil
}

// Get returns a copy of the record.
func (s *Store) Get(id string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Take removes and returns the record in one step, so two concurrent
// teardowns of the same session cannot both claim it.
func (s *Store) Take(id string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return Record{}, false
	}
	delete(s.records, id)
	return *rec, true
}

// Touch resets the activity clock and re-arms the warning.
func (s *Store) Touch(id string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return false
	}
	rec.LastActivity = now
	rec.Warned = false
	return true
}

// MarkWarned flips the warned flag and reports whether this call was the one
// that flipped it. Only the flipping caller may fire the warning callback.
func (s *Store) MarkWarned(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok || rec.Warned {
		return false
	}
	rec.Warned = true
	return true
}

// SetUser replaces the user held by a session, leaving the token and the
// activity clock alone.
func (s *Store) SetUser(id string, user hospital.User) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return false
	}
	rec.User = user
	return true
}

// List returns copies of all live records.
func (s *Store) List() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, *rec)
	}
	return out
}

// Len reports the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
