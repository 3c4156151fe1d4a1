package domain

import (
	"sync"
	"time"
)

// Snapshot is the merged view of the most recent value of every field. Entries are only
// added or replaced, never removed.
type Snapshot struct {
	mu        sync.RWMutex
	values    map[string]interface{}
	updatedAt map[string]time.Time
}

// NewSnapshot creates an empty snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		values:    make(map[string]interface{}),
		updatedAt: make(map[string]time.Time),
	}
}

// Get returns the current value of a field.
func (s *Snapshot) Get(field string) (interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[field]
	return v, ok
}

// UpdatedAt returns when a field was last merged.
func (s *Snapshot) UpdatedAt(field string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.updatedAt[field]
	return t, ok
}

// Merge writes fields into the snapshot and returns the subset whose value changed or
// was not present before. Fields absent from the input are left untouched.
func (s *Snapshot) Merge(fields map[string]interface{}) map[string]interface{} {
	if len(fields) == 0 {
		return nil
	}
	now := time.Now()
	changed := make(map[string]interface{}, len(fields))

	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range fields {
		old, ok := s.values[k]
		s.updatedAt[k] = now
		if ok && old == v {
			continue
		}
		s.values[k] = v
		changed[k] = v
	}
	return changed
}

// View returns a copy of every field.
func (s *Snapshot) View() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]interface{}, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Len returns the number of fields held.
func (s *Snapshot) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}
