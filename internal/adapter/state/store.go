// Package state provides the in-memory data store sink. It holds the last delivered
// value of every field for the host surfaces (HTTP API, MQTT republish).
package state

import (
	"context"
	"sync"
	"time"
)

// Entry is one stored field.
type Entry struct {
	Value     interface{} `json:"value"`
	UpdatedAt time.Time   `json:"updated_at"`
	Version   uint64      `json:"version"`
}

// Store is a fan-out sink keeping the latest value per field.
type Store struct {
	name    string
	mu      sync.RWMutex
	entries map[string]Entry
	version uint64
	now     func() time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		name:    "state",
		entries: make(map[string]Entry),
		now:     time.Now,
	}
}

// Name implements the sink interface.
func (s *Store) Name() string {
	return s.name
}

// Publish merges a batch. Every batch bumps the store version once.
func (s *Store) Publish(ctx context.Context, fields map[string]interface{}) error {
	if len(fields) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.version++
	ts := s.now()
	for k, v := range fields {
		s.entries[k] = Entry{Value: v, UpdatedAt: ts, Version: s.version}
	}
	return nil
}

// Get returns one field.
func (s *Store) Get(field string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[field]
	return e, ok
}

// All returns a copy of every entry.
func (s *Store) All() map[string]Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Entry, len(s.entries))
	for k, v := range s.entries {
		out[k] = v
	}
	return out
}

// Values returns the stored values without metadata.
func (s *Store) Values() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]interface{}, len(s.entries))
	for k, e := range s.entries {
		out[k] = e.Value
	}
	return out
}

// Changed returns the fields written after version.
func (s *Store) Changed(version uint64) map[string]Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Entry)
	for k, e := range s.entries {
		if e.Version > version {
			out[k] = e
		}
	}
	return out
}

// Version returns the number of batches applied.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}
