// Package snapshot holds the latest published view of per-device readings.
// The poller is the only writer; scrape handlers read concurrently. Writes
// swap a whole map, so readers never observe a half-updated cycle.
package snapshot

import (
	"sync"
	"time"

	"github.com/edgewatt/plugmon/internal/models"
)

// Entry pairs a device's bookkeeping record with its most recent
// successful reading.
type Entry struct {
	Device  models.DeviceRecord
	Reading models.Reading
}

// Store is a copy-on-publish holder. Published maps must not be mutated
// by either side afterwards.
type Store struct {
	mu          sync.RWMutex
	entries     map[string]Entry
	generation  uint64
	publishedAt time.Time
}

func NewStore() *Store {
	return &Store{entries: map[string]Entry{}}
}

// Publish replaces the current view atomically and bumps the generation.
func (s *Store) Publish(entries map[string]Entry) {
	if entries == nil {
		entries = map[string]Entry{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = entries
	s.generation++
	s.publishedAt = time.Now()
}

// Get returns the most recently published view and its generation. The
// returned map is shared; callers must treat it as read-only.
func (s *Store) Get() (map[string]Entry, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.entries, s.generation
}

// Generation returns the current publish counter without copying the view.
func (s *Store) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.generation
}

// PublishedAt reports when the current view was published; zero before the
// first cycle completes.
func (s *Store) PublishedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.publishedAt
}
