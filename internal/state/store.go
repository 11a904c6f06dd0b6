// Package state holds the latest published engine snapshot for readers
// outside the poll loop.
package state

import (
	"sync"
	"time"

	"github.com/edcompanion/engine/internal/explore"
	"github.com/edcompanion/engine/internal/journal"
	"github.com/edcompanion/engine/internal/race"
	"github.com/edcompanion/engine/internal/route"
	"github.com/edcompanion/engine/internal/status"
)

// DefaultRecentEvents is how many selected events a snapshot keeps.
const DefaultRecentEvents = 50

type HealthStatus string

const (
	StatusHealthy  HealthStatus = "healthy"
	StatusDegraded HealthStatus = "degraded"
	StatusFailed   HealthStatus = "failed"
)

// ComponentHealth describes one polled component.
type ComponentHealth struct {
	Component           string       `json:"component"`
	Status              HealthStatus `json:"status"`
	ConsecutiveFailures int          `json:"consecutiveFailures"`
	LastError           string       `json:"lastError,omitempty"`
	LastFailure         *time.Time   `json:"lastFailure,omitempty"`
}

// Snapshot is everything a renderer needs after one poll cycle. Published
// snapshots are never modified; the pointed-to values are rebuilt each cycle.
type Snapshot struct {
	Seq         uint64            `json:"seq"`
	UpdatedAt   time.Time         `json:"updatedAt"`
	JournalFile string            `json:"journalFile,omitempty"`
	GameRunning bool              `json:"gameRunning"`
	Status      *status.Snapshot  `json:"status,omitempty"`
	Race        *race.Progress    `json:"race,omitempty"`
	Route       *route.Progress   `json:"route,omitempty"`
	Explore     *explore.Summary  `json:"explore,omitempty"`
	Health      []ComponentHealth `json:"health"`
	Recent      []journal.Event   `json:"recent"`
}

type Store struct {
	mu     sync.RWMutex
	snap   Snapshot
	recent int
}

func NewStore(recent int) *Store {
	if recent <= 0 {
		recent = DefaultRecentEvents
	}
	return &Store{recent: recent}
}

// Get returns a copy of the latest snapshot.
func (s *Store) Get() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.clone()
}

// Publish replaces the snapshot, appending events to the recent history.
// Seq and Recent of snap are ignored; the stored values are returned in
// the result.
func (s *Store) Publish(snap Snapshot, events []journal.Event) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	recent := append(append([]journal.Event(nil), s.snap.Recent...), events...)
	if over := len(recent) - s.recent; over > 0 {
		recent = recent[over:]
	}
	snap.Recent = recent
	snap.Seq = s.snap.Seq + 1
	snap.Health = append([]ComponentHealth(nil), snap.Health...)
	s.snap = snap
	return s.snap.clone()
}

// Seq is the number of snapshots published so far.
func (s *Store) Seq() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.Seq
}

func (s Snapshot) clone() Snapshot {
	c := s
	c.Health = append([]ComponentHealth(nil), s.Health...)
	c.Recent = append([]journal.Event(nil), s.Recent...)
	return c
}
