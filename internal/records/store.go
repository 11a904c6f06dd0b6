// Package records keeps finished race times and personal bests across runs.
package records

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
)

const (
	// recordsVersion is bumped when the schema changes.
	recordsVersion = 1

	recordsFileName = "records.json"
	appDirName      = "edcompanion"
)

// Records is the persistent per-race history, loaded from and saved to
// ~/.local/state/edcompanion/records.json (respecting XDG_STATE_HOME).
type Records struct {
	Version     int                    `json:"version"`
	Races       map[string]*RaceRecord `json:"races"` // keyed by race name
	LastUpdated time.Time              `json:"lastUpdated"`
}

// Run is one finished race run.
type Run struct {
	RunID      string          `json:"runId"`
	Elapsed    time.Duration   `json:"elapsed"`
	Splits     []time.Duration `json:"splits"`
	FinishedAt time.Time       `json:"finishedAt"`
}

type RaceRecord struct {
	Race     string `json:"race"`
	Finishes int    `json:"finishes"`
	Best     *Run   `json:"best,omitempty"`
	Last     *Run   `json:"last,omitempty"`
	// BestSegments[i] is the fastest split seen into waypoint i+1 across
	// all runs, finished or not.
	BestSegments []time.Duration `json:"bestSegments,omitempty"`
}

// SumOfBest adds up the best segments. It reports false until every
// segment of a finished run has been seen.
func (r *RaceRecord) SumOfBest() (time.Duration, bool) {
	if r.Best == nil || len(r.BestSegments) < len(r.Best.Splits) {
		return 0, false
	}
	var sum time.Duration
	for _, s := range r.BestSegments {
		if s <= 0 {
			return 0, false
		}
		sum += s
	}
	return sum, true
}

// Store handles loading and saving Records to disk.
type Store struct {
	dir string // directory containing records.json
}

// NewStore creates a Store that reads/writes records in the given
// directory. The directory is created on the first Save. Pass an empty
// string to use the default XDG state path.
func NewStore(dir string) *Store {
	if dir == "" {
		dir = defaultRecordsDir()
	}
	return &Store{dir: dir}
}

// Path returns the full path to the records file.
func (s *Store) Path() string {
	return filepath.Join(s.dir, recordsFileName)
}

// Load reads records from disk. A missing file yields empty records.
func (s *Store) Load() (*Records, error) {
	data, err := os.ReadFile(s.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return newRecords(), nil
		}
		return nil, fmt.Errorf("reading records: %w", err)
	}

	var r Records
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parsing records: %w", err)
	}
	if r.Races == nil {
		r.Races = make(map[string]*RaceRecord)
	}
	return &r, nil
}

// Save atomically replaces the records file.
func (s *Store) Save(r *Records) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("creating records dir: %w", err)
	}

	r.Version = recordsVersion
	r.LastUpdated = time.Now().UTC()

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling records: %w", err)
	}
	if err := renameio.WriteFile(s.Path(), append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("writing records: %w", err)
	}
	return nil
}

func newRecords() *Records {
	return &Records{
		Version: recordsVersion,
		Races:   make(map[string]*RaceRecord),
	}
}

func (r *Run) clone() *Run {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Splits = append([]time.Duration(nil), r.Splits...)
	return &cp
}

func (r *RaceRecord) clone() *RaceRecord {
	cp := *r
	cp.Best = r.Best.clone()
	cp.Last = r.Last.clone()
	cp.BestSegments = append([]time.Duration(nil), r.BestSegments...)
	return &cp
}

// clone returns a deep copy of Records.
func (r *Records) clone() *Records {
	cp := *r
	cp.Races = make(map[string]*RaceRecord, len(r.Races))
	for k, v := range r.Races {
		cp.Races[k] = v.clone()
	}
	return &cp
}

// defaultRecordsDir returns ~/.local/state/edcompanion, respecting
// XDG_STATE_HOME if set.
func defaultRecordsDir() string {
	if base := os.Getenv("XDG_STATE_HOME"); base != "" {
		return filepath.Join(base, appDirName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".local", "state", appDirName)
}
