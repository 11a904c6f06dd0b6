package records

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	xlog "github.com/edcompanion/engine/internal/log"
	"github.com/edcompanion/engine/internal/race"
)

const saveInterval = 30 * time.Second

// PersonalBestCallback is invoked when a finished run beats the previous
// best. previous is nil for a race's first finish.
type PersonalBestCallback func(record RaceRecord, previous *Run)

// Tracker folds waypoint completions into the records and periodically
// persists them. Observe is called from the poll loop; Run owns the rest.
type Tracker struct {
	persist *Store
	events  chan race.Completion
	logger  zerolog.Logger

	mu      sync.Mutex
	records *Records
	dirty   bool
	splits  map[string][]time.Duration // run ID -> splits so far

	onPersonalBest PersonalBestCallback
}

// NewTracker loads existing records from persist. The caller must run Run
// in a goroutine.
func NewTracker(persist *Store) (*Tracker, error) {
	recs, err := persist.Load()
	if err != nil {
		return nil, err
	}
	return &Tracker{
		persist: persist,
		events:  make(chan race.Completion, 64),
		logger:  xlog.WithComponent("records"),
		records: recs,
		splits:  make(map[string][]time.Duration),
	}, nil
}

// OnPersonalBest registers a callback. Must be called before Run.
func (t *Tracker) OnPersonalBest(cb PersonalBestCallback) {
	t.onPersonalBest = cb
}

// Observe queues a completion without blocking. Completions are dropped
// when the queue is full.
func (t *Tracker) Observe(c race.Completion) {
	select {
	case t.events <- c:
	default:
		t.logger.Warn().Str("event", "records.dropped").Str("race", c.Race).Int("waypoint", c.Index).Msg("records queue full")
	}
}

// Run processes completions and saves dirty records every saveInterval.
// It blocks until ctx is cancelled, then drains the queue and saves.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(saveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case c := <-t.events:
					t.process(c)
				default:
					t.save()
					return
				}
			}
		case c := <-t.events:
			t.process(c)
		case <-ticker.C:
			if t.isDirty() {
				t.save()
			}
		}
	}
}

// Records returns a deep copy of the current records.
func (t *Tracker) Records() *Records {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.records.clone()
}

// Record returns the record for one race.
func (t *Tracker) Record(name string) (RaceRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records.Races[name]
	if !ok {
		return RaceRecord{}, false
	}
	return *r.clone(), true
}

func (t *Tracker) process(c race.Completion) {
	t.mu.Lock()

	rec, ok := t.records.Races[c.Race]
	if !ok {
		rec = &RaceRecord{Race: c.Race}
		t.records.Races[c.Race] = rec
	}

	if c.Index > 0 {
		t.splits[c.RunID] = append(t.splits[c.RunID], c.Split)
		for len(rec.BestSegments) < c.Index {
			rec.BestSegments = append(rec.BestSegments, 0)
		}
		if best := rec.BestSegments[c.Index-1]; best == 0 || c.Split < best {
			rec.BestSegments[c.Index-1] = c.Split
		}
	}

	var (
		improved bool
		previous *Run
	)
	if c.Finished {
		run := &Run{
			RunID:      c.RunID,
			Elapsed:    c.Elapsed,
			Splits:     t.splits[c.RunID],
			FinishedAt: c.At,
		}
		delete(t.splits, c.RunID)
		rec.Finishes++
		rec.Last = run
		if rec.Best == nil || run.Elapsed < rec.Best.Elapsed {
			previous = rec.Best.clone()
			rec.Best = run.clone()
			improved = true
		}
	}
	t.dirty = true
	snapshot := *rec.clone()
	t.mu.Unlock()

	if improved {
		l := t.logger.Info().Str("event", "records.personal_best").Str("race", c.Race).Dur("elapsed", c.Elapsed)
		if previous != nil {
			l = l.Dur("previous", previous.Elapsed)
		}
		l.Msg("new personal best")
		// Callbacks run outside the lock.
		if t.onPersonalBest != nil {
			t.onPersonalBest(snapshot, previous)
		}
	}
}

func (t *Tracker) isDirty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dirty
}

func (t *Tracker) save() {
	t.mu.Lock()
	recs := t.records.clone()
	t.dirty = false
	t.mu.Unlock()

	if err := t.persist.Save(recs); err != nil {
		t.logger.Error().Err(err).Str("event", "records.save_failed").Str("path", t.persist.Path()).Msg("failed to save records")
	}
}
