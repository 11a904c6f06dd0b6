// Package race runs a sequential waypoint race against journal events and
// the polled ship position.
package race

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/edcompanion/engine/internal/journal"
	xlog "github.com/edcompanion/engine/internal/log"
	"github.com/edcompanion/engine/internal/status"
)

// PassKind marks a waypoint checked on every poll from the status snapshot.
const PassKind = journal.KindPass

// FallbackRadiusKm scales degrees when the status snapshot carries a
// position but no PlanetRadius. It is an Earth-sized body.
const FallbackRadiusKm = 6371.0

type State int

const (
	NotStarted State = iota
	InProgress
	Finished
)

var stateNames = map[State]string{
	NotStarted: "not_started",
	InProgress: "in_progress",
	Finished:   "finished",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Progress is a point-in-time copy of the race for display.
type Progress struct {
	RunID      string          `json:"runId"`
	Name       string          `json:"name"`
	State      State           `json:"state"`
	Current    int             `json:"current"` // index of the next waypoint; Total once finished
	Completed  int             `json:"completed"`
	Total      int             `json:"total"`
	NextEvent  string          `json:"nextEvent,omitempty"`
	StartedAt  *time.Time      `json:"startedAt,omitempty"`
	FinishedAt *time.Time      `json:"finishedAt,omitempty"`
	Elapsed    time.Duration   `json:"elapsed"`
	ETA        *time.Duration  `json:"eta,omitempty"`
	Splits     []time.Duration `json:"splits,omitempty"`
	DistanceKm *float64        `json:"distanceKm,omitempty"`
	Finished   bool            `json:"finished"`
}

// Engine is the waypoint state machine. Slot i is only filled once slots
// 0..i-1 are filled; once the last slot is filled the engine is frozen.
// Not safe for concurrent use.
type Engine struct {
	def      Definition
	runID    string
	slots    []*time.Time
	passed   bool
	distance *float64
	logger   zerolog.Logger
}

// NewEngine validates def and returns an engine in the NotStarted state.
// Waypoints with a zero Range get DefaultRange.
func NewEngine(def Definition) (*Engine, error) {
	d := Definition{Name: def.Name, Waypoints: append([]Waypoint(nil), def.Waypoints...)}
	for i := range d.Waypoints {
		if d.Waypoints[i].Range == 0 {
			d.Waypoints[i].Range = DefaultRange
		}
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	d.assignRoles()

	e := &Engine{
		def:    d,
		logger: xlog.WithComponent("race"),
	}
	e.Reset()
	return e, nil
}

// Reset clears all completions and starts a new run.
func (e *Engine) Reset() {
	e.runID = uuid.NewString()
	e.slots = make([]*time.Time, len(e.def.Waypoints))
	e.passed = false
	e.distance = nil
	e.logger = xlog.WithComponent("race").With().Str("race", e.def.Name).Str("run", e.runID).Logger()
}

func (e *Engine) Definition() Definition { return e.def }

// Watched returns the journal kinds this race needs to see.
func (e *Engine) Watched() []string { return e.def.Watched() }

func (e *Engine) State() State {
	switch {
	case e.slots[len(e.slots)-1] != nil:
		return Finished
	case e.slots[0] != nil:
		return InProgress
	default:
		return NotStarted
	}
}

// Passed reports whether the last Process call completed a waypoint.
func (e *Engine) Passed() bool { return e.passed }

// current returns the index of the first unfilled slot, or len(slots).
func (e *Engine) current() int {
	for i, s := range e.slots {
		if s == nil {
			return i
		}
	}
	return len(e.slots)
}

// Process evaluates the current waypoint against this cycle's events and
// the latest status snapshot. Only the current waypoint is considered, so
// at most one slot is filled per call. It reports whether a slot was filled.
func (e *Engine) Process(events []journal.Event, snap *status.Snapshot, now time.Time) bool {
	e.passed = false
	idx := e.current()
	if idx == len(e.slots) {
		return false
	}
	w := e.def.Waypoints[idx]

	dist, ok := DistanceKm(snap, w.Lat, w.Lng)
	if ok {
		e.distance = &dist
	} else {
		e.distance = nil
	}

	if w.Event != PassKind && !containsKind(events, w.Event) {
		return false
	}
	if !ok || dist > w.Range {
		return false
	}

	t := now
	e.slots[idx] = &t
	e.passed = true

	log := e.logger.Info().
		Str("event", "race.waypoint_completed").
		Int("waypoint", idx).
		Str("role", w.Role.String()).
		Float64("distance_km", dist)
	switch {
	case idx == len(e.slots)-1:
		log.Dur("elapsed", t.Sub(*e.slots[0])).Msg("race finished")
	case idx == 0:
		log.Msg("race started")
	default:
		log.Msg("waypoint completed")
	}
	return true
}

// Progress returns a snapshot of the race at now.
func (e *Engine) Progress(now time.Time) Progress {
	idx := e.current()
	p := Progress{
		RunID:     e.runID,
		Name:      e.def.Name,
		State:     e.State(),
		Current:   idx,
		Completed: idx,
		Total:     len(e.slots),
		Finished:  idx == len(e.slots),
	}
	if idx < len(e.slots) {
		p.NextEvent = e.def.Waypoints[idx].Event
		if e.distance != nil {
			d := *e.distance
			p.DistanceKm = &d
		}
	}

	if start := e.slots[0]; start != nil {
		s := *start
		p.StartedAt = &s
		p.Elapsed = now.Sub(s)
	}
	if p.Finished {
		end := *e.slots[len(e.slots)-1]
		p.FinishedAt = &end
		p.Elapsed = end.Sub(*p.StartedAt)
	}

	for i := 1; i < idx; i++ {
		p.Splits = append(p.Splits, e.slots[i].Sub(*e.slots[i-1]))
	}
	if !p.Finished && len(p.Splits) > 0 {
		var sum time.Duration
		for _, s := range p.Splits {
			sum += s
		}
		eta := sum / time.Duration(len(p.Splits)) * time.Duration(len(e.slots)-idx)
		p.ETA = &eta
	}
	return p
}

// Completion describes one filled waypoint slot.
type Completion struct {
	RunID    string        `json:"runId"`
	Race     string        `json:"race"`
	Index    int           `json:"index"`
	Role     Role          `json:"role"`
	At       time.Time     `json:"at"`
	Split    time.Duration `json:"split"` // since the previous waypoint
	Elapsed  time.Duration `json:"elapsed"`
	Finished bool          `json:"finished"`
}

// LastCompletion returns the most recently filled slot.
func (e *Engine) LastCompletion() (Completion, bool) {
	i := e.current() - 1
	if i < 0 {
		return Completion{}, false
	}
	c := Completion{
		RunID:    e.runID,
		Race:     e.def.Name,
		Index:    i,
		Role:     e.def.Waypoints[i].Role,
		At:       *e.slots[i],
		Elapsed:  e.slots[i].Sub(*e.slots[0]),
		Finished: i == len(e.slots)-1,
	}
	if i > 0 {
		c.Split = e.slots[i].Sub(*e.slots[i-1])
	}
	return c, true
}

// CompletedAt returns the completion time of waypoint i.
func (e *Engine) CompletedAt(i int) (time.Time, bool) {
	if i < 0 || i >= len(e.slots) || e.slots[i] == nil {
		return time.Time{}, false
	}
	return *e.slots[i], true
}

func (e *Engine) String() string {
	return fmt.Sprintf("race %s (%s, %d/%d)", e.def.Name, e.State(), e.current(), len(e.slots))
}

func containsKind(events []journal.Event, kind string) bool {
	for _, ev := range events {
		if ev.Kind == kind {
			return true
		}
	}
	return false
}

// DistanceKm returns the planar distance in kilometers between the ship
// position in snap and (lat, lng), scaling degrees by the body's
// circumference, or FallbackRadiusKm when the radius is unknown. It reports
// false when the snapshot has no position.
func DistanceKm(snap *status.Snapshot, lat, lng float64) (float64, bool) {
	shipLat, shipLng, ok := snap.Position()
	if !ok {
		return 0, false
	}
	radius, ok := snap.RadiusKm()
	if !ok {
		radius = FallbackRadiusKm
	}
	dLat := shipLat - lat
	dLng := math.Mod(shipLng-lng+540, 360) - 180
	degrees := math.Hypot(dLat, dLng)
	return degrees * (radius * 2 * math.Pi / 360), true
}
