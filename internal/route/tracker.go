// Package route follows the plotted navigation route and estimates the time
// left to reach its end from recent jump durations.
package route

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/edcompanion/engine/internal/journal"
	xlog "github.com/edcompanion/engine/internal/log"
)

const (
	KindNavRoute = "NavRoute"
	KindFSDJump  = "FSDJump"

	// DefaultHistorySize bounds the jump duration history.
	DefaultHistorySize = 20

	// scoopable star classes; anything else is flagged as a hazard.
	scoopable = "KBGFOAM"
)

// Stop is one system on the route.
type Stop struct {
	StarSystem    string     `json:"StarSystem"`
	SystemAddress int64      `json:"SystemAddress"`
	StarPos       [3]float64 `json:"StarPos"`
	StarClass     string     `json:"StarClass"`
}

// Scoopable reports whether fuel can be scooped from the stop's star.
func (s Stop) Scoopable() bool {
	return strings.Contains(scoopable, s.StarClass)
}

type navRoute struct {
	Route []Stop `json:"Route"`
}

// Loader supplies the current route when a NavRoute event arrives.
type Loader interface {
	Load() ([]Stop, error)
}

// FileLoader reads NavRoute.json.
type FileLoader struct {
	Path string
}

func (l FileLoader) Load() ([]Stop, error) {
	data, err := os.ReadFile(l.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading route %s: %w", l.Path, err)
	}
	var r navRoute
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decoding route %s: %w", l.Path, err)
	}
	return r.Route, nil
}

// StopProgress is a stop as published, with its hazard flag.
type StopProgress struct {
	Stop
	Hazard bool `json:"hazard"`
}

// Progress is a point-in-time copy of the tracker.
type Progress struct {
	Stops     []StopProgress `json:"stops"`
	Position  int            `json:"position"` // -1 when the current system is not on the route
	Remaining int            `json:"remaining"`
	ETA       *time.Duration `json:"eta,omitempty"`
	Start     *[3]float64    `json:"start,omitempty"`
	End       *[3]float64    `json:"end,omitempty"`
	Current   *[3]float64    `json:"current,omitempty"`
	Jumps     int            `json:"jumps"` // samples in the jump history
}

type Option func(*Tracker)

func WithHistorySize(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.historySize = n
		}
	}
}

// Tracker is single-owner; it is not safe for concurrent use.
type Tracker struct {
	loader      Loader
	historySize int
	logger      zerolog.Logger

	route    []Stop
	address  int64
	hasAddr  bool
	current  *[3]float64
	lastJump time.Time
	history  []time.Duration
	position int
	eta      *time.Duration
}

func NewTracker(loader Loader, opts ...Option) *Tracker {
	t := &Tracker{
		loader:      loader,
		historySize: DefaultHistorySize,
		logger:      xlog.WithComponent("route"),
		position:    -1,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Watched returns the journal kinds the tracker consumes.
func (t *Tracker) Watched() []string { return []string{KindNavRoute, KindFSDJump} }

// Process applies one cycle's events. A route load failure keeps the previous
// route and is returned after the rest of the batch has been applied.
func (t *Tracker) Process(events []journal.Event, now time.Time) error {
	var loadErr error
	for _, ev := range events {
		switch ev.Kind {
		case KindNavRoute:
			stops, err := t.routeFrom(ev)
			if err != nil {
				loadErr = err
				t.logger.Debug().Err(err).Str("event", "route.load_failed").Msg("keeping previous route")
				continue
			}
			t.route = stops
			t.history = t.history[:0]
			t.logger.Info().Str("event", "route.loaded").Int("stops", len(stops)).Msg("route loaded")

		case KindFSDJump:
			addr, err := ev.Int("SystemAddress")
			if err != nil {
				continue
			}
			// Replayed batches carry their own times; now only stands in
			// for events without a timestamp.
			at := ev.Timestamp
			if at.IsZero() {
				at = now
			}
			if !t.lastJump.IsZero() && !at.Before(t.lastJump) {
				t.history = append(t.history, at.Sub(t.lastJump))
				if over := len(t.history) - t.historySize; over > 0 {
					t.history = append(t.history[:0], t.history[over:]...)
				}
			}
			t.lastJump = at
			t.address, t.hasAddr = addr, true
			if pos, err := ev.Vec3("StarPos"); err == nil {
				t.current = &pos
			}
		}
	}
	t.recompute()
	return loadErr
}

// routeFrom prefers a Route array carried in the event itself.
func (t *Tracker) routeFrom(ev journal.Event) ([]Stop, error) {
	if ev.Has("Route") {
		var stops []Stop
		if err := ev.Decode("Route", &stops); err == nil {
			return stops, nil
		}
	}
	if t.loader == nil {
		return nil, nil
	}
	return t.loader.Load()
}

func (t *Tracker) recompute() {
	t.position = -1
	if t.hasAddr {
		for i, s := range t.route {
			if s.SystemAddress == t.address {
				t.position = i
				break
			}
		}
	}

	t.eta = nil
	if t.position < 0 || len(t.history) == 0 {
		return
	}
	var sum time.Duration
	for _, d := range t.history {
		sum += d
	}
	eta := time.Duration(len(t.route)-t.position-1) * (sum / time.Duration(len(t.history)))
	t.eta = &eta
}

// Position is the index of the current system in the route, or -1.
func (t *Tracker) Position() int { return t.position }

func (t *Tracker) ETA() (time.Duration, bool) {
	if t.eta == nil {
		return 0, false
	}
	return *t.eta, true
}

func (t *Tracker) Progress() Progress {
	p := Progress{
		Stops:    make([]StopProgress, len(t.route)),
		Position: t.position,
		Jumps:    len(t.history),
	}
	for i, s := range t.route {
		p.Stops[i] = StopProgress{Stop: s, Hazard: !s.Scoopable()}
	}
	if t.position >= 0 {
		p.Remaining = len(t.route) - t.position - 1
	} else {
		p.Remaining = len(t.route)
	}
	if t.eta != nil {
		eta := *t.eta
		p.ETA = &eta
	}
	if n := len(t.route); n > 0 {
		start, end := t.route[0].StarPos, t.route[n-1].StarPos
		p.Start, p.End = &start, &end
	}
	if t.current != nil {
		cur := *t.current
		p.Current = &cur
	}
	return p
}
