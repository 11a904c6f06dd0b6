// Package explore derives exploration summaries from Scan events: planet
// class tallies, first discoveries and the bodies of the current system.
package explore

import (
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/edcompanion/engine/internal/journal"
	xlog "github.com/edcompanion/engine/internal/log"
)

const (
	KindScan              = "Scan"
	KindFSDJump           = "FSDJump"
	KindFSSAllBodiesFound = "FSSAllBodiesFound"

	// WorthlessClass groups planet classes that are not worth reporting.
	WorthlessClass = "Worthless space rock"

	standardGravity = 9.80665 // m/s² per g
	highGravityG    = 1.0
	moonriseMinPct  = 10.0
)

var interestingStars = map[string]bool{
	"H": true, "N": true, "X": true, "TTS": true, "AEBE": true,
	"SUPERMASSIVEBLACKHOLE": true, "ROGUEPLANET": true,
}

// Body is one scanned body of the current system.
type Body struct {
	ID             int64    `json:"id"`
	Name           string   `json:"name"`
	Label          string   `json:"label"`
	StarType       string   `json:"starType,omitempty"`
	PlanetClass    string   `json:"planetClass,omitempty"`
	Terraform      bool     `json:"terraformable,omitempty"`
	Landable       bool     `json:"landable,omitempty"`
	GravityG       float64  `json:"gravityG,omitempty"`
	FirstDiscovery bool     `json:"firstDiscovery,omitempty"`
	ShouldScan     bool     `json:"shouldScan"`
	Points         []string `json:"poi,omitempty"`

	radiusM      float64
	orbitRadiusM float64
	parent       int64
	hasParent    bool
}

// ClassCount is one planet class tally.
type ClassCount struct {
	Class string `json:"class"`
	Count int    `json:"count"`
}

// Summary is the published view of the tracker.
type Summary struct {
	System          string       `json:"system,omitempty"`
	Classes         []ClassCount `json:"classes"`
	FirstDiscovered int          `json:"firstDiscovered"`
	Bodies          []Body       `json:"bodies"`
	AllBodiesFound  bool         `json:"allBodiesFound"`
}

// Tracker is single-owner; it is not safe for concurrent use.
type Tracker struct {
	classes    map[string]int
	discovered int
	system     string
	bodies     map[int64]*Body
	allFound   bool
	logger     zerolog.Logger
}

func NewTracker() *Tracker {
	return &Tracker{
		classes: make(map[string]int),
		bodies:  make(map[int64]*Body),
		logger:  xlog.WithComponent("explore"),
	}
}

func (t *Tracker) Watched() []string {
	return []string{KindScan, KindFSDJump, KindFSSAllBodiesFound}
}

// Process applies one cycle's events.
func (t *Tracker) Process(events []journal.Event) {
	for _, ev := range events {
		switch ev.Kind {
		case KindFSDJump:
			if sys, err := ev.String("StarSystem"); err == nil {
				t.enterSystem(sys)
			}
		case KindScan:
			t.scan(ev)
		case KindFSSAllBodiesFound:
			t.allFound = true
			t.markMoonrises()
		}
	}
}

func (t *Tracker) enterSystem(sys string) {
	if sys == t.system {
		return
	}
	t.system = sys
	t.bodies = make(map[int64]*Body)
	t.allFound = false
}

func (t *Tracker) scan(ev journal.Event) {
	planetClass, _ := ev.String("PlanetClass")
	starType, _ := ev.String("StarType")
	terraform, _ := ev.String("TerraformState")
	if planetClass == "" && starType == "" {
		return
	}
	if sys, err := ev.String("StarSystem"); err == nil {
		t.enterSystem(sys)
	}

	id, err := ev.Int("BodyID")
	if err != nil {
		t.tally(ev, planetClass, terraform)
		return
	}
	b, ok := t.bodies[id]
	if !ok {
		// Repeat scans of a known body refresh it without counting twice.
		b = &Body{ID: id}
		t.bodies[id] = b
		t.tally(ev, planetClass, terraform)
	}

	name, _ := ev.String("BodyName")
	b.Name = name
	b.StarType = starType
	b.PlanetClass = planetClass
	b.Terraform = terraform != ""
	b.Landable, _ = ev.Bool("Landable")
	if was, err := ev.Bool("WasDiscovered"); err == nil {
		b.FirstDiscovery = !was
	}
	if g, err := ev.Float("SurfaceGravity"); err == nil {
		b.GravityG = g / standardGravity
	}
	b.radiusM, _ = ev.Float("Radius")
	b.orbitRadiusM = orbitalRadius(ev)
	b.parent, b.hasParent = parentOf(ev)

	b.Label = label(name, t.system, starType, ev)
	b.ShouldScan = valuable(planetClass) || b.Terraform
	b.Points = b.Points[:0]
	if interestingStars[strings.ToUpper(starType)] {
		b.Points = append(b.Points, "Interesting")
	}
	if b.Landable && b.GravityG >= highGravityG {
		b.Points = append(b.Points, "High G planet")
	}
	t.logger.Debug().Str("event", "explore.scan").Int64("body", id).Str("label", b.Label).Msg("body scanned")
}

func (t *Tracker) tally(ev journal.Event, planetClass, terraform string) {
	if planetClass != "" {
		t.classes[classify(planetClass, terraform)]++
	}
	if was, err := ev.Bool("WasDiscovered"); err == nil && !was {
		t.discovered++
	}
}

// markMoonrises flags moons whose parent fills a large share of the view.
func (t *Tracker) markMoonrises() {
	for _, b := range t.bodies {
		if !b.hasParent || b.orbitRadiusM == 0 || b.radiusM == 0 {
			continue
		}
		parent, ok := t.bodies[b.parent]
		if !ok || parent.radiusM == 0 {
			continue
		}
		distance := b.orbitRadiusM - b.radiusM
		if distance <= 0 {
			continue
		}
		pct := parent.radiusM * 2 / (2 * distance) * 100
		if pct < moonriseMinPct || hasPoint(b, "Moonrise") {
			continue
		}
		b.Points = append(b.Points, "Moonrise")
	}
}

func hasPoint(b *Body, p string) bool {
	for _, x := range b.Points {
		if x == p {
			return true
		}
	}
	return false
}

func classify(planetClass, terraform string) string {
	switch {
	case terraform != "":
		return planetClass + " (T)"
	case valuable(planetClass):
		return planetClass
	default:
		return WorthlessClass
	}
}

func valuable(planetClass string) bool {
	c := strings.ToLower(planetClass)
	return strings.Contains(c, "earth") || strings.Contains(c, "water world") || strings.Contains(c, "ammonia world")
}

func label(name, system, starType string, ev journal.Event) string {
	l := name
	if system != "" && name != system && strings.HasPrefix(name, system) {
		l = strings.TrimSpace(strings.TrimPrefix(name, system))
	}
	if starType != "" {
		sub, err := ev.Int("Subclass")
		if err == nil {
			return l + " (" + starType + strconv.FormatInt(sub, 10) + ")"
		}
		return l + " (" + starType + ")"
	}
	if pc, err := ev.String("PlanetClass"); err == nil && pc != "" {
		return l + " (" + pc + ")"
	}
	return l
}

// orbitalRadius averages the semi-major and semi-minor axes.
func orbitalRadius(ev journal.Event) float64 {
	a, err := ev.Float("SemiMajorAxis")
	if err != nil {
		return 0
	}
	e, err := ev.Float("Eccentricity")
	if err != nil {
		return 0
	}
	return (a + a*math.Sqrt(1-e*e)) / 2
}

// parentOf returns the first non-null parent body from Parents.
func parentOf(ev journal.Event) (int64, bool) {
	var parents []map[string]int64
	if err := ev.Decode("Parents", &parents); err != nil || len(parents) == 0 {
		return 0, false
	}
	for kind, id := range parents[0] {
		if kind == "Null" || id == 0 {
			continue
		}
		return id, true
	}
	return 0, false
}

// Summary returns a copy of the tracker state. Classes are sorted by count,
// worthless rocks last; bodies by ID.
func (t *Tracker) Summary() Summary {
	s := Summary{
		System:          t.system,
		FirstDiscovered: t.discovered,
		AllBodiesFound:  t.allFound,
		Classes:         make([]ClassCount, 0, len(t.classes)),
		Bodies:          make([]Body, 0, len(t.bodies)),
	}
	for class, n := range t.classes {
		s.Classes = append(s.Classes, ClassCount{Class: class, Count: n})
	}
	sort.Slice(s.Classes, func(i, j int) bool {
		a, b := s.Classes[i], s.Classes[j]
		if (a.Class == WorthlessClass) != (b.Class == WorthlessClass) {
			return b.Class == WorthlessClass
		}
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Class < b.Class
	})
	for _, b := range t.bodies {
		c := *b
		c.Points = append([]string(nil), b.Points...)
		s.Bodies = append(s.Bodies, c)
	}
	sort.Slice(s.Bodies, func(i, j int) bool { return s.Bodies[i].ID < s.Bodies[j].ID })
	return s
}
