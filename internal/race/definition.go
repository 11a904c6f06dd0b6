package race

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/tidwall/jsonc"
)

// DefaultRange is the completion radius in kilometers when a waypoint
// does not set one.
const DefaultRange = 0.5

// ErrInvalidDefinition is wrapped by every definition validation failure.
var ErrInvalidDefinition = errors.New("invalid race definition")

type Role int

const (
	Intermediate Role = iota
	First
	Last
)

var roleNames = map[Role]string{
	Intermediate: "intermediate",
	First:        "first",
	Last:         "last",
}

func (r Role) String() string {
	if s, ok := roleNames[r]; ok {
		return s
	}
	return "unknown"
}

func (r Role) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// Waypoint is one checkpoint. Event names the journal kind that arms the
// proximity check, or "Pass" to check proximity on every poll.
type Waypoint struct {
	Event string  `json:"event"`
	Lat   float64 `json:"lat"`
	Lng   float64 `json:"lng"`
	Range float64 `json:"range,omitempty"` // km; zero means DefaultRange
	Role  Role    `json:"-"`
}

// Definition is an ordered list of waypoints under a name.
type Definition struct {
	Name      string     `json:"name"`
	Waypoints []Waypoint `json:"waypoints"`
}

type rawWaypoint struct {
	Event *string  `json:"event"`
	Lat   *float64 `json:"lat"`
	Lng   *float64 `json:"lng"`
	Range *float64 `json:"range"`
}

type rawDefinition struct {
	Name      string        `json:"name"`
	Waypoints []rawWaypoint `json:"waypoints"`
}

// ParseDefinition decodes and validates a race definition. Comments and
// trailing commas are accepted.
func ParseDefinition(data []byte) (Definition, error) {
	var raw rawDefinition
	if err := json.Unmarshal(jsonc.ToJSON(data), &raw); err != nil {
		return Definition{}, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	if raw.Name == "" {
		return Definition{}, fmt.Errorf("%w: name is required", ErrInvalidDefinition)
	}
	if len(raw.Waypoints) == 0 {
		return Definition{}, fmt.Errorf("%w: %s has no waypoints", ErrInvalidDefinition, raw.Name)
	}

	def := Definition{Name: raw.Name, Waypoints: make([]Waypoint, 0, len(raw.Waypoints))}
	for i, rw := range raw.Waypoints {
		switch {
		case rw.Event == nil || *rw.Event == "":
			return Definition{}, fmt.Errorf("%w: waypoint %d: event is required", ErrInvalidDefinition, i)
		case rw.Lat == nil:
			return Definition{}, fmt.Errorf("%w: waypoint %d: lat is required", ErrInvalidDefinition, i)
		case rw.Lng == nil:
			return Definition{}, fmt.Errorf("%w: waypoint %d: lng is required", ErrInvalidDefinition, i)
		case *rw.Lat < -90 || *rw.Lat > 90:
			return Definition{}, fmt.Errorf("%w: waypoint %d: lat %v out of range", ErrInvalidDefinition, i, *rw.Lat)
		case *rw.Lng < -180 || *rw.Lng > 180:
			return Definition{}, fmt.Errorf("%w: waypoint %d: lng %v out of range", ErrInvalidDefinition, i, *rw.Lng)
		}
		w := Waypoint{Event: *rw.Event, Lat: *rw.Lat, Lng: *rw.Lng, Range: DefaultRange}
		if rw.Range != nil {
			if *rw.Range <= 0 {
				return Definition{}, fmt.Errorf("%w: waypoint %d: range must be positive", ErrInvalidDefinition, i)
			}
			w.Range = *rw.Range
		}
		def.Waypoints = append(def.Waypoints, w)
	}
	def.assignRoles()
	return def, nil
}

// LoadDefinition reads and parses a race definition file.
func LoadDefinition(path string) (Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, fmt.Errorf("reading race %s: %w", path, err)
	}
	def, err := ParseDefinition(data)
	if err != nil {
		return Definition{}, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

func (d *Definition) assignRoles() {
	for i := range d.Waypoints {
		switch {
		case i == len(d.Waypoints)-1 && i > 0:
			d.Waypoints[i].Role = Last
		case i == 0:
			d.Waypoints[i].Role = First
		default:
			d.Waypoints[i].Role = Intermediate
		}
	}
}

// Validate re-checks a definition built in code rather than parsed.
func (d Definition) Validate() error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	_, err = ParseDefinition(data)
	return err
}

// Watched returns the journal kinds the waypoints wait for, excluding Pass.
func (d Definition) Watched() []string {
	seen := make(map[string]bool)
	var out []string
	for _, w := range d.Waypoints {
		if w.Event == PassKind || seen[w.Event] {
			continue
		}
		seen[w.Event] = true
		out = append(out, w.Event)
	}
	return out
}
