package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	// TimestampLayout is the journal's timestamp format.
	TimestampLayout = "2006-01-02T15:04:05Z"

	// KindPass is the synthetic event kind for a waypoint completed by
	// proximity rather than by a logged event.
	KindPass = "Pass"
)

var (
	// ErrMissingField is returned by Event accessors when the field is absent.
	ErrMissingField = errors.New("missing field")
	// ErrFieldType is returned when a field is present but has the wrong JSON type.
	ErrFieldType = errors.New("field has unexpected type")
	// ErrNoKind is returned by Decode for objects without an "event" name.
	ErrNoKind = errors.New("event kind missing")
)

// Event is one decoded journal record: a fixed envelope plus the raw
// kind-dependent fields. Events are immutable after decoding; Fields must
// not be modified by consumers.
type Event struct {
	Kind      string
	Timestamp time.Time // zero when absent or unparsable
	Fields    map[string]json.RawMessage
}

// Decode parses a single journal line.
func Decode(line []byte) (Event, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(line, &fields); err != nil {
		return Event{}, err
	}
	if fields == nil {
		return Event{}, ErrNoKind
	}

	var kind string
	raw, ok := fields["event"]
	if !ok {
		return Event{}, ErrNoKind
	}
	if err := json.Unmarshal(raw, &kind); err != nil || kind == "" {
		return Event{}, ErrNoKind
	}

	ev := Event{Kind: kind, Fields: fields}
	if rawTS, ok := fields["timestamp"]; ok {
		var ts string
		if json.Unmarshal(rawTS, &ts) == nil {
			ev.Timestamp = parseTimestamp(ts)
		}
	}
	return ev, nil
}

func parseTimestamp(s string) time.Time {
	if t, err := time.Parse(TimestampLayout, s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	return time.Time{}
}

// NewEvent builds an event that did not come from the journal, such as a
// synthesized one. extra may be nil.
func NewEvent(kind string, ts time.Time, extra map[string]any) (Event, error) {
	fields := make(map[string]json.RawMessage, len(extra)+2)
	for name, v := range extra {
		data, err := json.Marshal(v)
		if err != nil {
			return Event{}, fmt.Errorf("encoding field %s: %w", name, err)
		}
		fields[name] = data
	}
	kindJSON, _ := json.Marshal(kind)
	fields["event"] = kindJSON
	if !ts.IsZero() {
		tsJSON, _ := json.Marshal(ts.UTC().Format(TimestampLayout))
		fields["timestamp"] = tsJSON
	}
	return Event{Kind: kind, Timestamp: ts, Fields: fields}, nil
}

// Has reports whether the field is present.
func (e Event) Has(name string) bool {
	_, ok := e.Fields[name]
	return ok
}

// Decode unmarshals the named field into v.
func (e Event) Decode(name string, v any) error {
	raw, ok := e.Fields[name]
	if !ok || string(raw) == "null" {
		return fmt.Errorf("%s: %w", name, ErrMissingField)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%s: %w: %v", name, ErrFieldType, err)
	}
	return nil
}

func (e Event) String(name string) (string, error) {
	var s string
	err := e.Decode(name, &s)
	return s, err
}

func (e Event) Float(name string) (float64, error) {
	var f float64
	err := e.Decode(name, &f)
	return f, err
}

func (e Event) Int(name string) (int64, error) {
	var n int64
	err := e.Decode(name, &n)
	return n, err
}

func (e Event) Bool(name string) (bool, error) {
	var b bool
	err := e.Decode(name, &b)
	return b, err
}

// Vec3 reads a three-element coordinate such as StarPos.
func (e Event) Vec3(name string) ([3]float64, error) {
	var v []float64
	if err := e.Decode(name, &v); err != nil {
		return [3]float64{}, err
	}
	if len(v) != 3 {
		return [3]float64{}, fmt.Errorf("%s: %w: want 3 elements, got %d", name, ErrFieldType, len(v))
	}
	return [3]float64{v[0], v[1], v[2]}, nil
}

// MarshalJSON renders the event as its original flat object.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Fields == nil {
		ev, err := NewEvent(e.Kind, e.Timestamp, nil)
		if err != nil {
			return nil, err
		}
		return json.Marshal(ev.Fields)
	}
	return json.Marshal(e.Fields)
}
