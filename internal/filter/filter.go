// Package filter narrows each poll cycle's raw journal events to the kinds
// the active consumers watch.
package filter

import (
	"time"

	"github.com/edcompanion/engine/internal/journal"
)

// PassKind is the synthetic event emitted when a race waypoint completes
// without a matching journal entry.
const PassKind = journal.KindPass

type Option func(*Filter)

// WithSynthesis enables the synthetic Pass event. passed is consulted once
// per Apply, after the raw batch has been selected.
func WithSynthesis(passed func() bool) Option {
	return func(f *Filter) { f.passed = passed }
}

// WithClock overrides time.Now for synthesized timestamps.
func WithClock(now func() time.Time) Option {
	return func(f *Filter) { f.now = now }
}

type Filter struct {
	kinds  map[string]struct{}
	passed func() bool
	now    func() time.Time
}

// New builds a filter for the given kinds. Duplicates are ignored.
func New(kinds []string, opts ...Option) *Filter {
	f := &Filter{
		kinds: make(map[string]struct{}, len(kinds)),
		now:   time.Now,
	}
	for _, k := range kinds {
		f.kinds[k] = struct{}{}
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Watches reports whether kind passes the filter.
func (f *Filter) Watches(kind string) bool {
	_, ok := f.kinds[kind]
	return ok
}

// Select returns the raw events whose kind is watched, in original order.
func (f *Filter) Select(raw []journal.Event) []journal.Event {
	var out []journal.Event
	for _, ev := range raw {
		if f.Watches(ev.Kind) {
			out = append(out, ev)
		}
	}
	return out
}

// Apply selects watched events and, when synthesis is enabled, the raw
// batch was non-empty and the predicate holds, appends a Pass event.
func (f *Filter) Apply(raw []journal.Event) []journal.Event {
	return f.Synthesize(raw, f.Select(raw))
}

// Synthesize appends the Pass event to an already selected batch.
func (f *Filter) Synthesize(raw, selected []journal.Event) []journal.Event {
	if f.passed == nil || len(raw) == 0 || !f.passed() {
		return selected
	}
	ts := raw[len(raw)-1].Timestamp
	if ts.IsZero() {
		ts = f.now()
	}
	ev, err := journal.NewEvent(PassKind, ts, nil)
	if err != nil {
		return selected
	}
	return append(selected, ev)
}

// Union merges watch lists, keeping first-seen order.
func Union(lists ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, list := range lists {
		for _, k := range list {
			if k == "" || seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}
