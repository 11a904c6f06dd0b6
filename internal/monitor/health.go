package monitor

import (
	"time"

	"github.com/edcompanion/engine/internal/state"
)

const (
	componentJournal = "journal"
	componentStatus  = "status"
	componentRoute   = "route"
	componentGame    = "game"
)

// componentHealth tracks consecutive poll failures for one component.
// Only the poll loop touches it.
type componentHealth struct {
	name        string
	failures    int
	lastErr     string
	lastFail    time.Time
	lastEmitted state.HealthStatus
}

func newComponentHealth(name string) *componentHealth {
	return &componentHealth{name: name, lastEmitted: state.StatusHealthy}
}

// record counts a failure when err is non-nil and resets the run otherwise.
func (h *componentHealth) record(err error, now time.Time) {
	if err == nil {
		h.failures = 0
		return
	}
	h.failures++
	h.lastErr = err.Error()
	h.lastFail = now
}

func (h *componentHealth) status(threshold int) state.HealthStatus {
	switch {
	case h.failures >= threshold:
		return state.StatusFailed
	case h.failures > 0:
		return state.StatusDegraded
	default:
		return state.StatusHealthy
	}
}

func (h *componentHealth) snapshot(threshold int) state.ComponentHealth {
	s := state.ComponentHealth{
		Component:           h.name,
		Status:              h.status(threshold),
		ConsecutiveFailures: h.failures,
		LastError:           h.lastErr,
	}
	if !h.lastFail.IsZero() {
		t := h.lastFail
		s.LastFailure = &t
	}
	return s
}

// emit reports whether the status changed since the last emission and
// records the new one.
func (h *componentHealth) emit(threshold int) bool {
	st := h.status(threshold)
	if st == h.lastEmitted {
		return false
	}
	h.lastEmitted = st
	return true
}
