package ws

import (
	"time"

	"github.com/edcompanion/engine/internal/explore"
	"github.com/edcompanion/engine/internal/journal"
	"github.com/edcompanion/engine/internal/race"
	"github.com/edcompanion/engine/internal/route"
	"github.com/edcompanion/engine/internal/state"
	"github.com/edcompanion/engine/internal/status"
)

type MessageType string

const (
	MsgSnapshot MessageType = "snapshot"
	MsgDelta    MessageType = "delta"
	MsgWaypoint MessageType = "waypoint"
	MsgHealth   MessageType = "health"

	MsgPersonalBest MessageType = "personal_best"
)

type WSMessage struct {
	Type    MessageType `json:"type"`
	Payload interface{} `json:"payload"`
}

type SnapshotPayload struct {
	Snapshot state.Snapshot `json:"snapshot"`
}

// DeltaPayload carries the events published since the previous delta and
// the progress of the newest cycle.
type DeltaPayload struct {
	Seq         uint64           `json:"seq"`
	Events      []journal.Event  `json:"events"`
	GameRunning bool             `json:"gameRunning"`
	Status      *status.Snapshot `json:"status,omitempty"`
	Race        *race.Progress   `json:"race,omitempty"`
	Route       *route.Progress  `json:"route,omitempty"`
	Explore     *explore.Summary `json:"explore,omitempty"`
}

type WaypointPayload struct {
	race.Completion
}

type PersonalBestPayload struct {
	Race     string         `json:"race"`
	RunID    string         `json:"runId"`
	Elapsed  time.Duration  `json:"elapsed"`
	Previous *time.Duration `json:"previous,omitempty"`
	Finishes int            `json:"finishes"`
}

type HealthPayload struct {
	Components []state.ComponentHealth `json:"components"`
}
