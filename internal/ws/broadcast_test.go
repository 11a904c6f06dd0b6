package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/edcompanion/engine/internal/journal"
	"github.com/edcompanion/engine/internal/metrics"
	"github.com/edcompanion/engine/internal/race"
	"github.com/edcompanion/engine/internal/state"
)

type rawMessage struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// connect registers a real websocket client with b and returns the
// client side of the connection.
func connect(t *testing.T, b *Broadcaster) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if _, err := b.AddClient(c); err != nil {
			c.Close()
		}
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) rawMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg rawMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func testEvent(t *testing.T, kind string) journal.Event {
	t.Helper()
	ev, err := journal.NewEvent(kind, time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC), nil)
	require.NoError(t, err)
	return ev
}

func newTestBroadcaster(t *testing.T, store *state.Store, throttle, interval time.Duration, opts ...Option) *Broadcaster {
	t.Helper()
	t.Cleanup(func() { goleak.VerifyNone(t) })
	b := NewBroadcaster(store, throttle, interval, 0, opts...)
	t.Cleanup(b.Stop)
	return b
}

func TestBroadcasterSnapshotOnConnect(t *testing.T) {
	store := state.NewStore(0)
	store.Publish(state.Snapshot{JournalFile: "Journal.1.01.log"}, []journal.Event{testEvent(t, "FSDJump")})
	m := metrics.New()
	b := newTestBroadcaster(t, store, time.Hour, time.Hour, WithMetrics(m))

	conn := connect(t, b)
	msg := readMessage(t, conn)
	require.Equal(t, MsgSnapshot, msg.Type)

	var payload struct {
		Snapshot struct {
			Seq         uint64           `json:"seq"`
			JournalFile string           `json:"journalFile"`
			Recent      []map[string]any `json:"recent"`
		} `json:"snapshot"`
	}
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	assert.Equal(t, uint64(1), payload.Snapshot.Seq)
	assert.Equal(t, "Journal.1.01.log", payload.Snapshot.JournalFile)
	require.Len(t, payload.Snapshot.Recent, 1)
	assert.Equal(t, "FSDJump", payload.Snapshot.Recent[0]["event"])

	assert.Equal(t, 1.0, testutil.ToFloat64(m.WSClients))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WSMessages.WithLabelValues(string(MsgSnapshot))))
}

func TestBroadcasterCoalescesDeltas(t *testing.T) {
	store := state.NewStore(0)
	b := newTestBroadcaster(t, store, 30*time.Millisecond, time.Hour)
	conn := connect(t, b)
	require.Equal(t, MsgSnapshot, readMessage(t, conn).Type)

	first := store.Publish(state.Snapshot{}, []journal.Event{testEvent(t, "FSDJump")})
	b.QueueCycle(first, []journal.Event{testEvent(t, "FSDJump")})
	second := store.Publish(state.Snapshot{GameRunning: true}, []journal.Event{testEvent(t, "Scan")})
	b.QueueCycle(second, []journal.Event{testEvent(t, "Scan")})

	msg := readMessage(t, conn)
	require.Equal(t, MsgDelta, msg.Type)
	var payload struct {
		Seq         uint64           `json:"seq"`
		Events      []map[string]any `json:"events"`
		GameRunning bool             `json:"gameRunning"`
	}
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	assert.Equal(t, uint64(2), payload.Seq)
	assert.True(t, payload.GameRunning)
	require.Len(t, payload.Events, 2)
	assert.Equal(t, "FSDJump", payload.Events[0]["event"])
	assert.Equal(t, "Scan", payload.Events[1]["event"])
}

func TestBroadcasterWaypointAndHealthAreImmediate(t *testing.T) {
	b := newTestBroadcaster(t, state.NewStore(0), time.Hour, time.Hour)
	conn := connect(t, b)
	require.Equal(t, MsgSnapshot, readMessage(t, conn).Type)

	b.QueueWaypoint(race.Completion{Race: "Hop", Index: 1, Role: race.Last, Finished: true, Elapsed: 2 * time.Minute})
	b.QueueHealth([]state.ComponentHealth{{Component: "journal", Status: state.StatusDegraded, ConsecutiveFailures: 1}})

	msg := readMessage(t, conn)
	require.Equal(t, MsgWaypoint, msg.Type)
	var wp struct {
		Race     string `json:"race"`
		Index    int    `json:"index"`
		Finished bool   `json:"finished"`
	}
	require.NoError(t, json.Unmarshal(msg.Payload, &wp))
	assert.Equal(t, "Hop", wp.Race)
	assert.Equal(t, 1, wp.Index)
	assert.True(t, wp.Finished)

	msg = readMessage(t, conn)
	require.Equal(t, MsgHealth, msg.Type)
	var health HealthPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &health))
	require.Len(t, health.Components, 1)
	assert.Equal(t, state.StatusDegraded, health.Components[0].Status)
}

func TestBroadcasterPersonalBest(t *testing.T) {
	b := newTestBroadcaster(t, state.NewStore(0), time.Hour, time.Hour)
	conn := connect(t, b)
	require.Equal(t, MsgSnapshot, readMessage(t, conn).Type)

	prev := 100 * time.Second
	b.QueuePersonalBest(PersonalBestPayload{Race: "Loop", RunID: "c", Elapsed: 90 * time.Second, Previous: &prev, Finishes: 3})

	msg := readMessage(t, conn)
	require.Equal(t, MsgPersonalBest, msg.Type)
	var got PersonalBestPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &got))
	assert.Equal(t, 90*time.Second, got.Elapsed)
	require.NotNil(t, got.Previous)
	assert.Equal(t, prev, *got.Previous)
}

func TestBroadcasterPeriodicSnapshot(t *testing.T) {
	store := state.NewStore(0)
	store.Publish(state.Snapshot{}, nil)
	b := newTestBroadcaster(t, store, time.Hour, 20*time.Millisecond)
	conn := connect(t, b)

	for i := 0; i < 3; i++ {
		assert.Equal(t, MsgSnapshot, readMessage(t, conn).Type)
	}
}

func TestBroadcasterStopDisconnects(t *testing.T) {
	b := newTestBroadcaster(t, state.NewStore(0), time.Hour, time.Hour)
	conn := connect(t, b)
	require.Equal(t, MsgSnapshot, readMessage(t, conn).Type)

	b.QueueCycle(state.Snapshot{}, nil)
	b.Stop()
	assert.Equal(t, 0, b.ClientCount())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}
