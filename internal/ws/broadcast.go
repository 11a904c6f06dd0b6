package ws

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/edcompanion/engine/internal/journal"
	xlog "github.com/edcompanion/engine/internal/log"
	"github.com/edcompanion/engine/internal/metrics"
	"github.com/edcompanion/engine/internal/race"
	"github.com/edcompanion/engine/internal/state"
)

// ErrTooManyConnections is returned by AddClient when the connection limit
// is reached.
var ErrTooManyConnections = errors.New("too many websocket connections")

const writeWait = 10 * time.Second

type client struct {
	conn *websocket.Conn
	b    *Broadcaster
	send chan []byte
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.b.RemoveClient(c)
			return
		}
	}
}

type Option func(*Broadcaster)

func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Broadcaster) { b.metrics = m }
}

// Broadcaster fans engine output out to websocket clients: a full snapshot
// on connect and every snapshot interval, throttled deltas in between, and
// immediate waypoint and health messages.
type Broadcaster struct {
	mu       sync.RWMutex
	clients  map[*client]bool
	store    *state.Store
	maxConns int
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	throttle      time.Duration
	flushMu       sync.Mutex
	pendingEvents []journal.Event
	pendingSnap   *state.Snapshot
	flushTimer    *time.Timer

	snapshotTicker *time.Ticker
	done           chan struct{}
	stopOnce       sync.Once
	wg             sync.WaitGroup
}

// NewBroadcaster starts the periodic snapshot loop. maxConns <= 0 means
// unlimited. Call Stop to release it.
func NewBroadcaster(store *state.Store, throttle, snapshotInterval time.Duration, maxConns int, opts ...Option) *Broadcaster {
	b := &Broadcaster{
		clients:  make(map[*client]bool),
		store:    store,
		maxConns: maxConns,
		throttle: throttle,
		logger:   xlog.WithComponent("ws"),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	b.snapshotTicker = time.NewTicker(snapshotInterval)
	b.wg.Add(1)
	go b.snapshotLoop()

	return b
}

func (b *Broadcaster) AddClient(conn *websocket.Conn) (*client, error) {
	c := &client{
		conn: conn,
		b:    b,
		send: make(chan []byte, 64),
	}

	b.mu.Lock()
	if b.maxConns > 0 && len(b.clients) >= b.maxConns {
		b.mu.Unlock()
		return nil, ErrTooManyConnections
	}
	b.clients[c] = true
	count := len(b.clients)
	b.mu.Unlock()
	b.setClientGauge(count)

	if data, err := b.encode(b.snapshotMessage()); err == nil {
		// Buffer is empty on a fresh client.
		c.send <- data
	}
	go c.writePump()

	return c, nil
}

func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	_, ok := b.clients[c]
	if ok {
		delete(b.clients, c)
		close(c.send)
	}
	count := len(b.clients)
	b.mu.Unlock()
	if ok {
		b.setClientGauge(count)
	}
}

// QueueCycle records one published cycle. Events accumulate until the
// throttled flush sends them as a single delta with the newest progress.
func (b *Broadcaster) QueueCycle(snap state.Snapshot, events []journal.Event) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.pendingEvents = append(b.pendingEvents, events...)
	b.pendingSnap = &snap

	if b.flushTimer == nil {
		b.flushTimer = time.AfterFunc(b.throttle, b.flush)
	}
}

func (b *Broadcaster) QueueWaypoint(c race.Completion) {
	b.broadcast(WSMessage{Type: MsgWaypoint, Payload: WaypointPayload{Completion: c}})
}

func (b *Broadcaster) QueueHealth(health []state.ComponentHealth) {
	b.broadcast(WSMessage{Type: MsgHealth, Payload: HealthPayload{Components: health}})
}

func (b *Broadcaster) QueuePersonalBest(p PersonalBestPayload) {
	b.broadcast(WSMessage{Type: MsgPersonalBest, Payload: p})
}

func (b *Broadcaster) flush() {
	b.flushMu.Lock()
	events := b.pendingEvents
	snap := b.pendingSnap
	b.pendingEvents = nil
	b.pendingSnap = nil
	b.flushTimer = nil
	b.flushMu.Unlock()

	if snap == nil {
		return
	}
	if events == nil {
		events = []journal.Event{}
	}

	b.broadcast(WSMessage{
		Type: MsgDelta,
		Payload: DeltaPayload{
			Seq:         snap.Seq,
			Events:      events,
			GameRunning: snap.GameRunning,
			Status:      snap.Status,
			Race:        snap.Race,
			Route:       snap.Route,
			Explore:     snap.Explore,
		},
	})
}

func (b *Broadcaster) snapshotMessage() WSMessage {
	return WSMessage{Type: MsgSnapshot, Payload: SnapshotPayload{Snapshot: b.store.Get()}}
}

func (b *Broadcaster) snapshotLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case <-b.snapshotTicker.C:
			if b.store.Seq() == 0 {
				continue
			}
			b.broadcast(b.snapshotMessage())
		}
	}
}

func (b *Broadcaster) encode(msg WSMessage) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error().Err(err).Str("event", "ws.marshal_failed").Str("type", string(msg.Type)).Msg("cannot encode message")
		return nil, err
	}
	if b.metrics != nil {
		b.metrics.WSMessages.WithLabelValues(string(msg.Type)).Inc()
	}
	return data, nil
}

func (b *Broadcaster) broadcast(msg WSMessage) {
	data, err := b.encode(msg)
	if err != nil {
		return
	}

	// Sends happen under the read lock so RemoveClient cannot close a
	// channel mid-send.
	var slow []*client
	b.mu.RLock()
	for c := range b.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	b.mu.RUnlock()

	for _, c := range slow {
		b.logger.Warn().Str("event", "ws.client_slow").Str("remote", c.conn.RemoteAddr().String()).Msg("ws client too slow, disconnecting")
		b.RemoveClient(c)
	}
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

func (b *Broadcaster) setClientGauge(n int) {
	if b.metrics != nil {
		b.metrics.WSClients.Set(float64(n))
	}
}

// Stop ends the snapshot loop, cancels a pending delta and disconnects
// every client.
func (b *Broadcaster) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
		b.snapshotTicker.Stop()
		b.wg.Wait()

		b.flushMu.Lock()
		if b.flushTimer != nil {
			b.flushTimer.Stop()
			b.flushTimer = nil
		}
		b.flushMu.Unlock()

		b.mu.Lock()
		for c := range b.clients {
			delete(b.clients, c)
			close(c.send)
		}
		b.mu.Unlock()
		b.setClientGauge(0)
	})
}
