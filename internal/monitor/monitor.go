// Package monitor drives the poll cycle: tail the journal, poll the status
// file, filter the batch, feed the trackers and publish the result.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/edcompanion/engine/internal/config"
	"github.com/edcompanion/engine/internal/explore"
	"github.com/edcompanion/engine/internal/filter"
	"github.com/edcompanion/engine/internal/journal"
	xlog "github.com/edcompanion/engine/internal/log"
	"github.com/edcompanion/engine/internal/metrics"
	"github.com/edcompanion/engine/internal/race"
	"github.com/edcompanion/engine/internal/route"
	"github.com/edcompanion/engine/internal/state"
	"github.com/edcompanion/engine/internal/status"
)

// Notifier receives what each cycle produced. The websocket broadcaster
// implements it.
type Notifier interface {
	QueueCycle(snap state.Snapshot, events []journal.Event)
	QueueWaypoint(c race.Completion)
	QueueHealth(health []state.ComponentHealth)
}

type Option func(*Monitor)

func WithMetrics(m *metrics.Metrics) Option {
	return func(mon *Monitor) { mon.metrics = m }
}

// WithClock overrides time.Now for cycle timestamps.
func WithClock(now func() time.Time) Option {
	return func(mon *Monitor) { mon.now = now }
}

// WithGameLookup replaces GameProcessRunning.
func WithGameLookup(lookup func(string) (bool, error)) Option {
	return func(mon *Monitor) { mon.gameLookup = lookup }
}

// WithStatusOptions passes extra options to the status poller.
func WithStatusOptions(opts ...status.Option) Option {
	return func(mon *Monitor) { mon.statusOpts = append(mon.statusOpts, opts...) }
}

// WithCompletionObserver registers fn to receive every waypoint
// completion on the poll goroutine. fn must not block.
func WithCompletionObserver(fn func(race.Completion)) Option {
	return func(mon *Monitor) { mon.observers = append(mon.observers, fn) }
}

// Monitor owns every engine component. All of them are driven from the
// goroutine running Start (or the caller of PollOnce); only SetConfig and
// ResetRace may be called from elsewhere.
type Monitor struct {
	mu          sync.Mutex // protects pending and resetRace
	pending     *config.Config
	resetRace   bool
	reconfigure chan struct{}

	cfg        *config.Config
	store      *state.Store
	notifier   Notifier
	metrics    *metrics.Metrics
	logger     zerolog.Logger
	now        func() time.Time
	gameLookup func(string) (bool, error)
	statusOpts []status.Option
	observers  []func(race.Completion)

	tailer  *journal.Tailer
	poller  *status.Poller
	filter  *filter.Filter
	route   *route.Tracker
	explore *explore.Tracker
	race    *race.Engine
	game    *gameDetector

	journalHealth *componentHealth
	statusHealth  *componentHealth
	routeHealth   *componentHealth
	gameHealth    *componentHealth
	health        []*componentHealth // publication order

	journalMod time.Time
}

// New validates the journal directory and the configured race and builds
// the engine. notifier may be nil.
func New(cfg *config.Config, store *state.Store, notifier Notifier, opts ...Option) (*Monitor, error) {
	if _, err := journal.FindSessionFiles(cfg.Journal.Dir); err != nil {
		return nil, fmt.Errorf("journal directory: %w", err)
	}

	m := &Monitor{
		reconfigure: make(chan struct{}, 1),
		cfg:         cfg,
		store:       store,
		notifier:    notifier,
		logger:      xlog.WithComponent("monitor"),
		now:         time.Now,
		gameLookup:  GameProcessRunning,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = metrics.New()
	}

	if cfg.Race.File != "" {
		def, err := LoadRace(cfg.Race)
		if err != nil {
			return nil, err
		}
		if m.race, err = race.NewEngine(def); err != nil {
			return nil, err
		}
	}

	var tailOpts []journal.Option
	if cfg.Journal.SkipExisting {
		tailOpts = append(tailOpts, journal.WithSkipExisting())
	}
	m.tailer = journal.NewTailer(cfg.Journal.Dir, tailOpts...)
	m.poller = status.NewPoller(cfg.StatusPath(),
		append([]status.Option{status.WithRetry(cfg.Status.MaxAttempts, cfg.Status.RetryDelay)}, m.statusOpts...)...)
	m.route = route.NewTracker(route.FileLoader{Path: cfg.RoutePath()}, route.WithHistorySize(cfg.Route.HistorySize))
	m.explore = explore.NewTracker()
	m.game = newGameDetector(cfg.Monitor.GameProcess, m.gameLookup)
	m.journalHealth = newComponentHealth(componentJournal)
	m.statusHealth = newComponentHealth(componentStatus)
	m.routeHealth = newComponentHealth(componentRoute)
	m.gameHealth = newComponentHealth(componentGame)
	m.health = []*componentHealth{m.journalHealth, m.statusHealth, m.routeHealth, m.gameHealth}
	m.buildFilter()
	return m, nil
}

// LoadRace resolves the configured race: a definition file path, or else a
// slug in the race library.
func LoadRace(rc config.RaceConfig) (race.Definition, error) {
	if rc.LibraryDir != "" {
		if _, err := os.Stat(rc.File); errors.Is(err, fs.ErrNotExist) {
			return race.NewLibrary(rc.LibraryDir).Load(rc.File)
		}
	}
	return race.LoadDefinition(rc.File)
}

func (m *Monitor) buildFilter() {
	var raceKinds []string
	opts := []filter.Option{filter.WithClock(m.now)}
	if m.race != nil {
		raceKinds = m.race.Watched()
		opts = append(opts, filter.WithSynthesis(m.race.Passed))
	}
	kinds := filter.Union(m.route.Watched(), m.explore.Watched(), raceKinds, m.cfg.Watch)
	m.filter = filter.New(kinds, opts...)
	m.logger.Debug().Strs("kinds", kinds).Msg("watch set")
}

// SetConfig schedules cfg for the next cycle. Poll timing, status retries,
// health threshold, game process name and the extra watch list take
// effect; journal, route, race and server settings need a restart.
func (m *Monitor) SetConfig(cfg *config.Config) {
	m.mu.Lock()
	m.pending = cfg
	m.mu.Unlock()
	m.signal()
}

// ResetRace schedules a fresh run of the loaded race.
func (m *Monitor) ResetRace() error {
	if m.race == nil {
		return errors.New("no race loaded")
	}
	m.mu.Lock()
	m.resetRace = true
	m.mu.Unlock()
	m.signal()
	return nil
}

func (m *Monitor) signal() {
	select {
	case m.reconfigure <- struct{}{}:
	default:
	}
}

func (m *Monitor) applyPending() {
	m.mu.Lock()
	cfg, reset := m.pending, m.resetRace
	m.pending, m.resetRace = nil, false
	m.mu.Unlock()

	if cfg != nil {
		for _, change := range config.Diff(m.cfg, cfg) {
			m.logger.Info().Str("event", "monitor.config_changed").Str("change", change).Msg("config applied")
		}
		m.cfg = cfg
		m.poller.SetRetry(cfg.Status.MaxAttempts, cfg.Status.RetryDelay)
		m.game.setName(cfg.Monitor.GameProcess)
		m.buildFilter()
	}
	if reset && m.race != nil {
		m.race.Reset()
		m.logger.Info().Str("event", "race.reset").Str("race", m.race.Definition().Name).Msg("race reset")
	}
}

// Start polls until ctx is cancelled: immediately, then on every tick and
// whenever the journal directory changes.
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Monitor.PollInterval)
	defer ticker.Stop()

	var nudge <-chan struct{}
	if m.cfg.Monitor.WatchFS {
		w, err := NewWatcher(m.cfg.Journal.Dir, m.cfg.StatusPath(), m.cfg.RoutePath())
		if err != nil {
			m.logger.Warn().Err(err).Str("event", "monitor.watch_unavailable").Msg("falling back to polling only")
		} else {
			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				w.Run(ctx)
			}()
			defer wg.Wait()
			nudge = w.C()
		}
	}

	m.logger.Info().
		Str("event", "monitor.started").
		Str("dir", m.cfg.Journal.Dir).
		Dur("interval", m.cfg.Monitor.PollInterval).
		Bool("race", m.race != nil).
		Msg("monitor started")

	m.PollOnce(m.now())
	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Str("event", "monitor.stopped").Msg("monitor stopped")
			return
		case <-ticker.C:
			m.PollOnce(m.now())
		case <-nudge:
			m.PollOnce(m.now())
		case <-m.reconfigure:
			m.applyPending()
			ticker.Reset(m.cfg.Monitor.PollInterval)
		}
	}
}

// PollOnce runs one cycle at now and returns the published snapshot. A
// failing component is recorded in health and never stops the others.
func (m *Monitor) PollOnce(now time.Time) state.Snapshot {
	m.applyPending()
	started := time.Now()

	raw, stats := m.tailer.PollNewEvents()
	m.journalHealth.record(stats.Err, now)
	if stats.Err != nil {
		m.metrics.ComponentFailures.WithLabelValues(componentJournal).Inc()
		m.logger.Debug().Err(stats.Err).Str("event", "journal.poll_failed").Msg("journal poll failed, retrying next cycle")
	}
	m.metrics.EventsRead.Add(float64(len(raw)))
	m.metrics.MalformedLines.Add(float64(stats.Malformed))
	m.metrics.JournalResets.Add(float64(stats.Resets))
	if stats.LastModified.After(m.journalMod) {
		m.journalMod = stats.LastModified
	}

	res := m.poller.Poll()
	m.statusHealth.record(res.Err, now)
	if res.Attempts > 0 {
		m.metrics.StatusAttempts.Observe(float64(res.Attempts))
	}
	if res.Err != nil {
		m.metrics.StatusFailures.Inc()
		m.metrics.ComponentFailures.WithLabelValues(componentStatus).Inc()
	}

	selected := m.filter.Select(raw)

	routeErr := m.route.Process(selected, now)
	m.routeHealth.record(routeErr, now)
	if routeErr != nil {
		m.metrics.ComponentFailures.WithLabelValues(componentRoute).Inc()
	}
	m.explore.Process(selected)

	var completion *race.Completion
	if m.race != nil && m.race.Process(selected, res.Snapshot, now) {
		if c, ok := m.race.LastCompletion(); ok {
			completion = &c
			m.metrics.WaypointsComplete.Inc()
			if c.Finished {
				m.metrics.RacesFinished.Inc()
			}
		}
	}

	out := m.filter.Synthesize(raw, selected)
	for _, ev := range out {
		m.metrics.EventsSelected.WithLabelValues(ev.Kind).Inc()
	}

	running, gameErr := m.game.Running(now)
	m.gameHealth.record(gameErr, now)
	if running {
		m.metrics.GameRunning.Set(1)
	} else {
		m.metrics.GameRunning.Set(0)
	}

	threshold := m.cfg.Monitor.HealthWarningThreshold
	healthChanged := false
	health := make([]state.ComponentHealth, len(m.health))
	for i, h := range m.health {
		health[i] = h.snapshot(threshold)
		if h.emit(threshold) {
			healthChanged = true
			m.logger.Warn().
				Str("event", "monitor.health_changed").
				Str("component", h.name).
				Str("status", string(health[i].Status)).
				Str("last_error", h.lastErr).
				Msg("component health changed")
		}
	}

	routeProgress := m.route.Progress()
	summary := m.explore.Summary()
	snap := state.Snapshot{
		UpdatedAt:   now,
		JournalFile: stats.Active,
		GameRunning: running,
		Status:      res.Snapshot,
		Route:       &routeProgress,
		Explore:     &summary,
		Health:      health,
	}
	if m.race != nil {
		p := m.race.Progress(now)
		snap.Race = &p
	}
	published := m.store.Publish(snap, out)

	if completion != nil {
		for _, observe := range m.observers {
			observe(*completion)
		}
	}

	if m.notifier != nil {
		if completion != nil {
			m.notifier.QueueWaypoint(*completion)
		}
		if len(out) > 0 || res.Changed || completion != nil {
			m.notifier.QueueCycle(published, out)
		}
		if healthChanged {
			m.notifier.QueueHealth(published.Health)
		}
	}

	m.metrics.PollDuration.Observe(time.Since(started).Seconds())
	return published
}

// JournalModTime is the newest journal modification time seen so far.
func (m *Monitor) JournalModTime() time.Time { return m.journalMod }
