package monitor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/edcompanion/engine/internal/config"
	"github.com/edcompanion/engine/internal/journal"
	"github.com/edcompanion/engine/internal/race"
	"github.com/edcompanion/engine/internal/state"
	"github.com/edcompanion/engine/internal/status"
)

type recordingNotifier struct {
	mu        sync.Mutex
	cycles    [][]string
	waypoints []race.Completion
	health    [][]state.ComponentHealth
}

func (n *recordingNotifier) QueueCycle(_ state.Snapshot, events []journal.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	kinds := make([]string, len(events))
	for i, ev := range events {
		kinds[i] = ev.Kind
	}
	n.cycles = append(n.cycles, kinds)
}

func (n *recordingNotifier) QueueWaypoint(c race.Completion) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.waypoints = append(n.waypoints, c)
}

func (n *recordingNotifier) QueueHealth(h []state.ComponentHealth) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.health = append(n.health, h)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Journal.Dir = t.TempDir()
	cfg.Monitor.GameProcess = ""
	cfg.Monitor.WatchFS = false
	cfg.Race.LibraryDir = ""
	return cfg
}

func appendLines(t *testing.T, path string, lines ...string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	defer f.Close()
	for _, l := range lines {
		_, err := f.WriteString(l + "\n")
		require.NoError(t, err)
	}
}

func writeFile(t *testing.T, path, content string, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func statusAt(lat, lng float64) string {
	return `{"timestamp":"2026-02-01T12:00:00Z","event":"Status","Flags":2097152,"Latitude":` +
		strconv.FormatFloat(lat, 'f', -1, 64) + `,"Longitude":` + strconv.FormatFloat(lng, 'f', -1, 64) + `,"PlanetRadius":6371000,"BodyName":"Sol 3"}`
}

func TestNewRejectsMissingJournalDir(t *testing.T) {
	cfg := testConfig(t)
	cfg.Journal.Dir = filepath.Join(cfg.Journal.Dir, "missing")

	_, err := New(cfg, state.NewStore(0), nil)
	assert.ErrorIs(t, err, journal.ErrListDir)
}

func TestNewRejectsInvalidRace(t *testing.T) {
	cfg := testConfig(t)
	cfg.Race.File = filepath.Join(cfg.Journal.Dir, "race.json")
	require.NoError(t, os.WriteFile(cfg.Race.File, []byte(`{"name":"x","waypoints":[]}`), 0644))

	_, err := New(cfg, state.NewStore(0), nil)
	assert.ErrorIs(t, err, race.ErrInvalidDefinition)
}

func TestLoadRaceFromLibrary(t *testing.T) {
	lib := race.NewLibrary(t.TempDir())
	_, err := lib.Save(race.Definition{Name: "Canyon Run", Waypoints: []race.Waypoint{{Event: race.PassKind, Lat: 1, Lng: 2}}})
	require.NoError(t, err)

	def, err := LoadRace(config.RaceConfig{File: "canyon-run", LibraryDir: lib.Dir()})
	require.NoError(t, err)
	assert.Equal(t, "Canyon Run", def.Name)

	_, err = LoadRace(config.RaceConfig{File: "nope", LibraryDir: lib.Dir()})
	assert.ErrorIs(t, err, race.ErrNotFound)
}

func TestPollOnceDrivesAllTrackers(t *testing.T) {
	cfg := testConfig(t)
	dir := cfg.Journal.Dir
	cfg.Monitor.GameProcess = "EliteDangerous64.exe"
	cfg.Race.File = filepath.Join(t.TempDir(), "hop.json")
	require.NoError(t, os.WriteFile(cfg.Race.File, []byte(`{
		// start where we stand, touch down one degree east
		"name": "Hop",
		"waypoints": [
			{"event": "Pass", "lat": 0, "lng": 0},
			{"event": "Touchdown", "lat": 0, "lng": 1},
		],
	}`), 0644))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "NavRoute.json"), []byte(`{"Route":[
		{"StarSystem":"Sol","SystemAddress":1,"StarPos":[0,0,0],"StarClass":"G"},
		{"StarSystem":"Alpha Centauri","SystemAddress":2,"StarPos":[3,0,3],"StarClass":"G"},
		{"StarSystem":"Barnard's Star","SystemAddress":3,"StarPos":[-3,1,4],"StarClass":"M"}]}`), 0644))

	t0 := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	writeFile(t, filepath.Join(dir, "Status.json"), statusAt(0, 0), t0)
	logPath := filepath.Join(dir, "Journal.260201120000.01.log")
	appendLines(t, logPath,
		`{"timestamp":"2026-02-01T12:00:00Z","event":"Fileheader","part":1}`,
		`{"timestamp":"2026-02-01T12:00:01Z","event":"NavRoute"}`,
		`{"timestamp":"2026-02-01T12:00:02Z","event":"FSDJump","StarSystem":"Sol","SystemAddress":1,"StarPos":[0,0,0]}`,
		`{"timestamp":"2026-02-01T12:00:03Z","event":"Scan","BodyID":3,"StarSystem":"Sol","BodyName":"Sol 3","PlanetClass":"Earthlike body","WasDiscovered":true}`,
	)

	notifier := &recordingNotifier{}
	var observed []race.Completion
	m, err := New(cfg, state.NewStore(0), notifier,
		WithGameLookup(func(string) (bool, error) { return true, nil }),
		WithCompletionObserver(func(c race.Completion) { observed = append(observed, c) }))
	require.NoError(t, err)

	snap := m.PollOnce(t0)
	assert.Equal(t, uint64(1), snap.Seq)
	assert.True(t, snap.GameRunning)
	assert.Equal(t, "Journal.260201120000.01.log", snap.JournalFile)

	require.NotNil(t, snap.Route)
	assert.Equal(t, 0, snap.Route.Position)
	assert.Equal(t, 2, snap.Route.Remaining)
	assert.False(t, snap.Route.Stops[2].Hazard, "M class is scoopable")

	require.NotNil(t, snap.Explore)
	assert.Equal(t, "Sol", snap.Explore.System)
	assert.Len(t, snap.Explore.Bodies, 1)

	require.NotNil(t, snap.Race)
	assert.Equal(t, race.InProgress, snap.Race.State)
	assert.Equal(t, "Touchdown", snap.Race.NextEvent)

	kinds := make([]string, len(snap.Recent))
	for i, ev := range snap.Recent {
		kinds[i] = ev.Kind
	}
	assert.Equal(t, []string{"NavRoute", "FSDJump", "Scan", "Pass"}, kinds)
	pass := snap.Recent[3]
	assert.Equal(t, time.Date(2026, 2, 1, 12, 0, 3, 0, time.UTC), pass.Timestamp, "Pass takes the batch's last timestamp")

	require.Len(t, notifier.waypoints, 1)
	assert.Equal(t, 0, notifier.waypoints[0].Index)
	assert.Equal(t, [][]string{{"NavRoute", "FSDJump", "Scan", "Pass"}}, notifier.cycles)

	// Fly to the pad and touch down.
	t1 := t0.Add(2 * time.Minute)
	writeFile(t, filepath.Join(dir, "Status.json"), statusAt(0, 1), t1)
	appendLines(t, logPath, `{"timestamp":"2026-02-01T12:02:00Z","event":"Touchdown","Latitude":0,"Longitude":1}`)

	snap = m.PollOnce(t1)
	require.NotNil(t, snap.Race)
	assert.True(t, snap.Race.Finished)
	assert.Equal(t, 2*time.Minute, snap.Race.Elapsed)
	require.Len(t, notifier.waypoints, 2)
	assert.True(t, notifier.waypoints[1].Finished)
	assert.Equal(t, notifier.waypoints, observed)
	assert.Equal(t, []string{"Touchdown", "Pass"}, notifier.cycles[1])

	// Nothing new: no cycle notification, race stays frozen.
	snap = m.PollOnce(t1.Add(time.Second))
	assert.Len(t, notifier.cycles, 2)
	assert.True(t, snap.Race.Finished)
	assert.Equal(t, uint64(3), snap.Seq)
}

func TestPollOnceWithoutRaceNeverSynthesizes(t *testing.T) {
	cfg := testConfig(t)
	writeFile(t, filepath.Join(cfg.Journal.Dir, "Status.json"), statusAt(0, 0), time.Now())
	appendLines(t, filepath.Join(cfg.Journal.Dir, "Journal.1.01.log"),
		`{"timestamp":"2026-02-01T12:00:02Z","event":"FSDJump","StarSystem":"Sol","SystemAddress":1}`)

	m, err := New(cfg, state.NewStore(0), nil)
	require.NoError(t, err)
	snap := m.PollOnce(time.Now())
	assert.Nil(t, snap.Race)
	require.Len(t, snap.Recent, 1)
	assert.Equal(t, "FSDJump", snap.Recent[0].Kind)
}

func TestPollOnceRecordsComponentHealth(t *testing.T) {
	cfg := testConfig(t)
	cfg.Monitor.HealthWarningThreshold = 3
	notifier := &recordingNotifier{}
	m, err := New(cfg, state.NewStore(0), notifier)
	require.NoError(t, err)

	require.NoError(t, os.RemoveAll(cfg.Journal.Dir))
	now := time.Now()
	var snap state.Snapshot
	for i := 0; i < 3; i++ {
		snap = m.PollOnce(now)
	}

	journalHealth := snap.Health[0]
	assert.Equal(t, componentJournal, journalHealth.Component)
	assert.Equal(t, state.StatusFailed, journalHealth.Status)
	assert.Equal(t, 3, journalHealth.ConsecutiveFailures)
	assert.Equal(t, state.StatusHealthy, snap.Health[1].Status, "a missing status file is not a failure")

	// degraded, then failed
	require.Len(t, notifier.health, 2)
	assert.Equal(t, state.StatusDegraded, notifier.health[0][0].Status)
	assert.Equal(t, state.StatusFailed, notifier.health[1][0].Status)

	require.NoError(t, os.MkdirAll(cfg.Journal.Dir, 0755))
	snap = m.PollOnce(now)
	assert.Equal(t, state.StatusHealthy, snap.Health[0].Status)
	assert.Len(t, notifier.health, 3)
}

func TestStatusRetriesThroughMonitor(t *testing.T) {
	cfg := testConfig(t)
	writeFile(t, filepath.Join(cfg.Journal.Dir, "Status.json"), statusAt(0, 0), time.Now())

	reads := 0
	m, err := New(cfg, state.NewStore(0), nil, WithStatusOptions(
		status.WithSleep(func(time.Duration) {}),
		status.WithReadFile(func(path string) ([]byte, error) {
			reads++
			if reads <= 3 {
				return nil, errors.New("sharing violation")
			}
			return os.ReadFile(path)
		}),
	))
	require.NoError(t, err)

	snap := m.PollOnce(time.Now())
	require.NotNil(t, snap.Status)
	assert.Equal(t, 4, reads)
	assert.Equal(t, state.StatusHealthy, snap.Health[1].Status)
}

func TestSetConfigExtendsWatchSet(t *testing.T) {
	cfg := testConfig(t)
	logPath := filepath.Join(cfg.Journal.Dir, "Journal.1.01.log")
	m, err := New(cfg, state.NewStore(0), nil)
	require.NoError(t, err)

	appendLines(t, logPath, `{"timestamp":"2026-02-01T12:00:00Z","event":"Docked","StationName":"Abraham Lincoln"}`)
	assert.Empty(t, m.PollOnce(time.Now()).Recent)

	updated := *cfg
	updated.Watch = []string{"Docked"}
	m.SetConfig(&updated)

	appendLines(t, logPath, `{"timestamp":"2026-02-01T12:01:00Z","event":"Docked","StationName":"Li Qing Jao"}`)
	recent := m.PollOnce(time.Now()).Recent
	require.Len(t, recent, 1)
	name, err := recent[0].String("StationName")
	require.NoError(t, err)
	assert.Equal(t, "Li Qing Jao", name)
}

func TestResetRace(t *testing.T) {
	cfg := testConfig(t)
	m, err := New(cfg, state.NewStore(0), nil)
	require.NoError(t, err)
	assert.Error(t, m.ResetRace(), "no race loaded")

	cfg.Race.File = filepath.Join(t.TempDir(), "r.json")
	require.NoError(t, os.WriteFile(cfg.Race.File, []byte(`{"name":"R","waypoints":[{"event":"Pass","lat":0,"lng":0},{"event":"Pass","lat":5,"lng":5}]}`), 0644))
	writeFile(t, filepath.Join(cfg.Journal.Dir, "Status.json"), statusAt(0, 0), time.Now())
	m, err = New(cfg, state.NewStore(0), nil)
	require.NoError(t, err)

	first := m.PollOnce(time.Now())
	require.Equal(t, race.InProgress, first.Race.State)

	require.NoError(t, m.ResetRace())
	os.Remove(filepath.Join(cfg.Journal.Dir, "Status.json"))
	after := m.PollOnce(time.Now())
	assert.Equal(t, race.NotStarted, after.Race.State)
	assert.NotEqual(t, first.Race.RunID, after.Race.RunID)
}

func TestStartPollsAndAppliesNewInterval(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := testConfig(t)
	cfg.Monitor.PollInterval = 10 * time.Second
	cfg.Monitor.WatchFS = true
	store := state.NewStore(0)
	m, err := New(cfg, store, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Start(ctx)
	}()

	require.Eventually(t, func() bool { return store.Seq() >= 1 }, time.Second, 5*time.Millisecond, "initial poll")

	// A journal write nudges a poll well before the 10s tick.
	before := store.Seq()
	appendLines(t, filepath.Join(cfg.Journal.Dir, "Journal.1.01.log"), `{"timestamp":"2026-02-01T12:00:00Z","event":"FSDJump","SystemAddress":1}`)
	require.Eventually(t, func() bool { return store.Seq() > before }, 2*time.Second, 5*time.Millisecond, "fs nudge")

	short := *cfg
	short.Monitor.PollInterval = 20 * time.Millisecond
	m.SetConfig(&short)
	after := store.Seq()
	require.Eventually(t, func() bool { return store.Seq() >= after+3 }, 2*time.Second, 5*time.Millisecond,
		"poll interval did not update after SetConfig")

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
