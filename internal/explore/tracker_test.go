package explore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edcompanion/engine/internal/journal"
)

func ev(t *testing.T, kind string, fields map[string]any) journal.Event {
	t.Helper()
	e, err := journal.NewEvent(kind, time.Time{}, fields)
	require.NoError(t, err)
	return e
}

func scan(t *testing.T, id int, fields map[string]any) journal.Event {
	t.Helper()
	f := map[string]any{"BodyID": id, "StarSystem": "Sample", "WasDiscovered": true}
	for k, v := range fields {
		f[k] = v
	}
	return ev(t, KindScan, f)
}

func TestClassTallies(t *testing.T) {
	tr := NewTracker()
	tr.Process([]journal.Event{
		scan(t, 1, map[string]any{"BodyName": "Sample 1", "PlanetClass": "High metal content body", "TerraformState": "Terraformable"}),
		scan(t, 2, map[string]any{"BodyName": "Sample 2", "PlanetClass": "Earthlike body", "WasDiscovered": false}),
		scan(t, 3, map[string]any{"BodyName": "Sample 3", "PlanetClass": "Icy body"}),
		scan(t, 4, map[string]any{"BodyName": "Sample 4", "PlanetClass": "Rocky body"}),
		scan(t, 5, map[string]any{"BodyName": "Sample 5", "PlanetClass": "Rocky body"}),
		scan(t, 6, map[string]any{"BodyName": "Sample 6", "PlanetClass": "Water world"}),
		scan(t, 7, map[string]any{"BodyName": "Sample 7", "PlanetClass": "Water world"}),
	})

	s := tr.Summary()
	assert.Equal(t, []ClassCount{
		{Class: "Water world", Count: 2},
		{Class: "Earthlike body", Count: 1},
		{Class: "High metal content body (T)", Count: 1},
		{Class: WorthlessClass, Count: 3},
	}, s.Classes)
	assert.Equal(t, 1, s.FirstDiscovered)
	assert.Equal(t, "Sample", s.System)
	require.Len(t, s.Bodies, 7)
	assert.True(t, s.Bodies[0].ShouldScan, "terraformable")
	assert.True(t, s.Bodies[1].ShouldScan, "earthlike")
	assert.True(t, s.Bodies[1].FirstDiscovery)
	assert.False(t, s.Bodies[2].ShouldScan)
	assert.Equal(t, "2 (Earthlike body)", s.Bodies[1].Label)
}

func TestRepeatScanCountsOnce(t *testing.T) {
	tr := NewTracker()
	body := map[string]any{"BodyName": "Sample 1", "PlanetClass": "Icy body"}
	tr.Process([]journal.Event{scan(t, 1, body), scan(t, 1, body)})
	s := tr.Summary()
	assert.Equal(t, []ClassCount{{Class: WorthlessClass, Count: 1}}, s.Classes)
	assert.Len(t, s.Bodies, 1)
}

func TestJumpResetsSystemBodies(t *testing.T) {
	tr := NewTracker()
	tr.Process([]journal.Event{scan(t, 1, map[string]any{"BodyName": "Sample 1", "PlanetClass": "Icy body"})})
	tr.Process([]journal.Event{ev(t, KindFSDJump, map[string]any{"StarSystem": "Other"})})

	s := tr.Summary()
	assert.Equal(t, "Other", s.System)
	assert.Empty(t, s.Bodies)
	assert.Len(t, s.Classes, 1, "tallies survive jumps")
}

func TestPointsOfInterest(t *testing.T) {
	tr := NewTracker()
	tr.Process([]journal.Event{
		scan(t, 0, map[string]any{"BodyName": "Sample", "StarType": "N", "Subclass": 0}),
		scan(t, 1, map[string]any{"BodyName": "Sample A", "StarType": "K", "Subclass": 3}),
		scan(t, 2, map[string]any{"BodyName": "Sample 2", "PlanetClass": "Rocky body", "Landable": true, "SurfaceGravity": 12.0}),
		scan(t, 3, map[string]any{"BodyName": "Sample 3", "PlanetClass": "Rocky body", "Landable": true, "SurfaceGravity": 3.0}),
		scan(t, 4, map[string]any{"BodyName": "Sample 4", "PlanetClass": "Rocky body", "Landable": false, "SurfaceGravity": 30.0}),
	})

	s := tr.Summary()
	require.Len(t, s.Bodies, 5)
	assert.Equal(t, "Sample (N0)", s.Bodies[0].Label)
	assert.Equal(t, []string{"Interesting"}, s.Bodies[0].Points)
	assert.Equal(t, "A (K3)", s.Bodies[1].Label)
	assert.Empty(t, s.Bodies[1].Points)
	assert.Equal(t, []string{"High G planet"}, s.Bodies[2].Points)
	assert.InDelta(t, 1.2237, s.Bodies[2].GravityG, 1e-3)
	assert.Empty(t, s.Bodies[3].Points)
	assert.Empty(t, s.Bodies[4].Points, "not landable")
}

func TestMoonriseAfterAllBodiesFound(t *testing.T) {
	tr := NewTracker()
	tr.Process([]journal.Event{
		scan(t, 3, map[string]any{"BodyName": "Sample 3", "PlanetClass": "Gas giant with water based life", "Radius": 6.0e6}),
		scan(t, 4, map[string]any{
			"BodyName": "Sample 3 a", "PlanetClass": "Rocky body", "Radius": 1.0e6,
			"SemiMajorAxis": 3.0e7, "Eccentricity": 0.0,
			"Parents": []map[string]int{{"Planet": 3}, {"Star": 0}},
		}),
	})
	assert.Empty(t, tr.Summary().Bodies[1].Points)

	tr.Process([]journal.Event{ev(t, KindFSSAllBodiesFound, map[string]any{"SystemName": "Sample"})})
	s := tr.Summary()
	assert.True(t, s.AllBodiesFound)
	assert.Equal(t, []string{"Moonrise"}, s.Bodies[1].Points)

	// A second signal does not duplicate the flag.
	tr.Process([]journal.Event{ev(t, KindFSSAllBodiesFound, nil)})
	assert.Equal(t, []string{"Moonrise"}, tr.Summary().Bodies[1].Points)
}

func TestSummaryIsACopy(t *testing.T) {
	tr := NewTracker()
	tr.Process([]journal.Event{scan(t, 0, map[string]any{"BodyName": "Sample", "StarType": "H"})})
	s := tr.Summary()
	s.Bodies[0].Points[0] = "changed"
	assert.Equal(t, []string{"Interesting"}, tr.Summary().Bodies[0].Points)
}

func TestIgnoresScansWithoutClass(t *testing.T) {
	tr := NewTracker()
	tr.Process([]journal.Event{scan(t, 9, map[string]any{"BodyName": "Belt Cluster 1"})})
	s := tr.Summary()
	assert.Empty(t, s.Bodies)
	assert.Empty(t, s.Classes)
}
