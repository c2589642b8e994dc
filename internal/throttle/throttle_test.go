package throttle

import (
	"math/rand"
	"testing"
	"time"

	"github.com/geocatch/client/internal/geo"
	"github.com/geocatch/client/pkg/core"
	"github.com/stretchr/testify/assert"
)

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

// metersNorth returns a position d meters north of the origin.
func metersNorth(d float64) core.Position {
	return core.Position{Latitude: d / geo.EarthRadiusMeters * 180 / 3.141592653589793}
}

func TestShouldAct_FirstCallSeeds(t *testing.T) {
	g := New(5*time.Second, 15)

	assert.False(t, g.HasAnchor())
	assert.True(t, g.ShouldAct(t0, core.Position{}))
	assert.True(t, g.HasAnchor())

	last, anchor, ok := g.Anchor()
	assert.True(t, ok)
	assert.Equal(t, t0, last)
	assert.Equal(t, core.Position{}, anchor)
}

func TestShouldAct_StationaryWithinInterval(t *testing.T) {
	g := New(5*time.Second, 15)
	g.ShouldAct(t0, core.Position{})

	assert.False(t, g.ShouldAct(t0.Add(time.Nanosecond), core.Position{}))
	assert.False(t, g.ShouldAct(t0.Add(4*time.Second), core.Position{}))
	assert.True(t, g.ShouldAct(t0.Add(5*time.Second), core.Position{}))
	// anchor moved to t0+5s
	assert.False(t, g.ShouldAct(t0.Add(9*time.Second), core.Position{}))
	assert.True(t, g.ShouldAct(t0.Add(10*time.Second), core.Position{}))
}

func TestShouldAct_DistanceGate(t *testing.T) {
	g := New(time.Hour, 15)
	g.ShouldAct(t0, core.Position{})

	assert.False(t, g.ShouldAct(t0.Add(time.Second), metersNorth(10)))
	assert.True(t, g.ShouldAct(t0.Add(2*time.Second), metersNorth(16)))

	// Anchor is now at 16m; 10m further is not enough.
	assert.False(t, g.ShouldAct(t0.Add(3*time.Second), metersNorth(26)))
	assert.True(t, g.ShouldAct(t0.Add(4*time.Second), metersNorth(33)))
}

func TestShouldAct_RejectedCallDoesNotMoveAnchor(t *testing.T) {
	g := New(time.Hour, 15)
	g.ShouldAct(t0, core.Position{})

	// Creeping 10m at a time never fires because the anchor stays at origin...
	assert.False(t, g.ShouldAct(t0.Add(time.Second), metersNorth(10)))
	// ...until the total displacement reaches the threshold.
	assert.True(t, g.ShouldAct(t0.Add(2*time.Second), metersNorth(20)))
}

func TestShouldAct_ZeroIntervalAlwaysTrue(t *testing.T) {
	g := New(0, 1000)
	g.ShouldAct(t0, core.Position{})

	assert.True(t, g.ShouldAct(t0, core.Position{}))
	assert.True(t, g.ShouldAct(t0.Add(time.Nanosecond), core.Position{}))
}

func TestShouldAct_ZeroDistanceIsTimeOnly(t *testing.T) {
	for _, distance := range []float64{0, -1} {
		g := New(5*time.Second, distance)
		g.ShouldAct(t0, core.Position{})

		assert.False(t, g.ShouldAct(t0.Add(time.Second), core.Position{}), "distance %v: stationary", distance)
		assert.False(t, g.ShouldAct(t0.Add(2*time.Second), metersNorth(500)), "distance %v: moved", distance)
		assert.True(t, g.ShouldAct(t0.Add(5*time.Second), metersNorth(500)), "distance %v: interval", distance)
	}
}

func TestSeed_SkipsGates(t *testing.T) {
	g := New(5*time.Second, 15)
	g.Seed(t0, core.Position{})

	assert.True(t, g.HasAnchor())
	assert.False(t, g.ShouldAct(t0.Add(time.Second), core.Position{}))
}

func TestReset(t *testing.T) {
	g := New(5*time.Second, 15)
	g.ShouldAct(t0, core.Position{})
	g.Reset()

	assert.False(t, g.HasAnchor())
	assert.True(t, g.ShouldAct(t0.Add(time.Nanosecond), core.Position{}))
}

// TestShouldAct_MatchesModel checks random sequences against the gate definition.
func TestShouldAct_MatchesModel(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for run := 0; run < 50; run++ {
		interval := time.Duration(rng.Intn(10)+1) * time.Second
		distance := float64(rng.Intn(50) + 5)
		g := New(interval, distance)

		now := t0
		pos := core.Position{Latitude: 45, Longitude: 7}
		var lastTime time.Time
		var lastPos core.Position
		seeded := false

		for step := 0; step < 200; step++ {
			now = now.Add(time.Duration(rng.Intn(3000)) * time.Millisecond)
			pos = core.Position{
				Latitude:  pos.Latitude + (rng.Float64()-0.5)*0.0004,
				Longitude: pos.Longitude + (rng.Float64()-0.5)*0.0004,
			}

			want := !seeded ||
				now.Sub(lastTime) >= interval ||
				geo.DistanceMeters(lastPos, pos) >= distance
			got := g.ShouldAct(now, pos)
			if !assert.Equal(t, want, got, "run %d step %d", run, step) {
				return
			}
			if got {
				seeded = true
				lastTime = now
				lastPos = pos

				// One nanosecond later at the same place never fires.
				next := *g
				assert.False(t, next.ShouldAct(now.Add(time.Nanosecond), pos))
			}
		}
	}
}
