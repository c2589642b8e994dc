// Package throttle gates location-driven actions on elapsed time or distance moved.
package throttle

import (
	"time"

	"github.com/geocatch/client/internal/geo"
	"github.com/geocatch/client/pkg/core"
)

// GeoThrottle allows an action when either minInterval has elapsed or the
// player moved at least minDistance meters since the last accepted action.
// It is not safe for concurrent use; the coordinator loop owns it.
type GeoThrottle struct {
	minInterval time.Duration
	minDistance float64

	lastTime   time.Time
	lastAnchor core.Position
	hasAnchor  bool
}

// New creates a GeoThrottle. A zero interval makes the time gate always pass.
// A distance of zero or less turns the distance gate off, leaving a pure
// time throttle.
func New(minInterval time.Duration, minDistanceMeters float64) *GeoThrottle {
	return &GeoThrottle{
		minInterval: minInterval,
		minDistance: minDistanceMeters,
	}
}

// ShouldAct reports whether the caller should act now. A true result moves
// the anchor to (now, at), so call it only when a true result will be acted on.
func (g *GeoThrottle) ShouldAct(now time.Time, at core.Position) bool {
	if !g.hasAnchor {
		g.Seed(now, at)
		return true
	}

	if now.Sub(g.lastTime) >= g.minInterval || g.movedFar(at) {
		g.lastTime = now
		g.lastAnchor = at
		return true
	}
	return false
}

func (g *GeoThrottle) movedFar(at core.Position) bool {
	return g.minDistance > 0 && geo.DistanceMeters(g.lastAnchor, at) >= g.minDistance
}

// Seed sets the anchor without consulting either gate.
func (g *GeoThrottle) Seed(now time.Time, at core.Position) {
	g.lastTime = now
	g.lastAnchor = at
	g.hasAnchor = true
}

// Reset clears the anchor; the next ShouldAct returns true.
func (g *GeoThrottle) Reset() {
	g.lastTime = time.Time{}
	g.lastAnchor = core.Position{}
	g.hasAnchor = false
}

// HasAnchor reports whether an action has been accepted since the last reset.
func (g *GeoThrottle) HasAnchor() bool {
	return g.hasAnchor
}

// Anchor returns the last accepted time and position.
func (g *GeoThrottle) Anchor() (time.Time, core.Position, bool) {
	return g.lastTime, g.lastAnchor, g.hasAnchor
}
