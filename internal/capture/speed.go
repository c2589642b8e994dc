package capture

import (
	"sync"

	"github.com/geocatch/client/internal/geo"
	"github.com/geocatch/client/pkg/core"
)

// SpeedEstimator feeds the instantaneous speed anti-cheat signal.
type SpeedEstimator interface {
	Observe(fix core.LocationFix)
	SpeedMPS() float64
}

// ZeroSpeed always reports 0. It is the default until a device estimator is wired.
type ZeroSpeed struct{}

func (ZeroSpeed) Observe(core.LocationFix) {}
func (ZeroSpeed) SpeedMPS() float64        { return 0 }

// FixDeltaSpeed derives speed from the last two fixes.
type FixDeltaSpeed struct {
	mu    sync.Mutex
	prev  core.LocationFix
	last  core.LocationFix
	count int
}

// Observe records a fix. Fixes older than the last one are ignored.
func (s *FixDeltaSpeed) Observe(fix core.LocationFix) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.count > 0 && !fix.Timestamp.After(s.last.Timestamp) {
		return
	}
	s.prev = s.last
	s.last = fix
	s.count++
}

// SpeedMPS returns meters per second between the last two fixes, or 0.
func (s *FixDeltaSpeed) SpeedMPS() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.count < 2 {
		return 0
	}
	dt := s.last.Timestamp.Sub(s.prev.Timestamp).Seconds()
	if dt <= 0 {
		return 0
	}
	return geo.DistanceMeters(s.prev.Position(), s.last.Position()) / dt
}
