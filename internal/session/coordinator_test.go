package session

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/geocatch/client/internal/capture"
	"github.com/geocatch/client/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectible(id string, lat, lng float64) core.NearbyEntity {
	return core.NearbyEntity{
		ID:       id,
		Kind:     core.KindCollectible,
		Title:    "Coin " + id,
		Points:   100,
		Position: core.Position{Latitude: lat, Longitude: lng},
	}
}

func partner(id string) core.NearbyEntity {
	return core.NearbyEntity{ID: id, Kind: core.KindPartner, Title: "Cafe " + id}
}

func TestEndToEndCapture(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t, 0, 0)

	target := collectible("E1", 0.0005, 0)
	h.backend.setNearby(core.NearbyResult{Entities: []core.NearbyEntity{target}})

	// No movement and no pushes: only the fallback timer can find it.
	h.clock.Advance(30 * time.Second)
	h.waitFor(t, func(s Snapshot) bool { return s.Refreshes == 2 && len(s.Entities) == 1 })

	rangeCheck := capture.New(capture.Config{RadiusMeters: DefaultConfig().CaptureRadius}, nil, nil)
	assert.False(t, rangeCheck.CanCapture(target, h.fix(0, 0)), "55m away is out of range")

	near := h.fix(0.00046, 0)
	assert.True(t, rangeCheck.CanCapture(target, near))
	require.NoError(t, h.c.UpdateLocation(near))
	h.waitFor(t, func(s Snapshot) bool { return s.Refreshes == 3 })

	out := outcome(t, h.c.Capture("E1"))
	require.NoError(t, out.Err)
	assert.Equal(t, 100, out.Points)
	assert.Equal(t, "R1", out.ResultID)

	s := h.snapshot(t)
	assert.Empty(t, s.Entities)
	assert.False(t, s.CaptureInFlight)
	assert.Equal(t, []string{"E1:100"}, h.presenter.Results())
	assert.Equal(t, 1, h.audio.Plays())

	require.Eventually(t, func() bool {
		_, _, confirmations, _ := h.backend.counts()
		return confirmations == 1
	}, 2*time.Second, 5*time.Millisecond)
	conf := h.backend.confirmation(0)
	assert.Equal(t, fmt.Sprintf("E1-%d", capture.Ticks(h.clock.Now())), conf.IdempotencyKey)
	assert.Equal(t, "S1", conf.SessionID)
	assert.Equal(t, "R1", conf.ResultID)

	again := outcome(t, h.c.Capture("E1"))
	assert.ErrorIs(t, again.Err, ErrNotFound)
	_, attempts, _, _ := h.backend.counts()
	assert.Equal(t, 1, attempts, "second attempt must not reach the backend")
}

func TestStart_RequiresFix(t *testing.T) {
	h := newHarness(t, nil)

	err := h.c.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoFix)
	assert.Equal(t, KindFatal, KindOf(err))
	assert.Equal(t, []string{MsgGPSRequired}, h.presenter.Messages())
	assert.Equal(t, Idle, h.snapshot(t).State)
	assert.Zero(t, h.backend.starts)
}

func TestStart_BackendUnreachable(t *testing.T) {
	h := newHarness(t, &fakeBackend{healthErr: errors.New("dial tcp: connection refused")})
	require.NoError(t, h.c.UpdateLocation(h.fix(0, 0)))

	err := h.c.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, KindFatal, KindOf(err))
	assert.Equal(t, []string{MsgUnreachable}, h.presenter.Messages())

	s := h.snapshot(t)
	assert.Equal(t, Idle, s.State)
	assert.Nil(t, s.Session)
}

func TestStart_FailureDoesNotRetry(t *testing.T) {
	b := &fakeBackend{startErr: errors.New("500")}
	h := newHarness(t, b)
	require.NoError(t, h.c.UpdateLocation(h.fix(0, 0)))

	require.Error(t, h.c.Start(context.Background()))
	assert.Equal(t, []string{MsgStartFailed}, h.presenter.Messages())

	h.clock.Advance(time.Minute)
	h.snapshot(t)
	b.mu.Lock()
	defer b.mu.Unlock()
	assert.Equal(t, 1, b.starts)
}

func TestStart_WhileActiveIsBusy(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t, 0, 0)

	err := h.c.Start(context.Background())
	assert.ErrorIs(t, err, ErrBusy)
}

func TestStart_SeedsThrottles(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t, 0, 0)
	nearby, _, _, _ := h.backend.counts()
	require.Equal(t, 1, nearby)

	// One second later and 10m away: neither the movement nor the
	// telemetry throttle is due.
	h.clock.Advance(time.Second)
	require.NoError(t, h.c.UpdateLocation(h.fix(0.00009, 0)))
	s := h.snapshot(t)
	assert.Equal(t, 1, s.Refreshes)

	h.backend.mu.Lock()
	defer h.backend.mu.Unlock()
	assert.Empty(t, h.backend.reports)
	assert.Equal(t, 1, h.backend.nearbyCalls)
}

func TestLocation_TelemetryThrottle(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t, 0, 0)

	h.clock.Advance(5 * time.Second)
	require.NoError(t, h.c.UpdateLocation(h.fix(0, 0)))
	h.clock.Advance(time.Second)
	require.NoError(t, h.c.UpdateLocation(h.fix(0, 0)))
	h.snapshot(t)

	require.Eventually(t, func() bool {
		h.backend.mu.Lock()
		defer h.backend.mu.Unlock()
		return len(h.backend.reports) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestLocation_MovementRefresh(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t, 0, 0)

	// 40m north, well inside the 2s interval but past the 35m threshold.
	h.clock.Advance(500 * time.Millisecond)
	require.NoError(t, h.c.UpdateLocation(h.fix(0.00036, 0)))
	h.waitFor(t, func(s Snapshot) bool { return s.Refreshes == 2 })
}

func TestLocation_InvalidFixDropped(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.c.UpdateLocation(h.fix(91, 0)))

	s := h.snapshot(t)
	assert.True(t, s.Fix.IsZero())
}

func TestPush_BurstTriggersOneRefresh(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t, 0, 0)
	base, _, _, _ := h.backend.counts()

	for i := 0; i < 5; i++ {
		require.NoError(t, h.c.HandlePush("collectible_spawned", nil))
	}
	require.NoError(t, h.c.HandlePush("event", []byte(`{"type":"partner_updated"}`)))

	h.waitFor(t, func(s Snapshot) bool { return s.Refreshes == 2 })
	assert.Never(t, func() bool {
		n, _, _, _ := h.backend.counts()
		return n > base+1
	}, 50*time.Millisecond, 5*time.Millisecond)

	// Past the window the next event refreshes again.
	h.clock.Advance(DefaultConfig().DebounceWindow)
	require.NoError(t, h.c.HandlePush("market_state_changed", nil))
	h.waitFor(t, func(s Snapshot) bool { return s.Refreshes == 3 })
}

func TestPush_IgnoredWhenIdle(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.c.HandlePush("collectible_spawned", nil))
	h.snapshot(t)

	n, _, _, _ := h.backend.counts()
	assert.Zero(t, n)
}

func TestPush_NotificationShowsMessage(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.c.HandlePush("event", []byte(`{"type":"notification","message":"Double points this hour"}`)))
	require.NoError(t, h.c.HandlePush("notification", []byte(`{"text":"Welcome back"}`)))
	h.snapshot(t)

	assert.Equal(t, []string{"Double points this hour", "Welcome back"}, h.presenter.Messages())
}

func TestPush_SessionInvalidatedEndsSession(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t, 0, 0)

	require.NoError(t, h.c.HandlePush("session_invalidated", []byte(`{"message":"Signed in on another device"}`)))
	h.waitFor(t, func(s Snapshot) bool { return s.State == Idle })

	_, _, _, ends := h.backend.counts()
	assert.Equal(t, 1, ends)
	assert.Contains(t, h.presenter.Messages(), "Signed in on another device")
}

func TestRefresh_ReconcilesPartnerTopics(t *testing.T) {
	h := newHarness(t, nil)
	h.backend.setNearby(core.NearbyResult{Partners: []core.NearbyEntity{partner("P1"), partner("P2")}})
	h.start(t, 0, 0)

	s := h.snapshot(t)
	assert.Equal(t, []string{"partner:P1", "partner:P2", "session:S1"}, s.Topics)

	h.backend.setNearby(core.NearbyResult{Partners: []core.NearbyEntity{partner("P2"), partner("P3")}})
	h.clock.Advance(30 * time.Second)
	h.waitFor(t, func(s Snapshot) bool { return s.Refreshes == 2 })

	s = h.snapshot(t)
	assert.Equal(t, []string{"partner:P2", "partner:P3", "session:S1"}, s.Topics)
	joined, left := h.push.Ops()
	assert.ElementsMatch(t, []string{"session:S1", "partner:P1", "partner:P2", "partner:P3"}, joined)
	assert.Equal(t, []string{"partner:P1"}, left)
}

func TestRefresh_FailureKeepsEntities(t *testing.T) {
	b := &fakeBackend{}
	b.setNearby(core.NearbyResult{Entities: []core.NearbyEntity{collectible("E1", 0.0001, 0)}})
	h := newHarness(t, b)
	h.start(t, 0, 0)

	b.mu.Lock()
	b.nearbyErr = errors.New("timeout")
	b.mu.Unlock()

	h.clock.Advance(30 * time.Second)
	require.Eventually(t, func() bool {
		n, _, _, _ := b.counts()
		return n == 2
	}, 2*time.Second, 5*time.Millisecond)

	s := h.snapshot(t)
	assert.Equal(t, Active, s.State)
	assert.Len(t, s.Entities, 1)
	assert.Empty(t, h.presenter.Messages())
}

func TestRefresh_DropsExpired(t *testing.T) {
	h := newHarness(t, nil)
	past := epoch.Add(-time.Minute)
	future := epoch.Add(time.Hour)
	stale := collectible("OLD", 0.0001, 0)
	stale.ExpiresAt = &past
	fresh := collectible("NEW", 0.0001, 0)
	fresh.ExpiresAt = &future
	h.backend.setNearby(core.NearbyResult{Entities: []core.NearbyEntity{stale, fresh}})

	h.start(t, 0, 0)
	s := h.snapshot(t)
	require.Len(t, s.Entities, 1)
	assert.Equal(t, "NEW", s.Entities[0].ID)

	out := outcome(t, h.c.Capture("OLD"))
	assert.ErrorIs(t, out.Err, ErrNotFound)
}

func TestCapture_OutOfRangeNoNetwork(t *testing.T) {
	b := &fakeBackend{}
	b.setNearby(core.NearbyResult{Entities: []core.NearbyEntity{collectible("E1", 0.0005, 0)}})
	h := newHarness(t, b)
	h.start(t, 0, 0)

	out := outcome(t, h.c.Capture("E1"))
	assert.ErrorIs(t, out.Err, ErrOutOfRange)
	assert.Equal(t, KindRejected, KindOf(out.Err))
	assert.Equal(t, []string{MsgTooFar}, h.presenter.Messages())

	_, attempts, _, _ := b.counts()
	assert.Zero(t, attempts)
	assert.Len(t, h.snapshot(t).Entities, 1)
}

func TestCapture_RejectedShowsServerReason(t *testing.T) {
	b := &fakeBackend{reject: "Already captured by another player"}
	b.setNearby(core.NearbyResult{Entities: []core.NearbyEntity{collectible("E1", 0.0001, 0)}})
	h := newHarness(t, b)
	h.start(t, 0, 0)

	out := outcome(t, h.c.Capture("E1"))
	require.Error(t, out.Err)
	assert.Equal(t, KindRejected, KindOf(out.Err))
	assert.Equal(t, []string{"Already captured by another player"}, h.presenter.Messages())

	s := h.snapshot(t)
	assert.Equal(t, Active, s.State)
	assert.Len(t, s.Entities, 1)
	assert.Zero(t, h.audio.Plays())
}

func TestCapture_NoSession(t *testing.T) {
	h := newHarness(t, nil)
	out := outcome(t, h.c.Capture("E1"))
	assert.ErrorIs(t, out.Err, ErrNoSession)
}

func TestCapture_InFlightGuard(t *testing.T) {
	b := &fakeBackend{gate: make(chan struct{})}
	b.setNearby(core.NearbyResult{Entities: []core.NearbyEntity{
		collectible("E1", 0.0001, 0),
		collectible("E2", 0, 0.0001),
	}})
	h := newHarness(t, b)
	h.start(t, 0, 0)

	first := h.c.Capture("E1")
	h.waitFor(t, func(s Snapshot) bool { return s.CaptureInFlight })

	second := outcome(t, h.c.Capture("E2"))
	assert.ErrorIs(t, second.Err, ErrCaptureInFlight)

	close(b.gate)
	require.NoError(t, outcome(t, first).Err)
	assert.False(t, h.snapshot(t).CaptureInFlight)
}

func TestTeardown_LateCaptureIsNoOp(t *testing.T) {
	b := &fakeBackend{gate: make(chan struct{})}
	b.setNearby(core.NearbyResult{Entities: []core.NearbyEntity{collectible("E1", 0.0001, 0)}})
	h := newHarness(t, b)
	h.start(t, 0, 0)

	pending := h.c.Capture("E1")
	require.Eventually(t, func() bool {
		_, attempts, _, _ := b.counts()
		return attempts == 1
	}, 2*time.Second, 5*time.Millisecond)

	summary, err := h.c.End(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 100, summary.PointsEarned)

	close(b.gate)
	out := outcome(t, pending)
	assert.ErrorIs(t, out.Err, ErrNoSession)

	s := h.snapshot(t)
	assert.Equal(t, Idle, s.State)
	assert.Empty(t, s.Entities)
	assert.Empty(t, s.Topics)
	assert.Empty(t, h.presenter.Results())
	assert.Zero(t, h.audio.Plays())

	_, _, confirmations, _ := b.counts()
	assert.Zero(t, confirmations)
}

func TestEnd_ClearsStateAndReportsDuration(t *testing.T) {
	b := &fakeBackend{}
	b.setNearby(core.NearbyResult{
		Entities: []core.NearbyEntity{collectible("E1", 0.0001, 0)},
		Partners: []core.NearbyEntity{partner("P1")},
	})
	h := newHarness(t, b)
	h.start(t, 0, 0)

	h.clock.Advance(90 * time.Second)
	h.waitFor(t, func(s Snapshot) bool { return s.Refreshes >= 2 })

	_, err := h.c.End(context.Background())
	require.NoError(t, err)

	s := h.snapshot(t)
	assert.Equal(t, Idle, s.State)
	assert.Nil(t, s.Session)
	assert.Empty(t, s.Entities)
	assert.Empty(t, s.Partners)
	assert.Empty(t, s.Topics)

	_, left := h.push.Ops()
	assert.ElementsMatch(t, []string{"partner:P1", "session:S1"}, left)

	b.mu.Lock()
	assert.Equal(t, []time.Duration{90 * time.Second}, b.durations)
	b.mu.Unlock()
	assert.Contains(t, h.presenter.Messages(), "Session ended. You earned 100 points.")

	// The fallback timer is gone.
	refreshes := s.Refreshes
	h.clock.Advance(time.Minute)
	assert.Equal(t, refreshes, h.snapshot(t).Refreshes)
}

func TestEnd_NetworkFailureStillIdle(t *testing.T) {
	h := newHarness(t, &fakeBackend{endErr: errors.New("503")})
	h.start(t, 0, 0)

	_, err := h.c.End(context.Background())
	require.Error(t, err)
	assert.Equal(t, KindTransient, KindOf(err))
	assert.Equal(t, Idle, h.snapshot(t).State)

	// A new session can start right away.
	require.NoError(t, h.c.Start(context.Background()))
	assert.Equal(t, Active, h.snapshot(t).State)
}

func TestEnd_WithoutSession(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.c.End(context.Background())
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestBackground_EndsSession(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t, 0, 0)

	require.NoError(t, h.c.Background())
	h.waitFor(t, func(s Snapshot) bool { return s.State == Idle })
	_, _, _, ends := h.backend.counts()
	assert.Equal(t, 1, ends)
}

func TestStoppedCoordinator(t *testing.T) {
	c, err := New(DefaultConfig(), Deps{Backend: &fakeBackend{}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	cancel()
	require.NoError(t, <-done)

	assert.ErrorIs(t, c.UpdateLocation(core.LocationFix{}), ErrStopped)
	out := <-c.Capture("E1")
	assert.ErrorIs(t, out.Err, ErrStopped)
}

func TestNew_RequiresBackend(t *testing.T) {
	_, err := New(DefaultConfig(), Deps{})
	assert.Error(t, err)
}

func TestLogAttrs(t *testing.T) {
	h := newHarness(t, nil)
	assert.Len(t, h.c.LogAttrs(), 1)

	h.start(t, 0, 0)
	attrs := h.c.LogAttrs()
	require.Len(t, attrs, 2)
	assert.Equal(t, "active", attrs[0].Value.String())
	assert.Equal(t, "S1", attrs[1].Value.String())
}

func TestLocation_PlayersThrottle(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t, 0, 0)
	require.Eventually(t, func() bool { return h.backend.playerQueries() == 1 }, 2*time.Second, 5*time.Millisecond)

	// 20m within a second: below both the 50m and 10s thresholds.
	h.clock.Advance(time.Second)
	require.NoError(t, h.c.UpdateLocation(h.fix(0.00018, 0)))
	h.snapshot(t)
	assert.Never(t, func() bool { return h.backend.playerQueries() != 1 }, 100*time.Millisecond, 5*time.Millisecond)

	// 60m from the anchor: the distance gate opens.
	h.clock.Advance(time.Second)
	require.NoError(t, h.c.UpdateLocation(h.fix(0.00054, 0)))
	require.Eventually(t, func() bool { return h.backend.playerQueries() == 2 }, 2*time.Second, 5*time.Millisecond)

	// Standing still, the 10s interval opens it again.
	h.clock.Advance(10 * time.Second)
	require.NoError(t, h.c.UpdateLocation(h.fix(0.00054, 0)))
	require.Eventually(t, func() bool { return h.backend.playerQueries() == 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestCapture_ConfirmationFailureIsSecondary(t *testing.T) {
	b := &fakeBackend{confirmErr: errors.New("confirm: 502 bad gateway")}
	b.setNearby(core.NearbyResult{Entities: []core.NearbyEntity{collectible("E1", 0.0001, 0)}})
	h := newHarness(t, b)
	h.start(t, 0, 0)

	out := outcome(t, h.c.Capture("E1"))
	require.NoError(t, out.Err)
	assert.Equal(t, 100, out.Points)
	assert.Equal(t, []string{"E1:100"}, h.presenter.Results())

	require.Eventually(t, func() bool {
		_, _, confirmations, _ := b.counts()
		return confirmations == 1
	}, 2*time.Second, 5*time.Millisecond)

	// No retry, not even after the fallback timer fires.
	h.clock.Advance(30 * time.Second)
	h.snapshot(t)
	assert.Never(t, func() bool {
		_, _, confirmations, _ := b.counts()
		return confirmations != 1
	}, 100*time.Millisecond, 5*time.Millisecond)

	assert.Empty(t, h.presenter.Messages())
	s := h.snapshot(t)
	assert.Equal(t, Active, s.State)
	assert.Empty(t, s.Entities)
}

func TestBackground_WhileStartingClosesNewSession(t *testing.T) {
	b := &fakeBackend{startGate: make(chan struct{})}
	h := newHarness(t, b)
	require.NoError(t, h.c.UpdateLocation(h.fix(0, 0)))

	started := make(chan error, 1)
	go func() { started <- h.c.Start(context.Background()) }()
	h.waitFor(t, func(s Snapshot) bool { return s.State == Starting })

	require.NoError(t, h.c.Background())
	h.waitFor(t, func(s Snapshot) bool { return s.PendingEnds == 1 })
	close(b.startGate)

	select {
	case err := <-started:
		assert.ErrorIs(t, err, ErrNoSession)
	case <-time.After(2 * time.Second):
		t.Fatal("start did not return")
	}

	h.waitFor(t, func(s Snapshot) bool { return s.State == Idle })
	s := h.snapshot(t)
	assert.Nil(t, s.Session)
	assert.Empty(t, s.Topics)
	assert.Zero(t, s.PendingEnds)

	_, _, _, ends := b.counts()
	assert.Equal(t, 1, ends)

	// Never activated: no fallback timer, no refreshes.
	h.clock.Advance(time.Minute)
	nearby, _, _, _ := b.counts()
	assert.Zero(t, nearby)
	assert.Zero(t, h.snapshot(t).Refreshes)
}

func TestEnd_WhileStartingWaitsForBackend(t *testing.T) {
	b := &fakeBackend{startGate: make(chan struct{})}
	h := newHarness(t, b)
	require.NoError(t, h.c.UpdateLocation(h.fix(0, 0)))

	started := make(chan error, 1)
	go func() { started <- h.c.Start(context.Background()) }()
	h.waitFor(t, func(s Snapshot) bool { return s.State == Starting })

	type endOut struct {
		summary core.SessionSummary
		err     error
	}
	ended := make(chan endOut, 1)
	go func() {
		summary, err := h.c.End(context.Background())
		ended <- endOut{summary, err}
	}()
	h.waitFor(t, func(s Snapshot) bool { return s.PendingEnds == 1 })
	close(b.startGate)

	select {
	case res := <-ended:
		require.NoError(t, res.err)
		assert.Equal(t, 100, res.summary.PointsEarned)
	case <-time.After(2 * time.Second):
		t.Fatal("end did not return")
	}
	assert.ErrorIs(t, <-started, ErrNoSession)
	assert.Equal(t, Idle, h.snapshot(t).State)
}

func TestStart_FailureAnswersPendingEnd(t *testing.T) {
	b := &fakeBackend{startGate: make(chan struct{}), startErr: errors.New("500")}
	h := newHarness(t, b)
	require.NoError(t, h.c.UpdateLocation(h.fix(0, 0)))

	started := make(chan error, 1)
	go func() { started <- h.c.Start(context.Background()) }()
	h.waitFor(t, func(s Snapshot) bool { return s.State == Starting })

	ended := make(chan error, 1)
	go func() {
		_, err := h.c.End(context.Background())
		ended <- err
	}()
	h.waitFor(t, func(s Snapshot) bool { return s.PendingEnds == 1 })
	close(b.startGate)

	assert.Equal(t, KindFatal, KindOf(<-started))
	select {
	case err := <-ended:
		assert.ErrorIs(t, err, ErrNoSession)
	case <-time.After(2 * time.Second):
		t.Fatal("end did not return")
	}
	_, _, _, ends := b.counts()
	assert.Zero(t, ends)
}
