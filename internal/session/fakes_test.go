package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/geocatch/client/pkg/core"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	mu sync.Mutex

	healthErr error
	startErr  error
	endErr    error
	nearbyErr  error
	confirmErr error
	reject     string

	nearby    core.NearbyResult
	players   []core.NearbyPlayer
	gate      chan struct{} // holds AttemptCapture until closed
	startGate chan struct{} // holds StartSession until closed

	starts        int
	ends          int
	reports       []core.LocationFix
	nearbyCalls   int
	playerCalls   int
	attempts      []core.CaptureAttempt
	confirmations []core.CaptureConfirmation
	durations     []time.Duration
}

var _ Backend = (*fakeBackend)(nil)

func (f *fakeBackend) Healthcheck(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthErr
}

func (f *fakeBackend) StartSession(ctx context.Context, _ core.DeviceInfo, _ core.LocationFix) (core.SessionHandle, error) {
	f.mu.Lock()
	gate := f.startGate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return core.SessionHandle{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.startErr != nil {
		return core.SessionHandle{}, f.startErr
	}
	return core.SessionHandle{SessionID: "S1", UserID: "U1"}, nil
}

func (f *fakeBackend) EndSession(_ context.Context, _ string, d time.Duration) (core.SessionSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ends++
	f.durations = append(f.durations, d)
	if f.endErr != nil {
		return core.SessionSummary{}, f.endErr
	}
	return core.SessionSummary{PointsEarned: 100}, nil
}

func (f *fakeBackend) ReportLocation(_ context.Context, _ string, fix core.LocationFix) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, fix)
	return nil
}

func (f *fakeBackend) QueryNearby(context.Context, string, core.BoundingBox) (core.NearbyResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nearbyCalls++
	if f.nearbyErr != nil {
		return core.NearbyResult{}, f.nearbyErr
	}
	return core.NearbyResult{
		Entities: append([]core.NearbyEntity(nil), f.nearby.Entities...),
		Partners: append([]core.NearbyEntity(nil), f.nearby.Partners...),
	}, nil
}

func (f *fakeBackend) QueryNearbyPlayers(context.Context, string, core.BoundingBox) ([]core.NearbyPlayer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.playerCalls++
	return append([]core.NearbyPlayer(nil), f.players...), nil
}

func (f *fakeBackend) AttemptCapture(ctx context.Context, a core.CaptureAttempt) (core.CaptureResponse, error) {
	f.mu.Lock()
	f.attempts = append(f.attempts, a)
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return core.CaptureResponse{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reject != "" {
		return core.CaptureResponse{Accepted: false, Message: f.reject}, nil
	}
	kept := f.nearby.Entities[:0]
	for _, e := range f.nearby.Entities {
		if e.ID != a.EntityID {
			kept = append(kept, e)
		}
	}
	f.nearby.Entities = kept
	return core.CaptureResponse{Accepted: true, PointsAwarded: 100, ResultID: "R1", EntityID: a.EntityID}, nil
}

func (f *fakeBackend) ConfirmCapture(_ context.Context, c core.CaptureConfirmation) (core.ConfirmAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirmations = append(f.confirmations, c)
	if f.confirmErr != nil {
		return core.ConfirmAck{}, f.confirmErr
	}
	return core.ConfirmAck{}, nil
}

func (f *fakeBackend) setNearby(r core.NearbyResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nearby = r
}

func (f *fakeBackend) counts() (nearby, attempts, confirmations, ends int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nearbyCalls, len(f.attempts), len(f.confirmations), f.ends
}

func (f *fakeBackend) playerQueries() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.playerCalls
}

func (f *fakeBackend) confirmation(i int) core.CaptureConfirmation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.confirmations[i]
}

type recordingPresenter struct {
	mu       sync.Mutex
	messages []string
	results  []string
}

func (p *recordingPresenter) ShowMessage(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, text)
}

func (p *recordingPresenter) ShowCaptureResult(e core.NearbyEntity, points int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results = append(p.results, e.ID+":"+strconv.Itoa(points))
}

func (p *recordingPresenter) Messages() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.messages...)
}

func (p *recordingPresenter) Results() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.results...)
}

type countingAudio struct {
	mu    sync.Mutex
	plays int
}

func (a *countingAudio) PlayCaptureSound() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.plays++
}

func (a *countingAudio) Plays() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.plays
}

type recordingPush struct {
	mu     sync.Mutex
	joined []string
	left   []string
	failOn string
}

func (p *recordingPush) Subscribe(topic string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if topic == p.failOn {
		return errors.New("subscribe refused")
	}
	p.joined = append(p.joined, topic)
	return nil
}

func (p *recordingPush) Unsubscribe(topic string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.left = append(p.left, topic)
	return nil
}

func (p *recordingPush) Ops() (joined, left []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.joined...), append([]string(nil), p.left...)
}

type harness struct {
	c         *Coordinator
	clock     *clockwork.FakeClock
	backend   *fakeBackend
	presenter *recordingPresenter
	audio     *countingAudio
	push      *recordingPush
}

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newHarness(t *testing.T, backend *fakeBackend) *harness {
	t.Helper()
	if backend == nil {
		backend = &fakeBackend{}
	}
	h := &harness{
		clock:     clockwork.NewFakeClockAt(epoch),
		backend:   backend,
		presenter: &recordingPresenter{},
		audio:     &countingAudio{},
		push:      &recordingPush{},
	}

	c, err := New(DefaultConfig(), Deps{
		Backend:   backend,
		Push:      h.push,
		Presenter: h.presenter,
		Audio:     h.audio,
		Device:    core.DeviceInfo{InstallID: "install-1", Platform: "android"},
		Clock:     h.clock,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	h.c = c

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})
	return h
}

func (h *harness) fix(lat, lng float64) core.LocationFix {
	return core.LocationFix{Latitude: lat, Longitude: lng, Accuracy: 5, Timestamp: h.clock.Now()}
}

func (h *harness) start(t *testing.T, lat, lng float64) {
	t.Helper()
	require.NoError(t, h.c.UpdateLocation(h.fix(lat, lng)))
	require.NoError(t, h.c.Start(context.Background()))
	h.waitFor(t, func(s Snapshot) bool { return s.Refreshes >= 1 })
}

func (h *harness) snapshot(t *testing.T) Snapshot {
	t.Helper()
	s, err := h.c.Snapshot(context.Background())
	require.NoError(t, err)
	return s
}

func (h *harness) waitFor(t *testing.T, cond func(Snapshot) bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, err := h.c.Snapshot(context.Background())
		return err == nil && cond(s)
	}, 2*time.Second, 5*time.Millisecond)
}

func outcome(t *testing.T, ch <-chan CaptureOutcome) CaptureOutcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("capture outcome not delivered")
		return CaptureOutcome{}
	}
}
