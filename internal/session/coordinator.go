// Package session owns the play-session state machine. All state lives on a
// single goroutine (Run); the public methods post messages to it and I/O
// completions are posted back to the same inbox.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/geocatch/client/internal/capture"
	"github.com/geocatch/client/internal/debounce"
	"github.com/geocatch/client/internal/signal"
	"github.com/geocatch/client/internal/subscription"
	"github.com/geocatch/client/internal/throttle"
	"github.com/geocatch/client/pkg/core"
	"github.com/jonboulle/clockwork"
)

// State is the session lifecycle state.
type State int32

const (
	Idle State = iota
	Starting
	Active
	Ending
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Active:
		return "active"
	case Ending:
		return "ending"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

const inboxSize = 256

// CaptureOutcome resolves a Capture call.
type CaptureOutcome struct {
	EntityID string
	Points   int
	ResultID string
	Err      error
}

// Snapshot is a copy of the coordinator's state.
type Snapshot struct {
	State           State
	Session         *core.Session
	Fix             core.LocationFix
	Entities        []core.NearbyEntity
	Partners        []core.NearbyEntity
	Players         []core.NearbyPlayer
	Topics          []string
	Refreshes       int
	CaptureInFlight bool
	PendingEnds     int // end requests waiting on an in-flight start
}

// Deps are the coordinator's collaborators. Only Backend is required.
type Deps struct {
	Backend   Backend
	Push      PushTransport
	Presenter Presenter
	Audio     Audio
	Location  LocationSource
	Device    core.DeviceInfo
	Router    *signal.Router
	Speed     capture.SpeedEstimator
	Journal   Journal
	Telemetry Telemetry
	Clock     clockwork.Clock
	Logger    *slog.Logger
}

// Coordinator drives one player's session.
type Coordinator struct {
	cfg       Config
	backend   Backend
	push      PushTransport
	presenter Presenter
	audio     Audio
	location  LocationSource
	device    core.DeviceInfo
	journal   Journal
	telemetry Telemetry
	clock     clockwork.Clock
	logger    *slog.Logger
	router    *signal.Router
	protocol  *capture.Protocol
	ins       *instruments

	inbox   chan any
	done    chan struct{}
	running atomic.Bool
	ctx     context.Context

	// Owned by the Run goroutine.
	state     State
	gen       uint64
	session   *core.Session
	startedAt time.Time
	fix       core.LocationFix
	hasFix    bool
	entities  []core.NearbyEntity
	partners  []core.NearbyEntity
	players   []core.NearbyPlayer
	refreshes int
	inFlight  bool
	ticker    clockwork.Ticker
	// End requests received while Starting, honoured once the start settles.
	pendingEnds []endRequest

	telemetryGate *throttle.GeoThrottle
	movementGate  *throttle.GeoThrottle
	playersGate   *throttle.GeoThrottle
	debouncer     *debounce.Debouncer
	subs          *subscription.Set

	// Readable from any goroutine, for log context.
	stateView   atomic.Int32
	sessionView atomic.Value
}

// New creates a Coordinator. Call Run to start it.
func New(cfg Config, deps Deps) (*Coordinator, error) {
	if deps.Backend == nil {
		return nil, errors.New("session: backend is required")
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Push == nil {
		deps.Push = nopPush{}
	}
	if deps.Presenter == nil {
		deps.Presenter = nopPresenter{}
	}
	if deps.Audio == nil {
		deps.Audio = nopAudio{}
	}
	if deps.Router == nil {
		r, err := signal.New(signal.DefaultCatalog(), deps.Logger)
		if err != nil {
			return nil, fmt.Errorf("creating signal router: %w", err)
		}
		deps.Router = r
	}

	ins, err := newInstruments()
	if err != nil {
		return nil, err
	}

	c := &Coordinator{
		cfg:       cfg,
		backend:   deps.Backend,
		push:      deps.Push,
		presenter: deps.Presenter,
		audio:     deps.Audio,
		location:  deps.Location,
		device:    deps.Device,
		journal:   deps.Journal,
		telemetry: deps.Telemetry,
		clock:     deps.Clock,
		logger:    deps.Logger,
		router:    deps.Router,
		protocol: capture.New(capture.Config{
			RadiusMeters: cfg.CaptureRadius,
			Method:       cfg.CaptureMethod,
		}, deps.Backend, deps.Speed),
		ins:   ins,
		inbox: make(chan any, inboxSize),
		done:  make(chan struct{}),
		ctx:   context.Background(),

		telemetryGate: throttle.New(cfg.TelemetryInterval, cfg.TelemetryDistance),
		movementGate:  throttle.New(cfg.MovementInterval, cfg.MovementDistance),
		playersGate:   throttle.New(cfg.PlayersInterval, cfg.PlayersDistance),
		debouncer:     debounce.New(cfg.DebounceWindow),
		subs:          subscription.New(),
	}
	c.sessionView.Store("")
	c.registerHandlers()
	return c, nil
}

// Run processes the inbox until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("session: coordinator already running")
	}
	c.ctx = ctx
	defer close(c.done)
	defer c.stopTicker()

	c.logger.Debug("coordinator loop started")
	for {
		var tick <-chan time.Time
		if c.ticker != nil {
			tick = c.ticker.Chan()
		}

		select {
		case <-ctx.Done():
			c.logger.Debug("coordinator loop stopped", "state", c.state.String())
			return nil
		case msg := <-c.inbox:
			c.handle(msg)
		case <-tick:
			c.onFallbackTick()
		}
	}
}

func (c *Coordinator) handle(msg any) {
	switch m := msg.(type) {
	case startRequest:
		c.onStart(m)
	case startDone:
		c.onStartDone(m)
	case endRequest:
		c.onEnd(m)
	case endDone:
		c.onEndDone(m)
	case locationUpdate:
		c.onLocation(m)
	case pushEvent:
		c.onPush(m)
	case refreshDone:
		c.onRefreshDone(m)
	case playersDone:
		c.onPlayersDone(m)
	case captureRequest:
		c.onCapture(m)
	case captureDone:
		c.onCaptureDone(m)
	case snapshotRequest:
		m.reply <- c.snapshot()
	default:
		c.logger.Error("unknown coordinator message", "type", fmt.Sprintf("%T", msg))
	}
}

// post hands msg to the loop. It fails once Run has returned.
func (c *Coordinator) post(msg any) error {
	select {
	case <-c.done:
		return ErrStopped
	default:
	}
	select {
	case c.inbox <- msg:
		return nil
	case <-c.done:
		return ErrStopped
	}
}

// complete is post for worker goroutines; completions after shutdown are dropped.
func (c *Coordinator) complete(msg any) {
	select {
	case c.inbox <- msg:
	case <-c.done:
	}
}

func (c *Coordinator) requestContext() (context.Context, context.CancelFunc) {
	if c.cfg.RequestTimeout <= 0 {
		return context.WithCancel(c.ctx)
	}
	return context.WithTimeout(c.ctx, c.cfg.RequestTimeout)
}

func wait[T any](ctx context.Context, done <-chan struct{}, reply <-chan T) (T, error) {
	var zero T
	select {
	case v := <-reply:
		return v, nil
	case <-done:
		return zero, ErrStopped
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Start opens a session and waits until it is active or has failed.
func (c *Coordinator) Start(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := c.post(startRequest{reply: reply}); err != nil {
		return err
	}
	err, werr := wait(ctx, c.done, reply)
	if werr != nil {
		return werr
	}
	return err
}

// End closes the active session. Local state is cleared immediately; the
// call waits for the backend to acknowledge.
func (c *Coordinator) End(ctx context.Context) (core.SessionSummary, error) {
	reply := make(chan endResult, 1)
	if err := c.post(endRequest{reason: "end", reply: reply}); err != nil {
		return core.SessionSummary{}, err
	}
	res, err := wait(ctx, c.done, reply)
	if err != nil {
		return core.SessionSummary{}, err
	}
	return res.summary, res.err
}

// Background ends the active session without waiting, as when the app is
// sent to the background.
func (c *Coordinator) Background() error {
	return c.post(endRequest{reason: "background"})
}

// UpdateLocation feeds a new GPS fix.
func (c *Coordinator) UpdateLocation(fix core.LocationFix) error {
	return c.post(locationUpdate{fix: fix})
}

// HandlePush feeds an inbound realtime event.
func (c *Coordinator) HandlePush(name string, payload []byte) error {
	return c.post(pushEvent{name: name, payload: payload})
}

// Capture tries to capture the entity. The returned channel receives exactly
// one outcome.
func (c *Coordinator) Capture(entityID string) <-chan CaptureOutcome {
	reply := make(chan CaptureOutcome, 1)
	if err := c.post(captureRequest{entityID: entityID, reply: reply}); err != nil {
		reply <- CaptureOutcome{EntityID: entityID, Err: err}
	}
	return reply
}

// Snapshot returns a copy of the current state.
func (c *Coordinator) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	if err := c.post(snapshotRequest{reply: reply}); err != nil {
		return Snapshot{}, err
	}
	return wait(ctx, c.done, reply)
}

// Router returns the signal router so callers can register extra handlers
// before Run. Handlers run on the coordinator goroutine.
func (c *Coordinator) Router() *signal.Router {
	return c.router
}

// LogAttrs returns the session attributes for log records. Safe from any goroutine.
func (c *Coordinator) LogAttrs() []slog.Attr {
	attrs := []slog.Attr{slog.String("session_state", State(c.stateView.Load()).String())}
	if id, _ := c.sessionView.Load().(string); id != "" {
		attrs = append(attrs, slog.String("session_id", id))
	}
	return attrs
}

func (c *Coordinator) setState(s State) {
	c.logger.Debug("session state", "from", c.state.String(), "to", s.String())
	c.state = s
	c.stateView.Store(int32(s))
}

func (c *Coordinator) snapshot() Snapshot {
	s := Snapshot{
		State:           c.state,
		Fix:             c.fix,
		Entities:        append([]core.NearbyEntity(nil), c.entities...),
		Partners:        append([]core.NearbyEntity(nil), c.partners...),
		Players:         append([]core.NearbyPlayer(nil), c.players...),
		Topics:          c.subs.Current(),
		Refreshes:       c.refreshes,
		CaptureInFlight: c.inFlight,
		PendingEnds:     len(c.pendingEnds),
	}
	if c.session != nil {
		cp := *c.session
		s.Session = &cp
	}
	return s
}
