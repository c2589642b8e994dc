package session

import (
	"context"
	"time"

	"github.com/geocatch/client/pkg/core"
)

// Backend is the RPC surface the coordinator drives.
// Every call carries the session id where one applies so the backend can
// validate independently.
type Backend interface {
	Healthcheck(ctx context.Context) error
	StartSession(ctx context.Context, device core.DeviceInfo, fix core.LocationFix) (core.SessionHandle, error)
	EndSession(ctx context.Context, sessionID string, duration time.Duration) (core.SessionSummary, error)
	ReportLocation(ctx context.Context, sessionID string, fix core.LocationFix) error
	QueryNearby(ctx context.Context, sessionID string, box core.BoundingBox) (core.NearbyResult, error)
	QueryNearbyPlayers(ctx context.Context, sessionID string, box core.BoundingBox) ([]core.NearbyPlayer, error)
	AttemptCapture(ctx context.Context, a core.CaptureAttempt) (core.CaptureResponse, error)
	ConfirmCapture(ctx context.Context, c core.CaptureConfirmation) (core.ConfirmAck, error)
}

// PushTransport joins and leaves realtime topics. Calls must not block on
// the network; inbound events are delivered to Coordinator.HandlePush.
type PushTransport interface {
	Subscribe(topic string) error
	Unsubscribe(topic string) error
}

// Presenter shows results to the player.
type Presenter interface {
	ShowMessage(text string)
	ShowCaptureResult(entity core.NearbyEntity, points int)
}

// Audio plays feedback sounds.
type Audio interface {
	PlayCaptureSound()
}

// LocationSource reads the device's current fix.
type LocationSource interface {
	CurrentFix() (core.LocationFix, bool)
}

// Journal records capture traffic. Implementations must be safe for
// concurrent use. A RecordConfirmation error refuses the confirmation.
type Journal interface {
	RecordAttempt(ctx context.Context, a core.CaptureAttempt, resp core.CaptureResponse, attemptErr error) error
	RecordConfirmation(ctx context.Context, c core.CaptureConfirmation) error
	RecordConfirmResult(ctx context.Context, key string, ack core.ConfirmAck, confirmErr error) error
}

// Telemetry mirrors reports and captures to a time-series sink.
// Writes must not block.
type Telemetry interface {
	WriteLocation(sessionID string, fix core.LocationFix)
	WriteCapture(sessionID, entityID string, points int, accepted bool, at time.Time)
}

// Config holds the coordinator's tunables.
type Config struct {
	CaptureRadius     float64
	CaptureMethod     string
	QueryRadius       float64
	RefreshInterval   time.Duration
	TelemetryInterval time.Duration
	TelemetryDistance float64
	MovementInterval  time.Duration
	MovementDistance  float64
	PlayersInterval   time.Duration
	PlayersDistance   float64
	DebounceWindow    time.Duration
	RequestTimeout    time.Duration
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		CaptureRadius:     20,
		CaptureMethod:     "tap",
		QueryRadius:       500,
		RefreshInterval:   30 * time.Second,
		TelemetryInterval: 5 * time.Second,
		TelemetryDistance: 15,
		MovementInterval:  2 * time.Second,
		MovementDistance:  35,
		PlayersInterval:   10 * time.Second,
		PlayersDistance:   50,
		DebounceWindow:    750 * time.Millisecond,
		RequestTimeout:    10 * time.Second,
	}
}

type nopPresenter struct{}

func (nopPresenter) ShowMessage(string)                       {}
func (nopPresenter) ShowCaptureResult(core.NearbyEntity, int) {}

type nopAudio struct{}

func (nopAudio) PlayCaptureSound() {}

type nopPush struct{}

func (nopPush) Subscribe(string) error   { return nil }
func (nopPush) Unsubscribe(string) error { return nil }
