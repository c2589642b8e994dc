// Package capture implements the two-phase attempt/confirm capture protocol.
package capture

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/geocatch/client/internal/geo"
	"github.com/geocatch/client/pkg/core"
)

// DefaultMethod is the capture method tag sent when none is configured.
const DefaultMethod = "tap"

// ErrOutOfRange is returned when the player is farther than the capture radius.
// It is a client-side short-circuit; the backend validates distance again.
var ErrOutOfRange = errors.New("entity out of capture range")

// RejectedError carries the backend's reason for denying an attempt, unchanged.
type RejectedError struct {
	EntityID string
	Reason   string
}

func (e *RejectedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("capture of %s rejected", e.EntityID)
	}
	return e.Reason
}

// Backend is the part of the backend RPC surface the protocol uses.
type Backend interface {
	AttemptCapture(ctx context.Context, a core.CaptureAttempt) (core.CaptureResponse, error)
	ConfirmCapture(ctx context.Context, c core.CaptureConfirmation) (core.ConfirmAck, error)
}

// Config holds protocol parameters.
type Config struct {
	RadiusMeters float64
	Method       string
}

// Protocol executes capture attempts and builds their confirmations.
type Protocol struct {
	cfg     Config
	backend Backend
	keys    *KeyMinter
	speed   SpeedEstimator
}

// AttemptResult is a successful attempt together with what it was sent with.
type AttemptResult struct {
	Attempt  core.CaptureAttempt
	Response core.CaptureResponse
	Instant  time.Time
	Distance float64
}

// New creates a Protocol. A nil speed estimator defaults to ZeroSpeed.
func New(cfg Config, backend Backend, speed SpeedEstimator) *Protocol {
	if cfg.Method == "" {
		cfg.Method = DefaultMethod
	}
	if speed == nil {
		speed = ZeroSpeed{}
	}
	return &Protocol{
		cfg:     cfg,
		backend: backend,
		keys:    NewKeyMinter(),
		speed:   speed,
	}
}

// Radius returns the capture radius in meters.
func (p *Protocol) Radius() float64 {
	return p.cfg.RadiusMeters
}

// Method returns the capture method tag sent with attempts.
func (p *Protocol) Method() string {
	return p.cfg.Method
}

// Speed returns the estimator feeding confirmation signals.
func (p *Protocol) Speed() SpeedEstimator {
	return p.speed
}

// CheckRange returns the distance to the entity, or ErrOutOfRange.
func (p *Protocol) CheckRange(entity core.NearbyEntity, fix core.LocationFix) (float64, error) {
	d := geo.DistanceMeters(fix.Position(), entity.Position)
	if d > p.cfg.RadiusMeters {
		return d, fmt.Errorf("%w: %.1fm > %.1fm", ErrOutOfRange, d, p.cfg.RadiusMeters)
	}
	return d, nil
}

// CanCapture reports whether the fix is within the capture radius of the entity.
func (p *Protocol) CanCapture(entity core.NearbyEntity, fix core.LocationFix) bool {
	_, err := p.CheckRange(entity, fix)
	return err == nil
}

// Attempt submits phase one. Out-of-range attempts fail without a network
// call; a denied attempt returns *RejectedError.
func (p *Protocol) Attempt(
	ctx context.Context,
	sessionID string,
	entity core.NearbyEntity,
	fix core.LocationFix,
	device core.DeviceInfo,
	instant time.Time,
) (AttemptResult, error) {
	d, err := p.CheckRange(entity, fix)
	if err != nil {
		return AttemptResult{}, err
	}

	attempt := core.CaptureAttempt{
		SessionID: sessionID,
		EntityID:  entity.ID,
		Fix:       fix,
		Device:    device,
		Method:    p.cfg.Method,
	}

	resp, err := p.backend.AttemptCapture(ctx, attempt)
	if err != nil {
		return AttemptResult{}, fmt.Errorf("capture attempt: %w", err)
	}
	if !resp.Accepted {
		return AttemptResult{}, &RejectedError{EntityID: entity.ID, Reason: resp.Message}
	}

	return AttemptResult{
		Attempt:  attempt,
		Response: resp,
		Instant:  instant,
		Distance: d,
	}, nil
}

// NeedsConfirmation reports whether the response named an entity to confirm.
func (p *Protocol) NeedsConfirmation(r AttemptResult) bool {
	return r.Response.EntityID != ""
}

// BuildConfirmation builds phase two for a successful attempt with a freshly
// minted key and the current anti-cheat signals.
func (p *Protocol) BuildConfirmation(r AttemptResult, fix core.LocationFix) core.CaptureConfirmation {
	entityID := r.Response.EntityID
	return core.CaptureConfirmation{
		SessionID: r.Attempt.SessionID,
		EntityID:  entityID,
		ResultID:  r.Response.ResultID,
		Fix:       fix,
		Device:    r.Attempt.Device,
		Signals: core.AntiCheatSignals{
			SpeedMPS:     p.speed.SpeedMPS(),
			MockLocation: fix.Mock,
		},
		IdempotencyKey: p.keys.Mint(entityID, r.Instant),
	}
}

// Confirm submits phase two. It never retries; a retry needs a new attempt
// and therefore a new key.
func (p *Protocol) Confirm(ctx context.Context, c core.CaptureConfirmation) (core.ConfirmAck, error) {
	ack, err := p.backend.ConfirmCapture(ctx, c)
	if err != nil {
		return core.ConfirmAck{}, fmt.Errorf("capture confirm %s: %w", c.IdempotencyKey, err)
	}
	return ack, nil
}
