package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/geocatch/client/internal/capture"
	"github.com/geocatch/client/pkg/core"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

func (c *Coordinator) onCapture(req captureRequest) {
	reject := func(err error) {
		c.countCapture(outcomeOf(err))
		req.reply <- CaptureOutcome{EntityID: req.entityID, Err: err}
	}

	if c.state != Active || c.session == nil {
		reject(ErrNoSession)
		return
	}
	if c.inFlight {
		reject(ErrCaptureInFlight)
		return
	}

	now := c.clock.Now()
	entity, ok := c.findEntity(req.entityID)
	if !ok || entity.Expired(now) {
		reject(fmt.Errorf("%w: %s", ErrNotFound, req.entityID))
		return
	}
	if !c.hasFix {
		reject(ErrNoFix)
		return
	}
	if _, err := c.protocol.CheckRange(entity, c.fix); err != nil {
		c.presenter.ShowMessage(MsgTooFar)
		reject(classify(KindRejected, "capture", err))
		return
	}

	c.inFlight = true
	gen := c.gen
	fix := c.fix
	device := c.device
	sessionID := c.session.ID

	go func() {
		ctx, cancel := c.requestContext()
		defer cancel()

		res, err := c.protocol.Attempt(ctx, sessionID, entity, fix, device, now)
		if c.journal != nil {
			attempt := core.CaptureAttempt{
				SessionID: sessionID,
				EntityID:  entity.ID,
				Fix:       fix,
				Device:    device,
				Method:    c.protocol.Method(),
			}
			if jerr := c.journal.RecordAttempt(ctx, attempt, res.Response, err); jerr != nil {
				c.logger.Warn("journal attempt failed", "entity", entity.ID, "error", jerr)
			}
		}
		c.complete(captureDone{gen: gen, entity: entity, result: res, err: err, reply: req.reply})
	}()
}

func (c *Coordinator) onCaptureDone(m captureDone) {
	out := CaptureOutcome{EntityID: m.entity.ID}

	// The session this attempt belonged to is gone; leave state alone.
	if m.gen != c.gen || c.state != Active {
		c.logger.Info("dropping capture result from ended session", "entity", m.entity.ID)
		out.Err = fmt.Errorf("%w: session ended during capture", ErrNoSession)
		m.reply <- out
		return
	}
	c.inFlight = false
	sessionID := c.session.ID

	if m.err != nil {
		var rej *capture.RejectedError
		if errors.As(m.err, &rej) {
			reason := rej.Reason
			if reason == "" {
				reason = rej.Error()
			}
			c.presenter.ShowMessage(reason)
			out.Err = classify(KindRejected, "capture", m.err)
		} else {
			c.logger.Warn("capture attempt failed", "entity", m.entity.ID, "error", m.err)
			c.presenter.ShowMessage(MsgCaptureFailed)
			out.Err = classify(KindTransient, "capture", m.err)
		}
		if c.telemetry != nil {
			c.telemetry.WriteCapture(sessionID, m.entity.ID, 0, false, m.result.Instant)
		}
		c.countCapture(outcomeOf(out.Err))
		m.reply <- out
		return
	}

	resp := m.result.Response
	c.removeEntity(m.entity.ID)
	if resp.EntityID != "" && resp.EntityID != m.entity.ID {
		c.removeEntity(resp.EntityID)
	}

	out.Points = resp.PointsAwarded
	out.ResultID = resp.ResultID
	c.presenter.ShowCaptureResult(m.entity, resp.PointsAwarded)
	c.audio.PlayCaptureSound()
	if c.telemetry != nil {
		c.telemetry.WriteCapture(sessionID, m.entity.ID, resp.PointsAwarded, true, m.result.Instant)
	}
	c.countCapture("accepted")
	c.logger.Info("capture accepted",
		"entity", m.entity.ID,
		"points", resp.PointsAwarded,
		"result", resp.ResultID,
		"distance_m", m.result.Distance,
	)

	if c.protocol.NeedsConfirmation(m.result) {
		c.confirm(c.protocol.BuildConfirmation(m.result, c.fix))
	}
	m.reply <- out
}

// confirm sends phase two in the background. Failures are logged only and
// the key is never reused.
func (c *Coordinator) confirm(conf core.CaptureConfirmation) {
	go func() {
		ctx, cancel := c.requestContext()
		defer cancel()

		if c.journal != nil {
			if err := c.journal.RecordConfirmation(ctx, conf); err != nil {
				c.logger.Warn("confirmation refused by journal", "key", conf.IdempotencyKey, "error", err)
				c.countConfirmation("refused")
				return
			}
		}

		ack, err := c.protocol.Confirm(ctx, conf)
		if c.journal != nil {
			if jerr := c.journal.RecordConfirmResult(ctx, conf.IdempotencyKey, ack, err); jerr != nil {
				c.logger.Warn("journal confirm result failed", "key", conf.IdempotencyKey, "error", jerr)
			}
		}
		if err != nil {
			c.logger.Warn("capture confirmation failed", "kind", KindSecondary.String(), "key", conf.IdempotencyKey, "error", err)
			c.countConfirmation("failed")
			return
		}

		outcome := "ok"
		if ack.Duplicate {
			outcome = "duplicate"
		}
		c.countConfirmation(outcome)
		c.logger.Debug("capture confirmed", "key", conf.IdempotencyKey, "duplicate", ack.Duplicate)
	}()
}

func (c *Coordinator) findEntity(id string) (core.NearbyEntity, bool) {
	for _, e := range c.entities {
		if e.ID == id {
			return e, true
		}
	}
	return core.NearbyEntity{}, false
}

func (c *Coordinator) removeEntity(id string) {
	kept := c.entities[:0]
	for _, e := range c.entities {
		if e.ID != id {
			kept = append(kept, e)
		}
	}
	c.entities = kept
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "accepted"
	case errors.Is(err, ErrOutOfRange):
		return "out_of_range"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrCaptureInFlight):
		return "in_flight"
	case errors.Is(err, ErrNoSession):
		return "no_session"
	case KindOf(err) == KindRejected:
		return "rejected"
	default:
		return "failed"
	}
}

func (c *Coordinator) countCapture(outcome string) {
	c.ins.captures.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (c *Coordinator) countConfirmation(outcome string) {
	c.ins.confirmations.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
