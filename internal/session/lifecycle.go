package session

import (
	"errors"
	"fmt"

	"github.com/geocatch/client/internal/geo"
	"github.com/geocatch/client/pkg/core"
)

// Player-facing messages.
const (
	MsgGPSRequired    = "GPS required. Enable location services to play."
	MsgUnreachable    = "Server unreachable. Check your connection and try again."
	MsgStartFailed    = "Could not start a session. Try again."
	MsgTooFar         = "Too far away. Move closer to capture."
	MsgCaptureFailed  = "Capture failed. Try again."
	MsgSessionExpired = "Your session has ended."
)

var errUnreachable = errors.New("backend unreachable")

// SessionTopic is the private realtime topic of a session.
func SessionTopic(sessionID string) string {
	return "session:" + sessionID
}

// PartnerTopic is the realtime topic of a partner marker.
func PartnerTopic(partnerID string) string {
	return "partner:" + partnerID
}

// currentFix prefers the location source and falls back to the last pushed fix.
func (c *Coordinator) currentFix() (core.LocationFix, bool) {
	if c.location != nil {
		if fix, ok := c.location.CurrentFix(); ok && geo.Validate(fix.Position()) == nil {
			c.fix, c.hasFix = fix, true
		}
	}
	return c.fix, c.hasFix
}

func (c *Coordinator) onStart(req startRequest) {
	if c.state != Idle {
		req.reply <- fmt.Errorf("%w: session is %s", ErrBusy, c.state)
		return
	}

	fix, ok := c.currentFix()
	if !ok {
		c.presenter.ShowMessage(MsgGPSRequired)
		req.reply <- classify(KindFatal, "start", ErrNoFix)
		return
	}

	c.gen++
	gen := c.gen
	device := c.device
	c.setState(Starting)

	go func() {
		ctx, cancel := c.requestContext()
		defer cancel()

		var handle core.SessionHandle
		err := c.backend.Healthcheck(ctx)
		if err != nil {
			err = fmt.Errorf("%w: %w", errUnreachable, err)
		} else {
			handle, err = c.backend.StartSession(ctx, device, fix)
			if err != nil {
				err = fmt.Errorf("start session: %w", err)
			}
		}
		c.complete(startDone{gen: gen, fix: fix, handle: handle, err: err, reply: req.reply})
	}()
}

func (c *Coordinator) onStartDone(m startDone) {
	if m.gen != c.gen || c.state != Starting {
		m.reply <- fmt.Errorf("%w: start superseded", ErrBusy)
		return
	}

	if m.err != nil {
		c.setState(Idle)
		msg := MsgStartFailed
		if errors.Is(m.err, errUnreachable) {
			msg = MsgUnreachable
		}
		c.logger.Error("session start failed", "error", m.err)
		c.presenter.ShowMessage(msg)
		if _, replies, ok := c.takePendingEnds(); ok {
			for _, reply := range replies {
				if reply != nil {
					reply <- endResult{err: fmt.Errorf("%w: start failed", ErrNoSession)}
				}
			}
		}
		m.reply <- classify(KindFatal, "start", m.err)
		return
	}

	now := c.clock.Now()
	fix := m.fix
	if c.hasFix {
		fix = c.fix
	}
	started := m.handle.StartedAt
	if started.IsZero() {
		started = now
	}

	c.session = &core.Session{
		ID:           m.handle.SessionID,
		UserID:       m.handle.UserID,
		StartedAt:    started,
		Device:       c.device,
		LastLocation: fix,
	}
	c.startedAt = now
	c.sessionView.Store(c.session.ID)

	// Backgrounded or ended while the start was in flight: close the new
	// session on the backend instead of activating it.
	if reason, replies, ok := c.takePendingEnds(); ok {
		c.logger.Info("closing session ended during start", "session", c.session.ID, "reason", reason)
		c.endActive(reason, replies)
		m.reply <- fmt.Errorf("%w: ended while starting", ErrNoSession)
		return
	}
	c.setState(Active)

	pos := fix.Position()
	c.telemetryGate.Seed(now, pos)
	c.movementGate.Seed(now, pos)
	c.playersGate.Seed(now, pos)

	if c.cfg.RefreshInterval > 0 {
		c.ticker = c.clock.NewTicker(c.cfg.RefreshInterval)
	}
	c.reconcileTopics()

	c.logger.Info("session started", "session", c.session.ID, "user", c.session.UserID)
	c.refresh("initial")
	c.refreshPlayers()
	m.reply <- nil
}

func (c *Coordinator) onEnd(req endRequest) {
	switch c.state {
	case Active:
		c.endActive(req.reason, []chan<- endResult{req.reply})
	case Starting:
		c.logger.Info("end requested while starting", "reason", req.reason)
		c.pendingEnds = append(c.pendingEnds, req)
	default:
		if req.reply != nil {
			req.reply <- endResult{err: fmt.Errorf("%w: session is %s", ErrNoSession, c.state)}
		}
	}
}

// endActive tears the session down and asks the backend to close it. Every
// reply channel receives the backend's result.
func (c *Coordinator) endActive(reason string, replies []chan<- endResult) {
	sessionID := c.session.ID
	elapsed := c.clock.Since(c.startedAt)
	c.teardown(reason)
	c.setState(Ending)

	go func() {
		ctx, cancel := c.requestContext()
		defer cancel()

		summary, err := c.backend.EndSession(ctx, sessionID, elapsed)
		if err != nil {
			err = fmt.Errorf("end session %s: %w", sessionID, err)
		}
		c.complete(endDone{summary: summary, err: err, replies: replies})
	}()
}

// takePendingEnds returns and clears the end requests queued during Starting.
func (c *Coordinator) takePendingEnds() (reason string, replies []chan<- endResult, ok bool) {
	if len(c.pendingEnds) == 0 {
		return "", nil, false
	}
	reason = c.pendingEnds[0].reason
	for _, req := range c.pendingEnds {
		replies = append(replies, req.reply)
	}
	c.pendingEnds = nil
	return reason, replies, true
}

// teardown clears all session-scoped state. It never waits on the network.
func (c *Coordinator) teardown(reason string) {
	c.stopTicker()
	c.telemetryGate.Reset()
	c.movementGate.Reset()
	c.playersGate.Reset()
	c.debouncer.Reset()

	_, toLeave := c.subs.Reconcile(nil)
	for _, topic := range toLeave {
		if err := c.push.Unsubscribe(topic); err != nil {
			c.logger.Warn("unsubscribe failed", "topic", topic, "error", err)
		}
	}

	id := c.session.ID
	c.entities, c.partners, c.players = nil, nil, nil
	c.session = nil
	c.sessionView.Store("")
	c.inFlight = false
	c.gen++

	c.logger.Info("session torn down", "session", id, "reason", reason)
}

func (c *Coordinator) onEndDone(m endDone) {
	c.setState(Idle)

	res := endResult{summary: m.summary}
	if m.err != nil {
		c.logger.Warn("session end failed", "kind", KindTransient.String(), "error", m.err)
		res = endResult{err: classify(KindTransient, "end", m.err)}
	} else {
		c.presenter.ShowMessage(fmt.Sprintf("Session ended. You earned %d points.", m.summary.PointsEarned))
	}
	for _, reply := range m.replies {
		if reply != nil {
			reply <- res
		}
	}
}

func (c *Coordinator) stopTicker() {
	if c.ticker != nil {
		c.ticker.Stop()
		c.ticker = nil
	}
}
