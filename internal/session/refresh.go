package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/geocatch/client/internal/geo"
	"github.com/geocatch/client/internal/signal"
	"github.com/geocatch/client/internal/throttle"
	"github.com/geocatch/client/pkg/core"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

func (c *Coordinator) onLocation(m locationUpdate) {
	if err := geo.Validate(m.fix.Position()); err != nil {
		c.logger.Warn("dropping location fix", "error", err)
		return
	}
	c.fix, c.hasFix = m.fix, true
	c.protocol.Speed().Observe(m.fix)

	if c.state != Active {
		return
	}
	c.session.LastLocation = m.fix

	now := c.clock.Now()
	pos := m.fix.Position()
	if c.gate(c.telemetryGate, "telemetry", now, pos) {
		c.reportLocation(m.fix)
	}
	if c.gate(c.movementGate, "movement", now, pos) {
		c.refresh("movement")
	}
	if c.gate(c.playersGate, "players", now, pos) {
		c.refreshPlayers()
	}
}

func (c *Coordinator) gate(g *throttle.GeoThrottle, name string, now time.Time, pos core.Position) bool {
	acted := g.ShouldAct(now, pos)
	c.ins.throttle.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("throttle", name),
		attribute.Bool("acted", acted),
	))
	return acted
}

func (c *Coordinator) reportLocation(fix core.LocationFix) {
	sessionID := c.session.ID
	if c.telemetry != nil {
		c.telemetry.WriteLocation(sessionID, fix)
	}

	go func() {
		ctx, cancel := c.requestContext()
		defer cancel()
		if err := c.backend.ReportLocation(ctx, sessionID, fix); err != nil {
			c.logger.Warn("location report failed", "session", sessionID, "kind", KindTransient.String(), "error", err)
		}
	}()
}

func (c *Coordinator) onPush(m pushEvent) {
	class, err := c.router.Route(signal.Event{Name: m.name, Payload: m.payload, ReceivedAt: c.clock.Now()})
	if err != nil {
		outcome := "failed"
		if errors.Is(err, signal.ErrUnhandled) {
			outcome = "unhandled"
			c.logger.Debug("unhandled push event", "event", m.name, "class", string(class))
		} else {
			c.logger.Warn("push handler failed", "event", m.name, "class", string(class), "error", err)
		}
		c.countPush(class, outcome)
		return
	}

	if !c.router.IsRefresh(class) {
		c.countPush(class, "handled")
		return
	}
	if c.state != Active {
		c.countPush(class, "ignored")
		return
	}
	if !c.debouncer.ShouldTrigger(c.clock.Now(), string(class)) {
		c.countPush(class, "debounced")
		return
	}
	c.countPush(class, "refresh")
	c.refresh("push")
}

func (c *Coordinator) countPush(class signal.Class, outcome string) {
	c.ins.pushes.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("class", string(class)),
		attribute.String("outcome", outcome),
	))
}

func (c *Coordinator) onFallbackTick() {
	if c.state != Active {
		return
	}
	c.refresh("fallback")
}

// refresh queries the nearby entities around the current fix. Overlapping
// refreshes are fine: each completion replaces the list.
func (c *Coordinator) refresh(reason string) {
	if c.session == nil || !c.hasFix {
		return
	}
	sessionID, gen := c.session.ID, c.gen
	box, err := geo.BoundingBoxAround(c.fix.Position(), c.cfg.QueryRadius)
	if err != nil {
		c.logger.Warn("skipping nearby refresh", "reason", reason, "error", err)
		c.countRefresh(reason, "failed")
		return
	}

	go func() {
		ctx, cancel := c.requestContext()
		defer cancel()

		res, err := c.backend.QueryNearby(ctx, sessionID, box)
		if err != nil {
			err = fmt.Errorf("nearby query: %w", err)
		}
		c.complete(refreshDone{gen: gen, reason: reason, result: res, err: err})
	}()
}

func (c *Coordinator) onRefreshDone(m refreshDone) {
	if m.gen != c.gen || c.state != Active {
		c.logger.Debug("dropping stale refresh", "reason", m.reason)
		return
	}
	if m.err != nil {
		c.logger.Warn("nearby refresh failed", "reason", m.reason, "kind", KindTransient.String(), "error", m.err)
		c.countRefresh(m.reason, "failed")
		return
	}

	now := c.clock.Now()
	c.entities = live(m.result.Entities, now)
	c.partners = live(m.result.Partners, now)
	c.refreshes++
	c.reconcileTopics()
	c.countRefresh(m.reason, "ok")

	c.logger.Debug("nearby refreshed",
		"reason", m.reason,
		"entities", len(c.entities),
		"partners", len(c.partners),
	)
}

func (c *Coordinator) countRefresh(reason, outcome string) {
	c.ins.refreshes.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("reason", reason),
		attribute.String("outcome", outcome),
	))
}

func (c *Coordinator) refreshPlayers() {
	if c.session == nil || !c.hasFix {
		return
	}
	sessionID, gen := c.session.ID, c.gen
	box, err := geo.BoundingBoxAround(c.fix.Position(), c.cfg.QueryRadius)
	if err != nil {
		c.logger.Warn("skipping nearby players refresh", "error", err)
		c.countRefresh("players", "failed")
		return
	}

	go func() {
		ctx, cancel := c.requestContext()
		defer cancel()

		players, err := c.backend.QueryNearbyPlayers(ctx, sessionID, box)
		if err != nil {
			err = fmt.Errorf("nearby players query: %w", err)
		}
		c.complete(playersDone{gen: gen, players: players, err: err})
	}()
}

func (c *Coordinator) onPlayersDone(m playersDone) {
	if m.gen != c.gen || c.state != Active {
		return
	}
	if m.err != nil {
		c.logger.Warn("nearby players refresh failed", "kind", KindTransient.String(), "error", m.err)
		c.countRefresh("players", "failed")
		return
	}
	c.players = m.players
	c.countRefresh("players", "ok")
}

// reconcileTopics brings the push subscriptions in line with the session
// topic and the visible partners.
func (c *Coordinator) reconcileTopics() {
	desired := make([]string, 0, len(c.partners)+1)
	if c.session != nil {
		desired = append(desired, SessionTopic(c.session.ID))
	}
	for _, p := range c.partners {
		desired = append(desired, PartnerTopic(p.ID))
	}

	toJoin, toLeave := c.subs.Reconcile(desired)
	for _, topic := range toLeave {
		if err := c.push.Unsubscribe(topic); err != nil {
			c.logger.Warn("unsubscribe failed", "topic", topic, "error", err)
		}
	}
	for _, topic := range toJoin {
		if err := c.push.Subscribe(topic); err != nil {
			c.logger.Warn("subscribe failed", "topic", topic, "error", err)
		}
	}
}

func live(in []core.NearbyEntity, now time.Time) []core.NearbyEntity {
	out := make([]core.NearbyEntity, 0, len(in))
	for _, e := range in {
		if !e.Expired(now) {
			out = append(out, e)
		}
	}
	return out
}
