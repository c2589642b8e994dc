// Package signal classifies inbound push events and routes the ones that do
// not trigger a refresh to domain handlers.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Class is an equivalence class of push events.
type Class string

// ClassNearbyEntitiesChanged covers every event that only means "re-fetch nearby".
const ClassNearbyEntitiesChanged Class = "nearby-entities-changed"

// ErrUnhandled is returned by Route when no handler is registered for a class.
var ErrUnhandled = errors.New("no handler for signal")

// Event is one (name, payload) pair delivered by the push transport.
type Event struct {
	Name       string
	Payload    []byte
	ReceivedAt time.Time
}

// HandlerFunc processes a routed event.
type HandlerFunc func(Event) error

// Logger interface for pluggable logging. *slog.Logger satisfies it.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Option configures handler registration.
type Option func(*config)

type config struct {
	logged bool
}

// Logged adds debug logging to the handler.
func Logged() Option {
	return func(c *config) {
		c.logged = true
	}
}

// Router classifies events by name and payload.
type Router struct {
	refresh  map[string]struct{}
	wrappers map[string]struct{}
	handlers map[string]HandlerFunc
	logger   Logger

	// OTEL metrics
	classified metric.Int64Counter
	unhandled  metric.Int64Counter
}

// New creates a Router for the given catalog.
// Uses the global OTel meter for metrics (no-op if not configured).
func New(cat Catalog, logger Logger) (*Router, error) {
	r := &Router{
		refresh:  make(map[string]struct{}, len(cat.Refresh)),
		wrappers: make(map[string]struct{}, len(cat.Wrappers)),
		handlers: make(map[string]HandlerFunc),
		logger:   logger,
	}
	for _, name := range cat.Refresh {
		r.refresh[name] = struct{}{}
	}
	for _, name := range cat.Wrappers {
		r.wrappers[name] = struct{}{}
	}

	m := meter()

	var err error
	r.classified, err = m.Int64Counter(
		"signal.events.classified",
		metric.WithDescription("Push events classified, by class"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating classified counter: %w", err)
	}

	r.unhandled, err = m.Int64Counter(
		"signal.events.unhandled",
		metric.WithDescription("Push events with no refresh class and no handler"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating unhandled counter: %w", err)
	}

	return r, nil
}

// Register adds a handler for a class that does not trigger a refresh.
func (r *Router) Register(class Class, h HandlerFunc, opts ...Option) {
	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}

	handler := h
	if cfg.logged {
		handler = r.withLogging(class, handler)
	}
	r.handlers[string(class)] = handler
}

// HasHandler returns true if a handler is registered for the class.
func (r *Router) HasHandler(class Class) bool {
	_, ok := r.handlers[string(class)]
	return ok
}

// IsRefresh reports whether the class should go through the debouncer.
func (r *Router) IsRefresh(class Class) bool {
	return class == ClassNearbyEntitiesChanged
}

type wrapped struct {
	Type string `json:"type"`
}

// Classify maps an event to its class. Wrapper events are reclassified by the
// "type" field of their JSON payload; when that is missing or unparsable the
// wrapper name itself is the class.
func (r *Router) Classify(name string, payload []byte) Class {
	if _, ok := r.wrappers[name]; ok {
		var w wrapped
		if err := json.Unmarshal(payload, &w); err == nil && w.Type != "" {
			return r.classifyName(w.Type)
		}
		return Class(name)
	}
	return r.classifyName(name)
}

func (r *Router) classifyName(name string) Class {
	if _, ok := r.refresh[name]; ok {
		return ClassNearbyEntitiesChanged
	}
	return Class(name)
}

// Route classifies e. Refresh classes are returned for the caller to debounce;
// every other class goes straight to its registered handler.
func (r *Router) Route(e Event) (Class, error) {
	class := r.Classify(e.Name, e.Payload)
	r.classified.Add(context.Background(), 1, metric.WithAttributes(attribute.String("class", string(class))))

	if r.IsRefresh(class) {
		return class, nil
	}

	h, ok := r.handlers[string(class)]
	if !ok {
		r.unhandled.Add(context.Background(), 1, metric.WithAttributes(attribute.String("class", string(class))))
		return class, fmt.Errorf("%w: %s", ErrUnhandled, class)
	}
	return class, h(e)
}

func (r *Router) withLogging(class Class, h HandlerFunc) HandlerFunc {
	return func(e Event) error {
		start := time.Now()
		r.logger.Debug("handling signal", "class", string(class), "event", e.Name, "bytes", len(e.Payload))

		err := h(e)

		if err != nil {
			r.logger.Error("signal failed", "class", string(class), "duration", time.Since(start), "error", err)
		} else {
			r.logger.Debug("signal complete", "class", string(class), "duration", time.Since(start))
		}
		return err
	}
}
