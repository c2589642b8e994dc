// Package natsbus is the realtime push transport over NATS core subjects.
package natsbus

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/geocatch/client/pkg/streaming"
)

// EventHandler receives inbound push events.
type EventHandler func(name string, payload []byte)

// Config holds NATS transport configuration.
type Config struct {
	URL           string
	Prefix        string // subject prefix, e.g. "geocatch.rooms"
	Token         string
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultConfig returns default NATS transport configuration.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Prefix:        "geocatch.rooms",
		Name:          "geocatch-client",
		MaxReconnects: -1, // Infinite
		ReconnectWait: 2 * time.Second,
	}
}

var subjectReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_", ":", ".")

// Subject maps a topic such as "partner:P1" to "<prefix>.partner.P1".
// Characters NATS reserves for subject tokens are replaced.
func Subject(prefix, topic string) string {
	return prefix + "." + subjectReplacer.Replace(topic)
}

// Bus joins topics by subscribing to their subjects.
type Bus struct {
	nc      *nats.Conn
	cfg     Config
	onEvent EventHandler
	logger  zerolog.Logger

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

func newBus(cfg Config, logger zerolog.Logger, onEvent EventHandler) *Bus {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultConfig().Prefix
	}
	return &Bus{
		cfg:     cfg,
		onEvent: onEvent,
		logger:  logger.With().Str("transport", "nats").Logger(),
		subs:    make(map[string]*nats.Subscription),
	}
}

// Connect connects to NATS and returns a ready Bus.
func Connect(cfg Config, logger zerolog.Logger, onEvent EventHandler) (*Bus, error) {
	b := newBus(cfg, logger, onEvent)

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			b.logger.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			b.logger.Error().Err(err).Msg("NATS error")
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	b.nc = nc
	return b, nil
}

// Subscribe joins a topic. Subscriptions survive reconnects.
func (b *Bus) Subscribe(topic string) error {
	if topic == "" {
		return errors.New("empty topic")
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[topic]; ok {
		return nil
	}
	if b.nc == nil {
		return errors.New("nats bus not connected")
	}
	subject := Subject(b.cfg.Prefix, topic)
	sub, err := b.nc.Subscribe(subject, b.handle)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	b.subs[topic] = sub
	b.logger.Debug().Str("subject", subject).Msg("subscribed")
	return nil
}

// Unsubscribe leaves a topic.
func (b *Bus) Unsubscribe(topic string) error {
	b.mu.Lock()
	sub, ok := b.subs[topic]
	delete(b.subs, topic)
	b.mu.Unlock()

	if !ok {
		return nil
	}
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", sub.Subject, err)
	}
	return nil
}

// Close drains the connection.
func (b *Bus) Close() error {
	if b.nc == nil {
		return nil
	}
	return b.nc.Drain()
}

func (b *Bus) handle(msg *nats.Msg) {
	var env streaming.Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil || env.Type == "" {
		b.logger.Debug().Str("subject", msg.Subject).Msg("dropping malformed message")
		return
	}
	name, data, err := streaming.DecodeEvent(env)
	if err != nil {
		b.logger.Debug().Err(err).Str("subject", msg.Subject).Msg("dropping undecodable event")
		return
	}
	if b.onEvent != nil {
		b.onEvent(name, data)
	}
}
