// Package mqttbus is the realtime push transport over an MQTT broker.
package mqttbus

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/geocatch/client/pkg/streaming"
)

// EventHandler receives inbound push events.
type EventHandler func(name string, payload []byte)

// Config holds MQTT transport configuration.
type Config struct {
	Broker   string // e.g. "tcp://localhost:1883"
	ClientID string
	Username string
	Password string
	Prefix   string // topic prefix, e.g. "geocatch/rooms"
	QoS      byte
	Timeout  time.Duration
}

const defaultPrefix = "geocatch/rooms"

// DefaultConfig returns default MQTT transport configuration.
func DefaultConfig() Config {
	return Config{
		Broker:  "tcp://localhost:1883",
		Prefix:  defaultPrefix,
		QoS:     1,
		Timeout: 10 * time.Second,
	}
}

var topicReplacer = strings.NewReplacer("/", "_", "+", "_", "#", "_", ":", "/")

// Topic maps a room topic such as "partner:P1" to "<prefix>/partner/P1".
// MQTT wildcards inside ids are replaced.
func Topic(prefix, topic string) string {
	return prefix + "/" + topicReplacer.Replace(topic)
}

// Bus joins rooms by subscribing to their MQTT topics.
type Bus struct {
	client  mqtt.Client
	cfg     Config
	onEvent EventHandler
	logger  zerolog.Logger

	mu     sync.Mutex
	topics map[string]struct{}
}

func newBus(cfg Config, logger zerolog.Logger, onEvent EventHandler) *Bus {
	if cfg.Prefix == "" {
		cfg.Prefix = defaultPrefix
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Bus{
		cfg:     cfg,
		onEvent: onEvent,
		logger:  logger.With().Str("transport", "mqtt").Logger(),
		topics:  make(map[string]struct{}),
	}
}

// Connect connects to the broker. Joined rooms are resubscribed on every
// reconnect since the session is clean.
func Connect(cfg Config, logger zerolog.Logger, onEvent EventHandler) (*Bus, error) {
	b := newBus(cfg, logger, onEvent)

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectTimeout(b.cfg.Timeout).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			b.logger.Warn().Err(err).Msg("MQTT connection lost")
		}).
		SetOnConnectHandler(func(c mqtt.Client) {
			b.resubscribe(c)
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := mqtt.NewClient(opts)
	b.client = client

	token := client.Connect()
	if !token.WaitTimeout(b.cfg.Timeout) {
		return nil, fmt.Errorf("connect to MQTT broker %s: timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to MQTT broker %s: %w", cfg.Broker, err)
	}
	return b, nil
}

// Subscribe joins a room. It returns before the broker acknowledges; a
// failed subscription is logged.
func (b *Bus) Subscribe(topic string) error {
	if topic == "" {
		return errors.New("empty topic")
	}
	if b.client == nil {
		return errors.New("mqtt bus not connected")
	}

	b.mu.Lock()
	b.topics[topic] = struct{}{}
	b.mu.Unlock()

	b.await("subscribe", topic, b.client.Subscribe(Topic(b.cfg.Prefix, topic), b.cfg.QoS, b.handle))
	return nil
}

// Unsubscribe leaves a room.
func (b *Bus) Unsubscribe(topic string) error {
	if b.client == nil {
		return errors.New("mqtt bus not connected")
	}

	b.mu.Lock()
	delete(b.topics, topic)
	b.mu.Unlock()

	b.await("unsubscribe", topic, b.client.Unsubscribe(Topic(b.cfg.Prefix, topic)))
	return nil
}

// Close disconnects, waiting up to 250ms for in-flight work.
func (b *Bus) Close() error {
	if b.client != nil {
		b.client.Disconnect(250)
	}
	return nil
}

func (b *Bus) await(op, topic string, token mqtt.Token) {
	go func() {
		if !token.WaitTimeout(b.cfg.Timeout) {
			b.logger.Warn().Str("op", op).Str("topic", topic).Msg("MQTT request timed out")
			return
		}
		if err := token.Error(); err != nil {
			b.logger.Warn().Err(err).Str("op", op).Str("topic", topic).Msg("MQTT request failed")
		}
	}()
}

func (b *Bus) resubscribe(c mqtt.Client) {
	b.mu.Lock()
	filters := make(map[string]byte, len(b.topics))
	for topic := range b.topics {
		filters[Topic(b.cfg.Prefix, topic)] = b.cfg.QoS
	}
	b.mu.Unlock()

	b.logger.Info().Int("topics", len(filters)).Msg("MQTT connected")
	if len(filters) > 0 {
		b.await("resubscribe", "*", c.SubscribeMultiple(filters, b.handle))
	}
}

func (b *Bus) handle(_ mqtt.Client, msg mqtt.Message) {
	var env streaming.Envelope
	if err := json.Unmarshal(msg.Payload(), &env); err != nil || env.Type == "" {
		b.logger.Debug().Str("topic", msg.Topic()).Msg("dropping malformed message")
		return
	}
	name, data, err := streaming.DecodeEvent(env)
	if err != nil {
		b.logger.Debug().Err(err).Str("topic", msg.Topic()).Msg("dropping undecodable event")
		return
	}
	if b.onEvent != nil {
		b.onEvent(name, data)
	}
}
