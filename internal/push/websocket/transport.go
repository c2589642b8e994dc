// Package websocket is the realtime push transport over a reconnecting
// WebSocket connection.
package websocket

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/geocatch/client/pkg/streaming"
)

// Config holds WebSocket transport configuration.
type Config struct {
	URL       string
	Token     string
	InstallID string
	// Backoff is the first reconnect delay. Defaults to one second.
	Backoff time.Duration
}

// Transport joins and leaves rooms on the realtime server and hands inbound
// events to the configured handler.
type Transport struct {
	conn *connection
	cfg  Config
}

// New creates a WebSocket transport. Call Connect before use.
func New(cfg Config, logger *slog.Logger, onEvent EventHandler) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		conn: newConnection(logger.With("transport", "websocket"), onEvent, cfg.Backoff),
		cfg:  cfg,
	}
}

// Connect dials the server and waits for the hello to be acknowledged.
func (t *Transport) Connect() error {
	if t.cfg.URL == "" {
		return errors.New("websocket URL is empty")
	}
	if err := t.conn.dial(t.cfg.URL, t.cfg.Token); err != nil {
		return err
	}

	hello, err := streaming.Marshal(streaming.TypeHello, streaming.HelloPayload{
		Token:     t.cfg.Token,
		InstallID: t.cfg.InstallID,
	})
	if err != nil {
		return fmt.Errorf("marshal hello: %w", err)
	}

	t.conn.mu.Lock()
	t.conn.hello = hello
	t.conn.mu.Unlock()

	return t.conn.sendAndWait(hello, streaming.TypeHello, ackTimeout)
}

// Close disconnects from the server.
func (t *Transport) Close() error {
	return t.conn.close()
}

// Subscribe joins a topic. The join is queued and replayed after reconnects.
func (t *Transport) Subscribe(topic string) error {
	return t.sendTopic(streaming.TypeJoin, topic, true)
}

// Unsubscribe leaves a topic.
func (t *Transport) Unsubscribe(topic string) error {
	return t.sendTopic(streaming.TypeLeave, topic, false)
}

func (t *Transport) sendTopic(msgType, topic string, join bool) error {
	if topic == "" {
		return errors.New("empty topic")
	}
	data, err := streaming.Marshal(msgType, streaming.TopicPayload{Topic: topic})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msgType, err)
	}

	t.conn.mu.Lock()
	if t.conn.closed {
		t.conn.mu.Unlock()
		return errors.New("websocket transport closed")
	}
	if join {
		t.conn.topics[topic] = struct{}{}
	} else {
		delete(t.conn.topics, topic)
	}
	t.conn.mu.Unlock()

	t.conn.send(data)
	return nil
}

// Topics returns the number of joined topics.
func (t *Transport) Topics() int {
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	return len(t.conn.topics)
}
