package main

import (
	"fmt"
	"log/slog"

	"github.com/geocatch/client/internal/config"
	"github.com/geocatch/client/internal/push/mqttbus"
	"github.com/geocatch/client/internal/push/natsbus"
	"github.com/geocatch/client/internal/push/websocket"
	"github.com/geocatch/client/internal/session"
	"github.com/rs/zerolog"
)

// pushTransport is a connected transport that can be closed on exit.
type pushTransport interface {
	session.PushTransport
	Close() error
}

// newPushTransport builds the configured transport. Inbound events go to
// onEvent. A "none" transport returns nil.
func newPushTransport(cfg config.PushConfig, token, installID string, logger *slog.Logger, zl zerolog.Logger, onEvent func(string, []byte)) (pushTransport, error) {
	switch cfg.Type {
	case config.PushNone:
		return nil, nil
	case config.PushWebsocket:
		t := websocket.New(websocket.Config{
			URL:       cfg.Websocket.URL,
			Token:     token,
			InstallID: installID,
			Backoff:   cfg.Websocket.Backoff,
		}, logger, onEvent)
		if err := t.Connect(); err != nil {
			return nil, fmt.Errorf("websocket transport: %w", err)
		}
		return t, nil
	case config.PushNATS:
		b, err := natsbus.Connect(cfg.NATS, zl, onEvent)
		if err != nil {
			return nil, err
		}
		return b, nil
	case config.PushMQTT:
		mc := cfg.MQTT
		if mc.ClientID == "" {
			mc.ClientID = "geocatch-" + installID
		}
		b, err := mqttbus.Connect(mc, zl, onEvent)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown push type %q", cfg.Type)
	}
}
