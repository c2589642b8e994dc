package natsbus

import (
	"encoding/json"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geocatch/client/internal/session"
	"github.com/geocatch/client/pkg/streaming"
)

var _ session.PushTransport = (*Bus)(nil)

func TestSubject(t *testing.T) {
	tests := []struct {
		topic string
		want  string
	}{
		{"partner:P1", "geocatch.rooms.partner.P1"},
		{"session:abc-123", "geocatch.rooms.session.abc-123"},
		{"partner:a.b*c>d e", "geocatch.rooms.partner.a_b_c_d_e"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Subject("geocatch.rooms", tt.topic), tt.topic)
	}
}

func TestHandleDecodesEnvelopes(t *testing.T) {
	var names []string
	var payloads []string
	b := newBus(Config{}, zerolog.Nop(), func(name string, payload []byte) {
		names = append(names, name)
		payloads = append(payloads, string(payload))
	})

	ev, err := streaming.Marshal(streaming.TypeEvent, streaming.EventPayload{
		Name: "partner_opened",
		Data: json.RawMessage(`{"id":"P1"}`),
	})
	require.NoError(t, err)

	b.handle(&nats.Msg{Subject: "geocatch.rooms.partner.P1", Data: ev})
	b.handle(&nats.Msg{Subject: "geocatch.rooms.session.S1", Data: []byte(`{"type":"session_invalidated"}`)})
	b.handle(&nats.Msg{Subject: "geocatch.rooms.session.S1", Data: []byte(`garbage`)})

	assert.Equal(t, []string{"partner_opened", "session_invalidated"}, names)
	assert.JSONEq(t, `{"id":"P1"}`, payloads[0])
}

func TestSubscribeRequiresConnection(t *testing.T) {
	b := newBus(Config{}, zerolog.Nop(), nil)
	assert.Error(t, b.Subscribe("partner:P1"))
	assert.Error(t, b.Subscribe(""))
	assert.NoError(t, b.Unsubscribe("partner:P1"))
	assert.NoError(t, b.Close())
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, nats.DefaultURL, cfg.URL)
	assert.Equal(t, "geocatch.rooms", cfg.Prefix)
	assert.Equal(t, -1, cfg.MaxReconnects)
}
