package session

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/geocatch/client/internal/signal"
)

// Push classes handled by the coordinator itself.
const (
	ClassSessionInvalidated signal.Class = "session_invalidated"
	ClassNotification       signal.Class = "notification"
	ClassModeration         signal.Class = "moderation_action"
)

type messagePayload struct {
	Message string `json:"message"`
	Text    string `json:"text"`
	Title   string `json:"title"`
}

func (p messagePayload) text() string {
	switch {
	case p.Message != "":
		return p.Message
	case p.Text != "":
		return p.Text
	default:
		return p.Title
	}
}

// registerHandlers adds the default handlers unless the caller already
// registered its own.
func (c *Coordinator) registerHandlers() {
	defaults := map[signal.Class]signal.HandlerFunc{
		ClassSessionInvalidated: c.onSessionInvalidated,
		ClassNotification:       c.onNotification,
		ClassModeration:         c.onNotification,
	}
	for class, h := range defaults {
		if !c.router.HasHandler(class) {
			c.router.Register(class, h, signal.Logged())
		}
	}
}

func (c *Coordinator) onSessionInvalidated(e signal.Event) error {
	if c.state != Active {
		return nil
	}
	var p messagePayload
	_ = json.Unmarshal(e.Payload, &p)

	msg := p.text()
	if msg == "" {
		msg = MsgSessionExpired
	}
	c.presenter.ShowMessage(msg)
	c.onEnd(endRequest{reason: "invalidated"})
	return nil
}

func (c *Coordinator) onNotification(e signal.Event) error {
	var p messagePayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return fmt.Errorf("decoding %s payload: %w", e.Name, err)
	}
	msg := p.text()
	if msg == "" {
		return errors.New("notification without text")
	}
	c.presenter.ShowMessage(msg)
	return nil
}
