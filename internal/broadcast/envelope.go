// Package broadcast fans chat events out to agent dashboards with
// at-least-once delivery. Events travel as envelopes over a Redis channel;
// every API instance's SSE hub subscribes and streams them to its connected
// agents. Failed publishes land in a durable retry queue drained by the
// worker process.
package broadcast

import (
	"encoding/json"
	"fmt"
	"time"

	"supportchat_backend/internal/events"
)

// Envelope is the wire form of one broadcast: the event name, the
// conversation it belongs to and the marshalled event payload.
type Envelope struct {
	Event           string          `json:"event"`
	ConversationKey string          `json:"conversationKey"`
	Payload         json.RawMessage `json:"payload"`
	PublishedAt     time.Time       `json:"publishedAt"`
}

// NewEnvelope wraps a typed event for transport. Marshalling happens once
// here so retries always resend the exact original payload.
func NewEnvelope(conversationKey string, event events.Event) (Envelope, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal broadcast payload: %w", err)
	}
	return Envelope{
		Event:           event.EventName(),
		ConversationKey: conversationKey,
		Payload:         payload,
		PublishedAt:     time.Now().UTC(),
	}, nil
}
