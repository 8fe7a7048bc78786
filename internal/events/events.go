// Package events provides domain event definitions for decoupled,
// event-driven communication between modules. These are also the broadcast
// schema consumed by agent dashboards: each variant carries its full payload
// so subscribers never need a follow-up fetch, and no variant exposes visitor
// contact data beyond the fields defined here.
// The base Event contract lives in platform/events.
package events

import (
	"time"

	"supportchat_backend/platform/events"

	"github.com/google/uuid"
)

// Re-export platform types for convenience
type (
	Event     = events.Event
	BaseEvent = events.BaseEvent
)

// Re-export platform functions
var NewBaseEvent = events.NewBaseEvent

// Broadcast event names. These identify the variant on the wire; the SSE hub
// uses them as the event field of the stream.
const (
	NameMessageReceived   = "message.received"
	NameChatsUpdated      = "chats.updated"
	NameChatEscalated     = "chat.escalated"
	NameChatAssigned      = "chat.assigned"
	NameChatTransferred   = "chat.transferred"
	NameChatUnassigned    = "chat.unassigned"
	NameChatStatusChanged = "chat.status.changed"
	NameChatEnded         = "chat.ended"
)

// MessageReceived is published whenever a message is appended to a
// conversation, whatever its origin.
type MessageReceived struct {
	BaseEvent
	ConversationKey string    `json:"conversationKey"`
	Channel         string    `json:"channel"`
	MessageID       uuid.UUID `json:"messageId"`
	Origin          string    `json:"origin"`
	Body            string    `json:"body"`
	Kind            string    `json:"kind,omitempty"`
	AttachmentRef   string    `json:"attachmentRef,omitempty"`
	VisitorName     string    `json:"visitorName,omitempty"`
	SentAt          time.Time `json:"sentAt"`
}

func (e MessageReceived) EventName() string { return NameMessageReceived }

// ChatsUpdated is the generic dashboard refresh event carrying the
// conversation's current headline state.
type ChatsUpdated struct {
	BaseEvent
	ConversationKey string     `json:"conversationKey"`
	Channel         string     `json:"channel"`
	Status          string     `json:"status"`
	AssignedAgentID *uuid.UUID `json:"assignedAgentId,omitempty"`
	LastActivity    time.Time  `json:"lastActivity"`
}

func (e ChatsUpdated) EventName() string { return NameChatsUpdated }

// ChatEscalated is published when a conversation leaves the automated
// responder and waits for a human agent.
type ChatEscalated struct {
	BaseEvent
	ConversationKey string `json:"conversationKey"`
	Channel         string `json:"channel"`
	Reason          string `json:"reason"`
	NeedsAssignment bool   `json:"needsAssignment"`
}

func (e ChatEscalated) EventName() string { return NameChatEscalated }

// ChatAssigned is published when an agent claims a conversation.
type ChatAssigned struct {
	BaseEvent
	ConversationKey string    `json:"conversationKey"`
	AgentID         uuid.UUID `json:"agentId"`
	AssignedAt      time.Time `json:"assignedAt"`
}

func (e ChatAssigned) EventName() string { return NameChatAssigned }

// ChatTransferred is published when ownership moves between agents. It is
// directed at both the outgoing and incoming agent's dashboards plus the
// global scope.
type ChatTransferred struct {
	BaseEvent
	ConversationKey string    `json:"conversationKey"`
	FromAgentID     uuid.UUID `json:"fromAgentId"`
	ToAgentID       uuid.UUID `json:"toAgentId"`
	Reason          string    `json:"reason,omitempty"`
	TransferCount   int       `json:"transferCount"`
}

func (e ChatTransferred) EventName() string { return NameChatTransferred }

// ChatUnassigned is published when a supervisor releases a conversation back
// to the unclaimed pool.
type ChatUnassigned struct {
	BaseEvent
	ConversationKey string    `json:"conversationKey"`
	ActorID         uuid.UUID `json:"actorId"`
	NeedsAssignment bool      `json:"needsAssignment"`
}

func (e ChatUnassigned) EventName() string { return NameChatUnassigned }

// ChatStatusChanged is published on every lifecycle transition.
type ChatStatusChanged struct {
	BaseEvent
	ConversationKey string `json:"conversationKey"`
	OldStatus       string `json:"oldStatus"`
	NewStatus       string `json:"newStatus"`
}

func (e ChatStatusChanged) EventName() string { return NameChatStatusChanged }

// ChatEnded is published when a conversation closes; dashboards remove the
// conversation from their active lists.
type ChatEnded struct {
	BaseEvent
	ConversationKey string     `json:"conversationKey"`
	ActorID         *uuid.UUID `json:"actorId,omitempty"`
	Reason          string     `json:"reason,omitempty"`
	Remove          bool       `json:"remove"`
}

func (e ChatEnded) EventName() string { return NameChatEnded }
