package transport

import (
	"time"

	"supportchat_backend/internal/chat/repository"

	"github.com/google/uuid"
)

// StartSessionRequest is the request body for opening a widget session.
// A returning visitor sends its previous session token; new visitors send
// an empty body.
type StartSessionRequest struct {
	SessionToken string `json:"sessionToken,omitempty" validate:"omitempty,max=128"`
}

// WidgetMessageRequest is the request body for a visitor message from the
// web widget. PromptReply is set when the message answers a pending
// escalation prompt instead of carrying text.
type WidgetMessageRequest struct {
	SessionToken  string `json:"sessionToken" validate:"required,max=128"`
	Body          string `json:"body,omitempty" validate:"max=4000"`
	DisplayName   string `json:"displayName,omitempty" validate:"max=200"`
	Contact       string `json:"contact,omitempty" validate:"max=320"`
	AttachmentRef string `json:"attachmentRef,omitempty" validate:"max=500"`
	PromptReply   string `json:"promptReply,omitempty" validate:"omitempty,oneof=accept decline"`
}

// AgentMessageRequest is the request body for an agent reply.
type AgentMessageRequest struct {
	Body          string `json:"body" validate:"required_without=AttachmentRef,max=4000"`
	AttachmentRef string `json:"attachmentRef,omitempty" validate:"max=500"`
}

// TransferRequest is the request body for handing a conversation to another agent.
type TransferRequest struct {
	ToAgentID uuid.UUID `json:"toAgentId" validate:"required"`
	Reason    string    `json:"reason,omitempty" validate:"max=500"`
}

// CloseRequest is the request body for closing a conversation.
type CloseRequest struct {
	Reason string `json:"reason,omitempty" validate:"max=500"`
}

// OfferHandoffRequest is the request body for offering a human takeover to a
// visitor still talking to the bot.
type OfferHandoffRequest struct {
	Reason string `json:"reason,omitempty" validate:"max=500"`
}

// HistoryRequest is the query parameters for fetching conversation messages.
type HistoryRequest struct {
	After int64 `form:"after" validate:"min=0"`
	Limit int   `form:"limit" validate:"min=0,max=500"`
}

// SessionResponse is the response body for a widget session.
type SessionResponse struct {
	SessionToken string            `json:"sessionToken"`
	Status       string            `json:"status"`
	Messages     []MessageResponse `json:"messages"`
}

// MessageResponse is the response body for a single message.
type MessageResponse struct {
	ID            uuid.UUID `json:"id"`
	Seq           int64     `json:"seq"`
	Origin        string    `json:"origin"`
	Body          string    `json:"body"`
	Kind          *string   `json:"kind,omitempty"`
	AttachmentRef *string   `json:"attachmentRef,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// ConversationResponse is the response body for a conversation summary.
type ConversationResponse struct {
	ConversationKey string     `json:"conversationKey"`
	Channel         string     `json:"channel"`
	Status          string     `json:"status"`
	VisitorName     *string    `json:"visitorName,omitempty"`
	AssignedAgent   *uuid.UUID `json:"assignedAgent,omitempty"`
	AssignedAt      *time.Time `json:"assignedAt,omitempty"`
	TransferCount   int        `json:"transferCount"`
	LastActivity    time.Time  `json:"lastActivity"`
	CreatedAt       time.Time  `json:"createdAt"`
}

// TransferRecordResponse is the response body for a transfer audit record.
type TransferRecordResponse struct {
	ID          uuid.UUID `json:"id"`
	FromAgent   uuid.UUID `json:"fromAgent"`
	ToAgent     uuid.UUID `json:"toAgent"`
	InitiatedBy uuid.UUID `json:"initiatedBy"`
	Reason      *string   `json:"reason,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// PromptResponse is the response body for an escalation prompt.
type PromptResponse struct {
	ID     uuid.UUID `json:"id"`
	Status string    `json:"status"`
	Reason *string   `json:"reason,omitempty"`
	Sender string    `json:"sender"`
	SentAt time.Time `json:"sentAt"`
}

// NewMessageResponse maps a stored message to its response form.
func NewMessageResponse(m repository.Message) MessageResponse {
	return MessageResponse{
		ID:            m.ID,
		Seq:           m.Seq,
		Origin:        m.Origin,
		Body:          m.Body,
		Kind:          m.Kind,
		AttachmentRef: m.AttachmentRef,
		CreatedAt:     m.CreatedAt,
	}
}

// NewMessageResponses maps a slice of stored messages.
func NewMessageResponses(messages []repository.Message) []MessageResponse {
	out := make([]MessageResponse, 0, len(messages))
	for _, m := range messages {
		out = append(out, NewMessageResponse(m))
	}
	return out
}

// NewConversationResponse maps a conversation with visitor info to its
// response form.
func NewConversationResponse(c repository.ConversationWithVisitor) ConversationResponse {
	return ConversationResponse{
		ConversationKey: c.ConvKey,
		Channel:         c.Channel,
		Status:          c.Status,
		VisitorName:     c.VisitorName,
		AssignedAgent:   c.AssignedAgent,
		AssignedAt:      c.AssignedAt,
		TransferCount:   c.TransferCount,
		LastActivity:    c.LastActivity,
		CreatedAt:       c.CreatedAt,
	}
}

// NewConversationResponses maps a slice of conversations.
func NewConversationResponses(items []repository.ConversationWithVisitor) []ConversationResponse {
	out := make([]ConversationResponse, 0, len(items))
	for _, c := range items {
		out = append(out, NewConversationResponse(c))
	}
	return out
}

// NewTransferRecordResponses maps transfer audit records.
func NewTransferRecordResponses(items []repository.ChatTransfer) []TransferRecordResponse {
	out := make([]TransferRecordResponse, 0, len(items))
	for _, t := range items {
		out = append(out, TransferRecordResponse{
			ID:          t.ID,
			FromAgent:   t.FromAgent,
			ToAgent:     t.ToAgent,
			InitiatedBy: t.InitiatedBy,
			Reason:      t.Reason,
			CreatedAt:   t.CreatedAt,
		})
	}
	return out
}

// NewPromptResponse maps an escalation prompt.
func NewPromptResponse(p repository.EscalationPrompt) PromptResponse {
	return PromptResponse{
		ID:     p.ID,
		Status: p.Status,
		Reason: p.Reason,
		Sender: p.Sender,
		SentAt: p.SentAt,
	}
}
