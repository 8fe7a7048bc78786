package repository

import (
	"context"
	"time"

	"supportchat_backend/internal/chat/domain"

	"github.com/google/uuid"
)

// Visitor represents an anonymous-or-identified end user. Created on first
// contact and never deleted; identity fields are only ever improved, never
// blanked.
type Visitor struct {
	ID             uuid.UUID `db:"id"`
	IdentityKey    string    `db:"identity_key"`
	Channel        string    `db:"channel"`
	DisplayName    *string   `db:"display_name"`
	Contact        *string   `db:"contact"`
	WhatsAppNumber *string   `db:"whatsapp_number"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

// Conversation is the central aggregate. Mutated exclusively through the
// assignment operations below, never by ad-hoc field writes.
type Conversation struct {
	ID            uuid.UUID  `db:"id"`
	ConvKey       string     `db:"conv_key"`
	VisitorID     uuid.UUID  `db:"visitor_id"`
	Channel       string     `db:"channel"`
	Status        string     `db:"status"`
	AssignedAgent *uuid.UUID `db:"assigned_agent"`
	AssignedAt    *time.Time `db:"assigned_at"`
	TransferCount int        `db:"transfer_count"`
	LastActivity  time.Time  `db:"last_activity"`
	ClosedAt      *time.Time `db:"closed_at"`
	CloseReason   *string    `db:"close_reason"`
	CreatedAt     time.Time  `db:"created_at"`
}

// Assignment maps the conversation row to the domain transition state.
func (c *Conversation) Assignment() domain.Assignment {
	return domain.Assignment{
		Status:        domain.Status(c.Status),
		AssignedAgent: c.AssignedAgent,
		AssignedAt:    c.AssignedAt,
		TransferCount: c.TransferCount,
		ClosedAt:      c.ClosedAt,
		CloseReason:   c.CloseReason,
	}
}

// ApplyAssignment writes a mutated domain assignment back onto the row.
func (c *Conversation) ApplyAssignment(a domain.Assignment) {
	c.Status = string(a.Status)
	c.AssignedAgent = a.AssignedAgent
	c.AssignedAt = a.AssignedAt
	c.TransferCount = a.TransferCount
	c.ClosedAt = a.ClosedAt
	c.CloseReason = a.CloseReason
}

// ConversationWithVisitor joins the conversation with visitor headline data
// for dashboard listings.
type ConversationWithVisitor struct {
	Conversation
	VisitorName *string `db:"display_name"`
}

// Message origins.
const (
	OriginVisitor = "visitor"
	OriginBot     = "bot"
	OriginAgent   = "agent"
	OriginSystem  = "system"
)

// Structured message kinds.
const (
	KindAssignmentNotice = "assignment_notice"
	KindEscalationPrompt = "escalation_prompt"
	KindTransferNotice   = "transfer_notice"
	KindCloseNotice      = "close_notice"
	KindFarewell         = "farewell"
)

// Message is append-only and immutable once created, except for delivery
// metadata merged in from transport status callbacks.
type Message struct {
	ID                uuid.UUID `db:"id"`
	ConversationID    uuid.UUID `db:"conversation_id"`
	Seq               int64     `db:"seq"`
	Origin            string    `db:"origin"`
	Body              string    `db:"body"`
	Kind              *string   `db:"kind"`
	AttachmentRef     *string   `db:"attachment_ref"`
	ProviderMessageID *string   `db:"provider_message_id"`
	DeliveryStatus    *string   `db:"delivery_status"`
	CreatedAt         time.Time `db:"created_at"`
}

// ChatTransfer is the write-once audit record of an ownership handoff.
type ChatTransfer struct {
	ID             uuid.UUID `db:"id"`
	ConversationID uuid.UUID `db:"conversation_id"`
	FromAgent      uuid.UUID `db:"from_agent"`
	ToAgent        uuid.UUID `db:"to_agent"`
	InitiatedBy    uuid.UUID `db:"initiated_by"`
	Reason         *string   `db:"reason"`
	CreatedAt      time.Time `db:"created_at"`
}

// Escalation prompt statuses.
const (
	PromptStatusSent      = "sent"
	PromptStatusAccepted  = "accepted"
	PromptStatusDeclined  = "declined"
	PromptStatusCancelled = "cancelled"
)

// PromptSenderAuto marks prompts created by the automatic escalation engine.
const PromptSenderAuto = "auto"

// EscalationPrompt is a pending yes/no handoff question posed to the visitor.
type EscalationPrompt struct {
	ID             uuid.UUID  `db:"id"`
	ConversationID uuid.UUID  `db:"conversation_id"`
	Status         string     `db:"status"`
	Reason         *string    `db:"reason"`
	Sender         string     `db:"sender"`
	SentAt         time.Time  `db:"sent_at"`
	ResolvedAt     *time.Time `db:"resolved_at"`
}

// UpsertVisitorParams creates or improves a visitor identity. Empty fields
// never overwrite stored values.
type UpsertVisitorParams struct {
	IdentityKey    string
	Channel        domain.Channel
	DisplayName    string
	Contact        string
	WhatsAppNumber string
}

// CreateConversationParams starts a fresh conversation for a visitor.
type CreateConversationParams struct {
	ConvKey   string
	VisitorID uuid.UUID
	Channel   domain.Channel
}

// AppendMessageParams appends one message and bumps last_activity.
type AppendMessageParams struct {
	ConversationID    uuid.UUID
	Origin            string
	Body              string
	Kind              string
	AttachmentRef     string
	ProviderMessageID string
}

// ClaimParams executes the claim operation atomically.
type ClaimParams struct {
	ConversationKey string
	AgentID         uuid.UUID
	SystemMessage   string
}

// ClaimResult carries the post-claim row and the system message written.
type ClaimResult struct {
	Conversation Conversation
	Message      Message
}

// TransferParams executes the transfer operation atomically. ActorID is the
// caller; the ownership guard compares it against the locked row, which is
// also where the audited outgoing agent comes from.
type TransferParams struct {
	ConversationKey string
	ToAgentID       uuid.UUID
	ActorID         uuid.UUID
	Override        bool
	Reason          string
	SystemMessage   string
}

// TransferResult carries the post-transfer row, audit record and message.
type TransferResult struct {
	Conversation Conversation
	Transfer     ChatTransfer
	Message      Message
}

// UnassignParams executes the unassign operation atomically, cancelling all
// pending escalation prompts in the same transaction.
type UnassignParams struct {
	ConversationKey string
	ActorID         uuid.UUID
	Override        bool
	SystemMessage   string
}

// UnassignResult carries the post-unassign row and cancellation count.
type UnassignResult struct {
	Conversation     Conversation
	Message          Message
	CancelledPrompts int
}

// CloseParams executes the close operation atomically.
type CloseParams struct {
	ConversationKey string
	ActorID         *uuid.UUID
	Reason          string
	SystemMessage   string
	FarewellMessage string
}

// CloseResult carries the closed row and the two messages written.
type CloseResult struct {
	Conversation Conversation
	Message      Message
	Farewell     Message
}

// EscalateParams executes the bot → human transition atomically, optionally
// writing the escalation-prompt message and prompt row in the same
// transaction.
type EscalateParams struct {
	ConversationKey string
	Reason          string
	Sender          string
	PromptBody      string
	CreatePrompt    bool
}

// EscalateResult carries the escalated row. Changed is false when the
// conversation was already escalated (idempotent accept path).
type EscalateResult struct {
	Conversation  Conversation
	PromptMessage *Message
	Prompt        *EscalationPrompt
	Changed       bool
}

// CreatePromptParams writes an agent-initiated escalation prompt plus its
// visitor-facing message atomically. Fails Conflict while another prompt is
// still open.
type CreatePromptParams struct {
	ConversationKey string
	Sender          string
	Reason          string
	PromptBody      string
}

// CreatePromptResult carries the prompt row and its message.
type CreatePromptResult struct {
	Prompt  EscalationPrompt
	Message Message
}

// Store is the persistence contract the chat services depend on. The pgx
// implementation enforces the assignment operations under a row-level lock;
// test doubles enforce them under a mutex via the same domain rules.
type Store interface {
	// Visitors
	UpsertVisitor(ctx context.Context, p UpsertVisitorParams) (*Visitor, error)
	FindVisitorByWhatsApp(ctx context.Context, number string) (*Visitor, error)
	GetVisitor(ctx context.Context, id uuid.UUID) (*Visitor, error)

	// Conversations
	FindConversationByKey(ctx context.Context, key string) (*Conversation, error)
	FindActiveConversationForVisitor(ctx context.Context, visitorID uuid.UUID) (*Conversation, error)
	CreateConversation(ctx context.Context, p CreateConversationParams) (*Conversation, error)
	ListActiveConversations(ctx context.Context) ([]ConversationWithVisitor, error)
	ListAssignedConversations(ctx context.Context, agentID uuid.UUID) ([]ConversationWithVisitor, error)

	// Messages
	AppendMessage(ctx context.Context, p AppendMessageParams) (*Message, error)
	ListMessages(ctx context.Context, conversationID uuid.UUID, afterSeq int64, limit int) ([]Message, error)
	ListRecentMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]Message, error)
	UpdateDeliveryStatus(ctx context.Context, providerMessageID, status string) (bool, error)
	SetProviderMessageID(ctx context.Context, messageID uuid.UUID, providerMessageID string) error

	// Assignment operations (atomic, serialized per conversation row)
	Claim(ctx context.Context, p ClaimParams) (*ClaimResult, error)
	Transfer(ctx context.Context, p TransferParams) (*TransferResult, error)
	Unassign(ctx context.Context, p UnassignParams) (*UnassignResult, error)
	Close(ctx context.Context, p CloseParams) (*CloseResult, error)
	Escalate(ctx context.Context, p EscalateParams) (*EscalateResult, error)

	// Escalation prompts
	CreatePrompt(ctx context.Context, p CreatePromptParams) (*CreatePromptResult, error)
	ResolveLatestPrompt(ctx context.Context, conversationKey, resolution string) (*EscalationPrompt, error)
	CountPromptsByStatus(ctx context.Context, conversationID uuid.UUID, status string) (int, error)

	// Transfer history
	ListTransfers(ctx context.Context, conversationID uuid.UUID) ([]ChatTransfer, error)
}
