// Package service implements the chat lifecycle: message intake on both
// channels, the automated responder and escalation pipeline, and the
// assignment operations agents drive from the dashboard.
package service

import (
	"context"
	"time"

	"supportchat_backend/internal/chat/repository"
	"supportchat_backend/internal/events"
	"supportchat_backend/internal/notifier"
	"supportchat_backend/internal/responder"
	"supportchat_backend/platform/apperr"
	"supportchat_backend/platform/logger"

	"github.com/google/uuid"
)

// Broadcaster fans events out to agent dashboards with at-least-once
// semantics. Implementations never block chat handling on delivery.
type Broadcaster interface {
	Broadcast(ctx context.Context, conversationKey string, event events.Event)
}

// Transport mirrors outbound messages to an external channel and reports the
// provider's message id.
type Transport interface {
	SendText(ctx context.Context, phoneNumber, message string) (string, error)
}

// StaffNotifier pushes best-effort notifications to on-duty staff.
type StaffNotifier interface {
	Notify(ctx context.Context, n notifier.Notification) error
}

// Service coordinates conversations, assignment and broadcasts.
type Service struct {
	store            repository.Store
	dispatcher       Broadcaster
	generator        responder.Generator
	transport        Transport
	notifier         StaffNotifier
	log              *logger.Logger
	responderTimeout time.Duration
	now              func() time.Time
}

// New creates the chat service. Generator, transport and notifier may be
// nil-backed no-ops depending on deployment configuration.
func New(
	store repository.Store,
	dispatcher Broadcaster,
	generator responder.Generator,
	transport Transport,
	staffNotifier StaffNotifier,
	responderTimeout time.Duration,
	log *logger.Logger,
) *Service {
	if responderTimeout <= 0 {
		responderTimeout = 20 * time.Second
	}
	return &Service{
		store:            store,
		dispatcher:       dispatcher,
		generator:        generator,
		transport:        transport,
		notifier:         staffNotifier,
		log:              log,
		responderTimeout: responderTimeout,
		now:              func() time.Time { return time.Now().UTC() },
	}
}

// ListActive returns every open conversation for the dashboard, unclaimed
// first.
func (s *Service) ListActive(ctx context.Context) ([]repository.ConversationWithVisitor, error) {
	return s.store.ListActiveConversations(ctx)
}

// ListMine returns the open conversations owned by the agent.
func (s *Service) ListMine(ctx context.Context, agentID uuid.UUID) ([]repository.ConversationWithVisitor, error) {
	return s.store.ListAssignedConversations(ctx, agentID)
}

// History returns a conversation's messages after the given sequence number.
func (s *Service) History(ctx context.Context, key string, afterSeq int64, limit int) ([]repository.Message, error) {
	conv, err := s.store.FindConversationByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, apperr.NotFound("conversation not found")
	}
	return s.store.ListMessages(ctx, conv.ID, afterSeq, limit)
}

// Transfers returns a conversation's handoff audit trail.
func (s *Service) Transfers(ctx context.Context, key string) ([]repository.ChatTransfer, error) {
	conv, err := s.store.FindConversationByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, apperr.NotFound("conversation not found")
	}
	return s.store.ListTransfers(ctx, conv.ID)
}

// RecordDeliveryStatus stores a provider delivery receipt against the
// message it refers to. Unknown provider ids are ignored; receipts can
// arrive for messages sent before a redeploy wiped the provider's state.
func (s *Service) RecordDeliveryStatus(ctx context.Context, providerMessageID, status string) error {
	matched, err := s.store.UpdateDeliveryStatus(ctx, providerMessageID, status)
	if err != nil {
		return err
	}
	if !matched {
		s.log.Debug("delivery receipt for unknown message", "provider_message_id", providerMessageID)
	}
	return nil
}

// broadcastMessage publishes the standard pair for a newly appended message:
// the message itself plus the conversation headline refresh.
func (s *Service) broadcastMessage(ctx context.Context, conv *repository.Conversation, msg *repository.Message, visitorName string) {
	kind := ""
	if msg.Kind != nil {
		kind = *msg.Kind
	}
	attachment := ""
	if msg.AttachmentRef != nil {
		attachment = *msg.AttachmentRef
	}

	s.dispatcher.Broadcast(ctx, conv.ConvKey, events.MessageReceived{
		BaseEvent:       events.NewBaseEvent(),
		ConversationKey: conv.ConvKey,
		Channel:         conv.Channel,
		MessageID:       msg.ID,
		Origin:          msg.Origin,
		Body:            msg.Body,
		Kind:            kind,
		AttachmentRef:   attachment,
		VisitorName:     visitorName,
		SentAt:          msg.CreatedAt,
	})
	s.broadcastHeadline(ctx, conv)
}

func (s *Service) broadcastHeadline(ctx context.Context, conv *repository.Conversation) {
	s.dispatcher.Broadcast(ctx, conv.ConvKey, events.ChatsUpdated{
		BaseEvent:       events.NewBaseEvent(),
		ConversationKey: conv.ConvKey,
		Channel:         conv.Channel,
		Status:          conv.Status,
		AssignedAgentID: conv.AssignedAgent,
		LastActivity:    conv.LastActivity,
	})
}

func (s *Service) broadcastStatusChange(ctx context.Context, conv *repository.Conversation, oldStatus string) {
	if oldStatus == conv.Status {
		return
	}
	s.dispatcher.Broadcast(ctx, conv.ConvKey, events.ChatStatusChanged{
		BaseEvent:       events.NewBaseEvent(),
		ConversationKey: conv.ConvKey,
		OldStatus:       oldStatus,
		NewStatus:       conv.Status,
	})
}

// mirrorToVisitor forwards an outbound message to the visitor's channel.
// Only WhatsApp conversations have an external transport; failures are
// logged and the provider id is recorded when delivery succeeds.
func (s *Service) mirrorToVisitor(ctx context.Context, conv *repository.Conversation, msg *repository.Message) {
	if s.transport == nil || conv.Channel != "whatsapp" {
		return
	}

	visitor, err := s.store.GetVisitor(ctx, conv.VisitorID)
	if err != nil || visitor.WhatsAppNumber == nil {
		s.log.Warn("cannot mirror message, visitor number unknown",
			"conversation", conv.ConvKey, "error", err)
		return
	}

	providerID, err := s.transport.SendText(ctx, *visitor.WhatsAppNumber, msg.Body)
	if err != nil {
		s.log.Warn("whatsapp mirror failed",
			"conversation", conv.ConvKey, "message_id", msg.ID, "error", err)
		return
	}
	if providerID != "" {
		if err := s.store.SetProviderMessageID(ctx, msg.ID, providerID); err != nil {
			s.log.Warn("failed to record provider message id",
				"message_id", msg.ID, "error", err)
		}
	}
}
