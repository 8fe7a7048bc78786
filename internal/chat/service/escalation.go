package service

import (
	"context"

	"supportchat_backend/internal/chat/repository"
	"supportchat_backend/internal/events"
	"supportchat_backend/internal/notifier"
	"supportchat_backend/internal/responder"

	"github.com/google/uuid"
)

const (
	// fallbackReply covers responder outages; the visitor turn never ends
	// without a message.
	fallbackReply = "Sorry, ik kan je vraag nu niet beantwoorden. Probeer het zo nog eens, of vraag om een medewerker. / Sorry, I can't answer that right now. Please try again shortly, or ask for a human agent."

	escalationPromptBody = "Ik verbind je door met een medewerker. Wil je dat? Antwoord met ja of nee. / I'd like to connect you with a human agent. Is that okay? Reply yes or no."

	handoffPromptBody = "Onze medewerker biedt aan om het gesprek over te nemen. Wil je dat? / Our agent is offering to take over this conversation. Would you like that?"

	responderHistoryWindow = 20
)

// respond runs the automated responder for one visitor message and applies
// its escalation decision. It only runs while the bot owns the conversation
// and always returns the freshest conversation row it knows.
func (s *Service) respond(ctx context.Context, conv *repository.Conversation, message string, trigger *repository.Message) *repository.Conversation {
	result := s.generate(ctx, conv, message)

	if !result.NeedsEscalation {
		reply, err := s.store.AppendMessage(ctx, repository.AppendMessageParams{
			ConversationID: conv.ID,
			Origin:         repository.OriginBot,
			Body:           result.Reply,
		})
		if err != nil {
			s.log.Error("failed to append bot reply", "conversation", conv.ConvKey, "error", err)
			return conv
		}
		s.broadcastMessage(ctx, conv, reply, "")
		s.mirrorToVisitor(ctx, conv, reply)
		return conv
	}

	reason := result.Reason
	if reason == "" {
		reason = responder.ReasonMissingKnowledge
	}
	return s.escalate(ctx, conv, reason, trigger)
}

// generate calls the responder collaborator under its timeout. Any failure
// degrades to a generic reply without escalating.
func (s *Service) generate(ctx context.Context, conv *repository.Conversation, message string) responder.Result {
	if s.generator == nil {
		return responder.Result{Reply: fallbackReply}
	}

	history, err := s.store.ListRecentMessages(ctx, conv.ID, responderHistoryWindow)
	if err != nil {
		s.log.Warn("failed to load responder history", "conversation", conv.ConvKey, "error", err)
	}
	turns := make([]responder.Turn, 0, len(history))
	for _, m := range history {
		if m.Origin == repository.OriginSystem {
			continue
		}
		turns = append(turns, responder.Turn{Origin: m.Origin, Body: m.Body})
	}

	genCtx, cancel := context.WithTimeout(ctx, s.responderTimeout)
	defer cancel()

	result, err := s.generator.Generate(genCtx, turns, message)
	if err != nil {
		s.log.Warn("responder failed, sending fallback reply",
			"conversation", conv.ConvKey, "error", err)
		return responder.Result{Reply: fallbackReply}
	}
	return *result
}

// escalate performs the bot → human handoff: prompt message, prompt row and
// transition in one transaction, then staff notification and broadcasts.
func (s *Service) escalate(ctx context.Context, conv *repository.Conversation, reason string, trigger *repository.Message) *repository.Conversation {
	oldStatus := conv.Status

	result, err := s.store.Escalate(ctx, repository.EscalateParams{
		ConversationKey: conv.ConvKey,
		Reason:          reason,
		Sender:          repository.PromptSenderAuto,
		PromptBody:      escalationPromptBody,
		CreatePrompt:    true,
	})
	if err != nil {
		s.log.Error("escalation failed", "conversation", conv.ConvKey, "error", err)
		return conv
	}
	if !result.Changed {
		return &result.Conversation
	}
	conv = &result.Conversation

	if result.PromptMessage != nil {
		s.broadcastMessage(ctx, conv, result.PromptMessage, "")
		s.mirrorToVisitor(ctx, conv, result.PromptMessage)
	}
	s.broadcastStatusChange(ctx, conv, oldStatus)
	s.dispatcher.Broadcast(ctx, conv.ConvKey, events.ChatEscalated{
		BaseEvent:       events.NewBaseEvent(),
		ConversationKey: conv.ConvKey,
		Channel:         conv.Channel,
		Reason:          reason,
		NeedsAssignment: true,
	})

	s.notifyStaff(ctx, conv, reason, trigger)
	return conv
}

func (s *Service) notifyStaff(ctx context.Context, conv *repository.Conversation, reason string, trigger *repository.Message) {
	if s.notifier == nil {
		return
	}

	idempotencyKey := conv.ConvKey
	if trigger != nil {
		idempotencyKey = trigger.ID.String()
	}
	_ = s.notifier.Notify(ctx, notifier.Notification{
		Title:           "Chat wacht op een medewerker",
		Body:            "Reden: " + reason,
		ConversationKey: conv.ConvKey,
		IdempotencyKey:  idempotencyKey,
	})
}

// resolvePromptReply applies a structured accept or decline to the newest
// open prompt. Accept escalates idempotently even when no prompt row exists;
// decline only records the answer and the bot keeps the conversation.
func (s *Service) resolvePromptReply(ctx context.Context, conv *repository.Conversation, reply string) (*repository.Conversation, error) {
	resolution := repository.PromptStatusDeclined
	if reply == PromptReplyAccept {
		resolution = repository.PromptStatusAccepted
	}

	prompt, err := s.store.ResolveLatestPrompt(ctx, conv.ConvKey, resolution)
	if err != nil {
		return nil, err
	}

	if reply != PromptReplyAccept {
		return conv, nil
	}

	reason := responder.ReasonVisitorRequest
	if prompt != nil && prompt.Reason != nil {
		reason = *prompt.Reason
	}

	oldStatus := conv.Status
	result, err := s.store.Escalate(ctx, repository.EscalateParams{
		ConversationKey: conv.ConvKey,
		Reason:          reason,
	})
	if err != nil {
		return nil, err
	}
	conv = &result.Conversation
	if result.Changed {
		s.broadcastStatusChange(ctx, conv, oldStatus)
		s.broadcastHeadline(ctx, conv)
		s.dispatcher.Broadcast(ctx, conv.ConvKey, events.ChatEscalated{
			BaseEvent:       events.NewBaseEvent(),
			ConversationKey: conv.ConvKey,
			Channel:         conv.Channel,
			Reason:          reason,
			NeedsAssignment: true,
		})
		s.notifyStaff(ctx, conv, reason, nil)
	}
	return conv, nil
}

// OfferHandoff creates an agent-initiated escalation prompt while the bot
// still owns the conversation. Blocked while another prompt is open.
func (s *Service) OfferHandoff(ctx context.Context, key string, agentID uuid.UUID, reason string) (*repository.EscalationPrompt, error) {
	result, err := s.store.CreatePrompt(ctx, repository.CreatePromptParams{
		ConversationKey: key,
		Sender:          agentID.String(),
		Reason:          reason,
		PromptBody:      handoffPromptBody,
	})
	if err != nil {
		return nil, err
	}

	conv, err := s.store.FindConversationByKey(ctx, key)
	if err == nil && conv != nil {
		s.broadcastMessage(ctx, conv, &result.Message, "")
		s.mirrorToVisitor(ctx, conv, &result.Message)
	}
	return &result.Prompt, nil
}
