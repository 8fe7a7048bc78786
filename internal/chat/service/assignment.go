package service

import (
	"context"

	"supportchat_backend/internal/chat/domain"
	"supportchat_backend/internal/chat/repository"
	"supportchat_backend/internal/events"
	"supportchat_backend/platform/apperr"

	"github.com/google/uuid"
)

const (
	claimedNotice    = "Een medewerker heeft het gesprek overgenomen. / An agent has joined the conversation."
	transferNotice   = "Het gesprek is overgedragen aan een andere medewerker. / The conversation was handed to another agent."
	unassignedNotice = "Het gesprek staat weer in de wachtrij voor een medewerker. / The conversation is back in the queue for an agent."
	closedNotice     = "Het gesprek is afgesloten. / The conversation has been closed."
	farewellBody     = "Bedankt voor je bericht. Start gerust een nieuw gesprek als je nog vragen hebt. / Thanks for reaching out. Feel free to start a new conversation if you have more questions."
)

// Claim assigns an unowned escalated conversation to the calling agent.
func (s *Service) Claim(ctx context.Context, key string, agentID uuid.UUID) (*repository.Conversation, error) {
	result, err := s.store.Claim(ctx, repository.ClaimParams{
		ConversationKey: key,
		AgentID:         agentID,
		SystemMessage:   claimedNotice,
	})
	if err != nil {
		return nil, err
	}
	conv := &result.Conversation

	s.broadcastMessage(ctx, conv, &result.Message, "")
	s.mirrorToVisitor(ctx, conv, &result.Message)
	s.broadcastStatusChange(ctx, conv, string(domain.StatusHuman))
	s.dispatcher.Broadcast(ctx, conv.ConvKey, events.ChatAssigned{
		BaseEvent:       events.NewBaseEvent(),
		ConversationKey: conv.ConvKey,
		AgentID:         agentID,
		AssignedAt:      *conv.AssignedAt,
	})
	return conv, nil
}

// Transfer hands ownership to another agent. Non-owners need override; the
// guard runs against the locked row inside the store.
func (s *Service) Transfer(ctx context.Context, key string, actorID, toAgentID uuid.UUID, override bool, reason string) (*repository.Conversation, error) {
	result, err := s.store.Transfer(ctx, repository.TransferParams{
		ConversationKey: key,
		ToAgentID:       toAgentID,
		ActorID:         actorID,
		Override:        override,
		Reason:          reason,
		SystemMessage:   transferNotice,
	})
	if err != nil {
		return nil, err
	}
	conv := &result.Conversation

	s.broadcastMessage(ctx, conv, &result.Message, "")
	s.dispatcher.Broadcast(ctx, conv.ConvKey, events.ChatTransferred{
		BaseEvent:       events.NewBaseEvent(),
		ConversationKey: conv.ConvKey,
		FromAgentID:     result.Transfer.FromAgent,
		ToAgentID:       result.Transfer.ToAgent,
		Reason:          reason,
		TransferCount:   conv.TransferCount,
	})
	return conv, nil
}

// Unassign releases an owned conversation back to the queue. Supervisor
// override is enforced in the domain rules; pending prompts are cancelled in
// the same transaction.
func (s *Service) Unassign(ctx context.Context, key string, actorID uuid.UUID, override bool) (*repository.Conversation, error) {
	result, err := s.store.Unassign(ctx, repository.UnassignParams{
		ConversationKey: key,
		ActorID:         actorID,
		Override:        override,
		SystemMessage:   unassignedNotice,
	})
	if err != nil {
		return nil, err
	}
	conv := &result.Conversation

	s.broadcastMessage(ctx, conv, &result.Message, "")
	s.broadcastStatusChange(ctx, conv, string(domain.StatusInProgress))
	s.dispatcher.Broadcast(ctx, conv.ConvKey, events.ChatUnassigned{
		BaseEvent:       events.NewBaseEvent(),
		ConversationKey: conv.ConvKey,
		ActorID:         actorID,
		NeedsAssignment: true,
	})
	return conv, nil
}

// CloseChat ends the conversation from any live status. A close that loses
// the race to another closer reports InvalidState; callers may treat that as
// success since the effect already holds.
func (s *Service) CloseChat(ctx context.Context, key string, actorID *uuid.UUID, reason string) (*repository.Conversation, error) {
	current, err := s.store.FindConversationByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, apperr.NotFound("conversation not found")
	}
	oldStatus := current.Status

	result, err := s.store.Close(ctx, repository.CloseParams{
		ConversationKey: key,
		ActorID:         actorID,
		Reason:          reason,
		SystemMessage:   closedNotice,
		FarewellMessage: farewellBody,
	})
	if err != nil {
		return nil, err
	}
	conv := &result.Conversation

	s.broadcastMessage(ctx, conv, &result.Message, "")
	s.broadcastMessage(ctx, conv, &result.Farewell, "")
	s.mirrorToVisitor(ctx, conv, &result.Farewell)
	s.broadcastStatusChange(ctx, conv, oldStatus)
	s.dispatcher.Broadcast(ctx, conv.ConvKey, events.ChatEnded{
		BaseEvent:       events.NewBaseEvent(),
		ConversationKey: conv.ConvKey,
		ActorID:         actorID,
		Reason:          reason,
		Remove:          true,
	})
	return conv, nil
}

// SendAgentMessage appends an agent reply. Only the current owner may write,
// and only while the conversation is in progress.
func (s *Service) SendAgentMessage(ctx context.Context, key string, agentID uuid.UUID, body, attachmentRef string) (*repository.Message, error) {
	if body == "" && attachmentRef == "" {
		return nil, apperr.Validation("message body is required")
	}

	conv, err := s.store.FindConversationByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, apperr.NotFound("conversation not found")
	}
	if conv.Status != string(domain.StatusInProgress) {
		return nil, apperr.InvalidState("conversation is not in progress")
	}
	if conv.AssignedAgent == nil || *conv.AssignedAgent != agentID {
		return nil, apperr.Forbidden("conversation is owned by another agent")
	}

	msg, err := s.store.AppendMessage(ctx, repository.AppendMessageParams{
		ConversationID: conv.ID,
		Origin:         repository.OriginAgent,
		Body:           body,
		AttachmentRef:  attachmentRef,
	})
	if err != nil {
		return nil, err
	}
	conv.LastActivity = msg.CreatedAt

	s.broadcastMessage(ctx, conv, msg, "")
	s.mirrorToVisitor(ctx, conv, msg)
	return msg, nil
}
