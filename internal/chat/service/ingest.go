package service

import (
	"context"
	"fmt"

	"supportchat_backend/internal/chat/domain"
	"supportchat_backend/internal/chat/repository"
	"supportchat_backend/platform/apperr"

	"github.com/google/uuid"
)

// Prompt reply values carried by structured visitor responses.
const (
	PromptReplyAccept  = "accept"
	PromptReplyDecline = "decline"
)

// WebMessageParams is one inbound widget message.
type WebMessageParams struct {
	SessionToken  string
	Body          string
	DisplayName   string
	Contact       string
	AttachmentRef string
	PromptReply   string
}

// WhatsAppMessageParams is one inbound transport webhook message.
type WhatsAppMessageParams struct {
	FromNumber        string
	DisplayName       string
	Body              string
	AttachmentRef     string
	ProviderMessageID string
	PromptReply       string
}

// IngestResult tells the caller where the message landed. ConversationKey
// differs from the submitted token when a closed conversation forced a
// respawn.
type IngestResult struct {
	ConversationKey string
	Conversation    repository.Conversation
	Message         *repository.Message
}

// StartWebSession opens or continues a widget session. A live conversation is
// returned as-is; a closed one respawns under a fresh token for the same
// visitor; an unknown token yields a fresh visitor and session.
func (s *Service) StartWebSession(ctx context.Context, token string) (*IngestResult, error) {
	if token != "" {
		conv, err := s.store.FindConversationByKey(ctx, token)
		if err != nil {
			return nil, err
		}
		if conv != nil {
			if conv.Status != string(domain.StatusClosed) {
				return &IngestResult{ConversationKey: conv.ConvKey, Conversation: *conv}, nil
			}
			fresh, err := s.store.CreateConversation(ctx, repository.CreateConversationParams{
				ConvKey:   uuid.NewString(),
				VisitorID: conv.VisitorID,
				Channel:   domain.ChannelWeb,
			})
			if err != nil {
				return nil, err
			}
			return &IngestResult{ConversationKey: fresh.ConvKey, Conversation: *fresh}, nil
		}
	}

	newToken := uuid.NewString()
	visitor, err := s.store.UpsertVisitor(ctx, repository.UpsertVisitorParams{
		IdentityKey: newToken,
		Channel:     domain.ChannelWeb,
	})
	if err != nil {
		return nil, err
	}
	conv, err := s.store.CreateConversation(ctx, repository.CreateConversationParams{
		ConvKey:   newToken,
		VisitorID: visitor.ID,
		Channel:   domain.ChannelWeb,
	})
	if err != nil {
		return nil, err
	}
	return &IngestResult{ConversationKey: conv.ConvKey, Conversation: *conv}, nil
}

// IngestWebMessage handles one widget message end to end: identity, append,
// broadcast, prompt resolution and the responder pipeline.
func (s *Service) IngestWebMessage(ctx context.Context, p WebMessageParams) (*IngestResult, error) {
	if p.SessionToken == "" {
		return nil, apperr.Validation("session token is required")
	}
	if p.Body == "" && p.AttachmentRef == "" && p.PromptReply == "" {
		return nil, apperr.Validation("message body is required")
	}

	conv, err := s.store.FindConversationByKey(ctx, p.SessionToken)
	if err != nil {
		return nil, err
	}

	// Closed history never mutates; the widget silently gets a fresh session,
	// still owned by the same visitor, and the message lands there.
	if conv == nil || conv.Status == string(domain.StatusClosed) {
		session, err := s.StartWebSession(ctx, p.SessionToken)
		if err != nil {
			return nil, err
		}
		conv = &session.Conversation
	}

	if p.DisplayName != "" || p.Contact != "" {
		visitor, err := s.store.GetVisitor(ctx, conv.VisitorID)
		if err != nil {
			return nil, err
		}
		if _, err := s.store.UpsertVisitor(ctx, repository.UpsertVisitorParams{
			IdentityKey: visitor.IdentityKey,
			Channel:     domain.ChannelWeb,
			DisplayName: p.DisplayName,
			Contact:     p.Contact,
		}); err != nil {
			return nil, err
		}
	}

	return s.ingest(ctx, conv, inboundMessage{
		Body:          p.Body,
		AttachmentRef: p.AttachmentRef,
		PromptReply:   p.PromptReply,
		VisitorName:   p.DisplayName,
	})
}

// IngestWhatsAppMessage handles one inbound transport message. Identity is
// the normalized phone number; a closed conversation spawns a fresh row with
// a derived key so history stays immutable.
func (s *Service) IngestWhatsAppMessage(ctx context.Context, p WhatsAppMessageParams) (*IngestResult, error) {
	if p.FromNumber == "" {
		return nil, apperr.Validation("sender number is required")
	}
	if p.Body == "" && p.AttachmentRef == "" && p.PromptReply == "" {
		return nil, apperr.Validation("message body is required")
	}

	visitor, err := s.store.FindVisitorByWhatsApp(ctx, p.FromNumber)
	if err != nil {
		return nil, err
	}
	if visitor == nil {
		visitor, err = s.store.UpsertVisitor(ctx, repository.UpsertVisitorParams{
			IdentityKey:    p.FromNumber,
			Channel:        domain.ChannelWhatsApp,
			DisplayName:    p.DisplayName,
			WhatsAppNumber: p.FromNumber,
		})
	} else {
		visitor, err = s.store.UpsertVisitor(ctx, repository.UpsertVisitorParams{
			IdentityKey:    visitor.IdentityKey,
			Channel:        domain.ChannelWhatsApp,
			DisplayName:    p.DisplayName,
			WhatsAppNumber: p.FromNumber,
		})
	}
	if err != nil {
		return nil, err
	}

	conv, err := s.store.FindActiveConversationForVisitor(ctx, visitor.ID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		conv, err = s.store.CreateConversation(ctx, repository.CreateConversationParams{
			ConvKey:   fmt.Sprintf("%s@%d", p.FromNumber, s.now().UnixNano()),
			VisitorID: visitor.ID,
			Channel:   domain.ChannelWhatsApp,
		})
		if err != nil {
			return nil, err
		}
	}

	name := p.DisplayName
	if name == "" && visitor.DisplayName != nil {
		name = *visitor.DisplayName
	}

	return s.ingest(ctx, conv, inboundMessage{
		Body:              p.Body,
		AttachmentRef:     p.AttachmentRef,
		ProviderMessageID: p.ProviderMessageID,
		PromptReply:       p.PromptReply,
		VisitorName:       name,
	})
}

type inboundMessage struct {
	Body              string
	AttachmentRef     string
	ProviderMessageID string
	PromptReply       string
	VisitorName       string
}

// ingest is the shared persistence path both channels converge on.
func (s *Service) ingest(ctx context.Context, conv *repository.Conversation, in inboundMessage) (*IngestResult, error) {
	var msg *repository.Message
	if in.Body != "" || in.AttachmentRef != "" {
		var err error
		msg, err = s.store.AppendMessage(ctx, repository.AppendMessageParams{
			ConversationID:    conv.ID,
			Origin:            repository.OriginVisitor,
			Body:              in.Body,
			AttachmentRef:     in.AttachmentRef,
			ProviderMessageID: in.ProviderMessageID,
		})
		if err != nil {
			return nil, err
		}
		conv.LastActivity = msg.CreatedAt
		s.broadcastMessage(ctx, conv, msg, in.VisitorName)
	}

	result := &IngestResult{ConversationKey: conv.ConvKey, Message: msg}

	if in.PromptReply != "" {
		updated, err := s.resolvePromptReply(ctx, conv, in.PromptReply)
		if err != nil {
			return nil, err
		}
		result.Conversation = *updated
		return result, nil
	}

	if conv.Status == string(domain.StatusBot) && in.Body != "" {
		updated := s.respond(ctx, conv, in.Body, msg)
		result.Conversation = *updated
		return result, nil
	}

	result.Conversation = *conv
	return result, nil
}
