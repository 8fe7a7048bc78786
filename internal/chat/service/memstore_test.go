package service

import (
	"context"
	"sync"
	"time"

	"supportchat_backend/internal/chat/domain"
	"supportchat_backend/internal/chat/repository"
	"supportchat_backend/platform/apperr"

	"github.com/google/uuid"
)

// memStore implements repository.Store in memory. The assignment operations
// run the same domain transition functions as the pgx repository, serialized
// by a mutex instead of a row lock.
type memStore struct {
	mu            sync.Mutex
	visitors      map[uuid.UUID]*repository.Visitor
	visitorKeys   map[string]uuid.UUID
	conversations map[string]*repository.Conversation
	messages      map[uuid.UUID][]repository.Message
	transfers     map[uuid.UUID][]repository.ChatTransfer
	prompts       map[uuid.UUID][]*repository.EscalationPrompt
	seq           int64
}

func newMemStore() *memStore {
	return &memStore{
		visitors:      make(map[uuid.UUID]*repository.Visitor),
		visitorKeys:   make(map[string]uuid.UUID),
		conversations: make(map[string]*repository.Conversation),
		messages:      make(map[uuid.UUID][]repository.Message),
		transfers:     make(map[uuid.UUID][]repository.ChatTransfer),
		prompts:       make(map[uuid.UUID][]*repository.EscalationPrompt),
	}
}

var _ repository.Store = (*memStore)(nil)

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (m *memStore) UpsertVisitor(ctx context.Context, p repository.UpsertVisitorParams) (*repository.Visitor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.visitorKeys[p.IdentityKey]; ok {
		v := m.visitors[id]
		if p.DisplayName != "" {
			v.DisplayName = strPtr(p.DisplayName)
		}
		if p.Contact != "" {
			v.Contact = strPtr(p.Contact)
		}
		if p.WhatsAppNumber != "" {
			v.WhatsAppNumber = strPtr(p.WhatsAppNumber)
		}
		v.UpdatedAt = time.Now()
		cp := *v
		return &cp, nil
	}

	v := &repository.Visitor{
		ID:             uuid.New(),
		IdentityKey:    p.IdentityKey,
		Channel:        string(p.Channel),
		DisplayName:    strPtr(p.DisplayName),
		Contact:        strPtr(p.Contact),
		WhatsAppNumber: strPtr(p.WhatsAppNumber),
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}
	m.visitors[v.ID] = v
	m.visitorKeys[v.IdentityKey] = v.ID
	cp := *v
	return &cp, nil
}

func (m *memStore) FindVisitorByWhatsApp(ctx context.Context, number string) (*repository.Visitor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.visitors {
		if v.WhatsAppNumber != nil && *v.WhatsAppNumber == number {
			cp := *v
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) GetVisitor(ctx context.Context, id uuid.UUID) (*repository.Visitor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.visitors[id]
	if !ok {
		return nil, apperr.NotFound("visitor not found")
	}
	cp := *v
	return &cp, nil
}

func (m *memStore) FindConversationByKey(ctx context.Context, key string) (*repository.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.conversations[key]
	if !ok {
		return nil, nil
	}
	cp := *conv
	return &cp, nil
}

func (m *memStore) FindActiveConversationForVisitor(ctx context.Context, visitorID uuid.UUID) (*repository.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var newest *repository.Conversation
	for _, c := range m.conversations {
		if c.VisitorID != visitorID || c.Status == string(domain.StatusClosed) {
			continue
		}
		if newest == nil || c.CreatedAt.After(newest.CreatedAt) {
			newest = c
		}
	}
	if newest == nil {
		return nil, nil
	}
	cp := *newest
	return &cp, nil
}

func (m *memStore) CreateConversation(ctx context.Context, p repository.CreateConversationParams) (*repository.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv := &repository.Conversation{
		ID:           uuid.New(),
		ConvKey:      p.ConvKey,
		VisitorID:    p.VisitorID,
		Channel:      string(p.Channel),
		Status:       string(domain.StatusBot),
		LastActivity: time.Now(),
		CreatedAt:    time.Now(),
	}
	m.conversations[conv.ConvKey] = conv
	cp := *conv
	return &cp, nil
}

func (m *memStore) ListActiveConversations(ctx context.Context) ([]repository.ConversationWithVisitor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []repository.ConversationWithVisitor
	for _, c := range m.conversations {
		if c.Status == string(domain.StatusClosed) {
			continue
		}
		out = append(out, repository.ConversationWithVisitor{Conversation: *c})
	}
	return out, nil
}

func (m *memStore) ListAssignedConversations(ctx context.Context, agentID uuid.UUID) ([]repository.ConversationWithVisitor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []repository.ConversationWithVisitor
	for _, c := range m.conversations {
		if c.Status == string(domain.StatusClosed) || c.AssignedAgent == nil || *c.AssignedAgent != agentID {
			continue
		}
		out = append(out, repository.ConversationWithVisitor{Conversation: *c})
	}
	return out, nil
}

func (m *memStore) appendLocked(conversationID uuid.UUID, p repository.AppendMessageParams) repository.Message {
	m.seq++
	msg := repository.Message{
		ID:                uuid.New(),
		ConversationID:    conversationID,
		Seq:               m.seq,
		Origin:            p.Origin,
		Body:              p.Body,
		Kind:              strPtr(p.Kind),
		AttachmentRef:     strPtr(p.AttachmentRef),
		ProviderMessageID: strPtr(p.ProviderMessageID),
		CreatedAt:         time.Now(),
	}
	m.messages[conversationID] = append(m.messages[conversationID], msg)
	for _, c := range m.conversations {
		if c.ID == conversationID {
			c.LastActivity = msg.CreatedAt
		}
	}
	return msg
}

func (m *memStore) AppendMessage(ctx context.Context, p repository.AppendMessageParams) (*repository.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg := m.appendLocked(p.ConversationID, p)
	return &msg, nil
}

func (m *memStore) ListMessages(ctx context.Context, conversationID uuid.UUID, afterSeq int64, limit int) ([]repository.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []repository.Message
	for _, msg := range m.messages[conversationID] {
		if msg.Seq > afterSeq {
			out = append(out, msg)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) ListRecentMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]repository.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.messages[conversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]repository.Message(nil), msgs...), nil
}

func (m *memStore) UpdateDeliveryStatus(ctx context.Context, providerMessageID, status string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for convID, msgs := range m.messages {
		for i := range msgs {
			if msgs[i].ProviderMessageID != nil && *msgs[i].ProviderMessageID == providerMessageID {
				m.messages[convID][i].DeliveryStatus = strPtr(status)
				return true, nil
			}
		}
	}
	return false, nil
}

func (m *memStore) SetProviderMessageID(ctx context.Context, messageID uuid.UUID, providerMessageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for convID, msgs := range m.messages {
		for i := range msgs {
			if msgs[i].ID == messageID {
				m.messages[convID][i].ProviderMessageID = strPtr(providerMessageID)
				return nil
			}
		}
	}
	return nil
}

func (m *memStore) getLocked(key string) (*repository.Conversation, error) {
	conv, ok := m.conversations[key]
	if !ok {
		return nil, apperr.NotFound("conversation not found")
	}
	return conv, nil
}

func (m *memStore) Claim(ctx context.Context, p repository.ClaimParams) (*repository.ClaimResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, err := m.getLocked(p.ConversationKey)
	if err != nil {
		return nil, err
	}
	a := conv.Assignment()
	if err := a.ApplyClaim(p.AgentID, time.Now()); err != nil {
		return nil, err
	}
	conv.ApplyAssignment(a)

	msg := m.appendLocked(conv.ID, repository.AppendMessageParams{
		Origin: repository.OriginSystem, Body: p.SystemMessage, Kind: repository.KindAssignmentNotice,
	})
	return &repository.ClaimResult{Conversation: *conv, Message: msg}, nil
}

func (m *memStore) Transfer(ctx context.Context, p repository.TransferParams) (*repository.TransferResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, err := m.getLocked(p.ConversationKey)
	if err != nil {
		return nil, err
	}
	a := conv.Assignment()
	if err := a.ApplyTransfer(p.ActorID, p.ToAgentID, p.Override, time.Now()); err != nil {
		return nil, err
	}
	outgoing := *conv.AssignedAgent
	conv.ApplyAssignment(a)

	transfer := repository.ChatTransfer{
		ID:             uuid.New(),
		ConversationID: conv.ID,
		FromAgent:      outgoing,
		ToAgent:        p.ToAgentID,
		InitiatedBy:    p.ActorID,
		Reason:         strPtr(p.Reason),
		CreatedAt:      time.Now(),
	}
	m.transfers[conv.ID] = append(m.transfers[conv.ID], transfer)

	msg := m.appendLocked(conv.ID, repository.AppendMessageParams{
		Origin: repository.OriginSystem, Body: p.SystemMessage, Kind: repository.KindTransferNotice,
	})
	return &repository.TransferResult{Conversation: *conv, Transfer: transfer, Message: msg}, nil
}

func (m *memStore) Unassign(ctx context.Context, p repository.UnassignParams) (*repository.UnassignResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, err := m.getLocked(p.ConversationKey)
	if err != nil {
		return nil, err
	}
	a := conv.Assignment()
	if err := a.ApplyUnassign(p.Override); err != nil {
		return nil, err
	}
	conv.ApplyAssignment(a)

	cancelled := m.cancelPromptsLocked(conv.ID)
	msg := m.appendLocked(conv.ID, repository.AppendMessageParams{
		Origin: repository.OriginSystem, Body: p.SystemMessage, Kind: repository.KindAssignmentNotice,
	})
	return &repository.UnassignResult{Conversation: *conv, Message: msg, CancelledPrompts: cancelled}, nil
}

func (m *memStore) cancelPromptsLocked(conversationID uuid.UUID) int {
	now := time.Now()
	cancelled := 0
	for _, p := range m.prompts[conversationID] {
		if p.Status == repository.PromptStatusSent {
			p.Status = repository.PromptStatusCancelled
			p.ResolvedAt = &now
			cancelled++
		}
	}
	return cancelled
}

func (m *memStore) Close(ctx context.Context, p repository.CloseParams) (*repository.CloseResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, err := m.getLocked(p.ConversationKey)
	if err != nil {
		return nil, err
	}
	a := conv.Assignment()
	if err := a.ApplyClose(p.Reason, time.Now()); err != nil {
		return nil, err
	}
	conv.ApplyAssignment(a)
	m.cancelPromptsLocked(conv.ID)

	msg := m.appendLocked(conv.ID, repository.AppendMessageParams{
		Origin: repository.OriginSystem, Body: p.SystemMessage, Kind: repository.KindCloseNotice,
	})
	farewell := m.appendLocked(conv.ID, repository.AppendMessageParams{
		Origin: repository.OriginBot, Body: p.FarewellMessage, Kind: repository.KindFarewell,
	})
	return &repository.CloseResult{Conversation: *conv, Message: msg, Farewell: farewell}, nil
}

func (m *memStore) Escalate(ctx context.Context, p repository.EscalateParams) (*repository.EscalateResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, err := m.getLocked(p.ConversationKey)
	if err != nil {
		return nil, err
	}
	a := conv.Assignment()
	changed, err := a.ApplyEscalate()
	if err != nil {
		return nil, err
	}
	result := &repository.EscalateResult{Changed: changed}
	if !changed {
		result.Conversation = *conv
		return result, nil
	}
	conv.ApplyAssignment(a)

	if p.CreatePrompt {
		msg := m.appendLocked(conv.ID, repository.AppendMessageParams{
			Origin: repository.OriginBot, Body: p.PromptBody, Kind: repository.KindEscalationPrompt,
		})
		result.PromptMessage = &msg
		prompt := &repository.EscalationPrompt{
			ID:             uuid.New(),
			ConversationID: conv.ID,
			Status:         repository.PromptStatusSent,
			Reason:         strPtr(p.Reason),
			Sender:         p.Sender,
			SentAt:         time.Now(),
		}
		m.prompts[conv.ID] = append(m.prompts[conv.ID], prompt)
		cp := *prompt
		result.Prompt = &cp
	}
	result.Conversation = *conv
	return result, nil
}

func (m *memStore) CreatePrompt(ctx context.Context, p repository.CreatePromptParams) (*repository.CreatePromptResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, err := m.getLocked(p.ConversationKey)
	if err != nil {
		return nil, err
	}
	if conv.Status != string(domain.StatusBot) {
		return nil, apperr.InvalidState("conversation is no longer handled by the bot")
	}
	for _, pr := range m.prompts[conv.ID] {
		if pr.Status == repository.PromptStatusSent {
			return nil, apperr.Conflict("an escalation prompt is already pending")
		}
	}

	msg := m.appendLocked(conv.ID, repository.AppendMessageParams{
		Origin: repository.OriginBot, Body: p.PromptBody, Kind: repository.KindEscalationPrompt,
	})
	prompt := &repository.EscalationPrompt{
		ID:             uuid.New(),
		ConversationID: conv.ID,
		Status:         repository.PromptStatusSent,
		Reason:         strPtr(p.Reason),
		Sender:         p.Sender,
		SentAt:         time.Now(),
	}
	m.prompts[conv.ID] = append(m.prompts[conv.ID], prompt)
	return &repository.CreatePromptResult{Prompt: *prompt, Message: msg}, nil
}

func (m *memStore) ResolveLatestPrompt(ctx context.Context, conversationKey, resolution string) (*repository.EscalationPrompt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[conversationKey]
	if !ok {
		return nil, nil
	}
	prompts := m.prompts[conv.ID]
	for i := len(prompts) - 1; i >= 0; i-- {
		if prompts[i].Status == repository.PromptStatusSent {
			now := time.Now()
			prompts[i].Status = resolution
			prompts[i].ResolvedAt = &now
			cp := *prompts[i]
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) CountPromptsByStatus(ctx context.Context, conversationID uuid.UUID, status string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.prompts[conversationID] {
		if p.Status == status {
			n++
		}
	}
	return n, nil
}

func (m *memStore) ListTransfers(ctx context.Context, conversationID uuid.UUID) ([]repository.ChatTransfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]repository.ChatTransfer(nil), m.transfers[conversationID]...), nil
}
