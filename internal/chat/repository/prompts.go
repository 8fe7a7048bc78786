package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"supportchat_backend/internal/chat/domain"
	"supportchat_backend/platform/apperr"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

func insertPromptTx(ctx context.Context, tx pgx.Tx, conversationID uuid.UUID, sender, reason string) (*EscalationPrompt, error) {
	p := EscalationPrompt{
		ID:             uuid.New(),
		ConversationID: conversationID,
		Status:         PromptStatusSent,
		Sender:         sender,
		SentAt:         time.Now().UTC(),
	}
	if reason != "" {
		p.Reason = &reason
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO escalation_prompts (id, conversation_id, status, reason, sender, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		p.ID, p.ConversationID, p.Status, p.Reason, p.Sender, p.SentAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert prompt: %w", err)
	}
	return &p, nil
}

// CreatePrompt writes an agent-initiated escalation prompt and its
// visitor-facing message. The conversation row lock plus the open-prompt
// check make "one open prompt at a time" hold under concurrent senders.
func (r *Repository) CreatePrompt(ctx context.Context, p CreatePromptParams) (*CreatePromptResult, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	conv, err := lockConversation(ctx, tx, p.ConversationKey)
	if err != nil {
		return nil, err
	}
	if conv.Status != string(domain.StatusBot) {
		return nil, apperr.InvalidState("conversation is no longer handled by the bot")
	}

	var open int
	err = tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM escalation_prompts WHERE conversation_id = $1 AND status = $2`,
		conv.ID, PromptStatusSent,
	).Scan(&open)
	if err != nil {
		return nil, fmt.Errorf("failed to count open prompts: %w", err)
	}
	if open > 0 {
		return nil, apperr.Conflict("an escalation prompt is already pending")
	}

	msg, err := appendMessageTx(ctx, tx, AppendMessageParams{
		ConversationID: conv.ID,
		Origin:         OriginBot,
		Body:           p.PromptBody,
		Kind:           KindEscalationPrompt,
	})
	if err != nil {
		return nil, err
	}

	prompt, err := insertPromptTx(ctx, tx, conv.ID, p.Sender, p.Reason)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit prompt: %w", err)
	}
	return &CreatePromptResult{Prompt: *prompt, Message: *msg}, nil
}

// ResolveLatestPrompt marks the newest open prompt accepted or declined.
// Returns nil when the conversation has no open prompt.
func (r *Repository) ResolveLatestPrompt(ctx context.Context, conversationKey, resolution string) (*EscalationPrompt, error) {
	query := `
		UPDATE escalation_prompts
		SET status = $1, resolved_at = $2
		WHERE id = (
			SELECT p.id
			FROM escalation_prompts p
			JOIN conversations c ON c.id = p.conversation_id
			WHERE c.conv_key = $3 AND p.status = $4
			ORDER BY p.sent_at DESC
			LIMIT 1
			FOR UPDATE OF p SKIP LOCKED
		)
		RETURNING id, conversation_id, status, reason, sender, sent_at, resolved_at`

	var p EscalationPrompt
	err := r.pool.QueryRow(ctx, query, resolution, time.Now().UTC(), conversationKey, PromptStatusSent).
		Scan(&p.ID, &p.ConversationID, &p.Status, &p.Reason, &p.Sender, &p.SentAt, &p.ResolvedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve prompt: %w", err)
	}
	return &p, nil
}

// CountPromptsByStatus counts a conversation's prompts in the given status.
func (r *Repository) CountPromptsByStatus(ctx context.Context, conversationID uuid.UUID, status string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM escalation_prompts WHERE conversation_id = $1 AND status = $2`,
		conversationID, status,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count prompts: %w", err)
	}
	return n, nil
}
