package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"supportchat_backend/platform/apperr"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const conversationNotFoundMsg = "conversation not found"

// lockConversation loads the conversation row under FOR UPDATE so concurrent
// assignment operations on the same conversation serialize at the database.
func lockConversation(ctx context.Context, tx pgx.Tx, key string) (*Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE conv_key = $1 FOR UPDATE`

	conv, err := scanConversation(tx.QueryRow(ctx, query, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound(conversationNotFoundMsg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock conversation: %w", err)
	}
	return conv, nil
}

func saveAssignment(ctx context.Context, tx pgx.Tx, conv *Conversation) error {
	query := `
		UPDATE conversations
		SET status = $1, assigned_agent = $2, assigned_at = $3, transfer_count = $4,
		    closed_at = $5, close_reason = $6, last_activity = $7
		WHERE id = $8`

	_, err := tx.Exec(ctx, query,
		conv.Status, conv.AssignedAgent, conv.AssignedAt, conv.TransferCount,
		conv.ClosedAt, conv.CloseReason, time.Now().UTC(), conv.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to save conversation: %w", err)
	}
	return nil
}

// Claim assigns an unowned escalated conversation to the agent. Exactly one
// of N concurrent claimers wins; the rest get AlreadyAssigned.
func (r *Repository) Claim(ctx context.Context, p ClaimParams) (*ClaimResult, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	conv, err := lockConversation(ctx, tx, p.ConversationKey)
	if err != nil {
		return nil, err
	}

	a := conv.Assignment()
	if err := a.ApplyClaim(p.AgentID, time.Now().UTC()); err != nil {
		return nil, err
	}
	conv.ApplyAssignment(a)

	if err := saveAssignment(ctx, tx, conv); err != nil {
		return nil, err
	}

	msg, err := appendMessageTx(ctx, tx, AppendMessageParams{
		ConversationID: conv.ID,
		Origin:         OriginSystem,
		Body:           p.SystemMessage,
		Kind:           KindAssignmentNotice,
	})
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return &ClaimResult{Conversation: *conv, Message: *msg}, nil
}

// Transfer moves ownership from one agent to another, writing the audit
// record and transfer notice in the same transaction.
func (r *Repository) Transfer(ctx context.Context, p TransferParams) (*TransferResult, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	conv, err := lockConversation(ctx, tx, p.ConversationKey)
	if err != nil {
		return nil, err
	}

	a := conv.Assignment()
	if err := a.ApplyTransfer(p.ActorID, p.ToAgentID, p.Override, time.Now().UTC()); err != nil {
		return nil, err
	}
	// The guard requires an owner, so the locked row's pre-transfer owner is
	// the audited outgoing agent even on an override transfer.
	outgoing := *conv.AssignedAgent
	conv.ApplyAssignment(a)

	if err := saveAssignment(ctx, tx, conv); err != nil {
		return nil, err
	}

	transfer := ChatTransfer{
		ID:             uuid.New(),
		ConversationID: conv.ID,
		FromAgent:      outgoing,
		ToAgent:        p.ToAgentID,
		InitiatedBy:    p.ActorID,
		CreatedAt:      time.Now().UTC(),
	}
	if p.Reason != "" {
		transfer.Reason = &p.Reason
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO chat_transfers (id, conversation_id, from_agent, to_agent, initiated_by, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		transfer.ID, transfer.ConversationID, transfer.FromAgent, transfer.ToAgent,
		transfer.InitiatedBy, transfer.Reason, transfer.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to record transfer: %w", err)
	}

	msg, err := appendMessageTx(ctx, tx, AppendMessageParams{
		ConversationID: conv.ID,
		Origin:         OriginSystem,
		Body:           p.SystemMessage,
		Kind:           KindTransferNotice,
	})
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transfer: %w", err)
	}
	return &TransferResult{Conversation: *conv, Transfer: transfer, Message: *msg}, nil
}

// Unassign releases the conversation back to the unclaimed pool and cancels
// every pending escalation prompt so stale prompts cannot resolve later.
func (r *Repository) Unassign(ctx context.Context, p UnassignParams) (*UnassignResult, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	conv, err := lockConversation(ctx, tx, p.ConversationKey)
	if err != nil {
		return nil, err
	}

	a := conv.Assignment()
	if err := a.ApplyUnassign(p.Override); err != nil {
		return nil, err
	}
	conv.ApplyAssignment(a)

	if err := saveAssignment(ctx, tx, conv); err != nil {
		return nil, err
	}

	tag, err := tx.Exec(ctx, `
		UPDATE escalation_prompts
		SET status = $1, resolved_at = $2
		WHERE conversation_id = $3 AND status = $4`,
		PromptStatusCancelled, time.Now().UTC(), conv.ID, PromptStatusSent,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel prompts: %w", err)
	}

	msg, err := appendMessageTx(ctx, tx, AppendMessageParams{
		ConversationID: conv.ID,
		Origin:         OriginSystem,
		Body:           p.SystemMessage,
		Kind:           KindAssignmentNotice,
	})
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit unassign: %w", err)
	}
	return &UnassignResult{
		Conversation:     *conv,
		Message:          *msg,
		CancelledPrompts: int(tag.RowsAffected()),
	}, nil
}

// Close ends the conversation from any live status. The close notice and
// visitor farewell land in the same transaction, so a lost race with another
// closer can never duplicate them.
func (r *Repository) Close(ctx context.Context, p CloseParams) (*CloseResult, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	conv, err := lockConversation(ctx, tx, p.ConversationKey)
	if err != nil {
		return nil, err
	}

	a := conv.Assignment()
	if err := a.ApplyClose(p.Reason, time.Now().UTC()); err != nil {
		return nil, err
	}
	conv.ApplyAssignment(a)

	if err := saveAssignment(ctx, tx, conv); err != nil {
		return nil, err
	}

	tag, err := tx.Exec(ctx, `
		UPDATE escalation_prompts
		SET status = $1, resolved_at = $2
		WHERE conversation_id = $3 AND status = $4`,
		PromptStatusCancelled, time.Now().UTC(), conv.ID, PromptStatusSent,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel prompts: %w", err)
	}
	_ = tag

	msg, err := appendMessageTx(ctx, tx, AppendMessageParams{
		ConversationID: conv.ID,
		Origin:         OriginSystem,
		Body:           p.SystemMessage,
		Kind:           KindCloseNotice,
	})
	if err != nil {
		return nil, err
	}

	farewell, err := appendMessageTx(ctx, tx, AppendMessageParams{
		ConversationID: conv.ID,
		Origin:         OriginBot,
		Body:           p.FarewellMessage,
		Kind:           KindFarewell,
	})
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit close: %w", err)
	}
	return &CloseResult{Conversation: *conv, Message: *msg, Farewell: *farewell}, nil
}

// Escalate moves the conversation from bot to human. Already-escalated
// conversations return Changed=false without writing anything new, which
// makes accept replies and repeated triggers idempotent.
func (r *Repository) Escalate(ctx context.Context, p EscalateParams) (*EscalateResult, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	conv, err := lockConversation(ctx, tx, p.ConversationKey)
	if err != nil {
		return nil, err
	}

	a := conv.Assignment()
	changed, err := a.ApplyEscalate()
	if err != nil {
		return nil, err
	}

	result := &EscalateResult{Changed: changed}
	if !changed {
		result.Conversation = *conv
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("failed to commit escalate: %w", err)
		}
		return result, nil
	}

	conv.ApplyAssignment(a)
	if err := saveAssignment(ctx, tx, conv); err != nil {
		return nil, err
	}

	if p.CreatePrompt {
		msg, err := appendMessageTx(ctx, tx, AppendMessageParams{
			ConversationID: conv.ID,
			Origin:         OriginBot,
			Body:           p.PromptBody,
			Kind:           KindEscalationPrompt,
		})
		if err != nil {
			return nil, err
		}
		result.PromptMessage = msg

		prompt, err := insertPromptTx(ctx, tx, conv.ID, p.Sender, p.Reason)
		if err != nil {
			return nil, err
		}
		result.Prompt = prompt
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit escalate: %w", err)
	}
	result.Conversation = *conv
	return result, nil
}
