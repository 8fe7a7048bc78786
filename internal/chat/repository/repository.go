package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"supportchat_backend/platform/apperr"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository provides database operations for chat conversations
type Repository struct {
	pool *pgxpool.Pool
}

// New creates a new chat repository
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Store = (*Repository)(nil)

const conversationColumns = `
	id, conv_key, visitor_id, channel, status, assigned_agent, assigned_at,
	transfer_count, last_activity, closed_at, close_reason, created_at`

func scanConversation(row pgx.Row) (*Conversation, error) {
	var c Conversation
	err := row.Scan(
		&c.ID, &c.ConvKey, &c.VisitorID, &c.Channel, &c.Status, &c.AssignedAgent,
		&c.AssignedAt, &c.TransferCount, &c.LastActivity, &c.ClosedAt,
		&c.CloseReason, &c.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// UpsertVisitor inserts a visitor or improves an existing one. COALESCE with
// NULLIF keeps stored identity fields when the incoming ones are empty.
func (r *Repository) UpsertVisitor(ctx context.Context, p UpsertVisitorParams) (*Visitor, error) {
	query := `
		INSERT INTO visitors (id, identity_key, channel, display_name, contact, whatsapp_number, created_at, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), $7, $7)
		ON CONFLICT (identity_key) DO UPDATE SET
			display_name = COALESCE(NULLIF($4, ''), visitors.display_name),
			contact = COALESCE(NULLIF($5, ''), visitors.contact),
			whatsapp_number = COALESCE(NULLIF($6, ''), visitors.whatsapp_number),
			updated_at = $7
		RETURNING id, identity_key, channel, display_name, contact, whatsapp_number, created_at, updated_at`

	var v Visitor
	err := r.pool.QueryRow(ctx, query,
		uuid.New(), p.IdentityKey, string(p.Channel), p.DisplayName, p.Contact,
		p.WhatsAppNumber, time.Now().UTC(),
	).Scan(&v.ID, &v.IdentityKey, &v.Channel, &v.DisplayName, &v.Contact, &v.WhatsAppNumber, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert visitor: %w", err)
	}
	return &v, nil
}

// FindVisitorByWhatsApp returns the visitor holding the given normalized
// number, or nil when none exists.
func (r *Repository) FindVisitorByWhatsApp(ctx context.Context, number string) (*Visitor, error) {
	query := `
		SELECT id, identity_key, channel, display_name, contact, whatsapp_number, created_at, updated_at
		FROM visitors
		WHERE whatsapp_number = $1
		ORDER BY updated_at DESC
		LIMIT 1`

	var v Visitor
	err := r.pool.QueryRow(ctx, query, number).
		Scan(&v.ID, &v.IdentityKey, &v.Channel, &v.DisplayName, &v.Contact, &v.WhatsAppNumber, &v.CreatedAt, &v.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find visitor by number: %w", err)
	}
	return &v, nil
}

// GetVisitor loads one visitor by id.
func (r *Repository) GetVisitor(ctx context.Context, id uuid.UUID) (*Visitor, error) {
	query := `
		SELECT id, identity_key, channel, display_name, contact, whatsapp_number, created_at, updated_at
		FROM visitors
		WHERE id = $1`

	var v Visitor
	err := r.pool.QueryRow(ctx, query, id).
		Scan(&v.ID, &v.IdentityKey, &v.Channel, &v.DisplayName, &v.Contact, &v.WhatsAppNumber, &v.CreatedAt, &v.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("visitor not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get visitor: %w", err)
	}
	return &v, nil
}

// FindConversationByKey returns the conversation for a conv key, or nil when
// none exists.
func (r *Repository) FindConversationByKey(ctx context.Context, key string) (*Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE conv_key = $1`

	conv, err := scanConversation(r.pool.QueryRow(ctx, query, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find conversation: %w", err)
	}
	return conv, nil
}

// FindActiveConversationForVisitor returns the visitor's newest open
// conversation, or nil when everything is closed.
func (r *Repository) FindActiveConversationForVisitor(ctx context.Context, visitorID uuid.UUID) (*Conversation, error) {
	query := `
		SELECT ` + conversationColumns + `
		FROM conversations
		WHERE visitor_id = $1 AND status != 'closed'
		ORDER BY created_at DESC
		LIMIT 1`

	conv, err := scanConversation(r.pool.QueryRow(ctx, query, visitorID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find active conversation: %w", err)
	}
	return conv, nil
}

// CreateConversation starts a new conversation in bot status.
func (r *Repository) CreateConversation(ctx context.Context, p CreateConversationParams) (*Conversation, error) {
	query := `
		INSERT INTO conversations (id, conv_key, visitor_id, channel, status, transfer_count, last_activity, created_at)
		VALUES ($1, $2, $3, $4, 'bot', 0, $5, $5)
		RETURNING ` + conversationColumns

	conv, err := scanConversation(r.pool.QueryRow(ctx, query,
		uuid.New(), p.ConvKey, p.VisitorID, string(p.Channel), time.Now().UTC(),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return conv, nil
}

// ListActiveConversations returns every open conversation for the staff
// dashboard, unclaimed ones first, then by recency.
func (r *Repository) ListActiveConversations(ctx context.Context) ([]ConversationWithVisitor, error) {
	query := `
		SELECT c.id, c.conv_key, c.visitor_id, c.channel, c.status, c.assigned_agent,
		       c.assigned_at, c.transfer_count, c.last_activity, c.closed_at,
		       c.close_reason, c.created_at, v.display_name
		FROM conversations c
		JOIN visitors v ON v.id = c.visitor_id
		WHERE c.status != 'closed'
		ORDER BY (c.assigned_agent IS NULL) DESC, c.last_activity DESC`

	return r.queryConversationsWithVisitor(ctx, query)
}

// ListAssignedConversations returns the open conversations owned by an agent.
func (r *Repository) ListAssignedConversations(ctx context.Context, agentID uuid.UUID) ([]ConversationWithVisitor, error) {
	query := `
		SELECT c.id, c.conv_key, c.visitor_id, c.channel, c.status, c.assigned_agent,
		       c.assigned_at, c.transfer_count, c.last_activity, c.closed_at,
		       c.close_reason, c.created_at, v.display_name
		FROM conversations c
		JOIN visitors v ON v.id = c.visitor_id
		WHERE c.status != 'closed' AND c.assigned_agent = $1
		ORDER BY c.last_activity DESC`

	return r.queryConversationsWithVisitor(ctx, query, agentID)
}

func (r *Repository) queryConversationsWithVisitor(ctx context.Context, query string, args ...any) ([]ConversationWithVisitor, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var out []ConversationWithVisitor
	for rows.Next() {
		var c ConversationWithVisitor
		if err := rows.Scan(
			&c.ID, &c.ConvKey, &c.VisitorID, &c.Channel, &c.Status, &c.AssignedAgent,
			&c.AssignedAt, &c.TransferCount, &c.LastActivity, &c.ClosedAt,
			&c.CloseReason, &c.CreatedAt, &c.VisitorName,
		); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// AppendMessage writes one message and bumps the conversation's
// last_activity in a single transaction.
func (r *Repository) AppendMessage(ctx context.Context, p AppendMessageParams) (*Message, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	msg, err := appendMessageTx(ctx, tx, p)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit message: %w", err)
	}
	return msg, nil
}

func appendMessageTx(ctx context.Context, tx pgx.Tx, p AppendMessageParams) (*Message, error) {
	query := `
		INSERT INTO messages (id, conversation_id, origin, body, kind, attachment_ref, provider_message_id, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''), $8)
		RETURNING id, conversation_id, seq, origin, body, kind, attachment_ref, provider_message_id, delivery_status, created_at`

	now := time.Now().UTC()
	var m Message
	err := tx.QueryRow(ctx, query,
		uuid.New(), p.ConversationID, p.Origin, p.Body, p.Kind, p.AttachmentRef, p.ProviderMessageID, now,
	).Scan(&m.ID, &m.ConversationID, &m.Seq, &m.Origin, &m.Body, &m.Kind, &m.AttachmentRef, &m.ProviderMessageID, &m.DeliveryStatus, &m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to append message: %w", err)
	}

	_, err = tx.Exec(ctx, `UPDATE conversations SET last_activity = $1 WHERE id = $2`, now, p.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to bump last activity: %w", err)
	}
	return &m, nil
}

// ListMessages returns messages after the given sequence number in insertion
// order. Seq breaks created_at ties so pagination never skips or repeats.
func (r *Repository) ListMessages(ctx context.Context, conversationID uuid.UUID, afterSeq int64, limit int) ([]Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 200
	}
	query := `
		SELECT id, conversation_id, seq, origin, body, kind, attachment_ref, provider_message_id, delivery_status, created_at
		FROM messages
		WHERE conversation_id = $1 AND seq > $2
		ORDER BY created_at ASC, seq ASC
		LIMIT $3`

	return r.queryMessages(ctx, query, conversationID, afterSeq, limit)
}

// ListRecentMessages returns the newest messages in insertion order, for
// bot-context windows and dashboard previews.
func (r *Repository) ListRecentMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `
		SELECT id, conversation_id, seq, origin, body, kind, attachment_ref, provider_message_id, delivery_status, created_at
		FROM (
			SELECT id, conversation_id, seq, origin, body, kind, attachment_ref, provider_message_id, delivery_status, created_at
			FROM messages
			WHERE conversation_id = $1
			ORDER BY created_at DESC, seq DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC, seq ASC`

	return r.queryMessages(ctx, query, conversationID, limit)
}

func (r *Repository) queryMessages(ctx context.Context, query string, args ...any) ([]Message, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Seq, &m.Origin, &m.Body, &m.Kind, &m.AttachmentRef, &m.ProviderMessageID, &m.DeliveryStatus, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpdateDeliveryStatus merges a transport status callback into the message it
// references. Returns false when no message carries the provider id.
func (r *Repository) UpdateDeliveryStatus(ctx context.Context, providerMessageID, status string) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE messages SET delivery_status = $1 WHERE provider_message_id = $2`,
		status, providerMessageID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update delivery status: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// SetProviderMessageID records the transport's message id after an outbound
// send succeeds.
func (r *Repository) SetProviderMessageID(ctx context.Context, messageID uuid.UUID, providerMessageID string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE messages SET provider_message_id = $1 WHERE id = $2`,
		providerMessageID, messageID,
	)
	if err != nil {
		return fmt.Errorf("failed to set provider message id: %w", err)
	}
	return nil
}

// ListTransfers returns the transfer audit trail for a conversation, oldest
// first.
func (r *Repository) ListTransfers(ctx context.Context, conversationID uuid.UUID) ([]ChatTransfer, error) {
	query := `
		SELECT id, conversation_id, from_agent, to_agent, initiated_by, reason, created_at
		FROM chat_transfers
		WHERE conversation_id = $1
		ORDER BY created_at ASC`

	rows, err := r.pool.Query(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transfers: %w", err)
	}
	defer rows.Close()

	var out []ChatTransfer
	for rows.Next() {
		var t ChatTransfer
		if err := rows.Scan(&t.ID, &t.ConversationID, &t.FromAgent, &t.ToAgent, &t.InitiatedBy, &t.Reason, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transfer: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
