package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Retry queue row statuses.
const (
	QueueStatusPending    = "pending"
	QueueStatusEnqueued   = "enqueued"
	QueueStatusProcessing = "processing"
	QueueStatusFailed     = "failed"
)

// Record is one queued broadcast awaiting redelivery.
type Record struct {
	ID              int64
	ConversationKey string
	Event           string
	Payload         json.RawMessage
	Status          string
	Attempts        int
	RunAt           time.Time
	LastError       *string
	CreatedAt       time.Time
}

// Envelope reconstructs the wire envelope for redelivery.
func (r Record) Envelope() Envelope {
	return Envelope{
		Event:           r.Event,
		ConversationKey: r.ConversationKey,
		Payload:         r.Payload,
		PublishedAt:     r.CreatedAt,
	}
}

// Queue is the durable broadcast retry queue. Rows are delivered in
// insertion order per conversation; ordering across conversations is not
// promised.
type Queue struct {
	pool *pgxpool.Pool
}

// NewQueue creates the retry queue repository.
func NewQueue(pool *pgxpool.Pool) *Queue {
	return &Queue{pool: pool}
}

// firstRetryDelay is how far in the future a fresh row becomes due. Inline
// delivery just failed, so the first redelivery waits the opening step of the
// worker's backoff schedule.
const firstRetryDelay = time.Second

// Insert persists a failed broadcast for later redelivery.
func (q *Queue) Insert(ctx context.Context, env Envelope, lastError string) (int64, error) {
	if q == nil || q.pool == nil {
		return 0, errors.New("retry queue not configured")
	}

	now := time.Now().UTC()
	var id int64
	err := q.pool.QueryRow(ctx, `
		INSERT INTO broadcast_retry_queue (conversation_key, event, payload, status, attempts, run_at, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, 'pending', 0, $4, NULLIF($5, ''), $6, $6)
		RETURNING id`,
		env.ConversationKey, env.Event, []byte(env.Payload), now.Add(firstRetryDelay), lastError, now,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to queue broadcast: %w", err)
	}
	return id, nil
}

// ClaimDue marks up to limit due rows enqueued and returns them. Only the
// oldest pending row per conversation is eligible, and never while an
// earlier row of the same conversation is still in flight, so redelivery
// stays FIFO within a conversation.
func (q *Queue) ClaimDue(ctx context.Context, limit int) ([]Record, error) {
	if q == nil || q.pool == nil {
		return nil, errors.New("retry queue not configured")
	}
	if limit < 1 {
		limit = 50
	}

	tx, err := q.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		SELECT r.id, r.conversation_key, r.event, r.payload, r.status, r.attempts, r.run_at, r.last_error, r.created_at
		FROM broadcast_retry_queue r
		WHERE r.status = 'pending'
		  AND r.run_at <= now()
		  AND NOT EXISTS (
		      SELECT 1 FROM broadcast_retry_queue b
		      WHERE b.conversation_key = r.conversation_key
		        AND (b.status IN ('enqueued', 'processing') OR (b.status = 'pending' AND b.id < r.id))
		  )
		ORDER BY r.run_at ASC
		LIMIT $1
		FOR UPDATE OF r SKIP LOCKED`, limit)
	if err != nil {
		return nil, err
	}

	var records []Record
	var ids []int64
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.ConversationKey, &rec.Event, &rec.Payload, &rec.Status, &rec.Attempts, &rec.RunAt, &rec.LastError, &rec.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		records = append(records, rec)
		ids = append(ids, rec.ID)
	}
	rows.Close()
	if rows.Err() != nil {
		return nil, rows.Err()
	}

	if len(ids) > 0 {
		_, err = tx.Exec(ctx, `
			UPDATE broadcast_retry_queue
			SET status = 'enqueued', updated_at = now()
			WHERE id = ANY($1)`, ids)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return records, nil
}

// GetByID loads one queue row.
func (q *Queue) GetByID(ctx context.Context, id int64) (*Record, error) {
	var rec Record
	err := q.pool.QueryRow(ctx, `
		SELECT id, conversation_key, event, payload, status, attempts, run_at, last_error, created_at
		FROM broadcast_retry_queue
		WHERE id = $1`, id,
	).Scan(&rec.ID, &rec.ConversationKey, &rec.Event, &rec.Payload, &rec.Status, &rec.Attempts, &rec.RunAt, &rec.LastError, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// MarkProcessing flags the row as in flight and counts the attempt.
func (q *Queue) MarkProcessing(ctx context.Context, id int64) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE broadcast_retry_queue
		SET status = 'processing', attempts = attempts + 1, updated_at = now()
		WHERE id = $1`, id)
	return err
}

// Reschedule returns the row to pending with a new due time.
func (q *Queue) Reschedule(ctx context.Context, id int64, runAt time.Time, lastError string) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE broadcast_retry_queue
		SET status = 'pending', run_at = $2, last_error = NULLIF($3, ''), updated_at = now()
		WHERE id = $1`, id, runAt, lastError)
	return err
}

// Delete removes a delivered row.
func (q *Queue) Delete(ctx context.Context, id int64) error {
	_, err := q.pool.Exec(ctx, `DELETE FROM broadcast_retry_queue WHERE id = $1`, id)
	return err
}

// MarkFailed parks the row permanently after the attempt budget is spent.
func (q *Queue) MarkFailed(ctx context.Context, id int64, lastError string) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE broadcast_retry_queue
		SET status = 'failed', last_error = NULLIF($2, ''), updated_at = now()
		WHERE id = $1`, id, lastError)
	return err
}
