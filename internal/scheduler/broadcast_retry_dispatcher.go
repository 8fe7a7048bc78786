package scheduler

import (
	"context"
	"fmt"
	"time"

	"supportchat_backend/internal/broadcast"
	"supportchat_backend/platform/config"
	"supportchat_backend/platform/logger"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
)

// BroadcastRetryDispatcher drains the broadcast retry queue: it claims due
// rows and enqueues one redelivery task per row. Claiming respects
// per-conversation ordering, so at most one task per conversation is in
// flight at a time.
type BroadcastRetryDispatcher struct {
	client *asynq.Client
	queue  string
	repo   *broadcast.Queue
	log    *logger.Logger
}

func NewBroadcastRetryDispatcher(cfg config.SchedulerConfig, pool *pgxpool.Pool, log *logger.Logger) (*BroadcastRetryDispatcher, error) {
	redisURL := cfg.GetRedisURL()
	if redisURL == "" {
		return nil, fmt.Errorf("redis url not configured")
	}

	opt, err := redisClientOpt(redisURL, cfg.GetRedisTLSInsecure())
	if err != nil {
		return nil, err
	}

	queue := cfg.GetAsynqQueueName()
	if queue == "" {
		queue = "default"
	}

	return &BroadcastRetryDispatcher{
		client: asynq.NewClient(opt),
		queue:  queue,
		repo:   broadcast.NewQueue(pool),
		log:    log,
	}, nil
}

func (d *BroadcastRetryDispatcher) Close() error {
	if d == nil || d.client == nil {
		return nil
	}
	return d.client.Close()
}

func (d *BroadcastRetryDispatcher) Run(ctx context.Context) {
	if d == nil || d.client == nil || d.repo == nil {
		return
	}

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		records, err := d.repo.ClaimDue(ctx, 50)
		if err != nil {
			d.log.Warn("broadcast retry claim failed", "error", err)
			continue
		}

		for _, rec := range records {
			task, err := NewBroadcastRetryTask(BroadcastRetryPayload{
				RecordID:        rec.ID,
				ConversationKey: rec.ConversationKey,
			})
			if err != nil {
				_ = d.repo.Reschedule(ctx, rec.ID, time.Now().UTC(), err.Error())
				continue
			}

			_, err = d.client.EnqueueContext(ctx, task, asynq.Queue(d.queue))
			if err != nil {
				_ = d.repo.Reschedule(ctx, rec.ID, time.Now().UTC(), err.Error())
				continue
			}
		}
	}
}
