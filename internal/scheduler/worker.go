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

// maxRetryAttempts bounds redelivery of a queued broadcast; after that the
// row is parked failed and the loss is logged.
const maxRetryAttempts = 5

// retryBackoff[n] is the wait before redelivery attempt n+1. The queue parks
// fresh rows one second out (the first step), so every step of the schedule
// is walked before the row is parked failed.
var retryBackoff = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
}

// nextBackoff returns the wait before the attempt following the given one.
func nextBackoff(attempt int) time.Duration {
	if attempt < 0 || attempt >= len(retryBackoff) {
		return retryBackoff[len(retryBackoff)-1]
	}
	return retryBackoff[attempt]
}

type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	repo   *broadcast.Queue
	sink   broadcast.Sink
	log    *logger.Logger
}

func NewWorker(cfg config.SchedulerConfig, pool *pgxpool.Pool, sink broadcast.Sink, log *logger.Logger) (*Worker, error) {
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

	concurrency := cfg.GetAsynqConcurrency()
	if concurrency < 1 {
		concurrency = 10
	}

	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			queue: 1,
		},
	})

	mux := asynq.NewServeMux()
	w := &Worker{
		server: server,
		mux:    mux,
		repo:   broadcast.NewQueue(pool),
		sink:   sink,
		log:    log,
	}

	mux.HandleFunc(TaskBroadcastRetry, w.handleBroadcastRetry)

	return w, nil
}

// handleBroadcastRetry attempts one redelivery of a queued broadcast. Retry
// pacing is owned here through the queue's run_at, so the handler always
// returns nil and asynq's own retry never kicks in on top.
func (w *Worker) handleBroadcastRetry(ctx context.Context, task *asynq.Task) error {
	payload, err := ParseBroadcastRetryPayload(task)
	if err != nil {
		return err
	}

	rec, err := w.repo.GetByID(ctx, payload.RecordID)
	if err != nil {
		return err
	}
	if rec == nil || rec.Status == broadcast.QueueStatusFailed {
		return nil
	}

	if err := w.repo.MarkProcessing(ctx, rec.ID); err != nil {
		return err
	}
	attempt := rec.Attempts + 1

	deliverErr := w.sink.Deliver(ctx, rec.Envelope())
	if deliverErr == nil {
		return w.repo.Delete(ctx, rec.ID)
	}

	w.log.BroadcastFailed(rec.Event, rec.ConversationKey, attempt, deliverErr)

	if attempt >= maxRetryAttempts {
		w.log.BroadcastDropped(rec.Event, rec.ConversationKey, attempt, deliverErr)
		return w.repo.MarkFailed(ctx, rec.ID, deliverErr.Error())
	}

	return w.repo.Reschedule(ctx, rec.ID, time.Now().UTC().Add(nextBackoff(attempt)), deliverErr.Error())
}

func (w *Worker) Run(ctx context.Context) {
	if w == nil || w.server == nil {
		return
	}

	go func() {
		<-ctx.Done()
		w.server.Shutdown()
	}()

	if err := w.server.Run(w.mux); err != nil {
		w.log.Error("scheduler worker stopped", "error", err)
	}
}
