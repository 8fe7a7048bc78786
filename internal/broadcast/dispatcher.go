package broadcast

import (
	"context"
	"time"

	"supportchat_backend/internal/events"
	"supportchat_backend/platform/logger"
)

// retryStore is the slice of Queue the dispatcher needs.
type retryStore interface {
	Insert(ctx context.Context, env Envelope, lastError string) (int64, error)
}

// Dispatcher pushes events to the broadcast sink. Delivery is tried a few
// times inline; after that the envelope is parked in the durable queue and
// the caller moves on. Chat handling never waits on a slow bus.
type Dispatcher struct {
	sink     Sink
	queue    retryStore
	log      *logger.Logger
	attempts int
	delay    time.Duration
}

// NewDispatcher creates a dispatcher with the given inline attempt budget.
func NewDispatcher(sink Sink, queue retryStore, log *logger.Logger, attempts int, delay time.Duration) *Dispatcher {
	if attempts < 1 {
		attempts = 3
	}
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}
	return &Dispatcher{
		sink:     sink,
		queue:    queue,
		log:      log,
		attempts: attempts,
		delay:    delay,
	}
}

// Broadcast delivers one event at least once. It never returns an error;
// when inline delivery and queueing both fail the loss is logged as a drop.
func (d *Dispatcher) Broadcast(ctx context.Context, conversationKey string, event events.Event) {
	env, err := NewEnvelope(conversationKey, event)
	if err != nil {
		d.log.BroadcastDropped(event.EventName(), conversationKey, 0, err)
		return
	}

	var lastErr error
	for attempt := 1; attempt <= d.attempts; attempt++ {
		if lastErr = d.sink.Deliver(ctx, env); lastErr == nil {
			return
		}
		d.log.BroadcastFailed(env.Event, conversationKey, attempt, lastErr)

		if attempt == d.attempts || sleep(ctx, d.delay) != nil {
			break
		}
	}

	if _, err := d.queue.Insert(context.WithoutCancel(ctx), env, lastErr.Error()); err != nil {
		d.log.BroadcastDropped(env.Event, conversationKey, d.attempts, err)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
