package broadcast

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the Redis channel broadcasts travel over.
const DefaultChannel = "chat.broadcasts"

// Sink is where the dispatcher hands envelopes for delivery.
type Sink interface {
	Deliver(ctx context.Context, env Envelope) error
}

// RedisSink publishes envelopes to the shared broadcast channel.
type RedisSink struct {
	rdb     redis.UniversalClient
	channel string
}

// NewRedisSink creates a sink on the given channel, defaulting to
// DefaultChannel.
func NewRedisSink(rdb redis.UniversalClient, channel string) *RedisSink {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisSink{rdb: rdb, channel: channel}
}

var _ Sink = (*RedisSink)(nil)

// Deliver publishes one envelope. Zero subscribers is still a success;
// delivery means the broadcast bus accepted the message.
func (s *RedisSink) Deliver(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal broadcast envelope: %w", err)
	}
	if err := s.rdb.Publish(ctx, s.channel, data).Err(); err != nil {
		return fmt.Errorf("publish broadcast: %w", err)
	}
	return nil
}
