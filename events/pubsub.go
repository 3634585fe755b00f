package events

import (
	"context"
	"encoding/json"

	"github.com/adamrefaey/asynctasq/internal/log"
	"github.com/redis/go-redis/v9"
)

// RedisPubSubSink implements the `pubsub{channel, connection}` sink variant
// named in spec §6's `events.sinks` config key, broadcasting every event as
// JSON on a Redis channel for remote observers (dashboards, other services).
type RedisPubSubSink struct {
	client  *redis.Client
	channel string
	ctx     context.Context
}

// NewRedisPubSubSink builds a sink publishing to channel over client.
func NewRedisPubSubSink(client *redis.Client, channel string) *RedisPubSubSink {
	return &RedisPubSubSink{client: client, channel: channel, ctx: context.Background()}
}

// Publish marshals e to JSON and publishes it, best-effort: a publish
// failure is logged as a warning but never blocks or panics the caller,
// since losing an observability event must never affect task delivery.
func (s *RedisPubSubSink) Publish(e Event) {
	b, err := json.Marshal(e)
	if err != nil {
		log.WARNING.WithError(err).Warn("pubsub sink: failed to marshal event")
		return
	}
	if err := s.client.Publish(s.ctx, s.channel, b).Err(); err != nil {
		log.WARNING.WithError(err).Warn("pubsub sink: failed to publish event")
	}
}
