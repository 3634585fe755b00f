package brokers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/adamrefaey/asynctasq/internal/log"
	"github.com/adamrefaey/asynctasq/tasks"
	"github.com/redis/go-redis/v9"
)

// redisReceipt is the opaque Receipt handed back for Redis-sourced
// envelopes: the queue it came from (to requeue onto) plus its own ID,
// which doubles as the inflight/delayed sorted-set member.
type redisReceipt struct {
	id    string
	queue string
}

// Redis is the Redis-backed broker adapter (spec §4.1). Key layout, ported
// from the priority-list + delayed-ZSET pattern common across the
// reference corpus's Redis queue adapters:
//
//	{prefix}ready:{queue}      LIST   ready envelope IDs, priority-ordered by queue name order
//	{prefix}inflight:{queue}   ZSET   member=id, score=visibility deadline unix ms
//	{prefix}delayed:{queue}    ZSET   member=id, score=available-at unix ms
//	{prefix}envelope:{id}      STRING JSON-encoded wireEnvelope
//	{prefix}dlq:{queue}        LIST   dead-lettered envelope IDs
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis builds a Redis broker adapter over an already-configured client.
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "asynctasq:"
	}
	return &Redis{client: client, prefix: prefix}
}

func (b *Redis) Capabilities() Capabilities {
	return Capabilities{SupportsDeadLetter: true, SupportsExtend: true, NativeDelayScheduling: true}
}

func (b *Redis) Connect(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return &FatalBrokerError{Err: err}
	}
	log.INFO.Info("redis broker connected")
	return nil
}

func (b *Redis) Disconnect(ctx context.Context) error {
	return b.client.Close()
}

func (b *Redis) readyKey(q string) string    { return b.prefix + "ready:" + q }
func (b *Redis) inflightKey(q string) string { return b.prefix + "inflight:" + q }
func (b *Redis) delayedKey(q string) string  { return b.prefix + "delayed:" + q }
func (b *Redis) envelopeKey(id string) string { return b.prefix + "envelope:" + id }
func (b *Redis) dlqKey(q string) string      { return b.prefix + "dlq:" + q }

// Enqueue places env onto its queue, either ready immediately or onto the
// delayed set if AvailableAt is in the future.
func (b *Redis) Enqueue(ctx context.Context, env *tasks.Envelope) error {
	if env.ID == "" {
		env.ID = tasks.NewID()
	}
	body, err := json.Marshal(toWire(env))
	if err != nil {
		return err
	}
	pipe := b.client.TxPipeline()
	pipe.Set(ctx, b.envelopeKey(env.ID), body, 0)
	if env.AvailableAt.After(time.Now().UTC()) {
		pipe.ZAdd(ctx, b.delayedKey(env.Queue), redis.Z{Score: float64(env.AvailableAt.UnixMilli()), Member: env.ID})
	} else {
		pipe.LPush(ctx, b.readyKey(env.Queue), env.ID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// promoteDue moves delayed envelopes whose AvailableAt has passed onto the
// ready list, and requeues inflight envelopes whose lease expired without a
// terminal op (the Redis analogue of visibility-timeout crash recovery).
func (b *Redis) promoteDue(ctx context.Context, q string) {
	now := float64(time.Now().UTC().UnixMilli())

	due, err := b.client.ZRangeByScore(ctx, b.delayedKey(q), &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%f", now)}).Result()
	if err == nil {
		for _, id := range due {
			pipe := b.client.TxPipeline()
			pipe.ZRem(ctx, b.delayedKey(q), id)
			pipe.LPush(ctx, b.readyKey(q), id)
			pipe.Exec(ctx)
		}
	}

	expired, err := b.client.ZRangeByScore(ctx, b.inflightKey(q), &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%f", now)}).Result()
	if err == nil {
		for _, id := range expired {
			pipe := b.client.TxPipeline()
			pipe.ZRem(ctx, b.inflightKey(q), id)
			pipe.LPush(ctx, b.readyKey(q), id)
			pipe.Exec(ctx)
		}
	}
}

func (b *Redis) Dequeue(ctx context.Context, queues []string, max int, leaseDuration time.Duration) ([]*tasks.Envelope, error) {
	var out []*tasks.Envelope
	deadline := time.Now().UTC().Add(leaseDuration)

	for _, q := range queues {
		if len(out) >= max {
			break
		}
		b.promoteDue(ctx, q)

		for len(out) < max {
			id, err := b.client.RPop(ctx, b.readyKey(q)).Result()
			if err == redis.Nil {
				break
			}
			if err != nil {
				return out, &TransientBrokerError{Err: err}
			}

			body, err := b.client.Get(ctx, b.envelopeKey(id)).Result()
			if err == redis.Nil {
				continue // envelope expired/purged concurrently; skip
			}
			if err != nil {
				return out, &TransientBrokerError{Err: err}
			}

			var w wireEnvelope
			if err := json.Unmarshal([]byte(body), &w); err != nil {
				continue
			}
			env := fromWire(w)
			env.ID = id
			env.Queue = q
			env.VisibilityDeadline = deadline
			env.Receipt = &redisReceipt{id: id, queue: q}

			if err := b.client.ZAdd(ctx, b.inflightKey(q), redis.Z{Score: float64(deadline.UnixMilli()), Member: id}).Err(); err != nil {
				return out, &TransientBrokerError{Err: err}
			}
			out = append(out, env)
		}
	}
	return out, nil
}

func (b *Redis) Ack(ctx context.Context, receipt tasks.Receipt) error {
	r, ok := receipt.(*redisReceipt)
	if !ok {
		return nil
	}
	pipe := b.client.TxPipeline()
	pipe.ZRem(ctx, b.inflightKey(r.queue), r.id)
	pipe.Del(ctx, b.envelopeKey(r.id))
	_, err := pipe.Exec(ctx)
	return err
}

func (b *Redis) Nack(ctx context.Context, receipt tasks.Receipt, requeueDelay time.Duration) error {
	r, ok := receipt.(*redisReceipt)
	if !ok {
		return nil
	}
	pipe := b.client.TxPipeline()
	pipe.ZRem(ctx, b.inflightKey(r.queue), r.id)
	if requeueDelay > 0 {
		pipe.ZAdd(ctx, b.delayedKey(r.queue), redis.Z{Score: float64(time.Now().UTC().Add(requeueDelay).UnixMilli()), Member: r.id})
	} else {
		pipe.LPush(ctx, b.readyKey(r.queue), r.id)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (b *Redis) Extend(ctx context.Context, receipt tasks.Receipt, additional time.Duration) error {
	r, ok := receipt.(*redisReceipt)
	if !ok {
		return nil
	}
	score, err := b.client.ZScore(ctx, b.inflightKey(r.queue), r.id).Result()
	if err == redis.Nil {
		return ErrLeaseExpired
	}
	if err != nil {
		return &TransientBrokerError{Err: err}
	}
	deadline := time.UnixMilli(int64(score))
	if !deadline.After(time.Now().UTC()) {
		return ErrLeaseExpired
	}
	newDeadline := deadline.Add(additional)
	return b.client.ZAdd(ctx, b.inflightKey(r.queue), redis.Z{Score: float64(newDeadline.UnixMilli()), Member: r.id}).Err()
}

func (b *Redis) MoveToDeadLetter(ctx context.Context, receipt tasks.Receipt, failure Failure) error {
	r, ok := receipt.(*redisReceipt)
	if !ok {
		return nil
	}
	pipe := b.client.TxPipeline()
	pipe.ZRem(ctx, b.inflightKey(r.queue), r.id)
	pipe.LPush(ctx, b.dlqKey(r.queue), r.id)
	pipe.HSet(ctx, b.prefix+"dlq-reason:"+r.id, "kind", failure.ErrorKind, "message", failure.Message)
	_, err := pipe.Exec(ctx)
	return err
}
