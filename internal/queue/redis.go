package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisBroker implements Broker on top of Redis lists. Each queue is a
// list; in-flight messages sit on a per-queue processing list until
// acked, so a crashed consumer leaves them recoverable. Delayed messages
// wait in a sorted set keyed by ready time and are promoted on dequeue.
type RedisBroker struct {
	client *redis.Client
}

// NewRedisBroker connects to Redis and verifies the connection.
func NewRedisBroker(ctx context.Context, addr, password string, db int) (*RedisBroker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &RedisBroker{client: client}, nil
}

func delayedKey(queue string) string    { return queue + ":delayed" }
func processingKey(queue string) string { return queue + ":processing" }

// Enqueue adds a payload to the named queue, deferred by delay if positive.
func (b *RedisBroker) Enqueue(ctx context.Context, queue string, payload []byte, delay time.Duration) error {
	if delay > 0 {
		readyAt := time.Now().Add(delay).UnixMilli()
		err := b.client.ZAdd(ctx, delayedKey(queue), &redis.Z{
			Score:  float64(readyAt),
			Member: payload,
		}).Err()
		if err != nil {
			return fmt.Errorf("schedule delayed message on %s: %w", queue, err)
		}
		return nil
	}
	if err := b.client.LPush(ctx, queue, payload).Err(); err != nil {
		return fmt.Errorf("enqueue on %s: %w", queue, err)
	}
	return nil
}

// Dequeue promotes due delayed messages, then blocks on the queue. The
// message is parked on the processing list until Ack or Nack.
func (b *RedisBroker) Dequeue(ctx context.Context, queue string, timeout time.Duration) (*Message, error) {
	if err := b.promoteDue(ctx, queue); err != nil {
		return nil, err
	}
	payload, err := b.client.BRPopLPush(ctx, queue, processingKey(queue), timeout).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue from %s: %w", queue, err)
	}
	return &Message{Queue: queue, Payload: []byte(payload)}, nil
}

// promoteDue moves delayed messages whose ready time has passed onto the
// live queue.
func (b *RedisBroker) promoteDue(ctx context.Context, queue string) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	due, err := b.client.ZRangeByScore(ctx, delayedKey(queue), &redis.ZRangeBy{
		Min: "-inf", Max: now, Count: 100,
	}).Result()
	if err != nil {
		return fmt.Errorf("read delayed set for %s: %w", queue, err)
	}
	for _, member := range due {
		pipe := b.client.TxPipeline()
		pipe.ZRem(ctx, delayedKey(queue), member)
		pipe.LPush(ctx, queue, member)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("promote delayed message on %s: %w", queue, err)
		}
	}
	return nil
}

// Ack drops the message from the processing list.
func (b *RedisBroker) Ack(ctx context.Context, msg *Message) error {
	if err := b.client.LRem(ctx, processingKey(msg.Queue), 1, msg.Payload).Err(); err != nil {
		return fmt.Errorf("ack on %s: %w", msg.Queue, err)
	}
	return nil
}

// Nack moves the message from the processing list back to the queue.
func (b *RedisBroker) Nack(ctx context.Context, msg *Message) error {
	pipe := b.client.TxPipeline()
	pipe.LRem(ctx, processingKey(msg.Queue), 1, msg.Payload)
	pipe.LPush(ctx, msg.Queue, msg.Payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("nack on %s: %w", msg.Queue, err)
	}
	return nil
}

// Publish emits a notification on the pub/sub channel.
func (b *RedisBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish on %s: %w", channel, err)
	}
	return nil
}

// Close shuts down the underlying client.
func (b *RedisBroker) Close() error {
	return b.client.Close()
}
