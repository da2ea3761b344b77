package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/arbiter-oj/arbiter/internal/telemetry"
)

const (
	fieldRid = "rid"

	// blockInterval bounds one XREADGROUP round-trip so consumers notice
	// context cancellation.
	blockInterval = 5 * time.Second

	// claimMinIdle is how long a delivered-but-unacknowledged message may
	// sit in another consumer's pending list before it is claimed away.
	// This is the broker-level requeue-on-disconnect the session layer
	// designs around.
	claimMinIdle = time.Minute
)

// Queue is the durable judge-job queue: one stream message per record
// awaiting judgment, body is just the record id. Consumers in one group
// each see a message at most once until it is acknowledged, negatively
// acknowledged, or claimed back after its consumer went away.
type Queue struct {
	rdb    redis.UniversalClient
	stream string
	group  string
}

type Config struct {
	Redis  redis.UniversalClient
	Stream string
	Group  string
}

func New(c Config) *Queue {
	return &Queue{
		rdb:    c.Redis,
		stream: c.Stream,
		group:  c.Group,
	}
}

// Init creates the stream and consumer group if they do not exist yet.
func (q *Queue) Init(ctx context.Context) error {
	err := q.rdb.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("queue: create group: %w", err)
	}
	return nil
}

// Publish enqueues one judge job for the record.
func (q *Queue) Publish(ctx context.Context, rid uuid.UUID) error {
	err := q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		ID:     "*",
		Values: map[string]any{fieldRid: rid.String()},
	}).Err()
	if err != nil {
		return fmt.Errorf("queue: publish %s: %w", rid, err)
	}

	telemetry.JobsPublished.Inc()
	return nil
}

// Consumer binds a named consumer to the group. One consumer exists per
// connected worker session.
func (q *Queue) Consumer(name string) *Consumer {
	return &Consumer{q: q, name: name}
}

// Delivery is one dequeued job. Handle is the broker-assigned token used
// for ack/nack, distinct from the record id.
type Delivery struct {
	Handle string
	Rid    uuid.UUID
}

type Consumer struct {
	q    *Queue
	name string
}

// Fetch returns the next delivery, preferring messages stranded in a dead
// consumer's pending list over new ones. ok is false when nothing arrived
// within one blocking interval; malformed messages are acknowledged and
// skipped.
func (c *Consumer) Fetch(ctx context.Context) (d Delivery, ok bool, err error) {
	for {
		msg, got, err := c.next(ctx)
		if err != nil {
			return Delivery{}, false, err
		}
		if !got {
			return Delivery{}, false, nil
		}

		rid, err := uuid.Parse(fmt.Sprint(msg.Values[fieldRid]))
		if err != nil {
			slog.WarnContext(ctx, "queue: drop malformed message",
				"handle", msg.ID,
				"error", err,
			)
			if err := c.Ack(ctx, msg.ID); err != nil {
				return Delivery{}, false, err
			}
			continue
		}

		return Delivery{Handle: msg.ID, Rid: rid}, true, nil
	}
}

func (c *Consumer) next(ctx context.Context) (redis.XMessage, bool, error) {
	claimed, _, err := c.q.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.q.stream,
		Group:    c.q.group,
		Consumer: c.name,
		MinIdle:  claimMinIdle,
		Start:    "0",
		Count:    1,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return redis.XMessage{}, false, fmt.Errorf("queue: autoclaim: %w", err)
	}
	if len(claimed) > 0 {
		return claimed[0], true, nil
	}

	res, err := c.q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.q.group,
		Consumer: c.name,
		Streams:  []string{c.q.stream, ">"},
		Count:    1,
		Block:    blockInterval,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return redis.XMessage{}, false, nil
	}
	if err != nil {
		return redis.XMessage{}, false, fmt.Errorf("queue: read: %w", err)
	}

	for _, stream := range res {
		for _, msg := range stream.Messages {
			return msg, true, nil
		}
	}
	return redis.XMessage{}, false, nil
}

// Ack permanently removes a delivered message.
func (c *Consumer) Ack(ctx context.Context, handle string) error {
	if err := c.q.rdb.XAck(ctx, c.q.stream, c.q.group, handle).Err(); err != nil {
		return fmt.Errorf("queue: ack %s: %w", handle, err)
	}
	return nil
}

// Nack removes the delivered message and re-enqueues the record, so the
// broker redelivers it, possibly to another consumer.
func (c *Consumer) Nack(ctx context.Context, d Delivery) error {
	if err := c.Ack(ctx, d.Handle); err != nil {
		return err
	}
	return c.q.Publish(ctx, d.Rid)
}
