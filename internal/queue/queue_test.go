package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/arbiter-oj/arbiter/internal/queue"
)

func TestQueue_PublishFetchAck(t *testing.T) {
	q, mr := makeQueue(t)
	ctx := context.Background()

	rid1 := uuid.Must(uuid.NewV7())
	rid2 := uuid.Must(uuid.NewV7())
	require.NoError(t, q.Publish(ctx, rid1))
	require.NoError(t, q.Publish(ctx, rid2))

	c := q.Consumer("c1")

	d1, ok, err := c.Fetch(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, rid1, d1.Rid)

	d2, ok, err := c.Fetch(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, rid2, d2.Rid)

	require.NoError(t, c.Ack(ctx, d1.Handle))
	require.NoError(t, c.Ack(ctx, d2.Handle))

	// Nothing pending, nothing new.
	mr.FastForward(0)
	_, ok, err = c.Fetch(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestQueue_NackRedelivers(t *testing.T) {
	q, _ := makeQueue(t)
	ctx := context.Background()

	rid := uuid.Must(uuid.NewV7())
	require.NoError(t, q.Publish(ctx, rid))

	c1 := q.Consumer("c1")
	d, ok, err := c1.Fetch(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, c1.Nack(ctx, d))

	// The record comes back, possibly to a different consumer, under a
	// fresh handle.
	c2 := q.Consumer("c2")
	d2, ok, err := c2.Fetch(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, rid, d2.Rid)
	require.NotEqual(t, d.Handle, d2.Handle)
}

func TestQueue_ClaimsStrandedDeliveries(t *testing.T) {
	q, mr := makeQueue(t)
	ctx := context.Background()

	rid := uuid.Must(uuid.NewV7())
	require.NoError(t, q.Publish(ctx, rid))

	// c1 fetches and then goes away without acknowledging.
	c1 := q.Consumer("c1")
	d, ok, err := c1.Fetch(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, rid, d.Rid)

	// Before the idle threshold the delivery stays pending for c1.
	c2 := q.Consumer("c2")
	_, ok, err = c2.Fetch(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	// Past the idle threshold the delivery is claimed away from c1.
	mr.FastForward(2 * time.Minute)

	d2, ok, err := c2.Fetch(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, rid, d2.Rid)
}

func TestQueue_InitIdempotent(t *testing.T) {
	q, _ := makeQueue(t)

	// makeQueue already ran Init once.
	require.NoError(t, q.Init(context.Background()))
}

func makeQueue(t *testing.T) (*queue.Queue, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{mr.Addr()}})
	t.Cleanup(func() { _ = rdb.Close() })

	q := queue.New(queue.Config{
		Redis:  rdb,
		Stream: "arbiter:jobs",
		Group:  "judges",
	})
	require.NoError(t, q.Init(context.Background()))

	return q, mr
}
