package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/arbiter-oj/arbiter/internal/telemetry"
)

const (
	defaultPoolSize = 10000
	defaultTimeout  = 30 * time.Second
	retryInterval   = 2 * time.Second
)

// Event is one keyed notification fanned out to every interested
// subscriber. Value is an opaque payload, JSON-encoded by the publisher
// when structured.
type Event struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type Handler func(ctx context.Context, e Event) error

// Subscription identifies one registered handler and its interest set.
// Handlers are not comparable, so the registry is keyed by this handle.
type Subscription struct {
	keys map[string]struct{}
	h    Handler
}

// Bus is a fanout publish/subscribe layer backed by a redis pub/sub
// channel. Subscription state is process-local: a lost broker connection
// is retried with backoff and delivery resumes without re-subscribing.
// Delivery is fire-and-forget, at most once per connected subscriber.
type Bus struct {
	rdb     redis.UniversalClient
	channel string

	pool chan struct{}
	wg   *sync.WaitGroup

	mu   sync.RWMutex
	subs map[*Subscription]struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

type Config struct {
	Redis   redis.UniversalClient
	Channel string
}

// New creates the bus and starts its receive loop. Caller should call Stop
// for graceful shutdown.
func New(c Config) *Bus {
	b := &Bus{
		rdb:     c.Redis,
		channel: c.Channel,
		pool:    make(chan struct{}, defaultPoolSize),
		wg:      new(sync.WaitGroup),
		subs:    make(map[*Subscription]struct{}),
		done:    make(chan struct{}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	go b.listen(ctx)

	return b
}

// Subscribe registers h for the given keys and returns the handle needed
// to unsubscribe.
func (b *Bus) Subscribe(h Handler, keys ...string) *Subscription {
	s := &Subscription{
		keys: make(map[string]struct{}, len(keys)),
		h:    h,
	}
	for _, k := range keys {
		s.keys[k] = struct{}{}
	}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe deregisters s. Unsubscribing twice is a no-op.
func (b *Bus) Unsubscribe(s *Subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

// Publish broadcasts the event to all currently connected subscribers
// interested in key, in this process and every other process attached to
// the same channel. No persistence, no replay.
func (b *Bus) Publish(ctx context.Context, key, value string) error {
	payload, err := json.Marshal(Event{Key: key, Value: value})
	if err != nil {
		return fmt.Errorf("bus: marshal %s: %v", key, err)
	}

	if err := b.rdb.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("bus: publish %s: %w", key, err)
	}

	telemetry.BusEvents.WithLabelValues(key).Inc()
	return nil
}

// Stop tears down the receive loop and waits for in-flight handlers.
func (b *Bus) Stop() {
	b.cancel()
	<-b.done
	b.wg.Wait()
}

func (b *Bus) listen(ctx context.Context) {
	defer close(b.done)

	for {
		err := b.consume(ctx)
		if ctx.Err() != nil {
			return
		}

		slog.WarnContext(ctx, "bus: channel lost, waiting for retry", "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(retryInterval):
		}
	}
}

func (b *Bus) consume(ctx context.Context) error {
	sub := b.rdb.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}

	for {
		m, err := sub.ReceiveMessage(ctx)
		if err != nil {
			return err
		}

		var e Event
		if err := json.Unmarshal([]byte(m.Payload), &e); err != nil {
			slog.ErrorContext(ctx, "bus: drop malformed event", "error", err)
			continue
		}

		b.fanout(ctx, e)
	}
}

func (b *Bus) fanout(ctx context.Context, e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for s := range b.subs {
		if _, ok := s.keys[e.Key]; ok {
			b.dispatch(ctx, s.h, e)
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, h Handler, e Event) {
	b.wg.Add(1)

	b.pool <- struct{}{}

	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultTimeout)
		defer func() {
			if r := recover(); r != nil {
				slog.ErrorContext(ctx, "bus: handler panic",
					"error", fmt.Errorf("%v, stack: %s", r, debug.Stack()),
				)
			}

			cancel()
			<-b.pool
			b.wg.Done()
		}()

		if err := h(ctx, e); err != nil {
			slog.ErrorContext(ctx, "bus: handle event failed",
				"key", e.Key,
				"error", err,
			)
		}
	}()
}
