package devserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/putto11262002/chatter-sync/core"
	"github.com/redis/go-redis/v9"
)

// Broker fans channel frames out to every server instance. Each instance
// delivers the frames it receives to its local subscribers.
type Broker interface {
	Publish(ctx context.Context, f *core.Frame) error
	// Run delivers published frames to deliver until ctx is done.
	Run(ctx context.Context, deliver func(*core.Frame)) error
	Close() error
}

// MemoryBroker serves a single instance.
type MemoryBroker struct {
	queue chan *core.Frame
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{queue: make(chan *core.Frame, 256)}
}

func (b *MemoryBroker) Publish(ctx context.Context, f *core.Frame) error {
	select {
	case b.queue <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *MemoryBroker) Run(ctx context.Context, deliver func(*core.Frame)) error {
	for {
		select {
		case f := <-b.queue:
			deliver(f)
		case <-ctx.Done():
			return nil
		}
	}
}

func (b *MemoryBroker) Close() error {
	return nil
}

// redisTopic is the pub/sub topic shared by all instances.
const redisTopic = "chatter-sync:frames"

// RedisBroker relays frames through redis pub/sub so several dev server
// instances can share channel subscribers.
type RedisBroker struct {
	client *redis.Client
	logger *slog.Logger
}

func NewRedisBroker(addr string, logger *slog.Logger) *RedisBroker {
	return &RedisBroker{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		logger: logger,
	}
}

func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBroker) Publish(ctx context.Context, f *core.Frame) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if err := b.client.Publish(ctx, redisTopic, payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (b *RedisBroker) Run(ctx context.Context, deliver func(*core.Frame)) error {
	sub := b.client.Subscribe(ctx, redisTopic)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}

	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var f core.Frame
			if err := json.Unmarshal([]byte(msg.Payload), &f); err != nil {
				b.logger.Error("decode broker frame", slog.Any("error", err))
				continue
			}
			deliver(&f)
		case <-ctx.Done():
			return nil
		}
	}
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}
