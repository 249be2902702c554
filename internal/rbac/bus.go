package rbac

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
)

// Invalidation scopes carried on the bus
const (
	ScopeAll = "all"
	ScopeOne = "one"
)

// Invalidation is the message published when role data changes.
type Invalidation struct {
	Origin string `json:"origin"`
	Scope  string `json:"scope"`
	Key    string `json:"key,omitempty"`
}

// Invalidator is the local side that applies remote invalidations.
type Invalidator interface {
	InvalidateOne(key string)
	InvalidateAll()
}

// RedisBus fans cache invalidations out to every instance sharing the
// channel. Messages an instance published itself are ignored on receipt.
type RedisBus struct {
	client     redis.UniversalClient
	channel    string
	instanceID string
	target     Invalidator
	logger     *slog.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	done   chan struct{}
}

// NewRedisBus creates a bus; call Start to begin applying remote messages.
func NewRedisBus(client redis.UniversalClient, channel string, target Invalidator, logger *slog.Logger) *RedisBus {
	return &RedisBus{
		client:     client,
		channel:    channel,
		instanceID: ulid.Make().String(),
		target:     target,
		logger:     logger,
	}
}

// InstanceID identifies this process on the bus.
func (b *RedisBus) InstanceID() string {
	return b.instanceID
}

// PublishOne announces that one principal's entry is stale.
func (b *RedisBus) PublishOne(ctx context.Context, key string) error {
	return b.publish(ctx, Invalidation{Origin: b.instanceID, Scope: ScopeOne, Key: key})
}

// PublishAll announces that every entry is stale.
func (b *RedisBus) PublishAll(ctx context.Context) error {
	return b.publish(ctx, Invalidation{Origin: b.instanceID, Scope: ScopeAll})
}

func (b *RedisBus) publish(ctx context.Context, msg Invalidation) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish invalidation: %w", err)
	}
	return nil
}

// Start subscribes and returns once the subscription is confirmed.
// Messages are applied on a background goroutine until ctx is cancelled
// or Close is called.
func (b *RedisBus) Start(ctx context.Context) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}

	b.mu.Lock()
	b.pubsub = pubsub
	b.done = make(chan struct{})
	done := b.done
	b.mu.Unlock()

	go func() {
		defer close(done)
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				b.apply(msg.Payload)
			}
		}
	}()

	b.logger.Info("rbac invalidation bus subscribed",
		slog.String("channel", b.channel),
		slog.String("instance_id", b.instanceID))
	return nil
}

// Close stops the subscription and waits for the receive loop to exit.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	pubsub, done := b.pubsub, b.done
	b.pubsub = nil
	b.mu.Unlock()

	if pubsub == nil {
		return nil
	}
	err := pubsub.Close()
	<-done
	return err
}

func (b *RedisBus) apply(payload string) {
	var msg Invalidation
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		b.logger.Warn("ignoring malformed invalidation", slog.Any("error", err))
		return
	}
	if msg.Origin == b.instanceID {
		return
	}

	switch msg.Scope {
	case ScopeAll:
		b.target.InvalidateAll()
	case ScopeOne:
		if msg.Key == "" {
			return
		}
		b.target.InvalidateOne(msg.Key)
	default:
		b.logger.Warn("ignoring invalidation with unknown scope", slog.String("scope", msg.Scope))
		return
	}

	b.logger.Debug("applied remote invalidation",
		slog.String("origin", msg.Origin),
		slog.String("scope", msg.Scope))
}
