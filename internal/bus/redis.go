package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"go-chat-core/internal/chat"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis fans messages out to every instance subscribed to one pub/sub channel.
type Redis struct {
	client  *redis.Client
	channel string
	log     *zap.Logger
	ready   chan struct{}
}

func NewRedis(client *redis.Client, channel string, log *zap.Logger) *Redis {
	return &Redis{
		client:  client,
		channel: channel,
		log:     log.Named("bus"),
		ready:   make(chan struct{}),
	}
}

func (b *Redis) Publish(ctx context.Context, msg *chat.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Ready is closed once the subscription is confirmed by the server.
func (b *Redis) Ready() <-chan struct{} {
	return b.ready
}

func (b *Redis) Run(ctx context.Context, h Handler) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe %s: %w", b.channel, err)
	}
	close(b.ready)
	b.log.Info("✅ Subscribed to Redis", zap.String("channel", b.channel))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			msg := &chat.Message{}
			if err := json.Unmarshal([]byte(m.Payload), msg); err != nil {
				b.log.Error("❌ dropping undecodable message", zap.Error(err))
				continue
			}
			h(ctx, msg)
		}
	}
}
