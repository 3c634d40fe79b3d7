package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// NewRedisClient parses REDIS_URL and checks the server is reachable.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// RedisBus publishes events to Channel and relays everything received on it,
// including its own messages, to the local sink.
type RedisBus struct {
	client  *redis.Client
	channel string
	sink    Sink
	logger  zerolog.Logger
}

func NewRedisBus(client *redis.Client, sink Sink, logger zerolog.Logger) *RedisBus {
	return &RedisBus{
		client:  client,
		channel: Channel,
		sink:    sink,
		logger:  logger.With().Str("component", "event-bus").Logger(),
	}
}

func (b *RedisBus) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Run subscribes to the channel and relays messages until ctx is done.
func (b *RedisBus) Run(ctx context.Context) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	b.logger.Info().Str("channel", b.channel).Msg("subscribed to queue events")

	b.relay(ctx, pubsub.Channel())
	return nil
}

func (b *RedisBus) relay(ctx context.Context, ch <-chan *redis.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				b.logger.Warn().Err(err).Msg("dropping malformed queue event")
				continue
			}
			b.sink.Broadcast(event.Topic, event)
		}
	}
}

// Local delivers events straight to the sink of this instance.
type Local struct {
	sink Sink
}

func NewLocal(sink Sink) *Local {
	return &Local{sink: sink}
}

func (l *Local) Publish(_ context.Context, event Event) error {
	l.sink.Broadcast(event.Topic, event)
	return nil
}
