package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var errRedisMissingAddress = errors.New("redis relay requires an address")

// Redis is the cross-instance Relay. Events are JSON envelopes on Redis
// pub/sub channels, so every instance subscribed to a document sees edits
// accepted by any other instance.
type Redis struct {
	client redis.UniversalClient
	logger *zap.Logger
}

// RedisConfig configures the Redis relay. Client, when set, overrides
// Address and is used as is.
type RedisConfig struct {
	Address string
	Client  redis.UniversalClient
	Logger  *zap.Logger
}

// NewRedis connects to Redis and verifies the connection with a ping.
func NewRedis(ctx context.Context, config RedisConfig) (*Redis, error) {
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	client := config.Client
	if client == nil {
		if config.Address == "" {
			return nil, errRedisMissingAddress
		}
		options, err := redis.ParseURL(config.Address)
		if err != nil {
			options = &redis.Options{Addr: config.Address}
		}
		client = redis.NewClient(options)
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Redis{client: client, logger: logger}, nil
}

// Publish sends the event to every instance subscribed to the channel.
func (r *Redis) Publish(ctx context.Context, channel string, event Event) error {
	if channel == "" || event.Name == "" {
		return nil
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode relay event: %w", err)
	}
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish relay event: %w", err)
	}
	return nil
}

// Subscribe consumes the channel until the returned cancel function runs or
// the context ends. Malformed envelopes are logged and skipped.
func (r *Redis) Subscribe(ctx context.Context, channel string, handler Handler) (func(), error) {
	pubsub := r.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	go func() {
		messages := pubsub.Channel()
		for {
			select {
			case message, ok := <-messages:
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(message.Payload), &event); err != nil {
					r.logger.Error("relay envelope rejected",
						zap.String("channel", channel),
						zap.Error(err))
					continue
				}
				handler(event)
			case <-ctx.Done():
				return
			}
		}
	}()

	return func() { _ = pubsub.Close() }, nil
}

// Close releases the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}
