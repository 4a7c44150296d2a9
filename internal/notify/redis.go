package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/jwalitptl/carelink/pkg/logger"
)

const DefaultChannel = "carelink:events"

// RedisNotifier publishes events as JSON on a pub/sub channel.
type RedisNotifier struct {
	client  redis.UniversalClient
	channel string
	logger  *logger.Logger
}

func NewRedisNotifier(ctx context.Context, url, channel string, log *logger.Logger) (*RedisNotifier, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisNotifierFromClient(client, channel, log), nil
}

func NewRedisNotifierFromClient(client redis.UniversalClient, channel string, log *logger.Logger) *RedisNotifier {
	if channel == "" {
		channel = DefaultChannel
	}
	if log == nil {
		log = logger.Nop()
	}
	return &RedisNotifier{client: client, channel: channel, logger: log.With("notify")}
}

func (n *RedisNotifier) Notify(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return n.client.Publish(ctx, n.channel, payload).Err()
}

// Subscribe streams events published on the channel until ctx is done.
// Messages that are not events are skipped.
func (n *RedisNotifier) Subscribe(ctx context.Context) (<-chan Event, error) {
	pubsub := n.client.Subscribe(ctx, n.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", n.channel, err)
	}

	events := make(chan Event, 100)
	go func() {
		defer func() {
			pubsub.Close()
			close(events)
		}()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var e Event
				if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
					n.logger.Debug("Skipping malformed event", "error", err.Error())
					continue
				}
				select {
				case events <- e:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return events, nil
}

func (n *RedisNotifier) Close() error {
	return n.client.Close()
}
