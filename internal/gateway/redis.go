package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisTransport fans operations out between nodes over Redis pub/sub.
// Pub/sub gives unordered, at-least-once-ish delivery to live
// subscribers, which is exactly the unreliable channel the engine is
// built to tolerate.
type RedisTransport struct {
	client *redis.Client
	prefix string
	pubsub *redis.PubSub
}

// NewRedisTransport connects to Redis by URL and verifies the
// connection.
func NewRedisTransport(redisURL string) (*RedisTransport, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisTransport{client: client, prefix: "concord:doc:"}, nil
}

// NewRedisTransportWithClient wraps an existing client.
func NewRedisTransportWithClient(client *redis.Client) *RedisTransport {
	return &RedisTransport{client: client, prefix: "concord:doc:"}
}

func (t *RedisTransport) channel(documentID string) string {
	return t.prefix + documentID
}

func (t *RedisTransport) Send(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := t.client.Publish(ctx, t.channel(msg.DocumentID), payload).Err(); err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	return nil
}

// Listen subscribes to every document channel and decodes deliveries
// onto the handler until the context is cancelled.
func (t *RedisTransport) Listen(ctx context.Context, handler func(Message)) error {
	t.pubsub = t.client.PSubscribe(ctx, t.prefix+"*")
	if _, err := t.pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	ch := t.pubsub.Channel()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case delivery, ok := <-ch:
				if !ok {
					return
				}
				var msg Message
				if err := json.Unmarshal([]byte(delivery.Payload), &msg); err != nil {
					log.Printf("gateway: bad message on %s: %v", delivery.Channel, err)
					continue
				}
				handler(msg)
			}
		}
	}()
	return nil
}

func (t *RedisTransport) Close() error {
	if t.pubsub != nil {
		_ = t.pubsub.Close()
	}
	return t.client.Close()
}

// Ping checks Redis reachability.
func (t *RedisTransport) Ping(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}
