package publisher

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/uhyunpark/matchd/pkg/app/engine"
)

// redisClient is the subset of *redis.Client the publisher uses.
type redisClient interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Redis pushes durable events onto a list, publishes live topics with
// PUBLISH and answers clients on a channel named after their client ID.
type Redis struct {
	client  redisClient
	dbQueue string
}

func NewRedis(client redisClient, dbQueue string) *Redis {
	return &Redis{client: client, dbQueue: dbQueue}
}

func (r *Redis) Name() string { return "redis" }

func (r *Redis) Append(ctx context.Context, msg engine.DBMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type, err)
	}
	if err := r.client.LPush(ctx, r.dbQueue, b).Err(); err != nil {
		return fmt.Errorf("lpush %s: %w", r.dbQueue, err)
	}
	return nil
}

func (r *Redis) Broadcast(ctx context.Context, msg engine.StreamMessage) error {
	return r.publish(ctx, msg.Stream, msg)
}

func (r *Redis) Send(ctx context.Context, clientID string, reply engine.Reply) error {
	return r.publish(ctx, clientID, reply)
}

func (r *Redis) publish(ctx context.Context, channel string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message for %s: %w", channel, err)
	}
	if err := r.client.Publish(ctx, channel, b).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

var (
	_ DurableSink = (*Redis)(nil)
	_ Broadcaster = (*Redis)(nil)
	_ ReplySender = (*Redis)(nil)
)
