package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/normanking/athena/internal/logging"
)

// RedisConfig holds configuration for the Redis relay.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// RedisRelay shares broadcasts between instances over Redis pub/sub.
// Every instance publishes its local messages and delivers what it
// receives; duplicates of its own messages are dropped by the subscribers.
type RedisRelay struct {
	rdb     *redis.Client
	channel string
	hub     *Hub
	log     *logging.Logger
}

// NewRedisRelay connects to Redis and attaches the relay to hub.
func NewRedisRelay(cfg RedisConfig, hub *Hub) (*RedisRelay, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	channel := cfg.Channel
	if channel == "" {
		channel = "athena:insights"
	}
	r := &RedisRelay{rdb: rdb, channel: channel, hub: hub, log: logging.WithComponent("broadcast.redis")}
	hub.SetRelay(r)
	return r, nil
}

// Publish sends a message to the other instances.
func (r *RedisRelay) Publish(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := r.rdb.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Run delivers relayed messages to the hub until ctx is done.
func (r *RedisRelay) Run(ctx context.Context) error {
	sub := r.rdb.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe %s: %w", r.channel, err)
	}
	r.log.Info("relaying broadcasts on %s", r.channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var msg Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				r.log.Warn("ignoring malformed relay message: %v", err)
				continue
			}
			r.hub.Deliver(msg)
		}
	}
}

// Close releases the Redis connection.
func (r *RedisRelay) Close() error {
	return r.rdb.Close()
}
