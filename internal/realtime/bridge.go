package realtime

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBridge implements the Publisher seam over Redis pub/sub so multiple
// server processes can share one logical room per thread.
type RedisBridge struct {
	client  *redis.Client
	channel string
}

func NewRedisBridge(redisURL, channel string) (*RedisBridge, error) {
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

	return &RedisBridge{client: client, channel: channel}, nil
}

func (b *RedisBridge) Publish(ctx context.Context, data []byte) error {
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("publish room event: %w", err)
	}
	return nil
}

// Run subscribes to the bridge channel and feeds every frame into the hub's
// local delivery until ctx is cancelled.
func (b *RedisBridge) Run(ctx context.Context, hub *Hub) {
	sub := b.client.Subscribe(ctx, b.channel)
	defer func() { _ = sub.Close() }()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Channel():
			if !ok {
				log.Printf("realtime: bridge subscription closed")
				return
			}
			hub.DeliverLocal([]byte(msg.Payload))
		}
	}
}

func (b *RedisBridge) Close() error {
	return b.client.Close()
}
