package events

import (
	"context"

	redisv9 "github.com/redis/go-redis/v9"
)

const defaultChannel = "askdocs:events"

// RedisBroadcaster carries envelopes over a Redis pub/sub channel so every
// process instance sees every published event.
type RedisBroadcaster struct {
	client  *redisv9.Client
	channel string
}

func NewRedisBroadcaster(client *redisv9.Client, channel string) *RedisBroadcaster {
	if channel == "" {
		channel = defaultChannel
	}
	return &RedisBroadcaster{client: client, channel: channel}
}

func (b *RedisBroadcaster) Broadcast(ctx context.Context, payload []byte) error {
	return b.client.Publish(ctx, b.channel, payload).Err()
}

func (b *RedisBroadcaster) Subscribe(ctx context.Context) (<-chan []byte, error) {
	sub := b.client.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}

	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
