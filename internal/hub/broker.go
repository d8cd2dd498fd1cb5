package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Envelope carries one relayed message between relay nodes.
type Envelope struct {
	Node    string `json:"node"`
	Room    string `json:"room"`
	Payload []byte `json:"payload"`
}

// Broker fans room traffic out to every relay node. A node receives its
// own publications too and is expected to drop them by Node.
type Broker interface {
	Publish(ctx context.Context, env Envelope) error
	Subscribe(ctx context.Context, room string, fn func(Envelope)) (unsubscribe func(), err error)
	Close() error
}

// RedisBroker fans out over Redis pub/sub, one channel per room.
type RedisBroker struct {
	rdb *redis.Client
}

// NewRedisBroker connects to addr and checks the connection.
func NewRedisBroker(ctx context.Context, addr string) (*RedisBroker, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return NewRedisBrokerFromClient(rdb), nil
}

// NewRedisBrokerFromClient wraps an existing client. The broker owns it
// from then on and closes it in Close.
func NewRedisBrokerFromClient(rdb *redis.Client) *RedisBroker {
	return &RedisBroker{rdb: rdb}
}

// ChannelName returns the pub/sub channel of a room.
func ChannelName(room string) string {
	return "codewithme:" + room
}

// Publish sends env on the room's channel.
func (b *RedisBroker) Publish(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if err := b.rdb.Publish(ctx, ChannelName(env.Room), data).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", ChannelName(env.Room), err)
	}
	return nil
}

// Subscribe listens on the room's channel until unsubscribe is called.
func (b *RedisBroker) Subscribe(ctx context.Context, room string, fn func(Envelope)) (func(), error) {
	pubsub := b.rdb.Subscribe(ctx, ChannelName(room))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", ChannelName(room), err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range pubsub.Channel() {
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				continue
			}
			fn(env)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			pubsub.Close()
			<-done
		})
	}, nil
}

// Close closes the Redis client.
func (b *RedisBroker) Close() error {
	return b.rdb.Close()
}
