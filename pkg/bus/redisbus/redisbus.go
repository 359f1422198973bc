package redisbus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cyclopcam/displaydetections/pkg/bus"
	"github.com/cyclopcam/logs"
	"github.com/redis/go-redis/v9"
)

// Package redisbus is a bus.Transport on top of Redis pub/sub.
//
// Redis pub/sub has no history, so TransientLocal topics also store their last
// payload under a key. A TransientLocal subscriber reads that key right after
// its subscription is confirmed. If a message is published in between, the
// subscriber may see it twice.

const DefaultPrefix = "displaydetections"

type Bus struct {
	Log    logs.Log
	client *redis.Client
	prefix string
	owned  bool // True if we created client, and must close it
}

// Dial connects to the Redis server at url (eg "redis://localhost:6379/0")
func Dial(ctx context.Context, logger logs.Log, url string) (*Bus, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("Invalid redis URL '%v': %w", url, err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("Failed to connect to redis at %v: %w", opt.Addr, err)
	}
	b := New(logger, client, DefaultPrefix)
	b.owned = true
	b.Log.Infof("Connected to redis at %v", opt.Addr)
	return b, nil
}

// New wraps an existing client. The client is not closed by Close().
func New(logger logs.Log, client *redis.Client, prefix string) *Bus {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Bus{
		Log:    logger,
		client: client,
		prefix: prefix,
	}
}

func (b *Bus) channelName(topic string) string {
	return b.prefix + ":topic:" + topic
}

func (b *Bus) latchKey(topic string) string {
	return b.prefix + ":latched:" + topic
}

func (b *Bus) Publish(ctx context.Context, topic string, payload []byte, qos bus.QoS) error {
	_, err := b.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		if qos.Durability == bus.TransientLocal {
			pipe.Set(ctx, b.latchKey(topic), payload, 0)
		}
		pipe.Publish(ctx, b.channelName(topic), payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("Failed to publish to %v: %w", topic, err)
	}
	return nil
}

type subscription struct {
	pubsub *redis.PubSub
	once   sync.Once
	done   chan struct{}
	err    error
}

func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		close(s.done)
		s.err = s.pubsub.Close()
	})
	return s.err
}

func (b *Bus) Subscribe(ctx context.Context, topic string, qos bus.QoS, handler bus.Handler) (bus.Subscription, error) {
	pubsub := b.client.Subscribe(ctx, b.channelName(topic))
	// Wait for the server to confirm the subscription, so that nothing published after we return is lost
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("Failed to subscribe to %v: %w", topic, err)
	}

	var latched []byte
	if qos.Durability == bus.TransientLocal {
		v, err := b.client.Get(ctx, b.latchKey(topic)).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			pubsub.Close()
			return nil, fmt.Errorf("Failed to read latched value of %v: %w", topic, err)
		}
		latched = v
	}
	if latched != nil {
		b.Log.Infof("Subscribed to %v (latched value %v bytes)", topic, len(latched))
	} else {
		b.Log.Infof("Subscribed to %v", topic)
	}

	// go-redis drops a message if the channel stays full past its send timeout,
	// so Reliable is not a hard guarantee on this transport.
	ch := pubsub.Channel(redis.WithChannelSize(qos.QueueDepth()))
	sub := &subscription{
		pubsub: pubsub,
		done:   make(chan struct{}),
	}
	go func() {
		if latched != nil {
			handler(latched)
		}
		for msg := range ch {
			handler([]byte(msg.Payload))
		}
	}()
	go func() {
		select {
		case <-ctx.Done():
			sub.Unsubscribe()
		case <-sub.done:
		}
	}()
	return sub, nil
}

func (b *Bus) Close() error {
	if b.owned {
		return b.client.Close()
	}
	return nil
}
