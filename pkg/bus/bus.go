package bus

import (
	"context"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

// Package bus is a small topic-based publish/subscribe layer.
// Transports move opaque payloads. Publisher and Subscribe add a JSON codec on top.

type Reliability int

const (
	Reliable   Reliability = iota // Keep last Depth messages. When the queue is full, the oldest queued message is replaced
	BestEffort                    // When the subscriber's queue is full, new messages are dropped
)

type Durability int

const (
	Volatile       Durability = iota // Late subscribers only see messages published after they joined
	TransientLocal                   // The last message is retained, and delivered to late subscribers
)

// QoS controls delivery of messages on a topic
type QoS struct {
	Reliability Reliability
	Durability  Durability
	Depth       int // Queue depth (history) of each subscriber
}

// Default QoS for sensor streams
var DefaultQoS = QoS{
	Reliability: Reliable,
	Durability:  Volatile,
	Depth:       10,
}

// LatchedQoS keeps the last message for late joiners
var LatchedQoS = QoS{
	Reliability: Reliable,
	Durability:  TransientLocal,
	Depth:       1,
}

// QueueDepth is Depth, but at least 1
func (q QoS) QueueDepth() int {
	if q.Depth <= 0 {
		return 1
	}
	return q.Depth
}

// Handler receives the raw payload of a message
type Handler func(payload []byte)

type Subscription interface {
	// Stop receiving messages. Queued messages are discarded, but a handler call
	// that is already running may still complete after Unsubscribe returns.
	Unsubscribe() error
}

// Transport is implemented by membus and redisbus
type Transport interface {
	Publish(ctx context.Context, topic string, payload []byte, qos QoS) error
	Subscribe(ctx context.Context, topic string, qos QoS, handler Handler) (Subscription, error)
	Close() error
}

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func Marshal(msg any) ([]byte, error) {
	return json.Marshal(msg)
}

func Unmarshal(payload []byte, msg any) error {
	return json.Unmarshal(payload, msg)
}

// Publisher publishes typed messages onto a single topic
type Publisher[T any] struct {
	transport Transport
	topic     string
	qos       QoS
}

func NewPublisher[T any](transport Transport, topic string, qos QoS) *Publisher[T] {
	return &Publisher[T]{
		transport: transport,
		topic:     topic,
		qos:       qos,
	}
}

func (p *Publisher[T]) Topic() string {
	return p.topic
}

func (p *Publisher[T]) Publish(ctx context.Context, msg *T) error {
	payload, err := Marshal(msg)
	if err != nil {
		return fmt.Errorf("Failed to encode message for %v: %w", p.topic, err)
	}
	return p.transport.Publish(ctx, p.topic, payload, p.qos)
}

// Subscribe decodes every message on topic into a new T, and passes it to handler.
// Messages that fail to decode are passed to onError (which may be nil), and otherwise dropped.
func Subscribe[T any](ctx context.Context, transport Transport, topic string, qos QoS, handler func(msg *T), onError func(err error)) (Subscription, error) {
	return transport.Subscribe(ctx, topic, qos, func(payload []byte) {
		msg := new(T)
		if err := Unmarshal(payload, msg); err != nil {
			if onError != nil {
				onError(fmt.Errorf("Failed to decode message on %v: %w", topic, err))
			}
			return
		}
		handler(msg)
	})
}
