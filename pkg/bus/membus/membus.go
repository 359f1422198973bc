package membus

import (
	"context"
	"errors"
	"sync"

	"github.com/cyclopcam/displaydetections/pkg/bus"
	"github.com/google/uuid"
)

// Package membus is an in-process bus.Transport.
// Every subscriber has its own queue and goroutine, and Publish never blocks,
// so a slow subscriber only ever loses its own messages.

var ErrClosed = errors.New("Bus is closed")

type Bus struct {
	lock   sync.Mutex
	closed bool
	topics map[string]*topic
}

type topic struct {
	subscribers map[string]*subscriber
	latched     []byte // Last payload published with TransientLocal durability
}

type subscriber struct {
	bus   *Bus
	topic string
	id    string
	qos   bus.QoS
	queue chan []byte
	done  chan struct{}
	once  sync.Once
}

func New() *Bus {
	return &Bus{
		topics: map[string]*topic{},
	}
}

// Must be called with the lock held
func (b *Bus) getTopic(name string) *topic {
	t := b.topics[name]
	if t == nil {
		t = &topic{
			subscribers: map[string]*subscriber{},
		}
		b.topics[name] = t
	}
	return t
}

func (b *Bus) Publish(ctx context.Context, topicName string, payload []byte, qos bus.QoS) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.lock.Lock()
	if b.closed {
		b.lock.Unlock()
		return ErrClosed
	}
	t := b.getTopic(topicName)
	if qos.Durability == bus.TransientLocal {
		t.latched = payload
	}
	subs := make([]*subscriber, 0, len(t.subscribers))
	for _, s := range t.subscribers {
		subs = append(subs, s)
	}
	b.lock.Unlock()

	// We must not hold the lock while sending, because a subscriber's handler may publish.
	for _, s := range subs {
		s.enqueue(payload, qos.Reliability == bus.Reliable && s.qos.Reliability == bus.Reliable)
	}
	return nil
}

// enqueue never blocks. When the queue is full, a reliable subscriber keeps the
// newest messages (the oldest queued message is discarded), and a best effort
// subscriber loses the new message.
func (s *subscriber) enqueue(payload []byte, keepLast bool) {
	for {
		select {
		case <-s.done:
			return
		case s.queue <- payload:
			return
		default:
		}
		if !keepLast {
			return
		}
		select {
		case <-s.queue:
		default:
		}
	}
}

func (b *Bus) Subscribe(ctx context.Context, topicName string, qos bus.QoS, handler bus.Handler) (bus.Subscription, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	t := b.getTopic(topicName)
	s := &subscriber{
		bus:   b,
		topic: topicName,
		id:    uuid.NewString(),
		qos:   qos,
		queue: make(chan []byte, qos.QueueDepth()),
		done:  make(chan struct{}),
	}
	if qos.Durability == bus.TransientLocal && t.latched != nil {
		s.queue <- t.latched
	}
	t.subscribers[s.id] = s
	go s.run(handler)
	go func() {
		select {
		case <-ctx.Done():
			s.Unsubscribe()
		case <-s.done:
		}
	}()
	return s, nil
}

// Close unsubscribes everybody
func (b *Bus) Close() error {
	b.lock.Lock()
	b.closed = true
	all := []*subscriber{}
	for _, t := range b.topics {
		for _, s := range t.subscribers {
			all = append(all, s)
		}
	}
	b.lock.Unlock()
	for _, s := range all {
		s.Unsubscribe()
	}
	return nil
}

func (s *subscriber) run(handler bus.Handler) {
	for {
		select {
		case <-s.done:
			return
		case payload := <-s.queue:
			// done takes priority over a full queue
			select {
			case <-s.done:
				return
			default:
			}
			handler(payload)
		}
	}
}

func (s *subscriber) Unsubscribe() error {
	s.once.Do(func() {
		s.bus.lock.Lock()
		if t := s.bus.topics[s.topic]; t != nil {
			delete(t.subscribers, s.id)
		}
		s.bus.lock.Unlock()
		close(s.done)
	})
	return nil
}
