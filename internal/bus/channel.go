// Package bus provides event bus implementations for Kestrel.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fraudwatch/kestrel/internal/domain"
)

// ChannelBus is the single-node EventBus: in-process fan-out over Go
// channels. Delivery is best-effort; a subscriber that cannot keep up
// drops messages rather than blocking publishers.
type ChannelBus struct {
	mu         sync.RWMutex
	bufferSize int
	topics     map[string]map[string]*channelSubscription
	closed     bool
}

type channelSubscription struct {
	id     string
	topic  string
	bus    *ChannelBus
	msgCh  chan *domain.Message
	cancel context.CancelFunc
}

// NewChannelBus creates an in-process event bus. Each subscriber gets its
// own buffer of bufferSize messages.
func NewChannelBus(bufferSize int) *ChannelBus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &ChannelBus{
		bufferSize: bufferSize,
		topics:     make(map[string]map[string]*channelSubscription),
	}
}

// Publish fans the payload out to every subscriber of the topic without
// blocking. Subscribers with full buffers miss the message.
func (b *ChannelBus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("bus is closed")
	}

	msg := &domain.Message{
		ID:        uuid.New().String(),
		Topic:     topic,
		Payload:   payload,
		Metadata:  make(map[string]string),
		Timestamp: time.Now().UnixNano(),
	}

	var dropped int
	for _, sub := range b.topics[topic] {
		select {
		case sub.msgCh <- msg:
		default:
			dropped++
		}
	}
	b.mu.RUnlock()

	if dropped > 0 {
		slog.Warn("slow subscribers missed event", "topic", topic, "dropped", dropped)
	}
	return nil
}

// Subscribe registers a handler for a topic. The handler runs on a
// dedicated goroutine per subscription; its error return is ignored by
// the bus.
func (b *ChannelBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("bus is closed")
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &channelSubscription{
		id:     uuid.New().String(),
		topic:  topic,
		bus:    b,
		msgCh:  make(chan *domain.Message, b.bufferSize),
		cancel: cancel,
	}

	if b.topics[topic] == nil {
		b.topics[topic] = make(map[string]*channelSubscription)
	}
	b.topics[topic][sub.id] = sub

	go sub.pump(subCtx, handler)
	return sub, nil
}

// pump delivers buffered messages to the handler until the subscription
// context ends.
func (s *channelSubscription) pump(ctx context.Context, handler domain.MessageHandler) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.msgCh:
			if msg == nil {
				return
			}
			_ = handler(ctx, msg)
		}
	}
}

// Ping reports whether the bus accepts traffic.
func (b *ChannelBus) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("bus is closed")
	}
	return nil
}

// Close stops all subscriptions and rejects further publishes.
func (b *ChannelBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for _, subs := range b.topics {
		for _, sub := range subs {
			sub.cancel()
			close(sub.msgCh)
		}
	}
	b.topics = make(map[string]map[string]*channelSubscription)
	return nil
}

// Unsubscribe stops delivery and detaches from the bus.
func (s *channelSubscription) Unsubscribe() error {
	s.cancel()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if subs, ok := s.bus.topics[s.topic]; ok {
		delete(subs, s.id)
	}
	return nil
}

// Topic returns the subscribed topic.
func (s *channelSubscription) Topic() string {
	return s.topic
}
