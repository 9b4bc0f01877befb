package domain

import "context"

// EventBus carries engine events (alerts, scan and training lifecycle,
// rule activations) to interested consumers. Backends: in-process Go
// channels for a single node, NATS for a cluster.
type EventBus interface {
	// Publish sends payload to every subscriber of topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers handler for topic and returns a handle to
	// cancel the subscription.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	Ping(ctx context.Context) error
	Close() error
}

// MessageHandler consumes a delivered message. Returning an error does
// not trigger redelivery; the bus is at-most-once.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message is the envelope every event travels in, regardless of backend.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription is an active topic registration.
type Subscription interface {
	Unsubscribe() error
	Topic() string
}

// EventBusConfig selects and parameterizes an EventBus backend.
type EventBusConfig struct {
	// Type is "channel" or "nats".
	Type string

	// ChannelBufferSize is the per-subscriber buffer for the channel
	// backend; publishers never block on a full buffer.
	ChannelBufferSize int

	// NATS settings. NATSReconnectWait is in seconds.
	NATSUrl           string
	NATSToken         string
	NATSMaxReconnects int
	NATSReconnectWait int
}

// Topics published by the engine.
const (
	TopicAlert            = "kestrel.alert"
	TopicScanCompleted    = "kestrel.scan.completed"
	TopicRuleActivated    = "kestrel.rule.activated"
	TopicTrainingFinished = "kestrel.training.finished"
)
