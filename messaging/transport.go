package messaging

import (
	"context"

	"github.com/glimte/friend-rpc/contracts"
)

// TransportPublisher defines the interface for publishing messages through a transport
type TransportPublisher interface {
	// Publish sends an envelope through the transport. It returns once the broker
	// accepted the message or the publish failed.
	Publish(ctx context.Context, exchange, routingKey string, envelope *contracts.RequestEnvelope) error

	// Close closes the publisher
	Close() error
}

// TransportSubscriber defines the interface for subscribing to messages through a transport
type TransportSubscriber interface {
	// Subscribe starts consuming a queue. The returned stream is closed when the
	// subscription ends, either because ctx was cancelled or because the
	// transport lost its connection.
	Subscribe(ctx context.Context, queue string, options SubscriptionOptions) (<-chan TransportDelivery, error)

	// Close closes the subscriber
	Close() error
}

// TransportDelivery represents a message delivery from the transport
type TransportDelivery interface {
	// CorrelationID returns the correlation ID property of the message
	CorrelationID() string

	// Body returns the message body
	Body() []byte

	// Headers returns message headers
	Headers() map[string]interface{}

	// Acknowledge marks the message as processed
	Acknowledge() error

	// Reject rejects the message with optional requeue
	Reject(requeue bool) error
}

// Transport provides both publisher and subscriber functionality
type Transport interface {
	// Publisher returns a transport publisher
	Publisher() TransportPublisher

	// Subscriber returns a transport subscriber
	Subscriber() TransportSubscriber

	// Connect establishes connection to the broker
	Connect(ctx context.Context) error

	// Close closes all resources
	Close() error

	// IsConnected returns connection status
	IsConnected() bool
}

// SubscriptionOptions configures a subscription
type SubscriptionOptions struct {
	// Declare creates the queue before consuming
	Declare       bool
	Durable       bool
	AutoDelete    bool
	Exclusive     bool
	PrefetchCount int
	Arguments     map[string]interface{}
}

// ReplyQueueOptions returns the options for a private, temporary reply queue
func ReplyQueueOptions() SubscriptionOptions {
	return SubscriptionOptions{
		Declare:       true,
		Durable:       false,
		AutoDelete:    true,
		Exclusive:     true,
		PrefetchCount: 50,
	}
}
