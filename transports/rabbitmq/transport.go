package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glimte/friend-rpc/contracts"
	"github.com/glimte/friend-rpc/internal/rabbitmq"
	"github.com/glimte/friend-rpc/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Transport implements messaging.Transport for RabbitMQ
type Transport struct {
	manager     *rabbitmq.ConnectionManager
	publishPool *rabbitmq.ChannelPool
	pool        *rabbitmq.ChannelPool
	publisher   *rabbitmq.Publisher
	consumer    *rabbitmq.Consumer
	topology    *rabbitmq.TopologyManager
	logger      *slog.Logger
}

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	ConnectionOptions  []rabbitmq.ConnectionOption
	PublisherOptions   []rabbitmq.PublisherOption
	ConsumerOptions    []rabbitmq.ConsumerOption
	ChannelPoolOptions []rabbitmq.ChannelPoolOption
	Topology           *rabbitmq.Topology
	Logger             *slog.Logger
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// WithPublisherOptions sets publisher options
func WithPublisherOptions(opts ...rabbitmq.PublisherOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PublisherOptions = append(cfg.PublisherOptions, opts...)
	}
}

// WithConsumerOptions sets consumer options. Acknowledgment stays manual.
func WithConsumerOptions(opts ...rabbitmq.ConsumerOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConsumerOptions = append(cfg.ConsumerOptions, opts...)
	}
}

// WithChannelPoolOptions sets options for both channel pools
func WithChannelPoolOptions(opts ...rabbitmq.ChannelPoolOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ChannelPoolOptions = append(cfg.ChannelPoolOptions, opts...)
	}
}

// WithRequestTopology declares the request exchange when the transport starts.
// When requestQueue is set, the queue is declared and bound under routingKey too,
// so requests wait for the friend service instead of being unroutable.
func WithRequestTopology(exchange, routingKey, requestQueue string) TransportOption {
	return func(cfg *TransportConfig) {
		topology := rabbitmq.RequestTopology(exchange, routingKey, requestQueue)
		if requestQueue == "" {
			topology.Queues = nil
			topology.Bindings = nil
		}
		// The default exchange exists implicitly and routes by queue name
		if exchange == "" {
			topology.Exchanges = nil
			topology.Bindings = nil
		}
		cfg.Topology = &topology
	}
}

// WithTransportLogger sets the logger for the transport and its components
func WithTransportLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

// NewTransport connects to the broker and creates a transport
func NewTransport(connectionString string, options ...TransportOption) (*Transport, error) {
	cfg := &TransportConfig{
		Logger: slog.Default(),
	}
	for _, opt := range options {
		opt(cfg)
	}

	logger := cfg.Logger
	connOpts := append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(logger)}, cfg.ConnectionOptions...)
	manager := rabbitmq.NewConnectionManager(connectionString, connOpts...)

	if err := manager.Connect(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	poolOpts := append([]rabbitmq.ChannelPoolOption{rabbitmq.WithChannelLogger(logger)}, cfg.ChannelPoolOptions...)

	// Confirm mode is a channel-wide setting, so publishing gets its own pool
	publishPool, err := rabbitmq.NewChannelPool(manager, append(poolOpts, rabbitmq.WithConfirmMode(true))...)
	if err != nil {
		manager.Close()
		return nil, fmt.Errorf("failed to create publish channel pool: %w", err)
	}

	pool, err := rabbitmq.NewChannelPool(manager, poolOpts...)
	if err != nil {
		publishPool.Close()
		manager.Close()
		return nil, fmt.Errorf("failed to create channel pool: %w", err)
	}

	pubOpts := append([]rabbitmq.PublisherOption{rabbitmq.WithPublisherLogger(logger)}, cfg.PublisherOptions...)
	consumerOpts := append([]rabbitmq.ConsumerOption{rabbitmq.WithConsumerLogger(logger)}, cfg.ConsumerOptions...)
	consumerOpts = append(consumerOpts, rabbitmq.WithAckStrategy(rabbitmq.AckManual))

	transport := &Transport{
		manager:     manager,
		publishPool: publishPool,
		pool:        pool,
		publisher:   rabbitmq.NewPublisher(publishPool, pubOpts...),
		consumer:    rabbitmq.NewConsumer(pool, consumerOpts...),
		topology:    rabbitmq.NewTopologyManager(pool),
		logger:      logger,
	}

	if cfg.Topology != nil && !isEmptyTopology(*cfg.Topology) {
		if err := transport.topology.DeclareTopology(context.Background(), *cfg.Topology); err != nil {
			transport.Close()
			return nil, fmt.Errorf("failed to declare topology: %w", err)
		}
	}

	return transport, nil
}

func isEmptyTopology(topology rabbitmq.Topology) bool {
	return len(topology.Exchanges) == 0 && len(topology.Queues) == 0 && len(topology.Bindings) == 0
}

// Publisher returns a transport publisher
func (t *Transport) Publisher() messaging.TransportPublisher {
	return &publisherAdapter{publisher: t.publisher}
}

// Subscriber returns a transport subscriber
func (t *Transport) Subscriber() messaging.TransportSubscriber {
	return &subscriberAdapter{
		consumer: t.consumer,
		topology: t.topology,
		logger:   t.logger,
	}
}

// Connect establishes connection to the broker
func (t *Transport) Connect(ctx context.Context) error {
	return t.manager.Connect(ctx)
}

// Close stops all consumers and closes the channel pools and the connection
func (t *Transport) Close() error {
	t.consumer.CancelAll()
	t.publisher.Close()
	t.publishPool.Close()
	t.pool.Close()
	return t.manager.Close()
}

// IsConnected returns connection status
func (t *Transport) IsConnected() bool {
	return t.manager.IsConnected()
}

// ConnectionManager exposes the connection for health checks
func (t *Transport) ConnectionManager() *rabbitmq.ConnectionManager {
	return t.manager
}

// ChannelPool exposes the consumer and topology channel pool for health checks
func (t *Transport) ChannelPool() *rabbitmq.ChannelPool {
	return t.pool
}

// Topology exposes the topology manager
func (t *Transport) Topology() *rabbitmq.TopologyManager {
	return t.topology
}

// publisherAdapter adapts the RabbitMQ publisher to TransportPublisher
type publisherAdapter struct {
	publisher *rabbitmq.Publisher
}

// Publish implements TransportPublisher
func (p *publisherAdapter) Publish(ctx context.Context, exchange, routingKey string, envelope *contracts.RequestEnvelope) error {
	if err := envelope.Validate(); err != nil {
		return err
	}
	return p.publisher.Publish(ctx, exchange, routingKey, toPublishing(envelope))
}

// Close implements TransportPublisher
func (p *publisherAdapter) Close() error {
	return p.publisher.Close()
}

// toPublishing maps an envelope onto AMQP properties. The body is the bare
// request payload; the responder reads routing data from the properties.
func toPublishing(envelope *contracts.RequestEnvelope) amqp.Publishing {
	headers := make(amqp.Table, len(envelope.Headers))
	for k, v := range envelope.Headers {
		headers[k] = v
	}

	return amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Transient,
		CorrelationId: envelope.CorrelationID,
		ReplyTo:       envelope.ReplyTo,
		MessageId:     envelope.ID,
		Type:          envelope.Method,
		Timestamp:     envelope.Timestamp,
		Headers:       headers,
		Body:          envelope.Body,
	}
}

// subscriberAdapter adapts the RabbitMQ consumer to TransportSubscriber
type subscriberAdapter struct {
	consumer *rabbitmq.Consumer
	topology *rabbitmq.TopologyManager
	logger   *slog.Logger
}

// Subscribe implements TransportSubscriber
func (s *subscriberAdapter) Subscribe(ctx context.Context, queue string, options messaging.SubscriptionOptions) (<-chan messaging.TransportDelivery, error) {
	if options.Declare {
		_, err := s.topology.DeclareQueue(ctx, rabbitmq.QueueDeclaration{
			Name:       queue,
			Durable:    options.Durable,
			AutoDelete: options.AutoDelete,
			Exclusive:  options.Exclusive,
			Arguments:  amqp.Table(options.Arguments),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to declare queue %s: %w", queue, err)
		}
	}

	buffer := options.PrefetchCount
	if buffer < 1 {
		buffer = 1
	}
	out := make(chan messaging.TransportDelivery, buffer)

	sub, err := s.consumer.Subscribe(ctx, queue, options.PrefetchCount, func(ctx context.Context, d amqp.Delivery) error {
		select {
		case out <- &deliveryAdapter{delivery: d}:
			return nil
		case <-ctx.Done():
			// Left unacked; the broker redelivers it when the channel closes
			return ctx.Err()
		}
	})
	if err != nil {
		return nil, err
	}

	// The handler only runs on the subscription's goroutine, so out can be
	// closed once that goroutine is done
	go func() {
		<-sub.Done()
		close(out)
		s.logger.Debug("subscription stream closed", "queue", queue, "consumerTag", sub.ConsumerTag)
	}()

	return out, nil
}

// Close implements TransportSubscriber
func (s *subscriberAdapter) Close() error {
	s.consumer.CancelAll()
	return nil
}

// deliveryAdapter adapts amqp.Delivery to TransportDelivery
type deliveryAdapter struct {
	delivery amqp.Delivery
}

// CorrelationID implements TransportDelivery
func (d *deliveryAdapter) CorrelationID() string {
	return d.delivery.CorrelationId
}

// Body implements TransportDelivery
func (d *deliveryAdapter) Body() []byte {
	return d.delivery.Body
}

// Acknowledge implements TransportDelivery
func (d *deliveryAdapter) Acknowledge() error {
	return d.delivery.Ack(false)
}

// Reject implements TransportDelivery
func (d *deliveryAdapter) Reject(requeue bool) error {
	return d.delivery.Nack(false, requeue)
}

// Headers implements TransportDelivery
func (d *deliveryAdapter) Headers() map[string]interface{} {
	headers := make(map[string]interface{}, len(d.delivery.Headers))
	for k, v := range d.delivery.Headers {
		headers[k] = v
	}
	return headers
}
