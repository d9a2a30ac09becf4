package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageHandler processes incoming messages
type MessageHandler func(ctx context.Context, delivery amqp.Delivery) error

// AcknowledgmentStrategy defines how messages are acknowledged
type AcknowledgmentStrategy int

const (
	// AckOnSuccess acks when the handler succeeds and requeues otherwise
	AckOnSuccess AcknowledgmentStrategy = iota
	// AckAlways acknowledges regardless of processing result
	AckAlways
	// AckManual leaves acknowledgment to the handler
	AckManual
)

// Consumer manages message consumption from RabbitMQ
type Consumer struct {
	pool          *ChannelPool
	prefetchCount int
	strategy      AcknowledgmentStrategy
	exclusive     bool
	tagPrefix     string
	logger        *slog.Logger

	subscriptions sync.Map
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithAckStrategy sets how deliveries are acknowledged
func WithAckStrategy(strategy AcknowledgmentStrategy) ConsumerOption {
	return func(c *Consumer) {
		c.strategy = strategy
	}
}

// WithExclusive sets exclusive consumer mode
func WithExclusive(exclusive bool) ConsumerOption {
	return func(c *Consumer) {
		c.exclusive = exclusive
	}
}

// WithConsumerTagPrefix sets the prefix of generated consumer tags
func WithConsumerTagPrefix(prefix string) ConsumerOption {
	return func(c *Consumer) {
		c.tagPrefix = prefix
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a new consumer
func NewConsumer(pool *ChannelPool, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		pool:          pool,
		prefetchCount: 10,
		strategy:      AckOnSuccess,
		tagPrefix:     "friendrpc",
		logger:        slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Subscription is one active consumer on a queue
type Subscription struct {
	Queue       string
	ConsumerTag string

	channel *PooledChannel
	cancel  context.CancelFunc
	done    chan struct{}
}

// Done is closed once the subscription has stopped delivering
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Cancel stops the subscription and waits for the handler to return
func (s *Subscription) Cancel() {
	s.cancel()
	<-s.done
}

// Subscribe starts consuming queue with handler until ctx ends, the
// subscription is cancelled, or the channel closes
func (c *Consumer) Subscribe(ctx context.Context, queue string, prefetchCount int, handler MessageHandler) (*Subscription, error) {
	if prefetchCount <= 0 {
		prefetchCount = c.prefetchCount
	}
	tag := fmt.Sprintf("%s-%s", c.tagPrefix, uuid.New().String()[:8])

	ch, err := c.pool.Get(ctx)
	if err != nil {
		return nil, &ConsumerError{Queue: queue, ConsumerTag: tag, Op: "subscribe", Err: err, Timestamp: time.Now()}
	}

	if err := ch.Qos(prefetchCount, 0, false); err != nil {
		c.pool.Discard(ch)
		return nil, &ConsumerError{Queue: queue, ConsumerTag: tag, Op: "set qos", Err: err, Timestamp: time.Now()}
	}

	deliveries, err := ch.Consume(
		queue,
		tag,
		false, // auto-ack
		c.exclusive,
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		c.pool.Discard(ch)
		return nil, &ConsumerError{Queue: queue, ConsumerTag: tag, Op: "consume", Err: err, Timestamp: time.Now()}
	}

	consumerCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		Queue:       queue,
		ConsumerTag: tag,
		channel:     ch,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	c.subscriptions.Store(tag, sub)

	go c.processMessages(consumerCtx, sub, deliveries, handler)

	c.logger.Info("subscribed to queue",
		"queue", queue,
		"consumerTag", tag,
		"prefetchCount", prefetchCount)

	return sub, nil
}

func (c *Consumer) processMessages(ctx context.Context, sub *Subscription, deliveries <-chan amqp.Delivery, handler MessageHandler) {
	defer func() {
		// The channel carries the consumer's QoS and unacked deliveries, so it is
		// closed rather than handed back to the pool
		c.pool.Discard(sub.channel)
		c.subscriptions.Delete(sub.ConsumerTag)
		close(sub.done)
		c.logger.Info("consumer stopped", "queue", sub.Queue, "consumerTag", sub.ConsumerTag)
	}()

	for {
		select {
		case <-ctx.Done():
			if err := sub.channel.Cancel(sub.ConsumerTag, false); err != nil {
				c.logger.Debug("failed to cancel consumer", "consumerTag", sub.ConsumerTag, "error", err)
			}
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery channel closed", "queue", sub.Queue)
				return
			}

			if err := c.handleMessage(ctx, delivery, handler); err != nil {
				c.logger.Error("failed to handle message",
					"error", err,
					"queue", sub.Queue,
					"correlationId", delivery.CorrelationId)
			}
		}
	}
}

func (c *Consumer) handleMessage(ctx context.Context, delivery amqp.Delivery, handler MessageHandler) error {
	err := handler(ctx, delivery)

	switch c.strategy {
	case AckOnSuccess:
		if err != nil {
			if nackErr := delivery.Nack(false, true); nackErr != nil {
				c.logger.Error("failed to nack message", "error", nackErr, "originalError", err)
			}
			return err
		}
		return delivery.Ack(false)

	case AckAlways:
		if ackErr := delivery.Ack(false); ackErr != nil {
			c.logger.Error("failed to ack message", "error", ackErr)
		}
		return err

	default:
		return err
	}
}

// ActiveSubscriptions returns the queues currently being consumed
func (c *Consumer) ActiveSubscriptions() []string {
	var queues []string
	c.subscriptions.Range(func(_, value interface{}) bool {
		queues = append(queues, value.(*Subscription).Queue)
		return true
	})
	return queues
}

// CancelAll stops every active subscription
func (c *Consumer) CancelAll() {
	var wg sync.WaitGroup
	c.subscriptions.Range(func(_, value interface{}) bool {
		wg.Add(1)
		go func(sub *Subscription) {
			defer wg.Done()
			sub.Cancel()
		}(value.(*Subscription))
		return true
	})
	wg.Wait()
}
