package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/friend-rpc/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher handles confirmed message publishing to RabbitMQ
type Publisher struct {
	pool           *ChannelPool
	confirmTimeout time.Duration
	publishTimeout time.Duration
	maxRetries     int
	mandatory      bool
	logger         *slog.Logger
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets the confirmation timeout
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublishTimeout sets the publish timeout used when ctx has no deadline
func WithPublishTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.publishTimeout = timeout
	}
}

// WithPublishRetries sets the maximum number of publish retries.
// A retried publish may deliver the message twice.
func WithPublishRetries(retries int) PublisherOption {
	return func(p *Publisher) {
		p.maxRetries = retries
	}
}

// WithMandatory makes unroutable messages fail with ErrMandatoryFailed instead of being dropped
func WithMandatory(mandatory bool) PublisherOption {
	return func(p *Publisher) {
		p.mandatory = mandatory
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a publisher on a confirm-mode channel pool
func NewPublisher(pool *ChannelPool, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:           pool,
		confirmTimeout: 5 * time.Second,
		publishTimeout: 10 * time.Second,
		mandatory:      true,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish publishes a message and waits for the broker's confirmation
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.publishTimeout)
		defer cancel()
	}

	policy := reliability.NewExponentialBackoff(100*time.Millisecond, 2*time.Second, 2.0, p.maxRetries)

	attempts := 0
	err := reliability.Retry(ctx, policy, func() error {
		attempts++
		err := p.publishWithConfirm(ctx, exchange, routingKey, msg)
		if err != nil && attempts <= p.maxRetries {
			p.logger.Warn("publish attempt failed",
				"exchange", exchange,
				"routingKey", routingKey,
				"attempt", attempts,
				"error", err)
		}
		if err != nil && !IsRetryable(err) {
			return reliability.RetryableError{Err: err, Retryable: false}
		}
		return err
	})
	if err == nil {
		return nil
	}

	return &PublishError{
		Exchange:   exchange,
		RoutingKey: routingKey,
		Mandatory:  p.mandatory,
		Attempts:   attempts,
		Err:        err,
		Timestamp:  time.Now(),
	}
}

// publishWithConfirm publishes a single message on a confirm-mode channel
func (p *Publisher) publishWithConfirm(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	ch, err := p.pool.Get(ctx)
	if err != nil {
		return err
	}

	confirmation, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, p.mandatory, false, msg)
	if err != nil {
		p.pool.Discard(ch)
		return fmt.Errorf("failed to publish: %w", err)
	}
	if confirmation == nil {
		p.pool.Discard(ch)
		return fmt.Errorf("%w: channel %s is not in confirm mode", ErrInvalidConfiguration, ch.ID())
	}

	waitCtx, cancel := context.WithTimeout(ctx, p.confirmTimeout)
	defer cancel()

	acked, err := confirmation.WaitContext(waitCtx)
	if err != nil {
		// The confirm may still arrive later; the channel cannot be reused safely
		p.pool.Discard(ch)
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return ErrPublishTimeout
		}
		return err
	}

	// The broker sends basic.return before the ack of an unroutable mandatory message
	returned := drainReturns(ch, msg.MessageId)
	p.pool.Put(ch)

	if !acked {
		return ErrPublishNotConfirmed
	}
	if returned != nil {
		return fmt.Errorf("%w: %d %s", ErrMandatoryFailed, returned.ReplyCode, returned.ReplyText)
	}
	return nil
}

// drainReturns empties the channel's return queue and reports the return for messageID, if any
func drainReturns(ch *PooledChannel, messageID string) *amqp.Return {
	if ch.returns == nil {
		return nil
	}

	var match *amqp.Return
	for {
		select {
		case ret, ok := <-ch.returns:
			if !ok {
				return match
			}
			if ret.MessageId == messageID {
				r := ret
				match = &r
			}
		default:
			return match
		}
	}
}

// Close releases nothing; the channel pool is owned by the caller
func (p *Publisher) Close() error {
	return nil
}
