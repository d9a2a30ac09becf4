package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/friend-rpc/contracts"
	"github.com/glimte/friend-rpc/internal/reliability"
	"github.com/glimte/friend-rpc/messaging"
)

// ReplyListener consumes the shared reply queue and routes every reply to its pending call
type ReplyListener struct {
	subscriber  messaging.TransportSubscriber
	registry    *Registry
	queue       string
	options     messaging.SubscriptionOptions
	workers     int
	retryPolicy reliability.RetryPolicy
	logger      *slog.Logger

	ready       atomic.Bool
	disconnects atomic.Int64
	malformed   atomic.Int64
	unmatched   atomic.Int64

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// ListenerOption configures the reply listener
type ListenerOption func(*ReplyListener)

// WithListenerLogger sets the logger
func WithListenerLogger(logger *slog.Logger) ListenerOption {
	return func(l *ReplyListener) {
		l.logger = logger
	}
}

// WithListenerWorkers sets how many goroutines process replies concurrently
func WithListenerWorkers(workers int) ListenerOption {
	return func(l *ReplyListener) {
		l.workers = workers
	}
}

// WithResubscribePolicy sets the backoff used to re-establish the subscription after a disconnect
func WithResubscribePolicy(policy reliability.RetryPolicy) ListenerOption {
	return func(l *ReplyListener) {
		l.retryPolicy = policy
	}
}

// WithSubscriptionOptions overrides the reply queue subscription options
func WithSubscriptionOptions(options messaging.SubscriptionOptions) ListenerOption {
	return func(l *ReplyListener) {
		l.options = options
	}
}

// NewReplyListener creates a listener for queue. It does nothing until Start is called.
func NewReplyListener(subscriber messaging.TransportSubscriber, registry *Registry, queue string, options ...ListenerOption) *ReplyListener {
	l := &ReplyListener{
		subscriber:  subscriber,
		registry:    registry,
		queue:       queue,
		options:     messaging.ReplyQueueOptions(),
		workers:     4,
		retryPolicy: reliability.NewExponentialBackoff(500*time.Millisecond, 30*time.Second, 2.0, math.MaxInt32),
		logger:      slog.Default(),
		done:        make(chan struct{}),
	}

	for _, opt := range options {
		opt(l)
	}

	if l.workers < 1 {
		l.workers = 1
	}

	return l
}

// Start subscribes to the reply queue and begins routing replies. The
// subscription outlives ctx; it ends when Close is called.
func (l *ReplyListener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.started {
		return ErrListenerStarted
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stream, err := l.subscriber.Subscribe(runCtx, l.queue, l.options)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to subscribe to reply queue %s: %w", l.queue, err)
	}

	l.started = true
	l.cancel = cancel
	l.ready.Store(true)

	go l.run(runCtx, stream)

	l.logger.Info("reply listener started", "queue", l.queue, "workers", l.workers)
	return nil
}

// Ready reports whether the listener currently holds a live subscription
func (l *ReplyListener) Ready() bool {
	return l.ready.Load()
}

// Queue returns the reply queue name
func (l *ReplyListener) Queue() string {
	return l.queue
}

// Close stops the listener and waits for in-flight replies to be routed
func (l *ReplyListener) Close() error {
	l.mu.Lock()
	if !l.started {
		l.mu.Unlock()
		return nil
	}
	cancel := l.cancel
	l.mu.Unlock()

	cancel()
	<-l.done
	return nil
}

// ListenerStats contains reply listener counters
type ListenerStats struct {
	Ready       bool
	Disconnects int64
	Malformed   int64
	Unmatched   int64
}

// Stats returns the listener counters
func (l *ReplyListener) Stats() ListenerStats {
	return ListenerStats{
		Ready:       l.ready.Load(),
		Disconnects: l.disconnects.Load(),
		Malformed:   l.malformed.Load(),
		Unmatched:   l.unmatched.Load(),
	}
}

func (l *ReplyListener) run(ctx context.Context, stream <-chan messaging.TransportDelivery) {
	defer close(l.done)

	for {
		l.consume(stream)

		// ready must flip before FailAll: a dispatcher that registers after the
		// sweep re-checks Ready and fails its own call
		l.ready.Store(false)
		if ctx.Err() != nil {
			l.logger.Info("reply listener stopped", "queue", l.queue)
			return
		}

		l.disconnects.Add(1)
		failed := l.registry.FailAll(ErrListenerDisconnected)
		l.logger.Error("reply listener disconnected",
			"queue", l.queue,
			"failedCalls", failed)

		stream = l.resubscribe(ctx)
		if stream == nil {
			return
		}

		l.ready.Store(true)
		l.logger.Info("reply listener re-established", "queue", l.queue)
	}
}

// consume blocks until stream is closed
func (l *ReplyListener) consume(stream <-chan messaging.TransportDelivery) {
	var wg sync.WaitGroup
	for i := 0; i < l.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for delivery := range stream {
				l.handleDelivery(delivery)
			}
		}()
	}
	wg.Wait()
}

func (l *ReplyListener) resubscribe(ctx context.Context) <-chan messaging.TransportDelivery {
	var stream <-chan messaging.TransportDelivery
	attempt := 0

	err := reliability.Retry(ctx, l.retryPolicy, func() error {
		attempt++
		s, err := l.subscriber.Subscribe(ctx, l.queue, l.options)
		if err != nil {
			l.logger.Warn("failed to re-subscribe to reply queue",
				"queue", l.queue,
				"attempt", attempt,
				"error", err)
			return err
		}
		stream = s
		return nil
	})
	if err != nil {
		if ctx.Err() == nil {
			l.logger.Error("giving up on reply queue subscription",
				"queue", l.queue,
				"attempts", attempt,
				"error", err)
		}
		return nil
	}

	return stream
}

func (l *ReplyListener) handleDelivery(delivery messaging.TransportDelivery) {
	// Replies are acknowledged whether or not a call was waiting, otherwise
	// unmatched replies would be redelivered forever
	defer func() {
		if err := delivery.Acknowledge(); err != nil {
			l.logger.Warn("failed to acknowledge reply", "queue", l.queue, "error", err)
		}
	}()

	reply := contracts.NewReplyEnvelope(delivery.CorrelationID(), delivery.Body(), delivery.Headers())

	id, err := reply.ParseCorrelationID()
	if err != nil {
		l.malformed.Add(1)
		l.logger.Warn("discarding malformed reply", "queue", l.queue, "error", err)
		return
	}

	outcome := Success(reply.Body)
	if reply.HasError() {
		outcome = TransportFailure(fmt.Errorf("%w: %s", ErrRemoteTransport, reply.Error))
	}

	if !l.registry.Resolve(id, outcome) {
		// The call already timed out or was cancelled
		l.unmatched.Add(1)
		l.logger.Debug("discarding reply for unknown call", "correlationId", id)
	}
}
