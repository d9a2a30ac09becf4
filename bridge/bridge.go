package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/friend-rpc/contracts"
	"github.com/glimte/friend-rpc/internal/reliability"
	"github.com/glimte/friend-rpc/messaging"
	"github.com/google/uuid"
)

// SyncAsyncBridge enables synchronous request-response over async messaging
type SyncAsyncBridge struct {
	registry       *Registry
	listener       *ReplyListener
	dispatcher     *Dispatcher
	call           CallFunc
	replyQueue     string
	defaultTimeout time.Duration
	logger         *slog.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

// BridgeOption configures the sync-async bridge
type BridgeOption func(*BridgeConfig)

// BridgeConfig holds configuration for the bridge
type BridgeConfig struct {
	ReplyQueue        string
	Exchange          string
	RoutingKey        string
	DefaultTimeout    time.Duration
	PublishTimeout    time.Duration
	MaxPendingCalls   int
	ListenerWorkers   int
	CircuitBreaker    *reliability.CircuitBreaker
	ResubscribePolicy reliability.RetryPolicy
	Interceptors      []CallInterceptor
	Metrics           MetricsCollector
	Logger            *slog.Logger
}

// WithReplyQueue sets a custom reply queue name
func WithReplyQueue(queueName string) BridgeOption {
	return func(c *BridgeConfig) {
		c.ReplyQueue = queueName
	}
}

// WithExchange sets the exchange requests are published to
func WithExchange(exchange string) BridgeOption {
	return func(c *BridgeConfig) {
		c.Exchange = exchange
	}
}

// WithRoutingKey sets the routing key requests are published with
func WithRoutingKey(routingKey string) BridgeOption {
	return func(c *BridgeConfig) {
		c.RoutingKey = routingKey
	}
}

// WithDefaultTimeout sets the timeout for calls that do not set their own
func WithDefaultTimeout(timeout time.Duration) BridgeOption {
	return func(c *BridgeConfig) {
		c.DefaultTimeout = timeout
	}
}

// WithPublishTimeout bounds how long a single publish may take
func WithPublishTimeout(timeout time.Duration) BridgeOption {
	return func(c *BridgeConfig) {
		c.PublishTimeout = timeout
	}
}

// WithMaxPendingCalls sets the maximum number of concurrent pending calls.
// Zero or less removes the limit.
func WithMaxPendingCalls(max int) BridgeOption {
	return func(c *BridgeConfig) {
		c.MaxPendingCalls = max
	}
}

// WithReplyWorkers sets how many goroutines route replies
func WithReplyWorkers(workers int) BridgeOption {
	return func(c *BridgeConfig) {
		c.ListenerWorkers = workers
	}
}

// WithBridgeCircuitBreaker sets the circuit breaker guarding publishes
func WithBridgeCircuitBreaker(cb *reliability.CircuitBreaker) BridgeOption {
	return func(c *BridgeConfig) {
		c.CircuitBreaker = cb
	}
}

// WithBridgeResubscribePolicy sets the backoff for re-establishing the reply subscription
func WithBridgeResubscribePolicy(policy reliability.RetryPolicy) BridgeOption {
	return func(c *BridgeConfig) {
		c.ResubscribePolicy = policy
	}
}

// WithInterceptors appends call interceptors; the first one is the outermost
func WithInterceptors(interceptors ...CallInterceptor) BridgeOption {
	return func(c *BridgeConfig) {
		c.Interceptors = append(c.Interceptors, interceptors...)
	}
}

// WithMetrics records every call in collector
func WithMetrics(collector MetricsCollector) BridgeOption {
	return func(c *BridgeConfig) {
		c.Metrics = collector
	}
}

// WithBridgeLogger sets the logger for the bridge and its components
func WithBridgeLogger(logger *slog.Logger) BridgeOption {
	return func(c *BridgeConfig) {
		c.Logger = logger
	}
}

// NewSyncAsyncBridge creates a bridge and subscribes its reply queue before returning
func NewSyncAsyncBridge(publisher messaging.TransportPublisher, subscriber messaging.TransportSubscriber, opts ...BridgeOption) (*SyncAsyncBridge, error) {
	if publisher == nil {
		return nil, fmt.Errorf("%w: publisher cannot be nil", ErrInvalidConfiguration)
	}
	if subscriber == nil {
		return nil, fmt.Errorf("%w: subscriber cannot be nil", ErrInvalidConfiguration)
	}

	config := &BridgeConfig{
		ReplyQueue:      fmt.Sprintf("friendrpc.reply.%s", uuid.New().String()[:8]),
		DefaultTimeout:  30 * time.Second,
		PublishTimeout:  10 * time.Second,
		MaxPendingCalls: 1000,
		ListenerWorkers: 4,
		Logger:          slog.Default(),
	}

	for _, opt := range opts {
		opt(config)
	}

	if config.RoutingKey == "" {
		return nil, fmt.Errorf("%w: routing key is required", ErrInvalidConfiguration)
	}
	if config.DefaultTimeout <= 0 {
		return nil, fmt.Errorf("%w: default timeout must be positive", ErrInvalidConfiguration)
	}

	logger := config.Logger.With("component", "bridge", "replyQueue", config.ReplyQueue)

	registry := NewRegistry(config.MaxPendingCalls)

	listenerOpts := []ListenerOption{
		WithListenerLogger(logger),
		WithListenerWorkers(config.ListenerWorkers),
	}
	if config.ResubscribePolicy != nil {
		listenerOpts = append(listenerOpts, WithResubscribePolicy(config.ResubscribePolicy))
	}
	listener := NewReplyListener(subscriber, registry, config.ReplyQueue, listenerOpts...)

	dispatcher := NewDispatcher(publisher, registry, listener, DispatcherConfig{
		Exchange:       config.Exchange,
		RoutingKey:     config.RoutingKey,
		ReplyTo:        config.ReplyQueue,
		PublishTimeout: config.PublishTimeout,
		CircuitBreaker: config.CircuitBreaker,
		Logger:         logger,
	})

	interceptors := config.Interceptors
	if config.Metrics != nil {
		interceptors = append([]CallInterceptor{MetricsInterceptor(config.Metrics)}, interceptors...)
	}

	bridge := &SyncAsyncBridge{
		registry:       registry,
		listener:       listener,
		dispatcher:     dispatcher,
		call:           ChainInterceptors(interceptors...)(dispatcher.Call),
		replyQueue:     config.ReplyQueue,
		defaultTimeout: config.DefaultTimeout,
		logger:         logger,
		closed:         make(chan struct{}),
	}

	// The reply queue is provisioned once here and shared by every call
	if err := listener.Start(context.Background()); err != nil {
		return nil, err
	}

	return bridge, nil
}

// CallOption configures a single call
type CallOption func(*callOptions)

type callOptions struct {
	timeout time.Duration
}

// WithTimeout overrides the bridge's default timeout for one call
func WithTimeout(timeout time.Duration) CallOption {
	return func(o *callOptions) {
		o.timeout = timeout
	}
}

// Call sends payload as method and returns the raw reply payload
func (b *SyncAsyncBridge) Call(ctx context.Context, method string, payload []byte, opts ...CallOption) ([]byte, error) {
	outcome := b.invoke(ctx, method, payload, opts...)
	if err := outcome.AsError(method); err != nil {
		return nil, err
	}
	return outcome.Payload, nil
}

func (b *SyncAsyncBridge) invoke(ctx context.Context, method string, payload []byte, opts ...CallOption) Outcome {
	options := callOptions{timeout: b.defaultTimeout}
	for _, opt := range opts {
		opt(&options)
	}

	select {
	case <-b.closed:
		return Rejected(ErrBridgeClosed)
	default:
	}

	return b.call(ctx, method, payload, options.timeout)
}

// Request sends req through method and decodes the reply into the method's response type
func Request[Req, Resp any](ctx context.Context, b *SyncAsyncBridge, method contracts.Method[Req, Resp], req Req, opts ...CallOption) (Resp, error) {
	var zero Resp

	payload, err := json.Marshal(req)
	if err != nil {
		return zero, fmt.Errorf("failed to encode %s request: %w", method.Name(), err)
	}

	outcome := b.invoke(ctx, method.Name(), payload, opts...)
	if err := outcome.AsError(method.Name()); err != nil {
		return zero, err
	}

	resp, err := decodeReply[Resp](outcome.Payload)
	if err != nil {
		malformed := MalformedReply(err)
		malformed.CorrelationID = outcome.CorrelationID
		return zero, malformed.AsError(method.Name())
	}
	return resp, nil
}

// decodeReply requires a JSON object; unknown fields are tolerated so the
// friend service can add fields without breaking callers
func decodeReply[Resp any](payload []byte) (Resp, error) {
	var resp Resp

	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return resp, fmt.Errorf("expected a JSON object, got %q", abbreviate(trimmed))
	}
	if err := json.Unmarshal(trimmed, &resp); err != nil {
		return resp, fmt.Errorf("failed to decode reply: %w", err)
	}
	return resp, nil
}

func abbreviate(b []byte) string {
	const max = 64
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}

// Ready reports whether the bridge can currently receive replies
func (b *SyncAsyncBridge) Ready() bool {
	return b.listener.Ready()
}

// ReplyQueue returns the shared reply queue name
func (b *SyncAsyncBridge) ReplyQueue() string {
	return b.replyQueue
}

// GetPendingRequestCount returns the number of pending requests
func (b *SyncAsyncBridge) GetPendingRequestCount() int {
	return b.registry.Len()
}

// MaxPendingCalls returns the pending call limit, zero when unbounded
func (b *SyncAsyncBridge) MaxPendingCalls() int {
	return b.registry.Capacity()
}

// PendingCalls returns a snapshot of the calls waiting for replies
func (b *SyncAsyncBridge) PendingCalls() []PendingCallInfo {
	return b.registry.Pending()
}

// ListenerStats returns the reply listener counters
func (b *SyncAsyncBridge) ListenerStats() ListenerStats {
	return b.listener.Stats()
}

// Close stops the reply listener and fails the calls still pending
func (b *SyncAsyncBridge) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.closed)
		err = b.listener.Close()
		if failed := b.registry.FailAll(ErrBridgeClosed); failed > 0 {
			b.logger.Warn("bridge closed with pending calls", "failedCalls", failed)
		}
	})
	return err
}
