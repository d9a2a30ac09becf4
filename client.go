// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package friendrpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/friend-rpc/bridge"
	"github.com/glimte/friend-rpc/contracts"
	"github.com/glimte/friend-rpc/health"
	"github.com/glimte/friend-rpc/internal/rabbitmq"
	"github.com/glimte/friend-rpc/internal/reliability"
	"github.com/glimte/friend-rpc/messaging"
	rabbitmqTransport "github.com/glimte/friend-rpc/transports/rabbitmq"
	"golang.org/x/time/rate"
)

// Client issues friend operations to the friend service and waits for their replies
type Client struct {
	transport   messaging.Transport
	bridge      *bridge.SyncAsyncBridge
	breaker     *reliability.CircuitBreaker
	metrics     *bridge.InMemoryMetrics
	health      *health.Registry
	serviceName string
	logger      *slog.Logger
}

// NewClient connects to RabbitMQ and creates a client
func NewClient(connectionString string, options ...ClientOption) (*Client, error) {
	cfg := newClientConfig(options)

	transportOpts := []rabbitmqTransport.TransportOption{
		rabbitmqTransport.WithTransportLogger(cfg.logger),
		rabbitmqTransport.WithConnectionOptions(rabbitmq.WithConnectionName(cfg.serviceName)),
	}
	if cfg.declareTopology {
		transportOpts = append(transportOpts,
			rabbitmqTransport.WithRequestTopology(cfg.exchange, cfg.routingKey, cfg.requestQueue))
	}

	transport, err := rabbitmqTransport.NewTransport(connectionString, transportOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	client, err := newClient(transport, cfg)
	if err != nil {
		transport.Close()
		return nil, err
	}
	return client, nil
}

// NewClientWithTransport creates a client on an already connected transport.
// The client owns the transport and closes it on Close.
func NewClientWithTransport(transport messaging.Transport, options ...ClientOption) (*Client, error) {
	if transport == nil {
		return nil, fmt.Errorf("%w: transport cannot be nil", bridge.ErrInvalidConfiguration)
	}
	client, err := newClient(transport, newClientConfig(options))
	if err != nil {
		transport.Close()
		return nil, err
	}
	return client, nil
}

func newClient(transport messaging.Transport, cfg *clientConfig) (*Client, error) {
	logger := cfg.logger.With("service", cfg.serviceName)
	metrics := bridge.NewInMemoryMetrics()

	interceptors := []bridge.CallInterceptor{bridge.LoggingInterceptor(logger)}
	if cfg.limiter != nil {
		interceptors = append(interceptors, bridge.RateLimitInterceptor(cfg.limiter))
	}

	bridgeOpts := []bridge.BridgeOption{
		bridge.WithExchange(cfg.exchange),
		bridge.WithRoutingKey(cfg.routingKey),
		bridge.WithDefaultTimeout(cfg.defaultTimeout),
		bridge.WithMaxPendingCalls(cfg.maxPendingCalls),
		bridge.WithReplyWorkers(cfg.listenerWorkers),
		bridge.WithMetrics(metrics),
		bridge.WithInterceptors(interceptors...),
		bridge.WithBridgeLogger(logger),
	}
	if cfg.replyQueue != "" {
		bridgeOpts = append(bridgeOpts, bridge.WithReplyQueue(cfg.replyQueue))
	}

	var breaker *reliability.CircuitBreaker
	if cfg.breakerThreshold > 0 {
		name := cfg.serviceName + ".publish"
		breaker = reliability.NewCircuitBreaker(
			reliability.WithName(name),
			reliability.WithFailureThreshold(cfg.breakerThreshold),
			reliability.WithTimeout(cfg.breakerTimeout),
			// A malformed envelope says nothing about the broker
			reliability.WithFailurePredicate(func(err error) bool {
				return err != nil && !errors.Is(err, contracts.ErrInvalidEnvelope)
			}),
		)
		breaker.AddListener(reliability.NewLoggingStateListener(name, logger))
		bridgeOpts = append(bridgeOpts, bridge.WithBridgeCircuitBreaker(breaker))
	}

	b, err := bridge.NewSyncAsyncBridge(transport.Publisher(), transport.Subscriber(), bridgeOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create bridge: %w", err)
	}

	c := &Client{
		transport:   transport,
		bridge:      b,
		breaker:     breaker,
		metrics:     metrics,
		health:      health.NewRegistry(),
		serviceName: cfg.serviceName,
		logger:      logger,
	}
	c.registerHealthChecks(cfg)

	logger.Info("friend RPC client ready",
		"exchange", cfg.exchange,
		"routingKey", cfg.routingKey,
		"replyQueue", b.ReplyQueue())

	return c, nil
}

func (c *Client) registerHealthChecks(cfg *clientConfig) {
	c.health.SetMetadata("service", c.serviceName)
	c.health.SetMetadata("reply_queue", c.bridge.ReplyQueue())
	c.health.Register(health.NewBridgeChecker(c.bridge, 0.8))

	if c.breaker != nil {
		c.health.Register(health.NewCircuitBreakerChecker("publish", c.breaker))
	}

	if rt, ok := c.transport.(*rabbitmqTransport.Transport); ok {
		c.health.Register(health.NewRabbitMQChecker(rt.ConnectionManager(), cfg.exchange, c.logger))
		c.health.Register(health.NewChannelPoolChecker(rt.ChannelPool()))
		c.health.Register(health.NewQueueChecker(c.bridge.ReplyQueue(), rt.Topology(), cfg.maxPendingCalls))
	}
}

// CreateFriend sends a friend request from SenderID to ReceiverID
func (c *Client) CreateFriend(ctx context.Context, req contracts.CreateFriendRequest, opts ...bridge.CallOption) (contracts.CreateFriendResponse, error) {
	if err := req.Validate(); err != nil {
		return contracts.CreateFriendResponse{}, err
	}
	return bridge.Request(ctx, c.bridge, contracts.CreateFriend, req, opts...)
}

// UpdateFriend accepts or rejects a pending friend request
func (c *Client) UpdateFriend(ctx context.Context, req contracts.UpdateFriendRequest, opts ...bridge.CallOption) (contracts.UpdateFriendResponse, error) {
	if err := req.Validate(); err != nil {
		return contracts.UpdateFriendResponse{}, err
	}
	return bridge.Request(ctx, c.bridge, contracts.UpdateFriend, req, opts...)
}

// DeleteFriend removes a friendship
func (c *Client) DeleteFriend(ctx context.Context, req contracts.DeleteFriendRequest, opts ...bridge.CallOption) (contracts.DeleteFriendResponse, error) {
	if err := req.Validate(); err != nil {
		return contracts.DeleteFriendResponse{}, err
	}
	return bridge.Request(ctx, c.bridge, contracts.DeleteFriend, req, opts...)
}

// GetAllFriends lists the friends of a user, or their open requests
func (c *Client) GetAllFriends(ctx context.Context, req contracts.GetAllFriendsRequest, opts ...bridge.CallOption) (contracts.GetAllFriendsResponse, error) {
	if err := req.Validate(); err != nil {
		return contracts.GetAllFriendsResponse{}, err
	}
	return bridge.Request(ctx, c.bridge, contracts.GetAllFriends, req, opts...)
}

// GetFriendStatus reports the relationship between two users
func (c *Client) GetFriendStatus(ctx context.Context, req contracts.GetFriendStatusRequest, opts ...bridge.CallOption) (contracts.GetFriendStatusResponse, error) {
	if err := req.Validate(); err != nil {
		return contracts.GetFriendStatusResponse{}, err
	}
	return bridge.Request(ctx, c.bridge, contracts.GetFriendStatus, req, opts...)
}

// Call sends a raw JSON payload for method and returns the raw reply
func (c *Client) Call(ctx context.Context, method string, payload []byte, opts ...bridge.CallOption) ([]byte, error) {
	return c.bridge.Call(ctx, method, payload, opts...)
}

// Bridge returns the underlying request/reply bridge
func (c *Client) Bridge() *bridge.SyncAsyncBridge {
	return c.bridge
}

// Transport returns the underlying transport
func (c *Client) Transport() messaging.Transport {
	return c.transport
}

// Health returns the health check registry
func (c *Client) Health() *health.Registry {
	return c.health
}

// CheckHealth runs every registered health check
func (c *Client) CheckHealth(ctx context.Context) health.OverallHealth {
	return c.health.Check(ctx)
}

// Metrics returns per-method call statistics
func (c *Client) Metrics() map[string]bridge.MethodStats {
	return c.metrics.Snapshot()
}

// Close fails pending calls and closes the transport
func (c *Client) Close() error {
	if err := c.bridge.Close(); err != nil {
		c.logger.Warn("failed to close bridge", "error", err)
	}
	return c.transport.Close()
}

// clientConfig holds client configuration
type clientConfig struct {
	logger           *slog.Logger
	serviceName      string
	exchange         string
	routingKey       string
	replyQueue       string
	requestQueue     string
	declareTopology  bool
	defaultTimeout   time.Duration
	maxPendingCalls  int
	listenerWorkers  int
	limiter          *rate.Limiter
	breakerThreshold int
	breakerTimeout   time.Duration
}

func newClientConfig(options []ClientOption) *clientConfig {
	cfg := &clientConfig{
		logger:           slog.Default(),
		serviceName:      "friendrpc",
		defaultTimeout:   30 * time.Second,
		maxPendingCalls:  1000,
		listenerWorkers:  4,
		breakerThreshold: 5,
		breakerTimeout:   30 * time.Second,
	}
	for _, opt := range options {
		opt(cfg)
	}
	return cfg
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithServiceName names the client's broker connection and log entries
func WithServiceName(name string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.serviceName = name
	}
}

// WithExchange sets the exchange requests are published to. Empty means the default exchange.
func WithExchange(exchange string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.exchange = exchange
	}
}

// WithRoutingKey sets the routing key the friend service consumes requests under
func WithRoutingKey(routingKey string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.routingKey = routingKey
	}
}

// WithReplyQueue fixes the reply queue name instead of generating one
func WithReplyQueue(queue string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.replyQueue = queue
	}
}

// WithDeclareTopology declares the request exchange at startup, and the request
// queue with its binding when requestQueue is not empty
func WithDeclareTopology(requestQueue string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.declareTopology = true
		cfg.requestQueue = requestQueue
	}
}

// WithDefaultTimeout sets the timeout of calls made without WithTimeout
func WithDefaultTimeout(timeout time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.defaultTimeout = timeout
	}
}

// WithMaxPendingCalls bounds the calls awaiting replies at once
func WithMaxPendingCalls(max int) ClientOption {
	return func(cfg *clientConfig) {
		cfg.maxPendingCalls = max
	}
}

// WithListenerWorkers sets how many goroutines route replies
func WithListenerWorkers(workers int) ClientOption {
	return func(cfg *clientConfig) {
		cfg.listenerWorkers = workers
	}
}

// WithRateLimit admits at most limit calls per second with the given burst
func WithRateLimit(limit rate.Limit, burst int) ClientOption {
	return func(cfg *clientConfig) {
		cfg.limiter = rate.NewLimiter(limit, burst)
	}
}

// WithCircuitBreaker opens the publish circuit after threshold consecutive
// publish failures for timeout. A threshold of 0 disables the breaker.
func WithCircuitBreaker(threshold int, timeout time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.breakerThreshold = threshold
		cfg.breakerTimeout = timeout
	}
}
