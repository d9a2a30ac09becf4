package health

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/friend-rpc/internal/rabbitmq"
	"github.com/glimte/friend-rpc/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQChecker checks that the broker connection is open and usable
type RabbitMQChecker struct {
	connManager *rabbitmq.ConnectionManager
	exchange    string
	logger      *slog.Logger
}

// NewRabbitMQChecker creates a checker that opens a channel and passively
// declares exchange. An empty exchange falls back to amq.direct.
func NewRabbitMQChecker(connManager *rabbitmq.ConnectionManager, exchange string, logger *slog.Logger) *RabbitMQChecker {
	if exchange == "" {
		exchange = "amq.direct"
	}
	return &RabbitMQChecker{
		connManager: connManager,
		exchange:    exchange,
		logger:      logger,
	}
}

func (c *RabbitMQChecker) Name() string {
	return "rabbitmq"
}

func (c *RabbitMQChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	conn, err := c.connManager.GetConnection()
	if err != nil {
		return unhealthy(result, start, "Failed to get connection", err)
	}

	// A fresh channel, so a failed passive declare cannot close a pooled one
	ch, err := conn.Channel()
	if err != nil {
		return unhealthy(result, start, "Failed to create channel", err)
	}
	defer ch.Close()

	err = ch.ExchangeDeclarePassive(c.exchange, amqp.ExchangeDirect, true, false, false, false, nil)
	if err != nil {
		c.logger.Warn("exchange check failed", "exchange", c.exchange, "error", err)
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Exchange %s not available", c.exchange)
		result.Error = err.Error()
	} else {
		result.Status = StatusHealthy
		result.Message = "Connection is healthy"
	}

	result.Duration = time.Since(start)
	result.Details["exchange"] = c.exchange
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// ChannelPoolChecker checks that a channel can be taken from the pool
type ChannelPoolChecker struct {
	pool *rabbitmq.ChannelPool
}

// NewChannelPoolChecker creates a new channel pool health checker
func NewChannelPoolChecker(pool *rabbitmq.ChannelPool) *ChannelPoolChecker {
	return &ChannelPoolChecker{pool: pool}
}

func (c *ChannelPoolChecker) Name() string {
	return "channel_pool"
}

func (c *ChannelPoolChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]interface{}{"pool_size": c.pool.Size()},
	}

	ch, err := c.pool.Get(ctx)
	if err != nil {
		return unhealthy(result, start, "Failed to get channel from pool", err)
	}
	c.pool.Put(ch)

	result.Status = StatusHealthy
	result.Message = "Channel pool is healthy"
	result.Duration = time.Since(start)
	return result
}

// QueueInspector reports the message and consumer counts of a queue
type QueueInspector interface {
	InspectQueue(ctx context.Context, name string) (amqp.Queue, error)
}

// QueueChecker checks that a queue exists, has a consumer and is not backing up
type QueueChecker struct {
	queueName        string
	inspector        QueueInspector
	backlogThreshold int
}

// NewQueueChecker creates a queue checker; a backlog above threshold degrades it
func NewQueueChecker(queueName string, inspector QueueInspector, threshold int) *QueueChecker {
	return &QueueChecker{
		queueName:        queueName,
		inspector:        inspector,
		backlogThreshold: threshold,
	}
}

func (c *QueueChecker) Name() string {
	return fmt.Sprintf("queue_%s", c.queueName)
}

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	queue, err := c.inspector.InspectQueue(ctx, c.queueName)
	if err != nil {
		return unhealthy(result, start, fmt.Sprintf("Queue %s not accessible", c.queueName), err)
	}

	result.Details["message_count"] = queue.Messages
	result.Details["consumer_count"] = queue.Consumers

	switch {
	case queue.Consumers == 0:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Queue %s has no consumers", c.queueName)
	case c.backlogThreshold > 0 && queue.Messages > c.backlogThreshold:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Queue %s has high message count", c.queueName)
	default:
		result.Status = StatusHealthy
		result.Message = fmt.Sprintf("Queue %s is accessible", c.queueName)
	}

	result.Duration = time.Since(start)
	return result
}

// BridgeStatus is the view of the RPC bridge the bridge checker needs
type BridgeStatus interface {
	Ready() bool
	GetPendingRequestCount() int
	MaxPendingCalls() int
}

// BridgeChecker reports listener readiness and pending call saturation
type BridgeChecker struct {
	bridge            BridgeStatus
	degradedThreshold float64
}

// NewBridgeChecker creates a bridge checker. The check degrades once the
// pending calls reach degradedThreshold (0..1) of the maximum.
func NewBridgeChecker(bridge BridgeStatus, degradedThreshold float64) *BridgeChecker {
	return &BridgeChecker{
		bridge:            bridge,
		degradedThreshold: degradedThreshold,
	}
}

func (c *BridgeChecker) Name() string {
	return "rpc_bridge"
}

func (c *BridgeChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	pending := c.bridge.GetPendingRequestCount()
	max := c.bridge.MaxPendingCalls()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]interface{}{
			"pending_calls":     pending,
			"max_pending_calls": max,
		},
	}

	saturation := 0.0
	if max > 0 {
		saturation = float64(pending) / float64(max)
	}
	result.Details["saturation"] = saturation

	switch {
	case !c.bridge.Ready():
		result.Status = StatusUnhealthy
		result.Message = "Reply listener is not subscribed"
	case max > 0 && pending >= max:
		result.Status = StatusUnhealthy
		result.Message = "Pending call limit reached"
	case saturation >= c.degradedThreshold:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%.0f%% of pending call capacity in use", saturation*100)
	default:
		result.Status = StatusHealthy
		result.Message = "Accepting calls"
	}

	result.Duration = time.Since(start)
	return result
}

// CircuitBreakerChecker maps the breaker state onto a status
type CircuitBreakerChecker struct {
	name    string
	breaker *reliability.CircuitBreaker
}

// NewCircuitBreakerChecker creates a checker for breaker
func NewCircuitBreakerChecker(name string, breaker *reliability.CircuitBreaker) *CircuitBreakerChecker {
	return &CircuitBreakerChecker{name: name, breaker: breaker}
}

func (c *CircuitBreakerChecker) Name() string {
	return "circuit_breaker_" + c.name
}

func (c *CircuitBreakerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	metrics := c.breaker.GetMetrics()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Message:   "Circuit " + metrics.State.String(),
		Details: map[string]interface{}{
			"state":          metrics.State.String(),
			"failures":       metrics.CurrentFailures,
			"total_requests": metrics.TotalRequests,
			"total_rejected": metrics.TotalRejected,
		},
	}

	switch metrics.State {
	case reliability.StateOpen:
		result.Status = StatusUnhealthy
	case reliability.StateHalfOpen:
		result.Status = StatusDegraded
	default:
		result.Status = StatusHealthy
	}

	result.Duration = time.Since(start)
	return result
}

func unhealthy(result CheckResult, start time.Time, message string, err error) CheckResult {
	result.Status = StatusUnhealthy
	result.Message = message
	result.Error = err.Error()
	result.Duration = time.Since(start)
	return result
}
