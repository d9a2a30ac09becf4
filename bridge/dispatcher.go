package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/friend-rpc/contracts"
	"github.com/glimte/friend-rpc/internal/reliability"
	"github.com/glimte/friend-rpc/messaging"
	"github.com/google/uuid"
)

// Readiness reports whether replies can currently be received
type Readiness interface {
	Ready() bool
}

// DispatcherConfig holds dispatcher configuration
type DispatcherConfig struct {
	Exchange       string
	RoutingKey     string
	ReplyTo        string
	PublishTimeout time.Duration
	CircuitBreaker *reliability.CircuitBreaker
	Logger         *slog.Logger
}

// Dispatcher publishes requests and suspends callers until their reply, timeout or cancellation
type Dispatcher struct {
	publisher      messaging.TransportPublisher
	registry       *Registry
	readiness      Readiness
	exchange       string
	routingKey     string
	replyTo        string
	publishTimeout time.Duration
	circuitBreaker *reliability.CircuitBreaker
	logger         *slog.Logger
	newID          func() string
}

// NewDispatcher creates a dispatcher. readiness may be nil when no listener gates dispatching.
func NewDispatcher(publisher messaging.TransportPublisher, registry *Registry, readiness Readiness, cfg DispatcherConfig) *Dispatcher {
	d := &Dispatcher{
		publisher:      publisher,
		registry:       registry,
		readiness:      readiness,
		exchange:       cfg.Exchange,
		routingKey:     cfg.RoutingKey,
		replyTo:        cfg.ReplyTo,
		publishTimeout: cfg.PublishTimeout,
		circuitBreaker: cfg.CircuitBreaker,
		logger:         cfg.Logger,
		newID:          uuid.NewString,
	}

	if d.publishTimeout <= 0 {
		d.publishTimeout = 10 * time.Second
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}

	return d
}

// Call publishes payload as method and waits for exactly one outcome
func (d *Dispatcher) Call(ctx context.Context, method string, payload []byte, timeout time.Duration) Outcome {
	if !contracts.IsKnownMethod(method) {
		return Rejected(fmt.Errorf("%w: %q", ErrUnknownMethod, method))
	}
	if timeout <= 0 {
		return Rejected(fmt.Errorf("%w: got %v", ErrInvalidTimeout, timeout))
	}
	if err := ctx.Err(); err != nil {
		return Cancelled(err)
	}
	if !d.ready() {
		return TransportFailure(ErrListenerUnavailable)
	}

	correlationID := d.newID()
	call, err := d.registry.Register(correlationID, method, time.Now().Add(timeout))
	if err != nil {
		return Rejected(err)
	}

	// Armed before publishing; whichever of reply, timer or cancel reaches the
	// registry first wins, the others are no-ops
	timer := time.AfterFunc(timeout, func() {
		if d.registry.Expire(correlationID) {
			d.logger.Warn("request timed out",
				"method", method,
				"correlationId", correlationID,
				"timeout", timeout)
		}
	})
	defer timer.Stop()

	// Closes the window where the listener dropped after the readiness check
	// but before Register
	if !d.ready() {
		d.registry.Resolve(correlationID, TransportFailure(ErrListenerUnavailable))
	} else if err := d.publish(ctx, method, correlationID, payload); err != nil {
		if d.registry.Resolve(correlationID, TransportFailure(err)) {
			d.logger.Error("failed to publish request",
				"method", method,
				"correlationId", correlationID,
				"exchange", d.exchange,
				"routingKey", d.routingKey,
				"error", err)
		}
	}

	var outcome Outcome
	select {
	case outcome = <-call.Done():
	case <-ctx.Done():
		d.registry.Cancel(correlationID, ctx.Err())
		// Exactly one outcome is delivered, either ours or the one that beat us
		outcome = <-call.Done()
	}

	outcome.CorrelationID = correlationID
	return outcome
}

// PendingCount returns the number of calls waiting for replies
func (d *Dispatcher) PendingCount() int {
	return d.registry.Len()
}

func (d *Dispatcher) ready() bool {
	return d.readiness == nil || d.readiness.Ready()
}

// publish is not interruptible by the caller: it completes or fails as a whole
func (d *Dispatcher) publish(ctx context.Context, method, correlationID string, payload []byte) error {
	envelope := contracts.NewRequestEnvelope(method, correlationID, d.replyTo, payload)
	if err := envelope.Validate(); err != nil {
		return err
	}

	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.publishTimeout)
	defer cancel()

	send := func() error {
		return d.publisher.Publish(publishCtx, d.exchange, d.routingKey, envelope)
	}

	if d.circuitBreaker != nil {
		return d.circuitBreaker.Execute(publishCtx, send)
	}
	return send()
}
