package bridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glimte/friend-rpc/contracts"
	"github.com/glimte/friend-rpc/internal/reliability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher(publisher *mockPublisher, registry *Registry, readiness Readiness) *Dispatcher {
	return NewDispatcher(publisher, registry, readiness, DispatcherConfig{
		Exchange:   "friends",
		RoutingKey: "friend.rpc",
		ReplyTo:    "test.reply",
	})
}

func TestDispatcher(t *testing.T) {
	t.Run("rejects unknown methods without publishing", func(t *testing.T) {
		publisher := &mockPublisher{}
		dispatcher := newTestDispatcher(publisher, NewRegistry(0), nil)

		outcome := dispatcher.Call(context.Background(), "DeleteEverything", []byte(`{}`), time.Second)

		assert.Equal(t, OutcomeRejected, outcome.Kind)
		assert.ErrorIs(t, outcome.Err, ErrUnknownMethod)
		publisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("rejects non-positive timeouts", func(t *testing.T) {
		publisher := &mockPublisher{}
		dispatcher := newTestDispatcher(publisher, NewRegistry(0), nil)

		outcome := dispatcher.Call(context.Background(), contracts.MethodCreateFriend, []byte(`{}`), 0)

		assert.Equal(t, OutcomeRejected, outcome.Kind)
		assert.ErrorIs(t, outcome.Err, ErrInvalidTimeout)
	})

	t.Run("fails fast while the listener is down", func(t *testing.T) {
		publisher := &mockPublisher{}
		registry := NewRegistry(0)
		dispatcher := newTestDispatcher(publisher, registry, staticReadiness(false))

		outcome := dispatcher.Call(context.Background(), contracts.MethodCreateFriend, []byte(`{}`), time.Second)

		assert.Equal(t, OutcomeTransportFailure, outcome.Kind)
		assert.ErrorIs(t, outcome.Err, ErrListenerUnavailable)
		assert.Equal(t, 0, registry.Len())
		publisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("publishes the request envelope", func(t *testing.T) {
		publisher := &mockPublisher{}
		registry := NewRegistry(0)
		dispatcher := newTestDispatcher(publisher, registry, staticReadiness(true))

		var published *contracts.RequestEnvelope
		publisher.On("Publish", mock.Anything, "friends", "friend.rpc", mock.AnythingOfType("*contracts.RequestEnvelope")).
			Run(func(args mock.Arguments) {
				published = args.Get(3).(*contracts.RequestEnvelope)
				registry.Resolve(published.CorrelationID, Success([]byte(`{"successful":true}`)))
			}).
			Return(nil)

		outcome := dispatcher.Call(context.Background(), contracts.MethodDeleteFriend, []byte(`{"senderId":"A","receiverId":"B"}`), time.Second)

		require.Equal(t, OutcomeSuccess, outcome.Kind)
		require.NotNil(t, published)
		assert.Equal(t, outcome.CorrelationID, published.CorrelationID)
		assert.Equal(t, contracts.MethodDeleteFriend, published.Method)
		assert.Equal(t, "test.reply", published.ReplyTo)
		assert.JSONEq(t, `{"senderId":"A","receiverId":"B"}`, string(published.Body))
		assert.Equal(t, 0, dispatcher.PendingCount())
		publisher.AssertExpectations(t)
	})

	t.Run("publish failure becomes a transport failure", func(t *testing.T) {
		publisher := &mockPublisher{}
		registry := NewRegistry(0)
		dispatcher := newTestDispatcher(publisher, registry, nil)

		brokerErr := errors.New("channel closed")
		publisher.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(brokerErr)

		start := time.Now()
		outcome := dispatcher.Call(context.Background(), contracts.MethodCreateFriend, []byte(`{}`), 5*time.Second)

		assert.Equal(t, OutcomeTransportFailure, outcome.Kind)
		assert.ErrorIs(t, outcome.Err, brokerErr)
		assert.Less(t, time.Since(start), time.Second)
		assert.Equal(t, 0, registry.Len())
	})

	t.Run("times out no earlier than the deadline", func(t *testing.T) {
		publisher := &mockPublisher{}
		registry := NewRegistry(0)
		dispatcher := newTestDispatcher(publisher, registry, nil)
		publisher.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

		timeout := 100 * time.Millisecond
		start := time.Now()
		outcome := dispatcher.Call(context.Background(), contracts.MethodGetFriendStatus, []byte(`{}`), timeout)
		elapsed := time.Since(start)

		assert.Equal(t, OutcomeTimeout, outcome.Kind)
		assert.GreaterOrEqual(t, elapsed, timeout)
		assert.Less(t, elapsed, timeout+time.Second)
		assert.Equal(t, 0, registry.Len())
	})

	t.Run("caller cancellation retires the call", func(t *testing.T) {
		publisher := &mockPublisher{}
		registry := NewRegistry(0)
		dispatcher := newTestDispatcher(publisher, registry, nil)
		publisher.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(20*time.Millisecond, cancel)

		outcome := dispatcher.Call(ctx, contracts.MethodGetAllFriends, []byte(`{}`), 5*time.Second)

		assert.Equal(t, OutcomeCancelled, outcome.Kind)
		assert.ErrorIs(t, outcome.Err, context.Canceled)
		assert.Equal(t, 0, registry.Len())
	})

	t.Run("already cancelled context publishes nothing", func(t *testing.T) {
		publisher := &mockPublisher{}
		dispatcher := newTestDispatcher(publisher, NewRegistry(0), nil)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		outcome := dispatcher.Call(ctx, contracts.MethodCreateFriend, []byte(`{}`), time.Second)
		assert.Equal(t, OutcomeCancelled, outcome.Kind)
		publisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("rejects calls beyond the pending limit", func(t *testing.T) {
		publisher := &mockPublisher{}
		registry := NewRegistry(1)
		_, err := registry.Register("occupied", "m", time.Now().Add(time.Minute))
		require.NoError(t, err)
		dispatcher := newTestDispatcher(publisher, registry, nil)

		outcome := dispatcher.Call(context.Background(), contracts.MethodCreateFriend, []byte(`{}`), time.Second)

		assert.Equal(t, OutcomeRejected, outcome.Kind)
		assert.ErrorIs(t, outcome.Err, ErrTooManyPending)
		publisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("open circuit fails without publishing", func(t *testing.T) {
		publisher := &mockPublisher{}
		registry := NewRegistry(0)
		cb := reliability.NewCircuitBreaker(
			reliability.WithFailureThreshold(1),
			reliability.WithTimeout(time.Minute),
		)
		dispatcher := NewDispatcher(publisher, registry, nil, DispatcherConfig{
			RoutingKey:     "friend.rpc",
			ReplyTo:        "test.reply",
			CircuitBreaker: cb,
		})
		publisher.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(errors.New("broker down")).Once()

		first := dispatcher.Call(context.Background(), contracts.MethodCreateFriend, []byte(`{}`), time.Second)
		assert.Equal(t, OutcomeTransportFailure, first.Kind)
		assert.Equal(t, reliability.StateOpen, cb.GetState())

		second := dispatcher.Call(context.Background(), contracts.MethodCreateFriend, []byte(`{}`), time.Second)
		assert.Equal(t, OutcomeTransportFailure, second.Kind)
		var cbErr *reliability.CircuitBreakerError
		assert.ErrorAs(t, second.Err, &cbErr)
		publisher.AssertNumberOfCalls(t, "Publish", 1)
	})
}
