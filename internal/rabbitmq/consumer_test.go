package rabbitmq

import (
	"context"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var errHandlerFailed = errors.New("handler failed")

type mockAcknowledger struct {
	mock.Mock
}

func (m *mockAcknowledger) Ack(tag uint64, multiple bool) error {
	args := m.Called(tag, multiple)
	return args.Error(0)
}

func (m *mockAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	args := m.Called(tag, multiple, requeue)
	return args.Error(0)
}

func (m *mockAcknowledger) Reject(tag uint64, requeue bool) error {
	args := m.Called(tag, requeue)
	return args.Error(0)
}

func newDelivery(ack amqp.Acknowledger) amqp.Delivery {
	return amqp.Delivery{
		Acknowledger:  ack,
		DeliveryTag:   7,
		CorrelationId: "5b1a9f0e-3c2d-4e5f-8a9b-0c1d2e3f4a5b",
	}
}

func succeed(context.Context, amqp.Delivery) error { return nil }

func fail(context.Context, amqp.Delivery) error { return errHandlerFailed }

func TestConsumerHandleMessage(t *testing.T) {
	t.Run("AckOnSuccess acks handled messages", func(t *testing.T) {
		ack := &mockAcknowledger{}
		ack.On("Ack", uint64(7), false).Return(nil)
		c := NewConsumer(nil)

		err := c.handleMessage(context.Background(), newDelivery(ack), succeed)

		assert.NoError(t, err)
		ack.AssertExpectations(t)
	})

	t.Run("AckOnSuccess requeues failed messages", func(t *testing.T) {
		ack := &mockAcknowledger{}
		ack.On("Nack", uint64(7), false, true).Return(nil)
		c := NewConsumer(nil)

		err := c.handleMessage(context.Background(), newDelivery(ack), fail)

		assert.ErrorIs(t, err, errHandlerFailed)
		ack.AssertExpectations(t)
		ack.AssertNotCalled(t, "Ack", mock.Anything, mock.Anything)
	})

	t.Run("AckAlways acks failed messages", func(t *testing.T) {
		ack := &mockAcknowledger{}
		ack.On("Ack", uint64(7), false).Return(nil)
		c := NewConsumer(nil, WithAckStrategy(AckAlways))

		err := c.handleMessage(context.Background(), newDelivery(ack), fail)

		assert.ErrorIs(t, err, errHandlerFailed)
		ack.AssertExpectations(t)
	})

	t.Run("AckManual leaves acknowledgment to the handler", func(t *testing.T) {
		ack := &mockAcknowledger{}
		ack.On("Reject", uint64(7), false).Return(nil)
		c := NewConsumer(nil, WithAckStrategy(AckManual))

		err := c.handleMessage(context.Background(), newDelivery(ack), func(_ context.Context, d amqp.Delivery) error {
			return d.Reject(false)
		})

		assert.NoError(t, err)
		ack.AssertExpectations(t)
		ack.AssertNotCalled(t, "Ack", mock.Anything, mock.Anything)
	})
}

func TestConsumerSubscribe(t *testing.T) {
	t.Run("options", func(t *testing.T) {
		c := NewConsumer(nil,
			WithPrefetchCount(50),
			WithExclusive(true),
			WithConsumerTagPrefix("replies"),
		)

		assert.Equal(t, 50, c.prefetchCount)
		assert.True(t, c.exclusive)
		assert.Equal(t, "replies", c.tagPrefix)
		assert.Empty(t, c.ActiveSubscriptions())
	})

	t.Run("fails without a channel", func(t *testing.T) {
		pool := newIdlePool(t)
		require.NoError(t, pool.Close())
		c := NewConsumer(pool, WithConsumerTagPrefix("replies"))

		sub, err := c.Subscribe(context.Background(), "friendrpc.reply.1", 0, succeed)
		assert.Nil(t, sub)

		var consumerErr *ConsumerError
		require.ErrorAs(t, err, &consumerErr)
		assert.Equal(t, "subscribe", consumerErr.Op)
		assert.Equal(t, "friendrpc.reply.1", consumerErr.Queue)
		assert.Contains(t, consumerErr.ConsumerTag, "replies-")
		assert.ErrorIs(t, err, ErrChannelPoolClosed)
		assert.Empty(t, c.ActiveSubscriptions())
	})

	t.Run("CancelAll with no subscriptions", func(t *testing.T) {
		c := NewConsumer(nil)
		assert.NotPanics(t, c.CancelAll)
	})
}
