package bridge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/glimte/friend-rpc/contracts"
	"github.com/glimte/friend-rpc/messaging"
	"github.com/stretchr/testify/mock"
)

// Mock Publisher
type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, exchange, routingKey string, envelope *contracts.RequestEnvelope) error {
	args := m.Called(ctx, exchange, routingKey, envelope)
	return args.Error(0)
}

func (m *mockPublisher) Close() error {
	return nil
}

// fakeDelivery is an in-memory reply
type fakeDelivery struct {
	correlationID string
	body          []byte
	headers       map[string]interface{}
	acked         *atomic.Int64
}

func (d *fakeDelivery) CorrelationID() string           { return d.correlationID }
func (d *fakeDelivery) Body() []byte                    { return d.body }
func (d *fakeDelivery) Headers() map[string]interface{} { return d.headers }
func (d *fakeDelivery) Reject(requeue bool) error       { return nil }

func (d *fakeDelivery) Acknowledge() error {
	d.acked.Add(1)
	return nil
}

var errSubscribeFailed = errors.New("subscribe failed")

// fakeSubscriber hands out one stream per subscription and lets tests push
// replies into it or drop it
type fakeSubscriber struct {
	mu            sync.Mutex
	stream        chan messaging.TransportDelivery
	subscriptions atomic.Int64
	failNext      atomic.Int64
	acked         atomic.Int64
	lastQueue     string
	lastOptions   messaging.SubscriptionOptions
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{}
}

func (s *fakeSubscriber) Subscribe(ctx context.Context, queue string, options messaging.SubscriptionOptions) (<-chan messaging.TransportDelivery, error) {
	if s.failNext.Load() > 0 {
		s.failNext.Add(-1)
		return nil, errSubscribeFailed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stream := make(chan messaging.TransportDelivery, 64)
	s.stream = stream
	s.lastQueue = queue
	s.lastOptions = options
	s.subscriptions.Add(1)

	// Ends the stream like a broker closing the channel on shutdown
	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.stream == stream {
			close(stream)
			s.stream = nil
		}
	}()

	return stream, nil
}

func (s *fakeSubscriber) Close() error {
	return nil
}

// reply pushes a reply into the current stream; it reports false when no
// subscription is live
func (s *fakeSubscriber) reply(correlationID string, body []byte, headers map[string]interface{}) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stream == nil {
		return false
	}
	s.stream <- &fakeDelivery{
		correlationID: correlationID,
		body:          body,
		headers:       headers,
		acked:         &s.acked,
	}
	return true
}

// disconnect closes the current stream
func (s *fakeSubscriber) disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stream != nil {
		close(s.stream)
		s.stream = nil
	}
}

func (s *fakeSubscriber) queue() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastQueue
}

// staticReadiness is a Readiness with a fixed answer
type staticReadiness bool

func (r staticReadiness) Ready() bool { return bool(r) }
