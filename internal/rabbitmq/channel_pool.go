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

// ChannelPool manages a pool of AMQP channels
type ChannelPool struct {
	manager     *ConnectionManager
	channels    chan *PooledChannel
	maxSize     int
	minSize     int
	idleTimeout time.Duration
	confirm     bool
	logger      *slog.Logger

	mu          sync.Mutex
	closed      bool
	activeCount int
	done        chan struct{}
}

// PooledChannel wraps an AMQP channel with pool metadata
type PooledChannel struct {
	*amqp.Channel
	id       string
	lastUsed time.Time
	// returns is only set for confirm-mode channels
	returns <-chan amqp.Return
}

// ID returns the pool-assigned channel identifier
func (pc *PooledChannel) ID() string {
	return pc.id
}

// ChannelPoolOption configures the channel pool
type ChannelPoolOption func(*ChannelPool)

// WithMaxSize sets the maximum pool size
func WithMaxSize(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.maxSize = size
	}
}

// WithMinSize sets the minimum pool size
func WithMinSize(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.minSize = size
	}
}

// WithIdleTimeout sets the idle timeout for channels
func WithIdleTimeout(timeout time.Duration) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.idleTimeout = timeout
	}
}

// WithConfirmMode puts every channel of the pool into publisher confirm mode
func WithConfirmMode(enabled bool) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.confirm = enabled
	}
}

// WithChannelLogger sets the logger
func WithChannelLogger(logger *slog.Logger) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.logger = logger
	}
}

// NewChannelPool creates a new channel pool
func NewChannelPool(manager *ConnectionManager, options ...ChannelPoolOption) (*ChannelPool, error) {
	if manager == nil {
		return nil, ErrInvalidConfiguration
	}

	pool := &ChannelPool{
		manager:     manager,
		maxSize:     10,
		minSize:     1,
		idleTimeout: 5 * time.Minute,
		logger:      slog.Default(),
		done:        make(chan struct{}),
	}

	for _, opt := range options {
		opt(pool)
	}

	if pool.maxSize < 1 {
		return nil, fmt.Errorf("%w: max size must be at least 1", ErrInvalidConfiguration)
	}
	if pool.minSize < 0 || pool.minSize > pool.maxSize {
		return nil, fmt.Errorf("%w: min size must be between 0 and max size", ErrInvalidConfiguration)
	}

	pool.channels = make(chan *PooledChannel, pool.maxSize)

	for i := 0; i < pool.minSize; i++ {
		ch, err := pool.createChannel()
		if err != nil {
			pool.Close()
			return nil, &ChannelError{
				Op:        "pool initialization",
				ChannelID: fmt.Sprintf("init-%d", i),
				Err:       err,
				Timestamp: time.Now(),
			}
		}
		pool.channels <- ch
	}

	go pool.cleanupIdle()

	return pool, nil
}

// Get retrieves a channel from the pool, opening a new one while under the size limit
func (cp *ChannelPool) Get(ctx context.Context) (*PooledChannel, error) {
	for {
		cp.mu.Lock()
		if cp.closed {
			cp.mu.Unlock()
			return nil, ErrChannelPoolClosed
		}
		cp.mu.Unlock()

		var ch *PooledChannel
		select {
		case ch = <-cp.channels:
		default:
			if cp.reserve() {
				return cp.createReserved(ctx)
			}

			select {
			case ch = <-cp.channels:
			case <-ctx.Done():
				return nil, &ChannelError{
					Op:        "get channel",
					ChannelID: "pool",
					Err:       ctx.Err(),
					Timestamp: time.Now(),
				}
			case <-time.After(5 * time.Second):
				return nil, &ChannelError{
					Op:        "get channel",
					ChannelID: "pool",
					Err:       ErrChannelPoolExhausted,
					Timestamp: time.Now(),
				}
			}
		}

		if ch == nil {
			return nil, ErrChannelPoolClosed
		}
		if ch.IsClosed() {
			cp.release()
			continue
		}

		ch.lastUsed = time.Now()
		return ch, nil
	}
}

// Put returns a channel to the pool
func (cp *ChannelPool) Put(ch *PooledChannel) {
	if ch == nil {
		return
	}

	cp.mu.Lock()
	defer cp.mu.Unlock()

	if cp.closed || ch.IsClosed() {
		ch.Close()
		cp.activeCount--
		return
	}

	ch.lastUsed = time.Now()

	select {
	case cp.channels <- ch:
	default:
		ch.Close()
		cp.activeCount--
	}
}

// Discard closes a channel instead of returning it; use it after a channel-level error
func (cp *ChannelPool) Discard(ch *PooledChannel) {
	if ch == nil {
		return
	}
	ch.Close()
	cp.release()
}

// Close closes all channels in the pool
func (cp *ChannelPool) Close() error {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil
	}
	cp.closed = true
	close(cp.done)
	cp.mu.Unlock()

	for {
		select {
		case ch := <-cp.channels:
			ch.Close()
			cp.release()
		default:
			return nil
		}
	}
}

// Size returns the number of open channels, idle or in use
func (cp *ChannelPool) Size() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.activeCount
}

// Execute runs a function with a channel from the pool
func (cp *ChannelPool) Execute(ctx context.Context, fn func(*amqp.Channel) error) (err error) {
	ch, err := cp.Get(ctx)
	if err != nil {
		return err
	}
	defer cp.Put(ch)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in channel execution: %v", r)
		}
	}()

	return fn(ch.Channel)
}

// reserve claims a slot for a new channel
func (cp *ChannelPool) reserve() bool {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	if cp.activeCount >= cp.maxSize {
		return false
	}
	cp.activeCount++
	return true
}

func (cp *ChannelPool) release() {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.activeCount--
}

func (cp *ChannelPool) createReserved(ctx context.Context) (*PooledChannel, error) {
	if err := ctx.Err(); err != nil {
		cp.release()
		return nil, &ChannelError{
			Op:        "create channel",
			ChannelID: "new",
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	ch, err := cp.open()
	if err != nil {
		cp.release()
		return nil, err
	}
	return ch, nil
}

// createChannel opens a channel and counts it against the pool
func (cp *ChannelPool) createChannel() (*PooledChannel, error) {
	ch, err := cp.open()
	if err != nil {
		return nil, err
	}

	cp.mu.Lock()
	cp.activeCount++
	cp.mu.Unlock()

	return ch, nil
}

func (cp *ChannelPool) open() (*PooledChannel, error) {
	id := uuid.New().String()

	conn, err := cp.manager.GetConnection()
	if err != nil {
		return nil, &ChannelError{Op: "create channel", ChannelID: id, Err: err, Timestamp: time.Now()}
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{
			Op:        "create channel",
			ChannelID: id,
			Err:       fmt.Errorf("%w: %v", ErrChannelCreationFailed, err),
			Timestamp: time.Now(),
		}
	}

	pooled := &PooledChannel{
		Channel:  ch,
		id:       id,
		lastUsed: time.Now(),
	}

	// Confirm mode and the return listener are set once for the channel's
	// lifetime; registering them per publish would leak listeners
	if cp.confirm {
		if err := ch.Confirm(false); err != nil {
			ch.Close()
			return nil, &ChannelError{Op: "enable confirms", ChannelID: id, Err: err, Timestamp: time.Now()}
		}
		pooled.returns = ch.NotifyReturn(make(chan amqp.Return, 16))
	}

	cp.logger.Debug("opened channel", "channelId", id, "confirm", cp.confirm)
	return pooled, nil
}

// cleanupIdle closes channels idle longer than the idle timeout, keeping at least minSize
func (cp *ChannelPool) cleanupIdle() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-cp.done:
			return
		case <-ticker.C:
			cp.sweep(time.Now().Add(-cp.idleTimeout))
		}
	}
}

func (cp *ChannelPool) sweep(idleSince time.Time) {
	var keep []*PooledChannel

drain:
	for {
		select {
		case ch := <-cp.channels:
			if ch.IsClosed() {
				cp.release()
				continue
			}
			if ch.lastUsed.Before(idleSince) && cp.Size() > cp.minSize {
				ch.Close()
				cp.release()
				cp.logger.Debug("closed idle channel", "channelId", ch.id)
				continue
			}
			keep = append(keep, ch)
		default:
			break drain
		}
	}

	for _, ch := range keep {
		cp.Put(ch)
	}
}
