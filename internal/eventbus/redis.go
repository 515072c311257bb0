package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

// RedisConfig configures the Redis publisher.
type RedisConfig struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int

	Timeout      time.Duration // per-publish timeout (default 2s)
	MaxFailures  int           // breaker trip threshold (default 5)
	ResetTimeout time.Duration // breaker open period (default 10s)
	MaxPending   int           // buffered messages while open (default 1000)
}

func (c *RedisConfig) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Second
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 10 * time.Second
	}
	if c.MaxPending <= 0 {
		c.MaxPending = 1000
	}
}

// redisClient is the subset of *goredis.Client the publisher uses.
type redisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *goredis.IntCmd
	Ping(ctx context.Context) *goredis.StatusCmd
	Subscribe(ctx context.Context, channels ...string) *goredis.PubSub
	Close() error
}

type pendingMsg struct {
	channel string
	payload []byte
}

// RedisPublisher publishes events to Redis pub/sub through a circuit breaker.
// While the breaker is open, messages are buffered (oldest dropped beyond
// MaxPending) and flushed when it closes again.
type RedisPublisher struct {
	client  redisClient
	cb      *CircuitBreaker
	timeout time.Duration

	mu         sync.Mutex
	pending    []pendingMsg
	maxPending int

	// Callbacks (optional, for metrics)
	OnBuffer func()
	OnFlush  func(count int)
}

// NewRedis connects to Redis and pings the server.
func NewRedis(ctx context.Context, cfg RedisConfig) (*RedisPublisher, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("eventbus: redis ping %s: %w", cfg.Addr, err)
	}

	slog.Info("redis connected", slog.String("component", "eventbus"), slog.String("addr", cfg.Addr))
	return newRedisPublisher(client, cfg), nil
}

func newRedisPublisher(client redisClient, cfg RedisConfig) *RedisPublisher {
	cfg.applyDefaults()
	p := &RedisPublisher{
		client:     client,
		cb:         NewCircuitBreaker(cfg.MaxFailures, cfg.ResetTimeout),
		timeout:    cfg.Timeout,
		pending:    make([]pendingMsg, 0, 64),
		maxPending: cfg.MaxPending,
	}
	p.cb.OnStateChange = func(from, to State) {
		slog.Warn("redis circuit breaker",
			slog.String("component", "eventbus"),
			slog.String("from", from.String()),
			slog.String("to", to.String()),
		)
		if to == StateClosed {
			go p.flush()
		}
	}
	return p
}

// Breaker exposes the circuit breaker so callers can observe state changes.
// Wrap OnStateChange rather than replacing it.
func (p *RedisPublisher) Breaker() *CircuitBreaker { return p.cb }

// Publish sends payload on channel. A message refused by the open breaker is
// buffered and Publish returns nil.
func (p *RedisPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	err := p.cb.Execute(func() error {
		cctx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()
		return p.client.Publish(cctx, channel, payload).Err()
	})
	if errors.Is(err, ErrCircuitOpen) {
		p.buffer(channel, payload)
		return nil
	}
	if err != nil {
		return fmt.Errorf("eventbus: publish %s: %w", channel, err)
	}
	return nil
}

func (p *RedisPublisher) buffer(channel string, payload []byte) {
	p.mu.Lock()
	if len(p.pending) >= p.maxPending {
		// Buffer full: drop oldest
		p.pending = p.pending[1:]
	}
	p.pending = append(p.pending, pendingMsg{channel: channel, payload: payload})
	p.mu.Unlock()

	if p.OnBuffer != nil {
		p.OnBuffer()
	}
}

// flush replays buffered messages after the breaker closes.
func (p *RedisPublisher) flush() {
	p.mu.Lock()
	if len(p.pending) == 0 {
		p.mu.Unlock()
		return
	}
	toFlush := p.pending
	p.pending = make([]pendingMsg, 0, 64)
	p.mu.Unlock()

	flushed := 0
	for _, m := range toFlush {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		err := p.client.Publish(ctx, m.channel, m.payload).Err()
		cancel()
		if err != nil {
			slog.Warn("redis flush aborted",
				slog.String("component", "eventbus"),
				slog.Int("remaining", len(toFlush)-flushed),
				slog.String("error", err.Error()),
			)
			break
		}
		flushed++
	}

	slog.Info("redis flushed buffered events", slog.String("component", "eventbus"), slog.Int("count", flushed))
	if p.OnFlush != nil {
		p.OnFlush(flushed)
	}
}

// PendingCount returns the number of buffered messages waiting to be flushed.
func (p *RedisPublisher) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Subscribe delivers messages on channels to fn until ctx is cancelled.
func (p *RedisPublisher) Subscribe(ctx context.Context, fn func(channel string, payload []byte), channels ...string) error {
	ps := p.client.Subscribe(ctx, channels...)
	defer ps.Close()

	// Wait for the subscription confirmation before reading messages
	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("eventbus: subscribe: %w", err)
	}

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			fn(msg.Channel, []byte(msg.Payload))
		}
	}
}

// Ping checks connectivity, for the liveness checker.
func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Close releases the Redis connection.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
