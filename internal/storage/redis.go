package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisOpBuffer  = 256
	redisOpTimeout = 2 * time.Second
)

type redisOp func(ctx context.Context, c *redis.Client)

// RedisPublisher mirrors metrics counters into Redis under
// metrics:conductor:* keys. Updates flow through a buffered channel to a
// single writer goroutine so callers never block on the network; when
// the buffer is full updates are dropped.
type RedisPublisher struct {
	client *redis.Client
	ops    chan redisOp
	done   chan struct{}
}

func NewRedisPublisher(url string) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	p := &RedisPublisher{
		client: client,
		ops:    make(chan redisOp, redisOpBuffer),
		done:   make(chan struct{}),
	}
	go p.writer()
	return p, nil
}

func (p *RedisPublisher) writer() {
	defer close(p.done)
	for op := range p.ops {
		ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
		op(ctx, p.client)
		cancel()
	}
}

func (p *RedisPublisher) submit(op redisOp) {
	select {
	case p.ops <- op:
	default:
		// full buffer: dropping a counter beats stalling the engine
	}
}

func (p *RedisPublisher) IncrCompleted(taskID string, latency time.Duration) {
	p.submit(func(ctx context.Context, c *redis.Client) {
		c.Incr(ctx, "metrics:conductor:completed")
		c.Incr(ctx, fmt.Sprintf("metrics:conductor:completed:%s", taskID))
		c.HSet(ctx, "metrics:conductor:latency_ms", taskID, latency.Milliseconds())
	})
}

func (p *RedisPublisher) IncrFailed(taskID string) {
	p.submit(func(ctx context.Context, c *redis.Client) {
		c.Incr(ctx, "metrics:conductor:failed")
		c.Incr(ctx, fmt.Sprintf("metrics:conductor:failed:%s", taskID))
	})
}

func (p *RedisPublisher) IncrRetried(taskID string) {
	p.submit(func(ctx context.Context, c *redis.Client) {
		c.Incr(ctx, "metrics:conductor:retried")
		c.Incr(ctx, fmt.Sprintf("metrics:conductor:retried:%s", taskID))
	})
}

// Close flushes buffered updates and closes the connection. Stop the
// engine first; submits after Close panic.
func (p *RedisPublisher) Close() error {
	close(p.ops)
	<-p.done
	return p.client.Close()
}
