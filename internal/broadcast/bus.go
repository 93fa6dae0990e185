package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Event 是从上游总线收到的一条消息，只在投递期间存在于内存中。
type Event struct {
	Channel string
	Payload []byte
}

// Bus 是上游发布/订阅总线。一个连接上每个频道只能订阅一次，
// Next 阻塞拉取该连接所有已订阅频道的下一条消息。
type Bus interface {
	Connect(ctx context.Context) error
	Close() error
	Subscribe(ctx context.Context, channel string) error
	Unsubscribe(ctx context.Context, channel string) error
	Publish(ctx context.Context, channel string, payload []byte) error
	Next(ctx context.Context) (Event, error)
}

// RedisBus 使用两条 Redis 连接：一条发布，一条专用于订阅。
type RedisBus struct {
	opts *redis.Options
	pub  *redis.Client
	sub  *redis.Client
	ps   *redis.PubSub
}

func NewRedisBus(url string) (*RedisBus, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisBus{opts: opts}, nil
}

func (r *RedisBus) Connect(ctx context.Context) error {
	pub := redis.NewClient(r.opts)
	if err := pub.Ping(ctx).Err(); err != nil {
		_ = pub.Close()
		return fmt.Errorf("ping redis: %w", err)
	}
	sub := redis.NewClient(r.opts)
	r.pub, r.sub = pub, sub
	r.ps = sub.Subscribe(ctx)
	return nil
}

// Close 关闭订阅连接会让阻塞中的 Next 返回错误。
func (r *RedisBus) Close() error {
	if r.ps == nil {
		return nil
	}
	return errors.Join(r.ps.Close(), r.sub.Close(), r.pub.Close())
}

func (r *RedisBus) Subscribe(ctx context.Context, channel string) error {
	return r.ps.Subscribe(ctx, channel)
}

func (r *RedisBus) Unsubscribe(ctx context.Context, channel string) error {
	return r.ps.Unsubscribe(ctx, channel)
}

func (r *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	return r.pub.Publish(ctx, channel, payload).Err()
}

func (r *RedisBus) Next(ctx context.Context) (Event, error) {
	msg, err := r.ps.ReceiveMessage(ctx)
	if err != nil {
		return Event{}, err
	}
	return Event{Channel: msg.Channel, Payload: []byte(msg.Payload)}, nil
}

// MemoryBus 是进程内的总线实现，只适用于单实例部署与测试。
// 与 Redis 不同，Subscribe 返回时订阅已经生效。
type MemoryBus struct {
	mu         sync.Mutex
	subscribed map[string]bool
	events     chan Event
	closed     chan struct{}
	closeOnce  sync.Once
}

func NewMemoryBus(buffer int) *MemoryBus {
	return &MemoryBus{
		subscribed: make(map[string]bool),
		events:     make(chan Event, buffer),
		closed:     make(chan struct{}),
	}
}

func (m *MemoryBus) Connect(context.Context) error { return nil }

func (m *MemoryBus) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

func (m *MemoryBus) Subscribe(_ context.Context, channel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribed[channel] = true
	return nil
}

func (m *MemoryBus) Unsubscribe(_ context.Context, channel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subscribed, channel)
	return nil
}

// Publish 对没有订阅的频道直接丢弃，与 Redis 行为一致。
func (m *MemoryBus) Publish(ctx context.Context, channel string, payload []byte) error {
	m.mu.Lock()
	ok := m.subscribed[channel]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case m.events <- Event{Channel: channel, Payload: payload}:
		return nil
	case <-m.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *MemoryBus) Next(ctx context.Context) (Event, error) {
	select {
	case ev := <-m.events:
		return ev, nil
	case <-m.closed:
		return Event{}, ErrClosed
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}
