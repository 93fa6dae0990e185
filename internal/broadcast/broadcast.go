package broadcast

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/Khels/WebChat/internal/metrics"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnsubscribed = errors.New("broadcast: already unsubscribed")
	ErrSlowConsumer = errors.New("broadcast: subscriber queue overflow")
	ErrClosed       = errors.New("broadcast: closed")
)

const releaseTimeout = 5 * time.Second

// Subscriber 是某个频道的本地接收句柄，只能由持有它的 goroutine 消费。
type Subscriber struct {
	channel string
	queue   chan Event

	// closed/err 由 Broadcast.mu 保护；drained 只由消费者访问。
	closed  bool
	err     error
	drained bool
}

// Next 返回下一条事件。队列关闭（哨兵）时返回一次 io.EOF 或驱逐原因，
// 之后再调用返回 ErrUnsubscribed。
func (s *Subscriber) Next(ctx context.Context) (Event, error) {
	if s.drained {
		return Event{}, ErrUnsubscribed
	}
	select {
	case ev, ok := <-s.queue:
		if !ok {
			s.drained = true
			if s.err != nil {
				return Event{}, s.err
			}
			return Event{}, io.EOF
		}
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

func (s *Subscriber) Channel() string { return s.channel }

// Broadcast 在一条上游订阅之上为多个本地订阅者做扇出。
// 首个本地订阅者触发上游 subscribe，最后一个释放时触发上游 unsubscribe。
type Broadcast struct {
	bus       Bus
	queueSize int

	mu          sync.Mutex
	subscribers map[string]map[*Subscriber]struct{}
	failed      error
	closed      bool

	cancel    context.CancelFunc
	done      chan struct{}
	listenErr error
}

func New(bus Bus, queueSize int) *Broadcast {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Broadcast{
		bus:         bus,
		queueSize:   queueSize,
		subscribers: make(map[string]map[*Subscriber]struct{}),
	}
}

// Connect 连接上游并启动进程内唯一的监听 goroutine。
func (b *Broadcast) Connect(ctx context.Context) error {
	if err := b.bus.Connect(ctx); err != nil {
		return err
	}
	lctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.done = make(chan struct{})
	go func() {
		defer close(b.done)
		if err := b.listen(lctx); err != nil {
			log.Error().Err(err).Msg("broadcast listener stopped")
			b.fail(err)
			b.listenErr = err
		}
	}()
	return nil
}

// Done 在监听 goroutine 退出后关闭。
func (b *Broadcast) Done() <-chan struct{} { return b.done }

// Disconnect 停止监听、关闭上游连接并结束所有本地订阅。
// 若监听 goroutine 此前已自行失败，返回该错误。
func (b *Broadcast) Disconnect() error {
	if b.done == nil {
		return nil
	}
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	closeErr := b.bus.Close()
	<-b.done

	b.mu.Lock()
	for _, set := range b.subscribers {
		for sub := range set {
			b.closeLocked(sub, ErrClosed)
		}
	}
	b.mu.Unlock()
	return errors.Join(b.listenErr, closeErr)
}

func (b *Broadcast) listen(ctx context.Context) error {
	for {
		ev, err := b.bus.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("broadcast listener: %w", err)
		}
		b.dispatch(ev)
	}
}

// dispatch 把事件推入该频道每个本地队列；队列已满的订阅者被驱逐，监听从不阻塞。
func (b *Broadcast) dispatch(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subscribers[ev.Channel] {
		if sub.closed {
			continue
		}
		select {
		case sub.queue <- ev:
			metrics.BroadcastDeliveredTotal.Inc()
		default:
			b.closeLocked(sub, ErrSlowConsumer)
			metrics.BroadcastEvictedTotal.Inc()
			log.Warn().Str("channel", ev.Channel).Msg("evicted slow subscriber")
		}
	}
}

func (b *Broadcast) fail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failed = err
	for _, set := range b.subscribers {
		for sub := range set {
			b.closeLocked(sub, err)
		}
	}
}

func (b *Broadcast) closeLocked(sub *Subscriber, err error) {
	if sub.closed {
		return
	}
	sub.closed = true
	sub.err = err
	close(sub.queue)
}

// Publish 直接转发给上游；没有本地订阅者时也不做本地缓冲。
func (b *Broadcast) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if err := b.bus.Publish(ctx, channel, payload); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	metrics.BroadcastPublishedTotal.Inc()
	return nil
}

// Subscribe 注册一个本地订阅者并在 fn 返回（包括 panic 与取消）后释放它。
// 这是唯一的订阅方式，保证上游订阅不会泄漏。
func (b *Broadcast) Subscribe(ctx context.Context, channel string, fn func(*Subscriber) error) (err error) {
	sub, err := b.subscribe(ctx, channel)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := b.release(sub); rerr != nil && err == nil {
			err = rerr
		}
	}()
	return fn(sub)
}

func (b *Broadcast) subscribe(ctx context.Context, channel string) (*Subscriber, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if b.failed != nil {
		return nil, b.failed
	}
	set := b.subscribers[channel]
	if len(set) == 0 {
		if err := b.bus.Subscribe(ctx, channel); err != nil {
			return nil, fmt.Errorf("subscribe to %s: %w", channel, err)
		}
		set = make(map[*Subscriber]struct{})
		b.subscribers[channel] = set
		metrics.BroadcastChannels.Inc()
	}
	sub := &Subscriber{channel: channel, queue: make(chan Event, b.queueSize)}
	set[sub] = struct{}{}
	return sub, nil
}

func (b *Broadcast) release(sub *Subscriber) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeLocked(sub, nil)
	set, ok := b.subscribers[sub.channel]
	if !ok {
		return nil
	}
	if _, held := set[sub]; !held {
		return nil
	}
	delete(set, sub)
	if len(set) > 0 {
		return nil
	}
	delete(b.subscribers, sub.channel)
	metrics.BroadcastChannels.Dec()
	if b.closed || b.failed != nil {
		return nil
	}
	// 调用方的 ctx 可能已取消，释放上游订阅使用独立的超时。
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := b.bus.Unsubscribe(ctx, sub.channel); err != nil {
		return fmt.Errorf("unsubscribe from %s: %w", sub.channel, err)
	}
	return nil
}

// Subscribers 返回频道当前的本地订阅者数量。
func (b *Broadcast) Subscribers(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers[channel])
}
