package bus

import (
	"sync"

	"mlink-tracker/internal/metrics"
	"mlink-tracker/internal/models"

	"go.uber.org/zap"
)

// DefaultBufferSize 每个订阅者的默认缓冲
const DefaultBufferSize = 64

// Subscription 一个订阅句柄；C 被关闭表示已退订或因跟不上被断开
type Subscription struct {
	id uint64
	ch chan models.StreamEvent
	C  <-chan models.StreamEvent
}

// ID 订阅编号
func (s *Subscription) ID() uint64 {
	return s.id
}

// Bus 进程内事件总线：扇出给所有订阅者，每个订阅者独立的有界队列
// Publish 不会因慢订阅者阻塞，队列满的订阅者直接被断开
type Bus struct {
	mu          sync.Mutex
	subscribers map[uint64]*Subscription
	nextID      uint64
	bufSize     int
	closed      bool

	logger  *zap.Logger
	metrics *metrics.Metrics
}

// New 创建事件总线
func New(bufSize int, logger *zap.Logger, m *metrics.Metrics) *Bus {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	return &Bus{
		subscribers: make(map[uint64]*Subscription),
		bufSize:     bufSize,
		logger:      logger,
		metrics:     m,
	}
}

// Subscribe 注册订阅者，之后发布的事件按发布顺序送达
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan models.StreamEvent, b.bufSize)
	sub := &Subscription{id: b.nextID, ch: ch, C: ch}
	b.nextID++

	if b.closed {
		close(ch)
		return sub
	}

	b.subscribers[sub.id] = sub
	b.metrics.SetBusSubscribers(len(b.subscribers))
	return sub
}

// Unsubscribe 退订（幂等）
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(sub.id)
}

// Publish 投递给所有订阅者（非阻塞）；返回被断开的订阅者数量
func (b *Bus) Publish(event models.StreamEvent) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0
	}

	dropped := 0
	for id, sub := range b.subscribers {
		select {
		case sub.ch <- event:
		default:
			b.removeLocked(id)
			dropped++
			b.metrics.RecordBusDrop()
			b.logger.Warn("Dropping slow subscriber",
				zap.Uint64("subscriber_id", id),
				zap.Int("buffer_size", b.bufSize),
			)
		}
	}
	return dropped
}

// Len 当前订阅者数量
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Close 关闭总线并断开所有订阅者
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id := range b.subscribers {
		b.removeLocked(id)
	}
}

func (b *Bus) removeLocked(id uint64) {
	sub, ok := b.subscribers[id]
	if !ok {
		return
	}
	delete(b.subscribers, id)
	close(sub.ch)
	b.metrics.SetBusSubscribers(len(b.subscribers))
}
