package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"mlink-tracker/internal/metrics"
	"mlink-tracker/internal/models"
	"mlink-tracker/internal/notifier"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
)

var (
	// ErrQueueFull 分片队列在等待时间内仍然满
	ErrQueueFull = errors.New("ingest queue full")
	// ErrStopped 流水线已停止
	ErrStopped = errors.New("ingest pipeline stopped")
)

// StateStore 设备最新状态
type StateStore interface {
	Upsert(ctx context.Context, e *models.TelemetryEvent) (*models.DeviceSnapshot, error)
}

// HistoryLog 遥测历史
type HistoryLog interface {
	Append(ctx context.Context, e *models.TelemetryEvent) (bool, error)
}

// AlertStore 报警记录
type AlertStore interface {
	Insert(ctx context.Context, a *models.AlertRecord) error
}

// Publisher 事件总线
type Publisher interface {
	Publish(event models.StreamEvent) int
}

// AlertDetector 报警检测（evaluator.Detector 满足）
type AlertDetector interface {
	Detect(e *models.TelemetryEvent) (*models.AlertRecord, bool)
	FromHint(h *models.AlertHint) *models.AlertRecord
}

// Options 流水线参数
type Options struct {
	Shards         int
	QueueSize      int
	OpTimeout      time.Duration // 单条消息存储操作超时
	EnqueueTimeout time.Duration // 入队等待上限
}

func (o *Options) applyDefaults() {
	if o.Shards <= 0 {
		o.Shards = 8
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = 5 * time.Second
	}
	if o.EnqueueTimeout <= 0 {
		o.EnqueueTimeout = time.Second
	}
}

// Pipeline 按设备分片的处理流水线
// 同一设备哈希到同一分片，按到达顺序串行处理；不同设备在不同分片并行
type Pipeline struct {
	opts Options

	state     StateStore
	history   HistoryLog
	alerts    AlertStore
	bus       Publisher
	detector  AlertDetector
	notifiers []notifier.Notifier

	logger  *zap.Logger
	metrics *metrics.Metrics

	mu      sync.RWMutex
	queues  []chan models.InboundMessage
	stopped bool
	started bool

	workers sync.WaitGroup
	notify  sync.WaitGroup
	baseCtx context.Context
	cancel  context.CancelFunc
}

// New 创建流水线
func New(
	opts Options,
	state StateStore,
	history HistoryLog,
	alerts AlertStore,
	bus Publisher,
	detector AlertDetector,
	notifiers []notifier.Notifier,
	logger *zap.Logger,
	m *metrics.Metrics,
) *Pipeline {
	opts.applyDefaults()

	queues := make([]chan models.InboundMessage, opts.Shards)
	for i := range queues {
		queues[i] = make(chan models.InboundMessage, opts.QueueSize)
	}

	return &Pipeline{
		opts:      opts,
		state:     state,
		history:   history,
		alerts:    alerts,
		bus:       bus,
		detector:  detector,
		notifiers: notifiers,
		logger:    logger,
		metrics:   m,
		queues:    queues,
	}
}

// Start 启动分片工作协程
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	p.baseCtx, p.cancel = context.WithCancel(ctx)

	for i, q := range p.queues {
		p.workers.Add(1)
		go p.runShard(i, q)
	}
	p.logger.Info("Ingest pipeline started",
		zap.Int("shards", p.opts.Shards),
		zap.Int("queue_size", p.opts.QueueSize),
	)
}

// Dispatch 按 device_id 入队；队列满时最多等待 EnqueueTimeout
func (p *Pipeline) Dispatch(msg models.InboundMessage) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}

	q := p.queues[ShardFor(msg.DeviceID, len(p.queues))]
	select {
	case q <- msg:
		return nil
	default:
	}

	timer := time.NewTimer(p.opts.EnqueueTimeout)
	defer timer.Stop()
	select {
	case q <- msg:
		return nil
	case <-timer.C:
		return fmt.Errorf("device %s: %w", msg.DeviceID, ErrQueueFull)
	}
}

// Stop 停止接收，处理完已入队的消息后返回（或 ctx 到期）
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	for _, q := range p.queues {
		close(q)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.workers.Wait()
		p.notify.Wait()
		close(done)
	}()

	select {
	case <-done:
		if p.cancel != nil {
			p.cancel()
		}
		p.logger.Info("Ingest pipeline stopped")
		return nil
	case <-ctx.Done():
		if p.cancel != nil {
			p.cancel()
		}
		return fmt.Errorf("pipeline drain: %w", ctx.Err())
	}
}

// ShardFor device_id 到分片的映射
func ShardFor(deviceID string, shards int) int {
	if shards <= 0 {
		return 0
	}
	return int(xxhash.Sum64String(deviceID) % uint64(shards))
}

func (p *Pipeline) runShard(shard int, q <-chan models.InboundMessage) {
	defer p.workers.Done()
	for msg := range q {
		p.process(p.baseCtx, msg)
	}
	p.logger.Debug("Shard worker exited", zap.Int("shard", shard))
}
