package session

import (
	"sync"

	"github.com/BaSui01/notegen/internal/channel"
	"github.com/BaSui01/notegen/internal/metrics"
	"go.uber.org/zap"
)

// Status 是对外展示的会话状态
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusGenerating   Status = "generating"
	StatusError        Status = "error"
)

// StatusEmitter 向观察者异步广播状态变化。
//
// Emit 只做非阻塞入队；队列满时丢弃，由单个 goroutine 按顺序分发。
// 观察者 panic 会被恢复并记录。
type StatusEmitter struct {
	mu        sync.RWMutex
	current   Status
	observers map[uint64]func(Status)
	nextID    uint64

	queue   *channel.DropQueue[Status]
	drained chan struct{}
	once    sync.Once

	logger  *zap.Logger
	metrics *metrics.Collector
}

// NewStatusEmitter 创建状态广播器并启动分发 goroutine。
func NewStatusEmitter(bufferSize int, logger *zap.Logger, collector *metrics.Collector) *StatusEmitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &StatusEmitter{
		current:   StatusDisconnected,
		observers: make(map[uint64]func(Status)),
		queue:     channel.NewDropQueue[Status](bufferSize),
		drained:   make(chan struct{}),
		logger:    logger.With(zap.String("component", "status_emitter")),
		metrics:   collector,
	}
	go e.dispatch()
	return e
}

// Subscribe 注册观察者，返回可重复调用的取消函数。
func (e *StatusEmitter) Subscribe(fn func(Status)) func() {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.observers[id] = fn
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.observers, id)
			e.mu.Unlock()
		})
	}
}

// Emit 记录并广播状态。从不阻塞。
func (e *StatusEmitter) Emit(s Status) {
	e.mu.Lock()
	e.current = s
	e.mu.Unlock()

	e.metrics.RecordStatus(string(s))
	if !e.queue.TrySend(s) {
		e.logger.Debug("status observation dropped", zap.String("status", string(s)))
	}
}

// Current 返回最近一次 Emit 的状态。
func (e *StatusEmitter) Current() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.current
}

// Close 停止接收新状态，并等待已入队的状态分发完毕。
func (e *StatusEmitter) Close() {
	e.once.Do(e.queue.Close)
	<-e.drained
}

func (e *StatusEmitter) dispatch() {
	defer close(e.drained)
	for s := range e.queue.Chan() {
		e.mu.RLock()
		observers := make([]func(Status), 0, len(e.observers))
		for _, fn := range e.observers {
			observers = append(observers, fn)
		}
		e.mu.RUnlock()

		for _, fn := range observers {
			e.notify(fn, s)
		}
	}
}

func (e *StatusEmitter) notify(fn func(Status), s Status) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("status observer panicked",
				zap.String("status", string(s)),
				zap.Any("panic", r),
			)
		}
	}()
	fn(s)
}
