// Package pool provides a bounded goroutine pool for best-effort background
// work such as backend close/cancel notifications.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	ErrPoolClosed = errors.New("pool is closed")
	ErrPoolFull   = errors.New("pool is full")
)

// Task represents a unit of work.
type Task func(ctx context.Context) error

// GoroutinePool manages a pool of worker goroutines.
type GoroutinePool struct {
	maxWorkers  int
	taskQueue   chan taskWrapper
	workerCount atomic.Int32
	activeCount atomic.Int32
	closed      atomic.Bool
	closeMu     sync.RWMutex
	wg          sync.WaitGroup

	// Metrics
	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64

	// Config
	idleTimeout time.Duration
	taskTimeout time.Duration
	logger      *zap.Logger
}

type taskWrapper struct {
	name   string
	task   Task
	result chan error
}

// GoroutinePoolConfig configures the pool.
type GoroutinePoolConfig struct {
	MaxWorkers  int           `yaml:"max_workers" json:"max_workers"`
	QueueSize   int           `yaml:"queue_size" json:"queue_size"`
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	// TaskTimeout 单个任务的执行上限，0 表示不限制
	TaskTimeout time.Duration `yaml:"task_timeout" json:"task_timeout"`
}

// DefaultGoroutinePoolConfig returns sensible defaults for notification work.
func DefaultGoroutinePoolConfig() GoroutinePoolConfig {
	return GoroutinePoolConfig{
		MaxWorkers:  4,
		QueueSize:   64,
		IdleTimeout: 30 * time.Second,
		TaskTimeout: 5 * time.Second,
	}
}

// NewGoroutinePool creates a new goroutine pool.
func NewGoroutinePool(config GoroutinePoolConfig, logger *zap.Logger) *GoroutinePool {
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = 1
	}
	if config.QueueSize < 0 {
		config.QueueSize = 0
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GoroutinePool{
		maxWorkers:  config.MaxWorkers,
		taskQueue:   make(chan taskWrapper, config.QueueSize),
		idleTimeout: config.IdleTimeout,
		taskTimeout: config.TaskTimeout,
		logger:      logger.With(zap.String("component", "goroutine_pool")),
	}
}

// Go submits a named fire-and-forget task. Failures (including rejection)
// are logged, never returned.
func (p *GoroutinePool) Go(name string, task Task) {
	if err := p.submit(name, task, nil); err != nil {
		p.logger.Warn("background task rejected", zap.String("task", name), zap.Error(err))
	}
}

// SubmitWait submits a task and waits for completion.
func (p *GoroutinePool) SubmitWait(ctx context.Context, name string, task Task) error {
	result := make(chan error, 1)
	if err := p.submit(name, task, result); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *GoroutinePool) submit(name string, task Task, result chan error) error {
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()

	if p.closed.Load() {
		return ErrPoolClosed
	}

	p.submitted.Add(1)
	wrapper := taskWrapper{name: name, task: task, result: result}

	select {
	case p.taskQueue <- wrapper:
		p.ensureWorker()
		return nil
	default:
		// 队列满：尝试扩容 worker 后再投递一次
		if p.trySpawnWorker() {
			select {
			case p.taskQueue <- wrapper:
				return nil
			default:
			}
		}
		p.rejected.Add(1)
		return ErrPoolFull
	}
}

func (p *GoroutinePool) ensureWorker() {
	if p.workerCount.Load() < int32(p.maxWorkers) {
		p.trySpawnWorker()
	}
}

func (p *GoroutinePool) trySpawnWorker() bool {
	for {
		current := p.workerCount.Load()
		if current >= int32(p.maxWorkers) {
			return false
		}
		if p.workerCount.CompareAndSwap(current, current+1) {
			p.wg.Add(1)
			go p.worker()
			return true
		}
	}
}

func (p *GoroutinePool) worker() {
	counted := true
	defer p.wg.Done()
	defer func() {
		if counted {
			p.workerCount.Add(-1)
		}
	}()

	timer := time.NewTimer(p.idleTimeout)
	defer timer.Stop()

	for {
		select {
		case wrapper, ok := <-p.taskQueue:
			if !ok {
				return
			}

			p.activeCount.Add(1)
			err := p.executeTask(wrapper)
			p.activeCount.Add(-1)

			if wrapper.result != nil {
				wrapper.result <- err
				close(wrapper.result)
			}

			if err != nil {
				p.failed.Add(1)
				p.logger.Debug("background task failed", zap.String("task", wrapper.name), zap.Error(err))
			} else {
				p.completed.Add(1)
			}

			timer.Reset(p.idleTimeout)

		case <-timer.C:
			// 空闲超时：至少保留一个 worker，避免已入队任务无人处理
			for {
				current := p.workerCount.Load()
				if current <= 1 {
					break
				}
				if p.workerCount.CompareAndSwap(current, current-1) {
					counted = false
					return
				}
			}
			timer.Reset(p.idleTimeout)
		}
	}
}

func (p *GoroutinePool) executeTask(wrapper taskWrapper) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("background task panicked", zap.String("task", wrapper.name), zap.Any("panic", r))
			err = fmt.Errorf("task %s panicked: %v", wrapper.name, r)
		}
	}()

	ctx := context.Background()
	if p.taskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.taskTimeout)
		defer cancel()
	}
	return wrapper.task(ctx)
}

// Close stops accepting tasks, lets queued tasks finish and waits for
// all workers.
func (p *GoroutinePool) Close() {
	p.closeMu.Lock()
	if p.closed.Swap(true) {
		p.closeMu.Unlock()
		return
	}
	close(p.taskQueue)
	p.closeMu.Unlock()

	p.wg.Wait()
}

// Stats returns pool statistics.
func (p *GoroutinePool) Stats() GoroutinePoolStats {
	return GoroutinePoolStats{
		Workers:   int(p.workerCount.Load()),
		Active:    int(p.activeCount.Load()),
		Queued:    len(p.taskQueue),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
	}
}

// GoroutinePoolStats contains pool statistics.
type GoroutinePoolStats struct {
	Workers   int   `json:"workers"`
	Active    int   `json:"active"`
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Rejected  int64 `json:"rejected"`
}
