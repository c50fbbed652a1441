package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/BaSui01/notegen/config"
	"github.com/BaSui01/notegen/internal/metrics"
	workerpool "github.com/BaSui01/notegen/internal/pool"
	"github.com/BaSui01/notegen/transport"
	"github.com/BaSui01/notegen/types"
	"go.uber.org/zap"
)

// =============================================================================
// 📝 生成记录
// =============================================================================

// GenerationRecord 是一次已结束生成的摘要
type GenerationRecord struct {
	RequestID string
	SessionID string
	NoteID    string
	Outcome   string
	ErrorCode string
	Chars     int
	Chunks    int
	Duration  time.Duration
	StartedAt time.Time
}

// GenerationRecorder 持久化生成记录（见 journal 包）
type GenerationRecorder interface {
	RecordGeneration(ctx context.Context, rec GenerationRecord) error
}

// =============================================================================
// ⚙️ 选项
// =============================================================================

type managerOptions struct {
	logger   *zap.Logger
	metrics  *metrics.Collector
	journal  GenerationRecorder
	store    UsageStore
	notifier *workerpool.GoroutinePool
}

// Option 配置 Manager
type Option func(*managerOptions)

// WithLogger 设置日志
func WithLogger(logger *zap.Logger) Option {
	return func(o *managerOptions) { o.logger = logger }
}

// WithMetrics 设置指标收集器
func WithMetrics(collector *metrics.Collector) Option {
	return func(o *managerOptions) { o.metrics = collector }
}

// WithJournal 设置生成记录存储
func WithJournal(recorder GenerationRecorder) Option {
	return func(o *managerOptions) { o.journal = recorder }
}

// WithUsageStore 设置使用频率存储，默认使用内存存储
func WithUsageStore(store UsageStore) Option {
	return func(o *managerOptions) { o.store = store }
}

// WithNotifier 设置后台通知使用的协程池。
// 未设置时 Manager 自行创建，并在 Close 时关闭。
func WithNotifier(notifier *workerpool.GoroutinePool) Option {
	return func(o *managerOptions) { o.notifier = notifier }
}

// =============================================================================
// 🎛️ Manager
// =============================================================================

// Handlers 是 RequestGeneration 的回调。均可为 nil。
// OnDone 也会在取消时调用（Result.Outcome 为 cancelled）。
type Handlers struct {
	OnChunk func(delta, fullText string)
	OnDone  func(Result)
	OnError func(error)
}

// GenerationHandle 是进行中生成的句柄
type GenerationHandle struct {
	req    *GenerationRequest
	done   chan struct{}
	result Result
	err    error
}

// ID 返回请求 ID
func (h *GenerationHandle) ID() string { return h.req.ID }

// Cancel 取消生成。可重复调用，生成结束后调用无副作用。
func (h *GenerationHandle) Cancel() { h.req.Token.Cancel() }

// Done 在生成结束且回调执行完毕后关闭
func (h *GenerationHandle) Done() <-chan struct{} { return h.done }

// Wait 等待生成结束
func (h *GenerationHandle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Manager 组合会话池、预连接与请求协调，是应用根对象。
type Manager struct {
	cfg         config.SessionConfig
	pool        *Pool
	factory     *ChannelFactory
	coordinator *Coordinator
	preconnect  *PreconnectScheduler
	status      *StatusEmitter
	journal     GenerationRecorder
	notifier    *workerpool.GoroutinePool
	ownNotifier bool
	logger      *zap.Logger
	metrics     *metrics.Collector

	mu     sync.Mutex
	active map[string]*GenerationHandle
	wg     sync.WaitGroup
	closed bool
}

// NewManager 创建 Manager
func NewManager(cfg config.SessionConfig, backend transport.Backend, opts ...Option) *Manager {
	o := managerOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	m := &Manager{
		cfg:     cfg,
		journal: o.journal,
		logger:  o.logger.With(zap.String("component", "session_manager")),
		metrics: o.metrics,
		active:  make(map[string]*GenerationHandle),
	}

	m.notifier = o.notifier
	if m.notifier == nil {
		poolCfg := workerpool.DefaultGoroutinePoolConfig()
		if cfg.NotifyTimeout > 0 {
			poolCfg.TaskTimeout = cfg.NotifyTimeout
		}
		m.notifier = workerpool.NewGoroutinePool(poolCfg, o.logger)
		m.ownNotifier = true
	}

	m.status = NewStatusEmitter(cfg.StatusBufferSize, o.logger, o.metrics)
	m.factory = NewChannelFactory(backend, cfg.ConnectTimeout, o.logger, o.metrics)
	usage := NewUsageTracker(o.store, cfg.Usage.ClientID, cfg.Usage.Window, cfg.Usage.FrequentThreshold, o.logger)
	m.pool = NewPool(cfg, m.factory, PoolOptions{
		Backend:  backend,
		Usage:    usage,
		Status:   m.status,
		Notifier: m.notifier,
		Logger:   o.logger,
		Metrics:  o.metrics,
	})
	m.coordinator = NewCoordinator(cfg, backend, m.pool, m.notifier, o.logger, o.metrics)
	m.preconnect = NewPreconnectScheduler(cfg.Preconnect, m.pool, o.logger, o.metrics)

	return m
}

// Pool 返回内部会话池
func (m *Manager) Pool() *Pool { return m.pool }

// RequestGeneration 异步发起生成，立即返回句柄。
// 回调在后台 goroutine 中执行；OnChunk 在取消被观察到之后不会再被调用。
func (m *Manager) RequestGeneration(ctx context.Context, noteID, prompt string, h Handlers) *GenerationHandle {
	req := NewGenerationRequest(noteID, prompt)
	handle := &GenerationHandle{req: req, done: make(chan struct{})}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		handle.err = types.NewError(types.ErrPoolClosed, "session manager is closed")
		close(handle.done)
		if h.OnError != nil {
			h.OnError(handle.err)
		}
		return handle
	}
	m.active[req.ID] = handle
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		defer close(handle.done)
		defer func() {
			m.mu.Lock()
			delete(m.active, req.ID)
			m.mu.Unlock()
		}()

		handle.result, handle.err = m.generate(ctx, req, h.OnChunk)
		if handle.err != nil {
			if h.OnError != nil {
				h.OnError(handle.err)
			}
			return
		}
		if h.OnDone != nil {
			h.OnDone(handle.result)
		}
	}()
	return handle
}

// Generate 同步执行一次生成。ctx 结束等同于取消。
func (m *Manager) Generate(ctx context.Context, noteID, prompt string, onChunk Sink) (Result, error) {
	handle := m.RequestGeneration(ctx, noteID, prompt, Handlers{OnChunk: onChunk})
	<-handle.Done()
	return handle.result, handle.err
}

func (m *Manager) generate(ctx context.Context, req *GenerationRequest, sink Sink) (Result, error) {
	// 获取阶段也要响应取消令牌
	acqCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		select {
		case <-req.Token.Done():
			stop()
		case <-acqCtx.Done():
		}
	}()

	s, err := m.pool.Acquire(acqCtx)
	if err != nil {
		if req.Token.Cancelled() || types.GetErrorCode(err) == types.ErrCancelled || errors.Is(err, context.Canceled) {
			res := Result{RequestID: req.ID, Outcome: OutcomeCancelled, Duration: time.Since(req.StartedAt)}
			m.record(req, res, nil)
			return res, nil
		}
		m.status.Emit(StatusError)
		m.record(req, Result{RequestID: req.ID, Duration: time.Since(req.StartedAt)}, err)
		return Result{RequestID: req.ID}, err
	}
	if req.Token.Cancelled() {
		m.pool.Release(s, true)
		res := Result{RequestID: req.ID, SessionID: s.ID, Outcome: OutcomeCancelled, Duration: time.Since(req.StartedAt)}
		m.record(req, res, nil)
		return res, nil
	}

	m.status.Emit(StatusGenerating)
	res, err := m.coordinator.Run(ctx, req, s, sink)
	if err != nil {
		m.status.Emit(StatusError)
	}
	if m.pool.Snapshot().HasSession {
		m.status.Emit(StatusConnected)
	} else if err != nil {
		m.status.Emit(StatusDisconnected)
	}

	m.record(req, res, err)
	return res, err
}

func (m *Manager) record(req *GenerationRequest, res Result, err error) {
	if m.journal == nil {
		return
	}
	rec := GenerationRecord{
		RequestID: req.ID,
		SessionID: res.SessionID,
		NoteID:    req.NoteID,
		Outcome:   string(res.Outcome),
		Chars:     len([]rune(res.Text)),
		Chunks:    res.Chunks,
		Duration:  res.Duration,
		StartedAt: req.StartedAt,
	}
	if err != nil {
		rec.Outcome = "error"
		rec.ErrorCode = string(types.GetErrorCode(err))
	}
	m.notifier.Go("journal_record", func(ctx context.Context) error {
		if err := m.journal.RecordGeneration(ctx, rec); err != nil {
			m.logger.Warn("journal record failed", zap.String("request_id", rec.RequestID), zap.Error(err))
			return err
		}
		return nil
	})
}

// NotifyInputActivity 把输入活动交给预连接调度器
func (m *Manager) NotifyInputActivity(text string) {
	m.preconnect.OnActivitySignal(text)
}

// OnStatusChange 注册状态观察者，返回取消函数
func (m *Manager) OnStatusChange(fn func(Status)) func() {
	return m.status.Subscribe(fn)
}

// Status 返回当前状态
func (m *Manager) Status() Status {
	return m.status.Current()
}

// Close 取消所有进行中的生成，关闭会话池并释放后台资源。可重复调用。
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	handles := make([]*GenerationHandle, 0, len(m.active))
	for _, h := range m.active {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	m.preconnect.Stop()
	for _, h := range handles {
		h.Cancel()
	}
	m.wg.Wait()

	m.pool.Shutdown()
	if m.ownNotifier {
		m.notifier.Close()
	}
	m.status.Close()
	m.logger.Info("session manager closed")
}
