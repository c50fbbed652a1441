package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BaSui01/notegen/config"
	"github.com/BaSui01/notegen/internal/metrics"
	workerpool "github.com/BaSui01/notegen/internal/pool"
	"github.com/BaSui01/notegen/internal/telemetry"
	"github.com/BaSui01/notegen/transport"
	"github.com/BaSui01/notegen/types"
	"github.com/eapache/queue"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// 会话关闭原因
const (
	closeReasonIdle     = "idle"
	closeReasonFailure  = "failure"
	closeReasonForced   = "forced"
	closeReasonDead     = "dead"
	closeReasonStale    = "stale"
	closeReasonShutdown = "shutdown"
)

// 获取路径
const (
	acquireReuse  = "reuse"
	acquireCreate = "create"
	acquireWait   = "wait"
)

// Session 是池中唯一的逻辑连接及其簿记信息
type Session struct {
	ID        string
	Channel   *Channel
	CreatedAt time.Time

	lastActivity atomic.Int64
	inUse        atomic.Bool
}

func newSession(id string, ch *Channel, now time.Time) *Session {
	s := &Session{ID: id, Channel: ch, CreatedAt: now}
	s.lastActivity.Store(now.UnixNano())
	return s
}

// LastActivity 返回最近一次活跃时间
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// InUse 报告会话是否被占用
func (s *Session) InUse() bool {
	return s.inUse.Load()
}

func (s *Session) touch(now time.Time) {
	s.lastActivity.Store(now.UnixNano())
}

// Snapshot 是池状态的只读快照
type Snapshot struct {
	HasSession   bool
	SessionID    string
	InUse        bool
	CreatedAt    time.Time
	LastActivity time.Time
	Connecting   bool
	Waiters      int
	IdlePending  bool
	KeepAlive    bool
	Closed       bool
}

// PoolOptions 是 Pool 的协作组件，均可为 nil
type PoolOptions struct {
	// Backend 接收尽力而为的 close-session 通知
	Backend  transport.Backend
	Usage    *UsageTracker
	Status   *StatusEmitter
	Notifier *workerpool.GoroutinePool
	Logger   *zap.Logger
	Metrics  *metrics.Collector
}

// waiter 是排队等待忙碌会话的 Acquire 调用
type waiter struct {
	ch        chan *Session
	granted   bool
	cancelled bool
}

// connectAttempt 表示一次进行中的通道建立
type connectAttempt struct {
	done chan struct{}
}

// Pool 是容量为 1 的会话池。
//
// 会话被占用时，后续 Acquire 进入 FIFO 队列，由 Release 直接移交；
// 会话建立期间的并发 Acquire 等待建立结果。同一会话不会同时交给两个调用方。
type Pool struct {
	cfg       config.SessionConfig
	factory   *ChannelFactory
	backend   transport.Backend
	usage     *UsageTracker
	status    *StatusEmitter
	notifier  *workerpool.GoroutinePool
	keepAlive *KeepAliveMonitor
	idle      Timer
	logger    *zap.Logger
	metrics   *metrics.Collector
	now       func() time.Time

	mu         sync.Mutex
	session    *Session
	connecting *connectAttempt
	waiters    *queue.Queue
	closed     bool
}

// NewPool 创建会话池
func NewPool(cfg config.SessionConfig, factory *ChannelFactory, opts PoolOptions) *Pool {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	usage := opts.Usage
	if usage == nil {
		usage = NewUsageTracker(nil, cfg.Usage.ClientID, cfg.Usage.Window, cfg.Usage.FrequentThreshold, logger)
	}
	return &Pool{
		cfg:       cfg,
		factory:   factory,
		backend:   opts.Backend,
		usage:     usage,
		status:    opts.Status,
		notifier:  opts.Notifier,
		keepAlive: NewKeepAliveMonitor(cfg.KeepAliveInterval, logger),
		logger:    logger.With(zap.String("component", "session_pool")),
		metrics:   opts.Metrics,
		now:       time.Now,
		waiters:   queue.New(),
	}
}

// Acquire 返回一个被独占的会话：优先复用空闲会话，否则建立新通道。
// 会话忙碌或正在建立时等待，直到可用、池关闭或 ctx 结束。
func (p *Pool) Acquire(ctx context.Context) (*Session, error) {
	p.usage.Record(ctx, p.now())
	return p.acquire(ctx, false)
}

// Warm 是预连接入口：池中已有会话或正在建立时直接返回；
// 否则建立通道并立即以成功释放，进入空闲回收计时。从不等待忙碌会话。
func (p *Pool) Warm(ctx context.Context) error {
	s, err := p.acquire(ctx, true)
	if err != nil || s == nil {
		return err
	}
	p.Release(s, true)
	return nil
}

// HasSession 报告池中是否已有会话或正在建立
func (p *Pool) HasSession() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session != nil || p.connecting != nil
}

func (p *Pool) acquire(ctx context.Context, warm bool) (*Session, error) {
	ctx, span := telemetry.StartSpan(ctx, "session.acquire")
	s, path, err := p.acquireLoop(ctx, warm)
	if s != nil {
		span.SetAttributes(telemetry.AttrSessionID.String(s.ID))
		p.metrics.RecordAcquire(path)
	}
	telemetry.EndSpan(span, err)
	return s, err
}

func (p *Pool) acquireLoop(ctx context.Context, warm bool) (*Session, string, error) {
	waited := false
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, "", types.NewError(types.ErrPoolClosed, "session pool is closed")
		}

		if s := p.session; s != nil {
			if !s.InUse() && p.staleLocked(s) {
				p.dropLocked(s, closeReasonStale)
				p.mu.Unlock()
				continue
			}
			if warm {
				p.mu.Unlock()
				return nil, "", nil
			}
			if !s.InUse() {
				p.checkoutLocked(s)
				p.mu.Unlock()
				p.logger.Debug("session reused", zap.String("session_id", s.ID))
				return s, pathFor(waited, acquireReuse), nil
			}

			w := &waiter{ch: make(chan *Session, 1)}
			p.waiters.Add(w)
			p.mu.Unlock()

			got, err := p.wait(ctx, w)
			if err != nil {
				return nil, "", err
			}
			waited = true
			if got != nil {
				return got, acquireWait, nil
			}
			continue
		}

		if attempt := p.connecting; attempt != nil {
			p.mu.Unlock()
			if warm {
				return nil, "", nil
			}
			select {
			case <-attempt.done:
				waited = true
				continue
			case <-ctx.Done():
				return nil, "", types.NewError(types.ErrCancelled, "acquire cancelled").WithCause(ctx.Err())
			}
		}

		attempt := &connectAttempt{done: make(chan struct{})}
		p.connecting = attempt
		p.mu.Unlock()

		s, err := p.create(ctx, attempt)
		if err != nil {
			return nil, "", err
		}
		return s, pathFor(waited, acquireCreate), nil
	}
}

func pathFor(waited bool, path string) string {
	if waited {
		return acquireWait
	}
	return path
}

// wait 等待 Release 移交会话。返回 (nil, nil) 表示需要重新判断池状态。
func (p *Pool) wait(ctx context.Context, w *waiter) (*Session, error) {
	select {
	case s := <-w.ch:
		return s, nil
	case <-ctx.Done():
	}

	p.mu.Lock()
	if !w.granted {
		w.cancelled = true
		p.mu.Unlock()
		return nil, types.NewError(types.ErrCancelled, "acquire cancelled while waiting").WithCause(ctx.Err())
	}
	p.mu.Unlock()

	// 已经被移交，调用方却放弃了：原样归还
	if s := <-w.ch; s != nil {
		p.Release(s, true)
	}
	return nil, types.NewError(types.ErrCancelled, "acquire cancelled while waiting").WithCause(ctx.Err())
}

func (p *Pool) create(ctx context.Context, attempt *connectAttempt) (*Session, error) {
	id := uuid.NewString()
	p.emit(StatusConnecting)
	p.logger.Debug("creating session", zap.String("session_id", id))

	ch, err := p.factory.Create(ctx, id)

	p.mu.Lock()
	p.connecting = nil
	close(attempt.done)

	if err != nil {
		p.mu.Unlock()
		// 调用方放弃连接不算错误
		if types.GetErrorCode(err) != types.ErrCancelled {
			p.emit(StatusError)
		}
		p.emit(StatusDisconnected)
		return nil, err
	}
	if p.closed {
		p.mu.Unlock()
		ch.Close()
		p.notifyClose(id)
		return nil, types.NewError(types.ErrPoolClosed, "session pool closed while connecting")
	}

	s := newSession(id, ch, p.now())
	s.inUse.Store(true)
	p.session = s
	p.mu.Unlock()

	p.emit(StatusConnected)
	p.logger.Info("session created", zap.String("session_id", id))
	return s, nil
}

// Release 归还会话。success=false 且启用 close_on_failure（或通道已失效）时
// 直接关闭会话；否则优先移交给排队的 Acquire，没有等待者时进入空闲回收计时。
// 对未知或已归还的会话调用是空操作。
func (p *Pool) Release(s *Session, success bool) {
	if s == nil {
		return
	}
	now := p.now()
	frequent := p.usage.IsFrequent(context.Background(), now)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.session != s || !s.InUse() {
		return
	}
	s.touch(now)

	switch {
	case !success && p.cfg.CloseOnFailure:
		p.dropLocked(s, closeReasonFailure)
		return
	case !s.Channel.Alive():
		p.dropLocked(s, closeReasonDead)
		return
	case p.staleLocked(s):
		p.dropLocked(s, closeReasonStale)
		return
	}

	for p.waiters.Length() > 0 {
		w := p.waiters.Remove().(*waiter)
		if w.cancelled {
			continue
		}
		w.granted = true
		w.ch <- s
		p.logger.Debug("session handed off to waiter", zap.String("session_id", s.ID))
		return
	}

	s.inUse.Store(false)
	delay := p.cfg.CloseDelay
	if frequent {
		delay = p.cfg.FrequentUserTimeout
	}
	p.idle.Schedule(delay, func() { p.evictIdle(s) })
	p.keepAlive.Start(p.keepAliveTick)
	p.logger.Debug("session idle",
		zap.String("session_id", s.ID),
		zap.Duration("evict_after", delay),
		zap.Bool("frequent", frequent),
	)
}

// Close 关闭当前会话。会话被占用且未指定 force 时不做任何事。从不返回错误。
func (p *Pool) Close(force bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.session
	if s == nil {
		return
	}
	if s.InUse() && !force {
		return
	}
	p.dropLocked(s, closeReasonForced)
}

// Shutdown 关闭池：强制关闭会话，唤醒所有等待者，之后的 Acquire 返回 POOL_CLOSED。
func (p *Pool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	if s := p.session; s != nil {
		p.dropLocked(s, closeReasonShutdown)
	} else {
		p.wakeWaitersLocked()
	}
	p.idle.Stop()
	p.keepAlive.Stop()
}

// Snapshot 返回池状态快照
func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap := Snapshot{
		Connecting:  p.connecting != nil,
		Waiters:     p.waiters.Length(),
		IdlePending: p.idle.Pending(),
		KeepAlive:   p.keepAlive.Running(),
		Closed:      p.closed,
	}
	if s := p.session; s != nil {
		snap.HasSession = true
		snap.SessionID = s.ID
		snap.InUse = s.InUse()
		snap.CreatedAt = s.CreatedAt
		snap.LastActivity = s.LastActivity()
	}
	return snap
}

// =============================================================================
// 内部方法（调用方持有 p.mu）
// =============================================================================

func (p *Pool) checkoutLocked(s *Session) {
	s.inUse.Store(true)
	s.touch(p.now())
	p.idle.Stop()
	p.keepAlive.Stop()
}

func (p *Pool) staleLocked(s *Session) bool {
	if !s.Channel.Alive() {
		return true
	}
	return p.cfg.MaxSessionAge > 0 && p.now().Sub(s.CreatedAt) > p.cfg.MaxSessionAge
}

// dropLocked 拆除会话：停止定时器，先摘监听器再关闭通道，通知后端，唤醒等待者。
func (p *Pool) dropLocked(s *Session, reason string) {
	p.session = nil
	s.inUse.Store(false)
	p.idle.Stop()
	p.keepAlive.Stop()
	s.Channel.Close()
	p.notifyClose(s.ID)
	p.wakeWaitersLocked()

	p.metrics.RecordSessionClosed(reason)
	p.emit(StatusDisconnected)
	p.logger.Info("session closed", zap.String("session_id", s.ID), zap.String("reason", reason))
}

// wakeWaitersLocked 让所有等待者重新判断池状态
func (p *Pool) wakeWaitersLocked() {
	for p.waiters.Length() > 0 {
		w := p.waiters.Remove().(*waiter)
		if w.cancelled {
			continue
		}
		w.granted = true
		w.ch <- nil
	}
}

func (p *Pool) evictIdle(s *Session) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// 回收前被重新获取则以复用为准
	if p.session != s || s.InUse() {
		return
	}
	p.dropLocked(s, closeReasonIdle)
}

func (p *Pool) keepAliveTick() {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.session
	if s == nil || s.InUse() {
		return
	}
	if !s.Channel.Alive() {
		p.dropLocked(s, closeReasonDead)
		return
	}
	s.touch(p.now())
}

func (p *Pool) notifyClose(sessionID string) {
	if p.backend == nil {
		return
	}
	notify(p.notifier, p.logger, p.cfg.NotifyTimeout, "close_session", func(ctx context.Context) error {
		return p.backend.CloseSession(ctx, transport.CloseRequest{SessionID: sessionID})
	})
}

func (p *Pool) emit(s Status) {
	if p.status != nil {
		p.status.Emit(s)
	}
}

// notify 在后台执行尽力而为的后端通知，失败只记日志。
func notify(notifier *workerpool.GoroutinePool, logger *zap.Logger, timeout time.Duration, name string, fn func(ctx context.Context) error) {
	task := func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			logger.Warn("backend notification failed", zap.String("task", name), zap.Error(err))
			return err
		}
		return nil
	}
	if notifier != nil {
		notifier.Go(name, task)
		return
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		_ = task(ctx)
	}()
}
