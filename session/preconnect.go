package session

import (
	"context"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/BaSui01/notegen/config"
	"github.com/BaSui01/notegen/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// 预连接决策结果
const (
	preconnectWarmed    = "warmed"
	preconnectSkipped   = "skipped"
	preconnectThrottled = "throttled"
	preconnectFailed    = "failed"
)

// Warmer 是预连接的目标，由 Pool 实现
type Warmer interface {
	// HasSession 报告是否已有会话或正在建立
	HasSession() bool
	// Warm 在没有会话时建立一个空闲会话
	Warm(ctx context.Context) error
}

// PreconnectScheduler 根据输入活动决定是否提前建立会话。
//
// 判断顺序：输入过短不处理；已有会话不处理；以句末标点结尾立即预连接；
// 其余情况在输入停顿 debounce 之后预连接。预连接失败只记日志。
type PreconnectScheduler struct {
	cfg     config.PreconnectConfig
	warmer  Warmer
	limiter *rate.Limiter
	timer   Timer
	logger  *zap.Logger
	metrics *metrics.Collector

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// NewPreconnectScheduler 创建预连接调度器
func NewPreconnectScheduler(cfg config.PreconnectConfig, warmer Warmer, logger *zap.Logger, collector *metrics.Collector) *PreconnectScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &PreconnectScheduler{
		cfg:     cfg,
		warmer:  warmer,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger.With(zap.String("component", "preconnect")),
		metrics: collector,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// OnActivitySignal 处理一次输入活动信号。从不阻塞调用方。
func (p *PreconnectScheduler) OnActivitySignal(text string) {
	if !p.cfg.Enabled {
		return
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return
	}

	if utf8.RuneCountInString(strings.TrimSpace(text)) < p.cfg.MinInputLength {
		p.timer.Stop()
		p.metrics.RecordPreconnect(preconnectSkipped)
		return
	}
	if p.warmer.HasSession() {
		p.timer.Stop()
		p.metrics.RecordPreconnect(preconnectSkipped)
		return
	}
	if p.sentenceComplete(text) {
		p.timer.Stop()
		p.spawnWarm()
		return
	}
	p.timer.Schedule(p.cfg.Debounce, p.spawnWarm)
}

// Stop 取消待执行的预连接，并等待进行中的预连接结束。
func (p *PreconnectScheduler) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.timer.Stop()
	p.cancel()
	p.wg.Wait()
}

func (p *PreconnectScheduler) sentenceComplete(text string) bool {
	trimmed := strings.TrimRight(text, " \t")
	r, _ := utf8.DecodeLastRuneInString(trimmed)
	if r == utf8.RuneError {
		return false
	}
	return strings.ContainsRune(p.cfg.TerminalPunctuation, r)
}

func (p *PreconnectScheduler) spawnWarm() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.warm()
	}()
}

func (p *PreconnectScheduler) warm() {
	if p.warmer.HasSession() {
		p.metrics.RecordPreconnect(preconnectSkipped)
		return
	}
	if !p.limiter.Allow() {
		p.metrics.RecordPreconnect(preconnectThrottled)
		p.logger.Debug("preconnect throttled")
		return
	}
	if err := p.warmer.Warm(p.ctx); err != nil {
		p.metrics.RecordPreconnect(preconnectFailed)
		p.logger.Warn("preconnect failed", zap.Error(err))
		return
	}
	p.metrics.RecordPreconnect(preconnectWarmed)
	p.logger.Debug("preconnect warmed session")
}
