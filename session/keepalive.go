package session

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// KeepAliveMonitor 在会话空闲持有期间按固定间隔执行 tick。
// 是否关闭会话只由池的空闲回收定时器决定。
type KeepAliveMonitor struct {
	interval time.Duration
	logger   *zap.Logger

	mu   sync.Mutex
	stop chan struct{}
}

// NewKeepAliveMonitor 创建保活监视器。interval<=0 时 Start 为空操作。
func NewKeepAliveMonitor(interval time.Duration, logger *zap.Logger) *KeepAliveMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KeepAliveMonitor{
		interval: interval,
		logger:   logger.With(zap.String("component", "keepalive")),
	}
}

// Start 启动周期 tick；已在运行时不做任何事。
func (m *KeepAliveMonitor) Start(tick func()) {
	if m.interval <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop != nil {
		return
	}
	stop := make(chan struct{})
	m.stop = stop
	go m.loop(stop, tick)
}

// Stop 停止 tick。可在 tick 回调内调用，不等待循环退出。
func (m *KeepAliveMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop == nil {
		return
	}
	close(m.stop)
	m.stop = nil
}

// Running 报告是否正在运行
func (m *KeepAliveMonitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stop != nil
}

func (m *KeepAliveMonitor) loop(stop <-chan struct{}, tick func()) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			// Stop 与 ticker 同时就绪时优先退出
			select {
			case <-stop:
				return
			default:
			}
			m.logger.Debug("keepalive tick")
			tick()
		}
	}
}
