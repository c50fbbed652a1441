package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BaSui01/notegen/config"
	"github.com/BaSui01/notegen/testutil"
	"github.com/BaSui01/notegen/testutil/mocks"
	"github.com/stretchr/testify/require"
)

// testSessionConfig 返回毫秒级的会话配置
func testSessionConfig() config.SessionConfig {
	cfg := config.DefaultSessionConfig()
	cfg.ConnectTimeout = 200 * time.Millisecond
	cfg.DispatchTimeout = 200 * time.Millisecond
	cfg.GenerationTimeout = 2 * time.Second
	cfg.CloseDelay = 80 * time.Millisecond
	cfg.FrequentUserTimeout = 400 * time.Millisecond
	cfg.KeepAliveInterval = 0
	cfg.NotifyTimeout = 200 * time.Millisecond
	cfg.Usage.FrequentThreshold = 1000
	cfg.Preconnect.Debounce = 40 * time.Millisecond
	cfg.Preconnect.RatePerSecond = 0
	return cfg
}

func newTestPool(t *testing.T, cfg config.SessionConfig, backend *mocks.MockBackend) (*Pool, *ChannelFactory, *StatusEmitter) {
	t.Helper()
	logger := testutil.TestLogger(t)
	status := NewStatusEmitter(64, logger, nil)
	factory := NewChannelFactory(backend, cfg.ConnectTimeout, logger, nil)
	p := NewPool(cfg, factory, PoolOptions{
		Backend: backend,
		Status:  status,
		Logger:  logger,
	})
	t.Cleanup(func() {
		p.Shutdown()
		status.Close()
	})
	return p, factory, status
}

func mustAcquire(t *testing.T, p *Pool) *Session {
	t.Helper()
	s, err := p.Acquire(testutil.TestContextWithTimeout(t, 2*time.Second))
	require.NoError(t, err)
	require.NotNil(t, s)
	return s
}

// countingReleaser 记录 Release 调用并转发给真实的池
type countingReleaser struct {
	inner    Releaser
	calls    atomic.Int32
	mu       sync.Mutex
	outcomes []bool
	// afterRelease 在转发之后调用，用于在结果交付前插入动作
	afterRelease func()
}

func (r *countingReleaser) Release(s *Session, success bool) {
	r.calls.Add(1)
	r.mu.Lock()
	r.outcomes = append(r.outcomes, success)
	r.mu.Unlock()
	if r.inner != nil {
		r.inner.Release(s, success)
	}
	if r.afterRelease != nil {
		r.afterRelease()
	}
}

func (r *countingReleaser) Outcomes() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.outcomes...)
}

// statusRecorder 收集状态观察
type statusRecorder struct {
	mu   sync.Mutex
	seen []Status
}

func (r *statusRecorder) observe(s Status) {
	r.mu.Lock()
	r.seen = append(r.seen, s)
	r.mu.Unlock()
}

func (r *statusRecorder) Seen() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Status(nil), r.seen...)
}

func (r *statusRecorder) Contains(s Status) bool {
	for _, v := range r.Seen() {
		if v == s {
			return true
		}
	}
	return false
}

// fakeWarmer 是 PreconnectScheduler 的测试目标
type fakeWarmer struct {
	has   atomic.Bool
	warms atomic.Int32
	err   error
	delay time.Duration
}

func (w *fakeWarmer) HasSession() bool { return w.has.Load() }

func (w *fakeWarmer) Warm(ctx context.Context) error {
	w.warms.Add(1)
	if w.delay > 0 {
		select {
		case <-time.After(w.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return w.err
}
