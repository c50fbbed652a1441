package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// UsageStore 保存生成请求的时间戳，用于滑动窗口统计。
type UsageStore interface {
	// Record 记录一次使用，并清理早于 at-window 的记录
	Record(ctx context.Context, key string, at time.Time, window time.Duration) error
	// Count 返回 (now-window, now] 内的记录数
	Count(ctx context.Context, key string, now time.Time, window time.Duration) (int, error)
}

// =============================================================================
// 内存存储
// =============================================================================

// MemoryUsageStore 进程内的使用记录存储
type MemoryUsageStore struct {
	mu      sync.Mutex
	entries map[string][]time.Time
}

// NewMemoryUsageStore 创建内存存储
func NewMemoryUsageStore() *MemoryUsageStore {
	return &MemoryUsageStore{entries: make(map[string][]time.Time)}
}

// Record 实现 UsageStore
func (s *MemoryUsageStore) Record(_ context.Context, key string, at time.Time, window time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = append(prune(s.entries[key], at.Add(-window)), at)
	return nil
}

// Count 实现 UsageStore
func (s *MemoryUsageStore) Count(_ context.Context, key string, now time.Time, window time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := prune(s.entries[key], now.Add(-window))
	if len(kept) == 0 {
		delete(s.entries, key)
		return 0, nil
	}
	s.entries[key] = kept
	n := 0
	for _, t := range kept {
		if !t.After(now) {
			n++
		}
	}
	return n, nil
}

// prune 删除不晚于 cutoff 的时间戳，保持原有顺序
func prune(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for _, t := range ts {
		if t.After(cutoff) {
			ts[i] = t
			i++
		}
	}
	return ts[:i]
}

// =============================================================================
// 使用频率统计
// =============================================================================

// UsageTracker 判断当前用户是否处于高频使用状态
type UsageTracker struct {
	store     UsageStore
	key       string
	window    time.Duration
	threshold int
	timeout   time.Duration
	logger    *zap.Logger
}

// NewUsageTracker 创建统计器。store 为 nil 时使用内存存储。
func NewUsageTracker(store UsageStore, key string, window time.Duration, threshold int, logger *zap.Logger) *UsageTracker {
	if store == nil {
		store = NewMemoryUsageStore()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if window <= 0 {
		window = time.Minute
	}
	if threshold <= 0 {
		threshold = 2
	}
	return &UsageTracker{
		store:     store,
		key:       key,
		window:    window,
		threshold: threshold,
		timeout:   time.Second,
		logger:    logger.With(zap.String("component", "usage_tracker")),
	}
}

// Record 记录一次获取。存储失败只记日志。
func (u *UsageTracker) Record(ctx context.Context, at time.Time) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), u.timeout)
	defer cancel()
	if err := u.store.Record(ctx, u.key, at, u.window); err != nil {
		u.logger.Warn("record usage failed", zap.Error(err))
	}
}

// Count 返回窗口内的获取次数。存储失败时返回 0。
func (u *UsageTracker) Count(ctx context.Context, now time.Time) int {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), u.timeout)
	defer cancel()
	n, err := u.store.Count(ctx, u.key, now, u.window)
	if err != nil {
		u.logger.Warn("count usage failed", zap.Error(err))
		return 0
	}
	return n
}

// IsFrequent 报告窗口内次数是否达到阈值
func (u *UsageTracker) IsFrequent(ctx context.Context, now time.Time) bool {
	return u.Count(ctx, now) >= u.threshold
}
