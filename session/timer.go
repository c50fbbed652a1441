package session

import (
	"sync"
	"time"
)

// Timer 是可取消的单次定时器。
//
// 每次 Schedule 都会替换尚未触发的回调；Stop 或新的 Schedule 之后，
// 即使底层 time.Timer 已经到期，旧回调也不会执行。
// 零值可直接使用。
type Timer struct {
	mu      sync.Mutex
	t       *time.Timer
	seq     uint64
	pending bool
}

// Schedule 在 d 之后执行 fn，替换之前未触发的回调。
func (t *Timer) Schedule(d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.t != nil {
		t.t.Stop()
	}
	t.seq++
	seq := t.seq
	t.pending = true
	t.t = time.AfterFunc(d, func() {
		t.mu.Lock()
		if seq != t.seq || !t.pending {
			t.mu.Unlock()
			return
		}
		t.pending = false
		t.t = nil
		t.mu.Unlock()
		fn()
	})
}

// Stop 取消尚未触发的回调，返回是否确实取消了一个待执行的回调。
func (t *Timer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.t != nil {
		t.t.Stop()
		t.t = nil
	}
	t.seq++
	wasPending := t.pending
	t.pending = false
	return wasPending
}

// Pending 报告是否有回调等待触发。
func (t *Timer) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending
}
