package session

import "sync/atomic"

// CancelToken 是一次生成请求的协作式取消信号。
type CancelToken struct {
	cancelled atomic.Bool
	done      chan struct{}
}

// NewCancelToken 创建未取消的令牌。
func NewCancelToken() *CancelToken {
	return &CancelToken{done: make(chan struct{})}
}

// Cancel 发出取消信号。仅第一次调用返回 true。
func (t *CancelToken) Cancel() bool {
	if !t.cancelled.CompareAndSwap(false, true) {
		return false
	}
	close(t.done)
	return true
}

// Cancelled 报告令牌是否已取消。
func (t *CancelToken) Cancelled() bool {
	return t.cancelled.Load()
}

// Done 在令牌取消时关闭。
func (t *CancelToken) Done() <-chan struct{} {
	return t.done
}
