package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/BaSui01/notegen/transport"
	"github.com/BaSui01/notegen/types"
	"go.uber.org/zap"
)

// Listener 接收通道上的事件
type Listener func(types.Event)

// Channel 是会话通道句柄：一条服务端推送流加上监听器登记表。
//
// 同一时刻最多挂载一个监听器。事件由单个 goroutine 按到达顺序分发，
// 监听器在通道内部锁之外被调用，可以在回调中取消订阅。
type Channel struct {
	sessionID string
	stream    transport.Stream
	logger    *zap.Logger

	mu         sync.Mutex
	listener   Listener
	listenerID uint64
	closing    bool

	alive     atomic.Bool
	lastEvent atomic.Int64
	done      chan struct{}
	closeOnce sync.Once
}

func newChannel(sessionID string, stream transport.Stream, replay []types.Event, logger *zap.Logger) *Channel {
	c := &Channel{
		sessionID: sessionID,
		stream:    stream,
		logger:    logger.With(zap.String("session_id", sessionID)),
		done:      make(chan struct{}),
	}
	c.alive.Store(true)
	c.lastEvent.Store(time.Now().UnixNano())
	go c.dispatch(replay)
	return c
}

// SessionID 返回通道所属会话
func (c *Channel) SessionID() string { return c.sessionID }

// Subscribe 挂载监听器。已有监听器时返回 LISTENER_ATTACHED。
// 返回的取消函数可重复调用，只摘除本次挂载的监听器。
func (c *Channel) Subscribe(l Listener) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closing || !c.alive.Load() {
		return nil, types.NewError(types.ErrConnectFailed, "channel is closed").WithSession(c.sessionID)
	}
	if c.listener != nil {
		return nil, types.NewError(types.ErrListenerAttached, "a listener is already attached").WithSession(c.sessionID)
	}
	c.listenerID++
	id := c.listenerID
	c.listener = l

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.listenerID == id {
			c.listener = nil
		}
	}, nil
}

// ListenerCount 返回当前挂载的监听器数量（0 或 1）
func (c *Channel) ListenerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listener != nil {
		return 1
	}
	return 0
}

// Alive 报告底层流是否仍然可用
func (c *Channel) Alive() bool {
	return c.alive.Load()
}

// Done 在通道失效（流终止或被关闭）时关闭
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// LastEvent 返回最近一次收到事件的时间
func (c *Channel) LastEvent() time.Time {
	return time.Unix(0, c.lastEvent.Load())
}

// Close 先摘除所有监听器，再关闭底层流。可重复调用，不会返回错误。
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closing = true
		c.listener = nil
		c.listenerID++
		c.mu.Unlock()

		c.alive.Store(false)
		if err := c.stream.Close(); err != nil {
			c.logger.Warn("close stream failed", zap.Error(err))
		}
	})
}

func (c *Channel) dispatch(replay []types.Event) {
	for _, ev := range replay {
		c.deliver(ev)
	}
	for ev := range c.stream.Events() {
		c.deliver(ev)
	}

	wasAlive := c.alive.Swap(false)
	err := c.stream.Err()
	if wasAlive {
		msg := "stream closed by backend"
		if err != nil {
			msg = err.Error()
		}
		c.logger.Info("channel lost", zap.String("reason", msg))
		c.deliver(types.Event{
			Type:      types.EventTransportError,
			SessionID: c.sessionID,
			Message:   msg,
			Timestamp: time.Now(),
		})
	}
	close(c.done)
}

func (c *Channel) deliver(ev types.Event) {
	c.lastEvent.Store(time.Now().UnixNano())

	c.mu.Lock()
	l := c.listener
	c.mu.Unlock()

	if l != nil {
		l(ev)
	}
}
