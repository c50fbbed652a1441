// MockBackend 是 transport.Backend 的可编排内存实现。
//
// 支持就绪方式选择、脚本化事件推送、错误注入与调用计数。
package mocks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BaSui01/notegen/transport"
	"github.com/BaSui01/notegen/types"
)

// ReadyMode 决定 MockStream 如何报告就绪
type ReadyMode int

const (
	// ReadyTransport 立即关闭 Ready 通道（传输层 open 信号）
	ReadyTransport ReadyMode = iota
	// ReadyConnectedEvent 推送一个带内 connected 事件
	ReadyConnectedEvent
	// ReadyNever 永不就绪，用于连接超时场景
	ReadyNever
	// ReadyFail 立即以错误结束流
	ReadyFail
)

// Script 在 StartGeneration 成功后于独立 goroutine 中执行，
// 通过 stream 推送事件。ctx 在收到对应的 CancelGeneration 时取消。
type Script func(ctx context.Context, req transport.StartRequest, stream *MockStream)

// --- MockStream ---

// MockStream 是内存事件流
type MockStream struct {
	SessionID string

	mu     sync.Mutex
	ready  chan struct{}
	events chan types.Event
	closed bool
	err    error
	once   sync.Once
}

func newMockStream(sessionID string) *MockStream {
	return &MockStream{
		SessionID: sessionID,
		ready:     make(chan struct{}),
		events:    make(chan types.Event, 1024),
	}
}

// Ready 实现 transport.Stream
func (s *MockStream) Ready() <-chan struct{} { return s.ready }

// Events 实现 transport.Stream
func (s *MockStream) Events() <-chan types.Event { return s.events }

// Err 实现 transport.Stream
func (s *MockStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close 实现 transport.Stream
func (s *MockStream) Close() error {
	s.end(nil)
	return nil
}

// MarkReady 发出传输层就绪信号
func (s *MockStream) MarkReady() {
	s.once.Do(func() { close(s.ready) })
}

// Emit 推送事件，流已结束时返回 false
func (s *MockStream) Emit(ev types.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if ev.SessionID == "" {
		ev.SessionID = s.SessionID
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case s.events <- ev:
		return true
	default:
		return false
	}
}

// Fail 以错误结束流，模拟传输层断开
func (s *MockStream) Fail(err error) {
	s.end(err)
}

// Closed 报告流是否已结束
func (s *MockStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *MockStream) end(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.events)
}

// --- MockBackend ---

// MockBackend 是 transport.Backend 的模拟实现
type MockBackend struct {
	mu sync.Mutex

	readyMode  ReadyMode
	openErr    error
	startErr   error
	startDelay time.Duration
	closeErr   error
	script     Script

	streams map[string]*MockStream
	order   []*MockStream
	starts  []transport.StartRequest
	cancels []transport.CancelRequest
	closes  []transport.CloseRequest
	running map[string]context.CancelFunc

	openCount  atomic.Int64
	startCount atomic.Int64
	wg         sync.WaitGroup
}

// NewMockBackend 创建 MockBackend，默认立即就绪、不推送任何事件
func NewMockBackend() *MockBackend {
	return &MockBackend{
		readyMode: ReadyTransport,
		streams:   make(map[string]*MockStream),
		running:   make(map[string]context.CancelFunc),
	}
}

// WithReadyMode 设置就绪方式
func (m *MockBackend) WithReadyMode(mode ReadyMode) *MockBackend {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readyMode = mode
	return m
}

// WithOpenError 让 OpenStream 直接返回错误
func (m *MockBackend) WithOpenError(err error) *MockBackend {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openErr = err
	return m
}

// WithStartError 让 StartGeneration 返回错误
func (m *MockBackend) WithStartError(err error) *MockBackend {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startErr = err
	return m
}

// WithStartDelay 让 StartGeneration 在返回前等待（ctx 结束则提前返回 ctx.Err()）
func (m *MockBackend) WithStartDelay(d time.Duration) *MockBackend {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startDelay = d
	return m
}

// WithCloseError 让 CloseSession 返回错误
func (m *MockBackend) WithCloseError(err error) *MockBackend {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeErr = err
	return m
}

// WithScript 设置生成脚本
func (m *MockBackend) WithScript(script Script) *MockBackend {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = script
	return m
}

// WithChunks 设置一个按间隔推送 chunk 再推送 end 的脚本
func (m *MockBackend) WithChunks(interval time.Duration, chunks ...string) *MockBackend {
	return m.WithScript(ChunkScript(interval, chunks...))
}

// ChunkScript 返回按间隔推送 chunk、最后推送带全文的 end 的脚本
func ChunkScript(interval time.Duration, chunks ...string) Script {
	return func(ctx context.Context, req transport.StartRequest, stream *MockStream) {
		full := ""
		for _, c := range chunks {
			if !sleepCtx(ctx, interval) {
				return
			}
			full += c
			stream.Emit(types.Event{Type: types.EventChunk, RequestID: req.RequestID, Chunk: c, FullText: full})
		}
		if !sleepCtx(ctx, interval) {
			return
		}
		stream.Emit(types.Event{Type: types.EventEnd, RequestID: req.RequestID, FullText: full})
	}
}

// OpenStream 实现 transport.Backend
func (m *MockBackend) OpenStream(ctx context.Context, sessionID string) (transport.Stream, error) {
	m.openCount.Add(1)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.openErr != nil {
		return nil, m.openErr
	}

	s := newMockStream(sessionID)
	m.streams[sessionID] = s
	m.order = append(m.order, s)

	switch m.readyMode {
	case ReadyTransport:
		s.MarkReady()
	case ReadyConnectedEvent:
		s.Emit(types.Event{Type: types.EventConnected})
	case ReadyFail:
		s.Fail(errors.New("mock: connection refused"))
	case ReadyNever:
	}
	return s, nil
}

// StartGeneration 实现 transport.Backend
func (m *MockBackend) StartGeneration(ctx context.Context, req transport.StartRequest) error {
	m.startCount.Add(1)

	m.mu.Lock()
	m.starts = append(m.starts, req)
	delay, startErr, script := m.startDelay, m.startErr, m.script
	stream := m.streams[req.SessionID]
	m.mu.Unlock()

	if delay > 0 && !sleepCtx(ctx, delay) {
		return ctx.Err()
	}
	if startErr != nil {
		return startErr
	}
	if stream == nil {
		return errors.New("mock: unknown session " + req.SessionID)
	}
	if script == nil {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.running[req.RequestID] = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		script(runCtx, req, stream)
	}()
	return nil
}

// CancelGeneration 实现 transport.Backend
func (m *MockBackend) CancelGeneration(ctx context.Context, req transport.CancelRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancels = append(m.cancels, req)
	if cancel, ok := m.running[req.RequestID]; ok {
		cancel()
		delete(m.running, req.RequestID)
	}
	return nil
}

// CloseSession 实现 transport.Backend
func (m *MockBackend) CloseSession(ctx context.Context, req transport.CloseRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes = append(m.closes, req)
	return m.closeErr
}

// --- 查询方法 ---

// OpenCount 返回 OpenStream 调用次数
func (m *MockBackend) OpenCount() int { return int(m.openCount.Load()) }

// StartCount 返回 StartGeneration 调用次数
func (m *MockBackend) StartCount() int { return int(m.startCount.Load()) }

// Stream 返回指定会话的流
func (m *MockBackend) Stream(sessionID string) *MockStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streams[sessionID]
}

// LastStream 返回最近打开的流
func (m *MockBackend) LastStream() *MockStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.order) == 0 {
		return nil
	}
	return m.order[len(m.order)-1]
}

// Starts 返回所有 StartGeneration 请求
func (m *MockBackend) Starts() []transport.StartRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]transport.StartRequest(nil), m.starts...)
}

// Cancels 返回所有 CancelGeneration 请求
func (m *MockBackend) Cancels() []transport.CancelRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]transport.CancelRequest(nil), m.cancels...)
}

// Closes 返回所有 CloseSession 请求
func (m *MockBackend) Closes() []transport.CloseRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]transport.CloseRequest(nil), m.closes...)
}

// Wait 等待所有脚本执行完毕
func (m *MockBackend) Wait() {
	m.wg.Wait()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return false
		default:
			return true
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Streams 返回按打开顺序排列的所有流
func (m *MockBackend) Streams() []*MockStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*MockStream(nil), m.order...)
}
