package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/notegen/config"
	"github.com/BaSui01/notegen/internal/ctxkeys"
	"github.com/BaSui01/notegen/internal/metrics"
	workerpool "github.com/BaSui01/notegen/internal/pool"
	"github.com/BaSui01/notegen/internal/telemetry"
	"github.com/BaSui01/notegen/transport"
	"github.com/BaSui01/notegen/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Outcome 是一次生成成功结束的方式
type Outcome string

const (
	// OutcomeCompleted 收到 end 事件
	OutcomeCompleted Outcome = "completed"
	// OutcomePartial 看门狗超时，返回已累积的部分文本
	OutcomePartial Outcome = "partial"
	// OutcomeCancelled 被取消，Text 为取消前已累积的文本
	OutcomeCancelled Outcome = "cancelled"
)

// Result 是一次生成的结果
type Result struct {
	RequestID string
	SessionID string
	Text      string
	Outcome   Outcome
	Chunks    int
	Duration  time.Duration
}

// Sink 接收增量文本和当前累积的全文
type Sink func(delta, fullText string)

// GenerationRequest 是一次生成请求
type GenerationRequest struct {
	ID        string
	NoteID    string
	Prompt    string
	Token     *CancelToken
	StartedAt time.Time
}

// NewGenerationRequest 创建带新取消令牌的请求
func NewGenerationRequest(noteID, prompt string) *GenerationRequest {
	return &GenerationRequest{
		ID:        uuid.NewString(),
		NoteID:    noteID,
		Prompt:    prompt,
		Token:     NewCancelToken(),
		StartedAt: time.Now(),
	}
}

// Releaser 归还会话，由 Pool 实现
type Releaser interface {
	Release(s *Session, success bool)
}

// Coordinator 在一个已获取的会话上执行生成请求
type Coordinator struct {
	backend           transport.Backend
	releaser          Releaser
	dispatchTimeout   time.Duration
	generationTimeout time.Duration
	partialOnTimeout  bool
	notifyTimeout     time.Duration
	notifier          *workerpool.GoroutinePool
	logger            *zap.Logger
	metrics           *metrics.Collector
}

// NewCoordinator 创建协调器
func NewCoordinator(cfg config.SessionConfig, backend transport.Backend, releaser Releaser, notifier *workerpool.GoroutinePool, logger *zap.Logger, collector *metrics.Collector) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		backend:           backend,
		releaser:          releaser,
		dispatchTimeout:   cfg.DispatchTimeout,
		generationTimeout: cfg.GenerationTimeout,
		partialOnTimeout:  cfg.PartialOnTimeout,
		notifyTimeout:     cfg.NotifyTimeout,
		notifier:          notifier,
		logger:            logger.With(zap.String("component", "coordinator")),
		metrics:           collector,
	}
}

// settlement 是 run 的最终结果
type settlement struct {
	result Result
	err    error
	// 胜出时通知后端取消（调用方取消或看门狗超时）
	cancelBackend bool
}

// run 保存一次 Run 的可变状态。所有结束路径都经过 settle，只有第一次生效。
type run struct {
	req     *GenerationRequest
	session *Session
	sink    Sink

	mu          sync.Mutex
	settled     bool
	text        strings.Builder
	chunks      int
	unsubscribe func()

	done chan settlement
}

// Run 发起生成并阻塞到结束。
//
// 取消（令牌或 ctx）与看门狗超时在有部分文本时都以 Result 返回而不是错误；
// 无论从哪条路径结束，会话都恰好归还一次，监听器恰好摘除一次。
func (c *Coordinator) Run(ctx context.Context, req *GenerationRequest, s *Session, sink Sink) (Result, error) {
	ctx = ctxkeys.WithRequestID(ctxkeys.WithSessionID(ctx, s.ID), req.ID)
	if req.NoteID != "" {
		ctx = ctxkeys.WithNoteID(ctx, req.NoteID)
	}
	ctx, span := telemetry.StartSpan(ctx, "generation.run",
		telemetry.AttrSessionID.String(s.ID),
		telemetry.AttrRequestID.String(req.ID),
		telemetry.AttrNoteID.String(req.NoteID),
	)

	start := time.Now()
	r := &run{
		req:     req,
		session: s,
		sink:    sink,
		done:    make(chan settlement, 1),
	}

	unsubscribe, err := s.Channel.Subscribe(r.onEvent(c))
	if err != nil {
		c.releaser.Release(s, false)
		telemetry.EndSpan(span, err)
		c.metrics.RecordGeneration(string(types.GetErrorCode(err)), time.Since(start), 0)
		return Result{RequestID: req.ID, SessionID: s.ID}, err
	}
	r.mu.Lock()
	r.unsubscribe = unsubscribe
	early := r.settled
	r.mu.Unlock()
	if early {
		unsubscribe()
	}

	var watchdog Timer
	if c.generationTimeout > 0 {
		watchdog.Schedule(c.generationTimeout, func() { c.onWatchdog(r) })
	}
	defer watchdog.Stop()

	dispatchCtx, cancelDispatch := context.WithCancel(ctx)
	defer cancelDispatch()
	go c.dispatch(dispatchCtx, r)

	tokenDone := req.Token.Done()
	ctxDone := ctx.Done()
	chanDone := s.Channel.Done()

	var st settlement
wait:
	for {
		select {
		case st = <-r.done:
			break wait
		case <-tokenDone:
			tokenDone = nil
			cancelDispatch()
			c.settleCancelled(r, true)
		case <-ctxDone:
			ctxDone = nil
			req.Token.Cancel()
		case <-chanDone:
			chanDone = nil
			c.settleError(r, types.NewError(types.ErrConnectFailed, "session channel closed during generation").
				WithRetryable(true).WithSession(s.ID))
		}
	}

	st.result.Duration = time.Since(start)
	label := string(st.result.Outcome)
	if st.err != nil {
		label = string(types.GetErrorCode(st.err))
		if label == "" {
			label = "error"
		}
	} else {
		span.SetAttributes(telemetry.AttrOutcome.String(label))
	}
	c.metrics.RecordGeneration(label, st.result.Duration, st.result.Chunks)
	telemetry.EndSpan(span, st.err)

	c.logger.Debug("generation settled",
		zap.String("session_id", s.ID),
		zap.String("request_id", req.ID),
		zap.String("outcome", label),
		zap.Int("chunks", st.result.Chunks),
		zap.Duration("duration", st.result.Duration),
	)
	return st.result, st.err
}

// onEvent 返回本次请求的监听器。chunk 在 r.mu 下检查取消令牌后才转发，
// 取消被观察到之后不会再开始新的 sink 调用。
func (r *run) onEvent(c *Coordinator) Listener {
	return func(ev types.Event) {
		// 其他请求迟到的事件
		if ev.RequestID != "" && ev.RequestID != r.req.ID {
			return
		}

		switch ev.Type {
		case types.EventChunk:
			r.mu.Lock()
			defer r.mu.Unlock()
			if r.settled || r.req.Token.Cancelled() {
				return
			}
			r.text.WriteString(ev.Chunk)
			r.chunks++
			if r.sink != nil {
				r.sink(ev.Chunk, r.text.String())
			}

		case types.EventEnd:
			if r.req.Token.Cancelled() {
				c.settleCancelled(r, false)
				return
			}
			c.settleCompleted(r, ev.FullText)

		case types.EventError:
			if r.req.Token.Cancelled() {
				c.settleCancelled(r, false)
				return
			}
			msg := ev.Message
			if msg == "" {
				msg = "generation failed"
			}
			c.settleError(r, types.NewError(types.ErrBackendError, msg).WithSession(r.session.ID))

		case types.EventTransportError:
			if r.req.Token.Cancelled() {
				c.settleCancelled(r, false)
				return
			}
			c.settleError(r, types.NewError(types.ErrConnectFailed, "session channel lost: "+ev.Message).
				WithRetryable(true).WithSession(r.session.ID))
		}
	}
}

func (c *Coordinator) dispatch(parent context.Context, r *run) {
	ctx, cancel := context.WithTimeout(parent, c.dispatchTimeout)
	defer cancel()

	err := c.backend.StartGeneration(ctx, transport.StartRequest{
		SessionID: r.session.ID,
		RequestID: r.req.ID,
		NoteID:    r.req.NoteID,
		Prompt:    r.req.Prompt,
	})
	// 调用方取消或 Run 已结束时由 Run 负责收尾
	if err == nil || r.req.Token.Cancelled() || parent.Err() != nil {
		return
	}

	var te *types.Error
	switch {
	case errors.As(err, &te):
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		te = types.NewError(types.ErrDispatchTimeout, "start-generation was not acknowledged in time").
			WithCause(err).WithRetryable(true)
	default:
		te = types.NewError(types.ErrConnectFailed, "start-generation failed").WithCause(err).WithRetryable(true)
	}
	c.settleError(r, te.WithSession(r.session.ID))
}

func (c *Coordinator) onWatchdog(r *run) {
	r.mu.Lock()
	text, chunks := r.text.String(), r.chunks
	r.mu.Unlock()

	st := settlement{
		result: Result{Text: text, Chunks: chunks},
		err: types.NewError(types.ErrGenerationTimeout, "generation did not finish in time").
			WithSession(r.session.ID),
		cancelBackend: true,
	}
	if text != "" && c.partialOnTimeout {
		st.result.Outcome = OutcomePartial
		st.err = nil
	}
	// 已经结束的 run 不再通知后端
	if c.settle(r, st, false) && st.err == nil {
		c.logger.Warn("generation watchdog fired, returned partial text",
			zap.String("request_id", r.req.ID),
			zap.Int("chars", len(text)),
		)
	}
}

func (c *Coordinator) settleCompleted(r *run, fullText string) {
	r.mu.Lock()
	text, chunks := r.text.String(), r.chunks
	r.mu.Unlock()
	if fullText != "" {
		text = fullText
	}
	c.settle(r, settlement{result: Result{Text: text, Outcome: OutcomeCompleted, Chunks: chunks}}, true)
}

// settleCancelled 以取消结束。notifyBackend 为 true 时仅在本次 settle 胜出后通知后端，
// 自然结束之后的取消没有副作用。
func (c *Coordinator) settleCancelled(r *run, notifyBackend bool) {
	r.mu.Lock()
	text, chunks := r.text.String(), r.chunks
	r.mu.Unlock()
	c.settle(r, settlement{
		result:        Result{Text: text, Outcome: OutcomeCancelled, Chunks: chunks},
		cancelBackend: notifyBackend,
	}, false)
}

func (c *Coordinator) settleError(r *run, err error) {
	r.mu.Lock()
	text, chunks := r.text.String(), r.chunks
	r.mu.Unlock()
	c.settle(r, settlement{result: Result{Text: text, Chunks: chunks}, err: err}, false)
}

// settle 是唯一的结束出口：摘除监听器、归还会话、交付结果，只执行一次。
func (c *Coordinator) settle(r *run, st settlement, success bool) bool {
	r.mu.Lock()
	if r.settled {
		r.mu.Unlock()
		return false
	}
	r.settled = true
	unsubscribe := r.unsubscribe
	r.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	// 先排队取消通知再归还会话，关闭会话的通知排在其后
	if st.cancelBackend {
		c.notifyCancel(r)
	}
	c.releaser.Release(r.session, success)

	st.result.RequestID = r.req.ID
	st.result.SessionID = r.session.ID
	r.done <- st
	return true
}

func (c *Coordinator) notifyCancel(r *run) {
	notify(c.notifier, c.logger, c.notifyTimeout, "cancel_generation", func(ctx context.Context) error {
		return c.backend.CancelGeneration(ctx, transport.CancelRequest{
			SessionID: r.session.ID,
			RequestID: r.req.ID,
		})
	})
}
