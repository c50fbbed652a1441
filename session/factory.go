package session

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/BaSui01/notegen/internal/metrics"
	"github.com/BaSui01/notegen/transport"
	"github.com/BaSui01/notegen/types"
	"go.uber.org/zap"
)

// ChannelFactory 打开会话通道
type ChannelFactory struct {
	backend        transport.Backend
	connectTimeout time.Duration
	logger         *zap.Logger
	metrics        *metrics.Collector

	creates atomic.Int64
}

// NewChannelFactory 创建通道工厂
func NewChannelFactory(backend transport.Backend, connectTimeout time.Duration, logger *zap.Logger, collector *metrics.Collector) *ChannelFactory {
	if logger == nil {
		logger = zap.NewNop()
	}
	if connectTimeout <= 0 {
		connectTimeout = 12 * time.Second
	}
	return &ChannelFactory{
		backend:        backend,
		connectTimeout: connectTimeout,
		logger:         logger.With(zap.String("component", "channel_factory")),
		metrics:        collector,
	}
}

// Creates 返回 Create 被调用的次数
func (f *ChannelFactory) Creates() int64 {
	return f.creates.Load()
}

// Create 打开通道，并等待传输层 open 信号或带内 connected 事件（先到者为准）。
// 超时返回 CONNECT_TIMEOUT，流提前终止返回 CONNECT_FAILED；
// 两种情况下底层流都会被关闭，不会返回半开的句柄。
func (f *ChannelFactory) Create(ctx context.Context, sessionID string) (*Channel, error) {
	f.creates.Add(1)
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, f.connectTimeout)
	defer cancel()

	stream, err := f.backend.OpenStream(ctx, sessionID)
	if err != nil {
		return nil, f.fail(sessionID, start, f.classify(ctx, err))
	}

	// 就绪前收到的非 connected 事件先缓存，建好通道后按序重放
	var replay []types.Event
	for {
		select {
		case <-stream.Ready():
			return f.ready(sessionID, stream, replay, start), nil

		case ev, ok := <-stream.Events():
			if !ok {
				_ = stream.Close()
				cause := stream.Err()
				if cause == nil {
					cause = errors.New("stream ended before ready")
				}
				return nil, f.fail(sessionID, start, types.NewError(types.ErrConnectFailed, "channel establishment failed").
					WithCause(cause).WithRetryable(true).WithSession(sessionID))
			}
			if ev.Type == types.EventConnected {
				return f.ready(sessionID, stream, replay, start), nil
			}
			replay = append(replay, ev)

		case <-ctx.Done():
			_ = stream.Close()
			return nil, f.fail(sessionID, start, f.classify(ctx, ctx.Err()))
		}
	}
}

func (f *ChannelFactory) ready(sessionID string, stream transport.Stream, replay []types.Event, start time.Time) *Channel {
	elapsed := time.Since(start)
	f.metrics.RecordConnect(elapsed, "")
	f.logger.Debug("channel ready",
		zap.String("session_id", sessionID),
		zap.Duration("elapsed", elapsed),
		zap.Int("replayed", len(replay)),
	)
	return newChannel(sessionID, stream, replay, f.logger)
}

func (f *ChannelFactory) fail(sessionID string, start time.Time, err *types.Error) error {
	f.metrics.RecordConnect(time.Since(start), string(err.Code))
	f.logger.Warn("channel establishment failed",
		zap.String("session_id", sessionID),
		zap.String("code", string(err.Code)),
		zap.Error(err),
	)
	return err
}

func (f *ChannelFactory) classify(ctx context.Context, err error) *types.Error {
	var te *types.Error
	if errors.As(err, &te) {
		return te
	}
	if errors.Is(err, context.Canceled) {
		return types.NewError(types.ErrCancelled, "channel establishment cancelled").WithCause(err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return types.NewError(types.ErrConnectTimeout, "channel was not ready before the connect timeout").
			WithCause(err).WithRetryable(true)
	}
	return types.NewError(types.ErrConnectFailed, "channel establishment failed").
		WithCause(err).WithRetryable(true)
}
