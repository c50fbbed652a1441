// Package ws implements transport.Backend over one WebSocket connection per
// session. Control calls travel on the same connection as events and are
// acknowledged by an ack frame carrying the call id.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/BaSui01/notegen/config"
	"github.com/BaSui01/notegen/internal/telemetry"
	"github.com/BaSui01/notegen/internal/tlsutil"
	"github.com/BaSui01/notegen/transport"
	"github.com/BaSui01/notegen/types"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

const (
	eventsBuffer      = 256
	readLimit         = 1 << 20
	closeFrameTimeout = time.Second
)

// ErrNoStream 会话没有打开的连接
var ErrNoStream = errors.New("no open websocket for session")

// Client WebSocket 后端客户端
type Client struct {
	wsURL      string
	ackTimeout time.Duration
	httpClient *http.Client
	tokens     *transport.TokenSource
	logger     *zap.Logger

	mu      sync.Mutex
	streams map[string]*stream
}

var _ transport.Backend = (*Client)(nil)

// New 根据后端配置创建客户端
func New(cfg config.BackendConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		wsURL:      cfg.WSURL,
		ackTimeout: timeout,
		httpClient: &http.Client{Transport: tlsutil.SecureTransport(timeout)},
		tokens:     transport.NewTokenSource(cfg.AuthSecret, cfg.AuthIssuer, cfg.ClientID, cfg.TokenTTL),
		logger:     logger.With(zap.String("component", "ws_client")),
		streams:    make(map[string]*stream),
	}
}

// OpenStream 开始拨号并立即返回；握手完成后 Ready 关闭
func (c *Client) OpenStream(ctx context.Context, sessionID string) (transport.Stream, error) {
	u, err := url.Parse(c.wsURL)
	if err != nil {
		return nil, fmt.Errorf("parse ws url: %w", err)
	}
	q := u.Query()
	q.Set("sessionId", sessionID)
	u.RawQuery = q.Encode()

	header := http.Header{}
	if err := c.tokens.Authorize(header); err != nil {
		return nil, err
	}
	telemetry.InjectHeaders(ctx, propagation.HeaderCarrier(header))

	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &stream{
		sessionID: sessionID,
		ready:     make(chan struct{}),
		events:    make(chan types.Event, eventsBuffer),
		done:      make(chan struct{}),
		pending:   make(map[string]chan Frame),
		cancel:    cancel,
		logger:    c.logger.With(zap.String("session_id", sessionID)),
	}

	c.mu.Lock()
	if old := c.streams[sessionID]; old != nil {
		// 同一会话重连，不通知后端关闭
		old.closeOnce.Do(old.cancel)
	}
	c.streams[sessionID] = s
	c.mu.Unlock()

	go func() {
		s.run(streamCtx, u.String(), &websocket.DialOptions{HTTPHeader: header, HTTPClient: c.httpClient})
		c.mu.Lock()
		if c.streams[sessionID] == s {
			delete(c.streams, sessionID)
		}
		c.mu.Unlock()
	}()
	return s, nil
}

// StartGeneration 发送 generate 帧并等待 ack
func (c *Client) StartGeneration(ctx context.Context, req transport.StartRequest) error {
	return c.call(ctx, req.SessionID, Frame{
		Type:      FrameGenerate,
		SessionID: req.SessionID,
		RequestID: req.RequestID,
		NoteID:    req.NoteID,
		Prompt:    req.Prompt,
	})
}

// CancelGeneration 发送 cancel 帧并等待 ack。连接已不存在时生成已随会话结束，视为成功。
func (c *Client) CancelGeneration(ctx context.Context, req transport.CancelRequest) error {
	err := c.call(ctx, req.SessionID, Frame{Type: FrameCancel, SessionID: req.SessionID, RequestID: req.RequestID})
	if errors.Is(err, ErrNoStream) {
		return nil
	}
	return err
}

// CloseSession 发送 close 帧并等待 ack。连接已不存在时视为成功。
func (c *Client) CloseSession(ctx context.Context, req transport.CloseRequest) error {
	err := c.call(ctx, req.SessionID, Frame{Type: FrameClose, SessionID: req.SessionID})
	if errors.Is(err, ErrNoStream) {
		return nil
	}
	return err
}

func (c *Client) call(ctx context.Context, sessionID string, f Frame) error {
	c.mu.Lock()
	s := c.streams[sessionID]
	c.mu.Unlock()
	if s == nil {
		return fmt.Errorf("%w %s", ErrNoStream, sessionID)
	}

	ctx, cancel := context.WithTimeout(ctx, c.ackTimeout)
	defer cancel()
	f.ID = uuid.NewString()

	ack, err := s.call(ctx, f)
	if err != nil {
		return err
	}
	if ack.Error != "" {
		return types.NewError(types.ErrBackendError, fmt.Sprintf("%s rejected: %s", f.Type, ack.Error)).
			WithSession(sessionID)
	}
	return nil
}

// =============================================================================
// 📡 stream
// =============================================================================

type stream struct {
	sessionID string
	ready     chan struct{}
	events    chan types.Event
	done      chan struct{}
	cancel    context.CancelFunc
	logger    *zap.Logger
	closeOnce sync.Once

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan Frame
	err     error
}

func (s *stream) Ready() <-chan struct{}      { return s.ready }
func (s *stream) Events() <-chan types.Event { return s.events }

func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close 不等待 ack：已连接时先在后台发送 close 帧再断开，后端据此结束会话。
// 之后的 CloseSession 找不到连接，按成功处理。
func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn == nil {
			s.cancel()
			return
		}
		go func() {
			defer s.cancel()
			ctx, cancel := context.WithTimeout(context.Background(), closeFrameTimeout)
			defer cancel()
			f := Frame{Type: FrameClose, ID: uuid.NewString(), SessionID: s.sessionID}
			if err := wsjson.Write(ctx, conn, f); err != nil {
				s.logger.Debug("close frame not sent", zap.Error(err))
			}
		}()
	})
	return nil
}

func (s *stream) run(ctx context.Context, endpoint string, opts *websocket.DialOptions) {
	defer close(s.done)
	defer close(s.events)
	defer s.cancel()

	conn, _, err := websocket.Dial(ctx, endpoint, opts)
	if err != nil {
		s.fail(ctx, fmt.Errorf("dial websocket: %w", err))
		return
	}
	conn.SetReadLimit(readLimit)
	defer conn.CloseNow()

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	close(s.ready)
	s.logger.Debug("websocket open")

	for {
		var f Frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				s.fail(ctx, errors.New("websocket closed by backend"))
			} else {
				s.fail(ctx, fmt.Errorf("read websocket: %w", err))
			}
			return
		}

		if f.Type == FrameAck {
			s.resolve(f)
			continue
		}
		ev := f.Event()
		if ev.SessionID == "" {
			ev.SessionID = s.sessionID
		}
		select {
		case s.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func (s *stream) call(ctx context.Context, f Frame) (Frame, error) {
	select {
	case <-s.ready:
	case <-s.done:
		return Frame{}, fmt.Errorf("%w %s", ErrNoStream, s.sessionID)
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}

	ch := make(chan Frame, 1)
	s.mu.Lock()
	s.pending[f.ID] = ch
	conn := s.conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, f.ID)
		s.mu.Unlock()
	}()

	if err := wsjson.Write(ctx, conn, f); err != nil {
		return Frame{}, fmt.Errorf("write %s frame: %w", f.Type, err)
	}

	select {
	case ack := <-ch:
		return ack, nil
	case <-s.done:
		return Frame{}, fmt.Errorf("%w %s", ErrNoStream, s.sessionID)
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (s *stream) resolve(ack Frame) {
	s.mu.Lock()
	ch := s.pending[ack.ID]
	s.mu.Unlock()
	if ch == nil {
		s.logger.Debug("unmatched ack", zap.String("id", ack.ID))
		return
	}
	select {
	case ch <- ack:
	default:
	}
}

func (s *stream) fail(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.logger.Debug("websocket terminated", zap.Error(err))
}
