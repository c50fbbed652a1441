// Package sse implements transport.Backend over a server-sent event stream
// plus plain HTTP control calls.
package sse

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/notegen/config"
	"github.com/BaSui01/notegen/internal/ctxkeys"
	"github.com/BaSui01/notegen/internal/telemetry"
	"github.com/BaSui01/notegen/internal/tlsutil"
	"github.com/BaSui01/notegen/transport"
	"github.com/BaSui01/notegen/types"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

const (
	eventsBuffer    = 256
	maxErrorBody    = 4 << 10
	headerRequestID = "X-Request-ID"
)

// ErrStreamClosed 后端正常结束了事件流
var ErrStreamClosed = errors.New("event stream closed by backend")

// Client SSE 后端客户端
type Client struct {
	baseURL   string
	control   *http.Client
	streaming *http.Client
	tokens    *transport.TokenSource
	logger    *zap.Logger
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
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		control:   tlsutil.SecureHTTPClient(timeout),
		streaming: tlsutil.StreamingHTTPClient(timeout),
		tokens:    transport.NewTokenSource(cfg.AuthSecret, cfg.AuthIssuer, cfg.ClientID, cfg.TokenTTL),
		logger:    logger.With(zap.String("component", "sse_client")),
	}
}

// OpenStream 发起事件流请求并立即返回；响应头到达（200）后 Ready 关闭。
// 流的生命周期不受 ctx 取消影响，由 Stream.Close 结束。
func (c *Client) OpenStream(ctx context.Context, sessionID string) (transport.Stream, error) {
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	endpoint := c.baseURL + "/api/sessions/" + url.PathEscape(sessionID) + "/events"

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build event stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if err := c.decorate(ctx, req); err != nil {
		cancel()
		return nil, err
	}

	s := &stream{
		sessionID: sessionID,
		ready:     make(chan struct{}),
		events:    make(chan types.Event, eventsBuffer),
		cancel:    cancel,
		logger:    c.logger.With(zap.String("session_id", sessionID)),
	}
	go s.run(streamCtx, c.streaming, req)
	return s, nil
}

// StartGeneration 对应 POST /api/generate
func (c *Client) StartGeneration(ctx context.Context, req transport.StartRequest) error {
	return c.post(ctx, "/api/generate", req)
}

// CancelGeneration 对应 POST /api/cancel
func (c *Client) CancelGeneration(ctx context.Context, req transport.CancelRequest) error {
	return c.post(ctx, "/api/cancel", req)
}

// CloseSession 对应 POST /api/sessions/{id}/close
func (c *Client) CloseSession(ctx context.Context, req transport.CloseRequest) error {
	return c.post(ctx, "/api/sessions/"+url.PathEscape(req.SessionID)+"/close", req)
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s body: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.decorate(ctx, req); err != nil {
		return err
	}

	resp, err := c.control.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return types.NewError(types.ErrBackendError,
			fmt.Sprintf("%s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))).
			WithRetryable(resp.StatusCode >= 500)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// decorate 设置认证、请求 ID 与链路追踪头
func (c *Client) decorate(ctx context.Context, req *http.Request) error {
	if err := c.tokens.Authorize(req.Header); err != nil {
		return err
	}
	if id, ok := ctxkeys.RequestID(ctx); ok {
		req.Header.Set(headerRequestID, id)
	}
	telemetry.InjectHeaders(ctx, propagation.HeaderCarrier(req.Header))
	return nil
}

// =============================================================================
// 📡 stream
// =============================================================================

type stream struct {
	sessionID string
	ready     chan struct{}
	events    chan types.Event
	cancel    context.CancelFunc
	logger    *zap.Logger

	mu  sync.Mutex
	err error
}

func (s *stream) Ready() <-chan struct{}      { return s.ready }
func (s *stream) Events() <-chan types.Event { return s.events }

func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *stream) Close() error {
	s.cancel()
	return nil
}

func (s *stream) run(ctx context.Context, client *http.Client, req *http.Request) {
	defer close(s.events)
	defer s.cancel()

	resp, err := client.Do(req)
	if err != nil {
		s.fail(ctx, fmt.Errorf("open event stream: %w", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		s.fail(ctx, fmt.Errorf("event stream rejected: %s: %s", resp.Status, strings.TrimSpace(string(msg))))
		return
	}
	close(s.ready)
	s.logger.Debug("event stream open")

	err = Decode(resp.Body, func(ev types.Event) bool {
		if ev.SessionID == "" {
			ev.SessionID = s.sessionID
		}
		select {
		case s.events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}, s.logger)
	if err != nil {
		s.fail(ctx, err)
		return
	}
	s.fail(ctx, ErrStreamClosed)
}

// fail 记录终止原因；主动关闭不算错误
func (s *stream) fail(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.logger.Debug("event stream terminated", zap.Error(err))
}

// =============================================================================
// 🔤 解码
// =============================================================================

// Decode 按 SSE 帧格式（event:/data:，空行结束一帧）读取 r，
// 每帧的 data 解析为 types.Event 后交给 emit。emit 返回 false 时停止。
// 读到 EOF 返回 nil，末尾未以空行结束的帧被丢弃。
func Decode(r io.Reader, emit func(types.Event) bool, logger *zap.Logger) error {
	reader := bufio.NewReader(r)
	var (
		name string
		data strings.Builder
	)

	flush := func() bool {
		defer func() {
			name = ""
			data.Reset()
		}()
		if data.Len() == 0 {
			return true
		}
		var ev types.Event
		if err := json.Unmarshal([]byte(data.String()), &ev); err != nil {
			logger.Warn("dropping malformed event", zap.String("event", name), zap.Error(err))
			return true
		}
		if ev.Type == "" {
			ev.Type = types.EventType(name)
		}
		if ev.Type == "" {
			return true
		}
		return emit(ev)
	}

	for {
		line, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return err
		}
		trimmed := strings.TrimRight(line, "\r\n")

		switch {
		case trimmed == "":
			if line != "" && !flush() {
				return nil
			}
		case strings.HasPrefix(trimmed, ":"):
			// 注释 / 心跳
		case strings.HasPrefix(trimmed, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(trimmed, "event:"))
		case strings.HasPrefix(trimmed, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(trimmed, "data:"), " "))
		}

		if err == io.EOF {
			// 没有空行结尾的帧不完整，丢弃
			if data.Len() > 0 {
				logger.Debug("dropping truncated event", zap.String("event", name))
			}
			return nil
		}
	}
}

// Encode 把事件写成一帧 SSE
func Encode(w io.Writer, ev types.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
	return err
}
