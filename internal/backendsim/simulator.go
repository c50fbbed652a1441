package backendsim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BaSui01/notegen/config"
	"github.com/BaSui01/notegen/internal/metrics"
	"github.com/BaSui01/notegen/transport"
	"github.com/BaSui01/notegen/transport/sse"
	"github.com/BaSui01/notegen/transport/ws"
	"github.com/BaSui01/notegen/types"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	errUnknownSession = errors.New("unknown session")
	errBusy           = errors.New("a generation is already running on this session")
)

const sessionBuffer = 256

// Options 模拟器选项
type Options struct {
	Config     config.SimulatorConfig
	AuthSecret string
	AuthIssuer string
	// Responder 根据 prompt 生成完整回复，默认回显 prompt
	Responder func(prompt string) string
	Logger    *zap.Logger
	Metrics   *metrics.Collector
}

// Stats 模拟器计数
type Stats struct {
	Sessions  int
	Started   int64
	Cancelled int64
	Closed    int64
}

// Simulator 同时支持 SSE 与 WebSocket 协议的本地生成后端
type Simulator struct {
	cfg       config.SimulatorConfig
	responder func(string) string
	logger    *zap.Logger
	handler   http.Handler

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*simSession

	started   atomic.Int64
	cancelled atomic.Int64
	closed    atomic.Int64
}

type simSession struct {
	id        string
	out       chan types.Event
	done      chan struct{}
	closeOnce sync.Once

	mu  sync.Mutex
	gen *generation
}

type generation struct {
	requestID string
	cancel    context.CancelFunc
}

func (s *simSession) close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		if s.gen != nil {
			s.gen.cancel()
			s.gen = nil
		}
		s.mu.Unlock()
		close(s.done)
	})
}

// New 创建模拟器
func New(opts Options) *Simulator {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Config.ChunkSize <= 0 {
		opts.Config.ChunkSize = 8
	}
	if opts.Responder == nil {
		opts.Responder = EchoResponder
	}

	ctx, cancel := context.WithCancel(context.Background())
	sim := &Simulator{
		cfg:       opts.Config,
		responder: opts.Responder,
		logger:    opts.Logger.With(zap.String("component", "backend_simulator")),
		ctx:       ctx,
		cancel:    cancel,
		sessions:  make(map[string]*simSession),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", sim.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /api/sessions/{id}/events", sim.handleEvents)
	mux.HandleFunc("POST /api/sessions/{id}/close", sim.handleClose)
	mux.HandleFunc("POST /api/generate", sim.handleGenerate)
	mux.HandleFunc("POST /api/cancel", sim.handleCancel)
	mux.HandleFunc("GET /ws", sim.handleWS)

	sim.handler = Chain(mux,
		Recovery(sim.logger),
		Observe(opts.Metrics, sim.logger),
		Tracing(),
		BearerAuth(opts.AuthSecret, opts.AuthIssuer, []string{"/health", "/metrics"}, sim.logger),
	)
	return sim
}

// EchoResponder 默认回复
func EchoResponder(prompt string) string {
	return "Draft: " + prompt
}

// Handler 返回带中间件的 HTTP 处理器
func (s *Simulator) Handler() http.Handler { return s.handler }

// Stats 返回计数快照
func (s *Simulator) Stats() Stats {
	s.mu.Lock()
	n := len(s.sessions)
	s.mu.Unlock()
	return Stats{
		Sessions:  n,
		Started:   s.started.Load(),
		Cancelled: s.cancelled.Load(),
		Closed:    s.closed.Load(),
	}
}

// Close 结束所有会话与生成。可重复调用。
func (s *Simulator) Close() {
	s.cancel()
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*simSession)
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.close()
	}
}

// =============================================================================
// 🗂️ 会话与生成
// =============================================================================

func (s *Simulator) attach(id string) *simSession {
	sess := &simSession{id: id, out: make(chan types.Event, sessionBuffer), done: make(chan struct{})}
	s.mu.Lock()
	old := s.sessions[id]
	s.sessions[id] = sess
	s.mu.Unlock()
	if old != nil {
		old.close()
	}
	s.logger.Debug("session attached", zap.String("session_id", id))
	return sess
}

func (s *Simulator) detach(sess *simSession) {
	s.mu.Lock()
	if s.sessions[sess.id] == sess {
		delete(s.sessions, sess.id)
	}
	s.mu.Unlock()
	sess.close()
	s.logger.Debug("session detached", zap.String("session_id", sess.id))
}

func (s *Simulator) lookup(id string) *simSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id]
}

func (s *Simulator) startGeneration(req transport.StartRequest) error {
	sess := s.lookup(req.SessionID)
	if sess == nil {
		return errUnknownSession
	}

	sess.mu.Lock()
	if sess.gen != nil {
		sess.mu.Unlock()
		return errBusy
	}
	ctx, cancel := context.WithCancel(s.ctx)
	gen := &generation{requestID: req.RequestID, cancel: cancel}
	sess.gen = gen
	sess.mu.Unlock()

	s.started.Add(1)
	go s.produce(ctx, sess, gen, req)
	return nil
}

func (s *Simulator) cancelGeneration(req transport.CancelRequest) error {
	sess := s.lookup(req.SessionID)
	if sess == nil {
		return errUnknownSession
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.gen != nil && (req.RequestID == "" || req.RequestID == sess.gen.requestID) {
		sess.gen.cancel()
		sess.gen = nil
		s.cancelled.Add(1)
	}
	return nil
}

func (s *Simulator) closeSession(id string) error {
	s.mu.Lock()
	sess := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if sess == nil {
		return errUnknownSession
	}
	sess.close()
	s.closed.Add(1)
	return nil
}

// produce 按 ChunkSize 切分回复并逐块推送，最后推送 end
func (s *Simulator) produce(ctx context.Context, sess *simSession, gen *generation, req transport.StartRequest) {
	defer func() {
		sess.mu.Lock()
		if sess.gen == gen {
			sess.gen = nil
		}
		sess.mu.Unlock()
		gen.cancel()
	}()

	chunks := splitRunes(s.responder(req.Prompt), s.cfg.ChunkSize)
	full := ""
	for i, chunk := range chunks {
		if !s.sleep(ctx) {
			return
		}
		if s.cfg.ErrorAfter > 0 && i == s.cfg.ErrorAfter {
			s.send(ctx, sess, types.Event{Type: types.EventError, RequestID: req.RequestID, Message: "simulated backend failure"})
			return
		}
		full += chunk
		if !s.send(ctx, sess, types.Event{Type: types.EventChunk, RequestID: req.RequestID, Chunk: chunk, FullText: full}) {
			return
		}
	}
	if !s.sleep(ctx) {
		return
	}
	s.send(ctx, sess, types.Event{Type: types.EventEnd, RequestID: req.RequestID, FullText: full})
}

func (s *Simulator) sleep(ctx context.Context) bool {
	if s.cfg.ChunkDelay <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(s.cfg.ChunkDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Simulator) send(ctx context.Context, sess *simSession, ev types.Event) bool {
	ev.SessionID = sess.id
	ev.Timestamp = time.Now()
	select {
	case sess.out <- ev:
		return true
	case <-ctx.Done():
		return false
	case <-sess.done:
		return false
	}
}

func splitRunes(text string, size int) []string {
	runes := []rune(text)
	chunks := make([]string, 0, len(runes)/size+1)
	for start := 0; start < len(runes); start += size {
		end := min(start+size, len(runes))
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}

// =============================================================================
// 🌐 HTTP 处理器
// =============================================================================

func (s *Simulator) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "sessions": s.Stats().Sessions})
}

func (s *Simulator) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	sess := s.attach(r.PathValue("id"))
	defer s.detach(sess)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if s.cfg.SendConnected {
		if err := sse.Encode(w, types.Event{Type: types.EventConnected, SessionID: sess.id, Timestamp: time.Now()}); err != nil {
			return
		}
		flusher.Flush()
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sess.done:
			return
		case ev := <-sess.out:
			if err := sse.Encode(w, ev); err != nil {
				s.logger.Debug("event write failed", zap.String("session_id", sess.id), zap.Error(err))
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Simulator) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req transport.StartRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SessionID == "" || req.RequestID == "" {
		writeError(w, http.StatusBadRequest, "sessionId and requestId are required")
		return
	}
	if err := s.startGeneration(req); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "requestId": req.RequestID})
}

func (s *Simulator) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req transport.CancelRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.cancelGeneration(req); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Simulator) handleClose(w http.ResponseWriter, r *http.Request) {
	if err := s.closeSession(r.PathValue("id")); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

func (s *Simulator) handleWS(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("sessionId")
	if id == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	sess := s.attach(id)
	defer s.detach(sess)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		select {
		case <-sess.done:
		case <-s.ctx.Done():
		case <-ctx.Done():
		}
		cancel()
	}()

	if s.cfg.SendConnected {
		if err := wsjson.Write(ctx, conn, ws.EventFrame(types.Event{Type: types.EventConnected, SessionID: id, Timestamp: time.Now()})); err != nil {
			return
		}
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-sess.out:
				if err := wsjson.Write(ctx, conn, ws.EventFrame(ev)); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	for {
		var f ws.Frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			return
		}
		ack := ws.Frame{Type: ws.FrameAck, ID: f.ID, RequestID: f.RequestID}

		switch f.Type {
		case ws.FrameGenerate:
			err = s.startGeneration(transport.StartRequest{SessionID: id, RequestID: f.RequestID, NoteID: f.NoteID, Prompt: f.Prompt})
		case ws.FrameCancel:
			err = s.cancelGeneration(transport.CancelRequest{SessionID: id, RequestID: f.RequestID})
		case ws.FrameClose:
			_ = wsjson.Write(ctx, conn, ack)
			_ = s.closeSession(id)
			conn.Close(websocket.StatusNormalClosure, "session closed")
			return
		default:
			err = fmt.Errorf("unsupported frame type %q", f.Type)
		}
		if err != nil {
			ack.Error = err.Error()
		}
		if err := wsjson.Write(ctx, conn, ack); err != nil {
			return
		}
	}
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

func statusFor(err error) int {
	switch {
	case errors.Is(err, errUnknownSession):
		return http.StatusNotFound
	case errors.Is(err, errBusy):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
