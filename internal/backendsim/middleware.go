package backendsim

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/BaSui01/notegen/internal/ctxkeys"
	"github.com/BaSui01/notegen/internal/metrics"
	"github.com/BaSui01/notegen/internal/telemetry"
	"github.com/BaSui01/notegen/transport"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Middleware 类型定义
type Middleware func(http.Handler) http.Handler

// Chain 将多个中间件串联
func Chain(h http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// Recovery panic 恢复中间件
func Recovery(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic recovered", zap.Any("error", err), zap.String("path", r.URL.Path))
					http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// =============================================================================
// 📊 指标 + 请求日志
// =============================================================================

// statusWriter 记录状态码，并透传 Flush/Hijack（事件流与 WebSocket 需要）
type statusWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.statusCode = code
		w.wroteHeader = true
		w.ResponseWriter.WriteHeader(code)
	}
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

// Flush implements http.Flusher for SSE streaming support.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for WebSocket upgrades.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	w.statusCode = http.StatusSwitchingProtocols
	w.wroteHeader = true
	return h.Hijack()
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Observe 记录每个请求的指标与日志。路径中的 ID 段会被归一化。
func Observe(collector *metrics.Collector, logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(sw, r)

			duration := time.Since(start)
			path := normalizePath(r.URL.Path)
			collector.RecordHTTPRequest(r.Method, path, sw.statusCode, duration)
			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", path),
				zap.Int("status", sw.statusCode),
				zap.Duration("duration", duration),
			)
		})
	}
}

// pathSegmentPattern matches path segments that look like dynamic identifiers:
// UUIDs, hex strings (8+ chars), or numeric IDs.
var pathSegmentPattern = regexp.MustCompile(
	`^[0-9a-fA-F]{8,}(-[0-9a-fA-F]{4,}){0,4}$|^[0-9]+$`,
)

// normalizePath 把 /api/sessions/<uuid>/events 归一化为 /api/sessions/:id/events
func normalizePath(path string) string {
	switch path {
	case "/health", "/metrics", "/ws", "/api/generate", "/api/cancel":
		return path
	}

	segments := strings.Split(path, "/")
	for i, seg := range segments {
		if seg == "" {
			continue
		}
		// 会话路由下的 ID 段总是归一化
		if pathSegmentPattern.MatchString(seg) || (i == 3 && segments[1] == "api" && segments[2] == "sessions") {
			segments[i] = ":id"
		}
	}
	return strings.Join(segments, "/")
}

// =============================================================================
// 🔭 链路追踪
// =============================================================================

// Tracing 为每个请求创建服务端 span，并从请求头提取上游链路
func Tracing() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := telemetry.Tracer().Start(ctx, r.Method+" "+normalizePath(r.URL.Path),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.request.method", r.Method),
					attribute.String("url.path", r.URL.Path),
				),
			)
			defer span.End()

			if id := r.Header.Get("X-Request-ID"); id != "" {
				ctx = ctxkeys.WithRequestID(ctx, id)
				span.SetAttributes(telemetry.AttrRequestID.String(id))
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// =============================================================================
// 🔐 认证
// =============================================================================

// BearerAuth 校验 HS256 Bearer Token。secret 为空时不启用。
// skipPaths 中的路径不需要认证。
func BearerAuth(secret, issuer string, skipPaths []string, logger *zap.Logger) Middleware {
	skipSet := make(map[string]struct{}, len(skipPaths))
	for _, p := range skipPaths {
		skipSet[p] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		if secret == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, skip := skipSet[r.URL.Path]; skip {
				next.ServeHTTP(w, r)
				return
			}
			if _, err := transport.VerifyBearer(r.Header.Get("Authorization"), secret, issuer); err != nil {
				logger.Debug("token rejected", zap.Error(err))
				writeError(w, http.StatusUnauthorized, "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
