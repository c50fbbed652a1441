// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器。所有 Record* 方法在 nil 接收者上是空操作，
// 调用方无需判断是否启用了指标。
type Collector struct {
	// 会话指标
	sessionAcquireTotal    *prometheus.CounterVec
	sessionConnectDuration prometheus.Histogram
	sessionConnectErrors   *prometheus.CounterVec
	sessionEvictions       *prometheus.CounterVec
	sessionActive          prometheus.Gauge
	statusTransitions      *prometheus.CounterVec

	// 生成指标
	generationTotal    *prometheus.CounterVec
	generationDuration *prometheus.HistogramVec
	generationChunks   prometheus.Counter

	// 预连接指标
	preconnectTotal *prometheus.CounterVec

	// HTTP 指标（后端模拟器）
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 数据库指标（生成记录）
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// 会话指标
	c.sessionAcquireTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_acquire_total",
			Help:      "Total number of session acquisitions by path",
		},
		[]string{"path"}, // reuse, create, wait
	)

	c.sessionConnectDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_connect_duration_seconds",
			Help:      "Time to establish a session channel",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 15},
		},
	)

	c.sessionConnectErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_connect_errors_total",
			Help:      "Total number of failed channel establishments",
		},
		[]string{"code"},
	)

	c.sessionEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_closed_total",
			Help:      "Total number of closed sessions by reason",
		},
		[]string{"reason"}, // idle, failure, forced, dead, stale, shutdown
	)

	c.sessionActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_active",
			Help:      "Whether a session channel is currently open (0 or 1)",
		},
	)

	c.statusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_status_transitions_total",
			Help:      "Total number of emitted status observations",
		},
		[]string{"status"},
	)

	// 生成指标
	c.generationTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_total",
			Help:      "Total number of generation requests by outcome",
		},
		[]string{"outcome"}, // completed, partial, cancelled, error code
	)

	c.generationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_duration_seconds",
			Help:      "Generation duration in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 90, 120},
		},
		[]string{"outcome"},
	)

	c.generationChunks = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_chunks_total",
			Help:      "Total number of chunks forwarded to sinks",
		},
	)

	// 预连接指标
	c.preconnectTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "preconnect_total",
			Help:      "Total number of preconnect decisions by result",
		},
		[]string{"result"}, // warmed, skipped, throttled, failed
	)

	// HTTP 指标
	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// 数据库指标
	c.dbConnectionsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🔌 会话指标记录
// =============================================================================

// RecordAcquire 记录一次会话获取，path 为 reuse / create / wait
func (c *Collector) RecordAcquire(path string) {
	if c == nil {
		return
	}
	c.sessionAcquireTotal.WithLabelValues(path).Inc()
}

// RecordConnect 记录通道建立结果；code 为空表示成功
func (c *Collector) RecordConnect(duration time.Duration, code string) {
	if c == nil {
		return
	}
	if code != "" {
		c.sessionConnectErrors.WithLabelValues(code).Inc()
		return
	}
	c.sessionConnectDuration.Observe(duration.Seconds())
	c.sessionActive.Set(1)
}

// RecordSessionClosed 记录会话关闭原因
func (c *Collector) RecordSessionClosed(reason string) {
	if c == nil {
		return
	}
	c.sessionEvictions.WithLabelValues(reason).Inc()
	c.sessionActive.Set(0)
}

// RecordStatus 记录状态变化
func (c *Collector) RecordStatus(status string) {
	if c == nil {
		return
	}
	c.statusTransitions.WithLabelValues(status).Inc()
}

// =============================================================================
// ✍️ 生成指标记录
// =============================================================================

// RecordGeneration 记录一次生成的结果
func (c *Collector) RecordGeneration(outcome string, duration time.Duration, chunks int) {
	if c == nil {
		return
	}
	c.generationTotal.WithLabelValues(outcome).Inc()
	c.generationDuration.WithLabelValues(outcome).Observe(duration.Seconds())
	c.generationChunks.Add(float64(chunks))
}

// RecordPreconnect 记录预连接决策
func (c *Collector) RecordPreconnect(result string) {
	if c == nil {
		return
	}
	c.preconnectTotal.WithLabelValues(result).Inc()
}

// =============================================================================
// 🌐 HTTP / 数据库指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	if c == nil {
		return
	}
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
