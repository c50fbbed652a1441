package metrics

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

var collectorNamespaceSeq uint64

func nextTestNamespace() string {
	seq := atomic.AddUint64(&collectorNamespaceSeq, 1)
	return fmt.Sprintf("test_%d", seq)
}

// =============================================================================
// 🧪 Collector 测试
// =============================================================================

func TestNewCollector(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.sessionAcquireTotal)
	assert.NotNil(t, collector.sessionConnectDuration)
	assert.NotNil(t, collector.generationTotal)
	assert.NotNil(t, collector.preconnectTotal)
	assert.NotNil(t, collector.httpRequestsTotal)
}

func TestNewCollector_NilLogger(t *testing.T) {
	assert.NotPanics(t, func() {
		NewCollector(nextTestNamespace(), nil)
	})
}

func TestCollector_RecordAcquire(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordAcquire("create")
	collector.RecordAcquire("reuse")
	collector.RecordAcquire("reuse")

	assert.Equal(t, float64(1), testutil.ToFloat64(collector.sessionAcquireTotal.WithLabelValues("create")))
	assert.Equal(t, float64(2), testutil.ToFloat64(collector.sessionAcquireTotal.WithLabelValues("reuse")))
	assert.Equal(t, float64(0), testutil.ToFloat64(collector.sessionAcquireTotal.WithLabelValues("wait")))
}

func TestCollector_RecordConnect(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordConnect(120*time.Millisecond, "")
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.sessionActive))
	assert.Equal(t, 1, testutil.CollectAndCount(collector.sessionConnectDuration))

	collector.RecordConnect(0, "CONNECT_TIMEOUT")
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.sessionConnectErrors.WithLabelValues("CONNECT_TIMEOUT")))

	collector.RecordSessionClosed("idle")
	assert.Equal(t, float64(0), testutil.ToFloat64(collector.sessionActive))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.sessionEvictions.WithLabelValues("idle")))
}

func TestCollector_RecordGeneration(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordGeneration("completed", 2*time.Second, 5)
	collector.RecordGeneration("cancelled", 300*time.Millisecond, 2)

	assert.Equal(t, float64(1), testutil.ToFloat64(collector.generationTotal.WithLabelValues("completed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.generationTotal.WithLabelValues("cancelled")))
	assert.Equal(t, float64(7), testutil.ToFloat64(collector.generationChunks))
	assert.Equal(t, 2, testutil.CollectAndCount(collector.generationDuration))
}

func TestCollector_RecordPreconnectAndStatus(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordPreconnect("warmed")
	collector.RecordPreconnect("throttled")
	collector.RecordStatus("connecting")

	assert.Equal(t, float64(1), testutil.ToFloat64(collector.preconnectTotal.WithLabelValues("warmed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.preconnectTotal.WithLabelValues("throttled")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.statusTransitions.WithLabelValues("connecting")))
}

func TestCollector_RecordHTTPRequest(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordHTTPRequest("POST", "/api/generate", 202, 10*time.Millisecond)
	collector.RecordHTTPRequest("POST", "/api/generate", 401, 5*time.Millisecond)

	assert.Equal(t, float64(1), testutil.ToFloat64(collector.httpRequestsTotal.WithLabelValues("POST", "/api/generate", "2xx")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.httpRequestsTotal.WithLabelValues("POST", "/api/generate", "4xx")))
}

func TestCollector_RecordDBConnections(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordDBConnections("journal", 3, 1)

	assert.Equal(t, float64(3), testutil.ToFloat64(collector.dbConnectionsOpen.WithLabelValues("journal")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.dbConnectionsIdle.WithLabelValues("journal")))
}

func TestCollector_NilReceiver(t *testing.T) {
	var collector *Collector

	assert.NotPanics(t, func() {
		collector.RecordAcquire("create")
		collector.RecordConnect(time.Second, "")
		collector.RecordSessionClosed("forced")
		collector.RecordStatus("ready")
		collector.RecordGeneration("completed", time.Second, 1)
		collector.RecordPreconnect("warmed")
		collector.RecordHTTPRequest("GET", "/", 200, time.Millisecond)
		collector.RecordDBConnections("journal", 1, 1)
	})
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		code     int
		expected string
	}{
		{200, "2xx"},
		{204, "2xx"},
		{301, "3xx"},
		{404, "4xx"},
		{503, "5xx"},
		{100, "unknown"},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("code_%d", tt.code), func(t *testing.T) {
			assert.Equal(t, tt.expected, statusCode(tt.code))
		})
	}
}
