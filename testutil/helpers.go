// =============================================================================
// 🧪 测试辅助函数
// =============================================================================
// 提供通用的测试辅助函数和断言
//
// 使用方法:
//
//	testutil.AssertEventTypes(t, []types.EventType{types.EventChunk, types.EventEnd}, events)
//	testutil.AssertEventuallyTrue(t, func() bool { return condition }, 5*time.Second)
// =============================================================================
package testutil

import (
	"context"
	"encoding/json"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/BaSui01/notegen/transport"
	"github.com/BaSui01/notegen/types"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// =============================================================================
// 🎯 上下文辅助
// =============================================================================

// TestContext 返回带超时的测试上下文
func TestContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// TestContextWithTimeout 返回带自定义超时的测试上下文
func TestContextWithTimeout(t *testing.T, timeout time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// CancelledContext 返回已取消的上下文
func CancelledContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

// TestLogger 返回输出到 t.Log 的 logger；-short 时返回 Nop
func TestLogger(t *testing.T) *zap.Logger {
	if testing.Short() {
		return zap.NewNop()
	}
	return zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel))
}

// =============================================================================
// 🔍 断言辅助
// =============================================================================

// AssertEventTypes 断言事件类型序列
func AssertEventTypes(t *testing.T, expected []types.EventType, actual []types.Event) {
	t.Helper()

	if len(expected) != len(actual) {
		t.Errorf("event count mismatch: expected %d, got %d", len(expected), len(actual))
		return
	}
	for i := range expected {
		if expected[i] != actual[i].Type {
			t.Errorf("event[%d] type mismatch: expected %q, got %q", i, expected[i], actual[i].Type)
		}
	}
}

// AssertErrorCode 断言错误携带指定错误码
func AssertErrorCode(t *testing.T, expected types.ErrorCode, err error) {
	t.Helper()
	if err == nil {
		t.Errorf("expected error with code %s but got nil", expected)
		return
	}
	if got := types.GetErrorCode(err); got != expected {
		t.Errorf("error code mismatch: expected %s, got %s (%v)", expected, got, err)
	}
}

// AssertJSONEqual 断言两个值的 JSON 表示相等
func AssertJSONEqual(t *testing.T, expected, actual any) {
	t.Helper()

	expectedJSON, err := json.Marshal(expected)
	if err != nil {
		t.Fatalf("failed to marshal expected: %v", err)
	}

	actualJSON, err := json.Marshal(actual)
	if err != nil {
		t.Fatalf("failed to marshal actual: %v", err)
	}

	if string(expectedJSON) != string(actualJSON) {
		t.Errorf("JSON mismatch:\nexpected: %s\nactual: %s", expectedJSON, actualJSON)
	}
}

// AssertEventuallyTrue 断言条件最终为真
func AssertEventuallyTrue(t *testing.T, condition func() bool, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}

	t.Errorf("condition did not become true within %v", timeout)
}

// AssertEventuallyEqual 断言值最终相等
func AssertEventuallyEqual(t *testing.T, expected any, getter func() any, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	var lastValue any

	for time.Now().Before(deadline) {
		lastValue = getter()
		if reflect.DeepEqual(expected, lastValue) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}

	t.Errorf("value did not become %v within %v, last value: %v", expected, timeout, lastValue)
}

// AssertContains 断言字符串包含子串
func AssertContains(t *testing.T, s, substr string) {
	t.Helper()
	if !strings.Contains(s, substr) {
		t.Errorf("expected %q to contain %q", s, substr)
	}
}

// =============================================================================
// ⏱️ 时间辅助
// =============================================================================

// WaitFor 等待条件满足或超时
func WaitFor(condition func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

// WaitForChannel 等待通道接收或超时
func WaitForChannel[T any](ch <-chan T, timeout time.Duration) (T, bool) {
	select {
	case v := <-ch:
		return v, true
	case <-time.After(timeout):
		var zero T
		return zero, false
	}
}

// =============================================================================
// 🌊 流辅助
// =============================================================================

// WaitReady 等待流就绪：Ready 关闭或收到 connected 事件。
// 就绪前收到的其他事件按序返回。
func WaitReady(t *testing.T, stream transport.Stream, timeout time.Duration) []types.Event {
	t.Helper()

	var early []types.Event
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-stream.Ready():
			return early
		case ev, ok := <-stream.Events():
			if !ok {
				t.Fatalf("stream ended before ready: %v", stream.Err())
				return nil
			}
			if ev.Type == types.EventConnected {
				return early
			}
			early = append(early, ev)
		case <-timer.C:
			t.Fatalf("stream not ready within %v", timeout)
			return nil
		}
	}
}

// CollectUntilTerminal 读取事件直到终止事件、流结束或超时
func CollectUntilTerminal(t *testing.T, stream transport.Stream, timeout time.Duration) []types.Event {
	t.Helper()

	var events []types.Event
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case ev, ok := <-stream.Events():
			if !ok {
				return events
			}
			if ev.Type == types.EventPing || ev.Type == types.EventConnected {
				continue
			}
			events = append(events, ev)
			if ev.Terminal() {
				return events
			}
		case <-timer.C:
			t.Fatalf("no terminal event within %v, got %d events", timeout, len(events))
			return events
		}
	}
}

// ChunkText 拼接 chunk 事件的增量文本
func ChunkText(events []types.Event) string {
	var b strings.Builder
	for _, ev := range events {
		if ev.Type == types.EventChunk {
			b.WriteString(ev.Chunk)
		}
	}
	return b.String()
}

// =============================================================================
// 🔧 测试数据辅助
// =============================================================================

// MustJSON 将值转换为 JSON 字符串，失败时 panic
func MustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}

// MustParseJSON 解析 JSON 字符串，失败时 panic
func MustParseJSON[T any](s string) T {
	var v T
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		panic(err)
	}
	return v
}
