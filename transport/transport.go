// Package transport defines the contract between the session runtime and a
// generation backend. Concrete clients live in transport/sse and transport/ws.
package transport

import (
	"context"

	"github.com/BaSui01/notegen/types"
)

// StartRequest is the payload of a start-generation call.
type StartRequest struct {
	SessionID string `json:"sessionId"`
	RequestID string `json:"requestId"`
	NoteID    string `json:"noteId,omitempty"`
	Prompt    string `json:"prompt"`
}

// CancelRequest asks the backend to abort an in-flight generation.
type CancelRequest struct {
	SessionID string `json:"sessionId"`
	RequestID string `json:"requestId,omitempty"`
}

// CloseRequest tells the backend a session is being torn down.
type CloseRequest struct {
	SessionID string `json:"sessionId"`
}

// Stream 是会话级的服务端推送事件流
type Stream interface {
	// Ready 在传输层 "open" 信号到达时关闭
	Ready() <-chan struct{}
	// Events 按到达顺序输出事件；流终止时关闭
	Events() <-chan types.Event
	// Err 返回流终止原因，仅在 Events 关闭后有意义
	Err() error
	// Close 关闭底层连接，可重复调用
	Close() error
}

// Backend is the generation service as seen by the client runtime.
type Backend interface {
	// OpenStream starts opening the session-scoped event stream. It may
	// return before the stream is ready; readiness is reported by
	// Stream.Ready or an in-band connected event.
	OpenStream(ctx context.Context, sessionID string) (Stream, error)
	StartGeneration(ctx context.Context, req StartRequest) error
	CancelGeneration(ctx context.Context, req CancelRequest) error
	CloseSession(ctx context.Context, req CloseRequest) error
}
