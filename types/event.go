package types

import "time"

// EventType 标识后端推送事件的类型
type EventType string

const (
	// EventConnected 后端确认会话通道已就绪
	EventConnected EventType = "connected"
	// EventChunk 增量生成文本
	EventChunk EventType = "chunk"
	// EventEnd 当前生成结束
	EventEnd EventType = "end"
	// EventError 后端显式报告生成错误
	EventError EventType = "error"
	// EventPing 后端心跳，不携带数据
	EventPing EventType = "ping"
	// EventTransportError 通道断开时由客户端合成，不来自后端
	EventTransportError EventType = "transport_error"
)

// Event is one tagged frame pushed by the backend over a session channel.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId,omitempty"`
	RequestID string    `json:"requestId,omitempty"`
	Chunk     string    `json:"chunk,omitempty"`
	FullText  string    `json:"fullText,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Terminal reports whether the event ends the current generation.
func (e Event) Terminal() bool {
	switch e.Type {
	case EventEnd, EventError, EventTransportError:
		return true
	}
	return false
}
