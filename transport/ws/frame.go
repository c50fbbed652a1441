package ws

import (
	"time"

	"github.com/BaSui01/notegen/types"
)

// 控制帧类型。事件帧沿用 types.EventType。
const (
	FrameGenerate = "generate"
	FrameCancel   = "cancel"
	FrameClose    = "close"
	FrameAck      = "ack"
)

// Frame 是 WebSocket 上传输的 JSON 对象 {"type": ...}
type Frame struct {
	Type      string    `json:"type"`
	ID        string    `json:"id,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`
	RequestID string    `json:"requestId,omitempty"`
	NoteID    string    `json:"noteId,omitempty"`
	Prompt    string    `json:"prompt,omitempty"`
	Chunk     string    `json:"chunk,omitempty"`
	FullText  string    `json:"fullText,omitempty"`
	Message   string    `json:"message,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// EventFrame 把事件包装为帧
func EventFrame(ev types.Event) Frame {
	return Frame{
		Type:      string(ev.Type),
		SessionID: ev.SessionID,
		RequestID: ev.RequestID,
		Chunk:     ev.Chunk,
		FullText:  ev.FullText,
		Message:   ev.Message,
		Timestamp: ev.Timestamp,
	}
}

// Event 把事件帧还原为 types.Event
func (f Frame) Event() types.Event {
	return types.Event{
		Type:      types.EventType(f.Type),
		SessionID: f.SessionID,
		RequestID: f.RequestID,
		Chunk:     f.Chunk,
		FullText:  f.FullText,
		Message:   f.Message,
		Timestamp: f.Timestamp,
	}
}

// IsControl 报告帧是否为客户端发出的控制帧
func (f Frame) IsControl() bool {
	switch f.Type {
	case FrameGenerate, FrameCancel, FrameClose:
		return true
	}
	return false
}
