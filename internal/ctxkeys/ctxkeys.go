package ctxkeys

import "context"

// contextKey 用于在 context 中存储值的键类型
type contextKey string

const (
	sessionIDKey contextKey = "session_id"
	requestIDKey contextKey = "request_id"
	noteIDKey    contextKey = "note_id"
)

// WithSessionID 设置 SessionID
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

// SessionID 获取 SessionID
func SessionID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(sessionIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithRequestID 设置 RequestID（一次生成请求）
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestID 获取 RequestID
func RequestID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(requestIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithNoteID 设置发起生成的笔记 ID
func WithNoteID(ctx context.Context, noteID string) context.Context {
	return context.WithValue(ctx, noteIDKey, noteID)
}

// NoteID 获取笔记 ID
func NoteID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(noteIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
