package tools

import "context"

type contextKey string

const (
	sessionIDKey contextKey = "session_id"
	channelKey   contextKey = "channel"
	chatIDKey    contextKey = "chat_id"
)

// WithSession tags a context with the session identity so session-aware
// tools (memory, media delivery, subagents) know where they run.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

// WithDelivery tags a context with the reply target channel and chat.
func WithDelivery(ctx context.Context, channel, chatID string) context.Context {
	ctx = context.WithValue(ctx, channelKey, channel)
	return context.WithValue(ctx, chatIDKey, chatID)
}

func SessionID(ctx context.Context) string {
	s, _ := ctx.Value(sessionIDKey).(string)
	return s
}

func DeliveryTarget(ctx context.Context) (channel, chatID string) {
	channel, _ = ctx.Value(channelKey).(string)
	chatID, _ = ctx.Value(chatIDKey).(string)
	return channel, chatID
}
