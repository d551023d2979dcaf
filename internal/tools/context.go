package tools

import "context"

type contextKey string

const (
	callerKey    contextKey = "tools.caller"
	turnCacheKey contextKey = "tools.turn_cache"
)

// Caller identifies who a tool runs on behalf of. DeviceID is empty when
// the turn originated from a plain API client rather than a Spoke.
type Caller struct {
	UserID   string
	DeviceID string
}

// WithCaller attaches the caller identity for tool execution.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey, c)
}

// CallerFrom extracts the caller identity, if any.
func CallerFrom(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey).(Caller)
	return c, ok
}

// WithTurnCache attaches a per-turn result cache. The agent loop creates
// one per user turn; repeated identical tool calls within the turn are
// answered from it.
func WithTurnCache(ctx context.Context, c *TurnCache) context.Context {
	return context.WithValue(ctx, turnCacheKey, c)
}

func turnCacheFrom(ctx context.Context) *TurnCache {
	c, _ := ctx.Value(turnCacheKey).(*TurnCache)
	return c
}
