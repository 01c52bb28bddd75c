package toolexecutor

import "context"

type invocationKey struct{}

// CallInfo identifies the tool call a macro component is serving
type CallInfo struct {
	SessionID  string
	ToolCallID string
	Tool       string
	Depth      int
}

// ContextWithCall attaches call details for macro components
func ContextWithCall(ctx context.Context, info CallInfo) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, invocationKey{}, info)
}

// CallFromContext returns the call details, if the macro runs as a tool
func CallFromContext(ctx context.Context) (CallInfo, bool) {
	if ctx == nil {
		return CallInfo{}, false
	}
	info, ok := ctx.Value(invocationKey{}).(CallInfo)
	return info, ok
}
