package gateway

import "context"

type ctxKey string

const clientAddrKey ctxKey = "clientAddr"

func withClientAddr(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, clientAddrKey, addr)
}

// clientAddrFromContext returns the remote address of the calling client
func clientAddrFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if value, ok := ctx.Value(clientAddrKey).(string); ok {
		return value
	}
	return ""
}
