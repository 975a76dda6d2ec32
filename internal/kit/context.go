// Package kit carries small pieces of request-scoped identity through
// context.Context so log lines across the candidate gatherer, the racing
// engine, and the protocol adapters can be correlated without threading
// extra parameters through every call.
package kit

import "context"

type contextKey string

const (
	ConnectionIDKey contextKey = "taps_connection_id"
	GroupIDKey      contextKey = "taps_group_id"
	ProtocolKey     contextKey = "taps_protocol" // "tcp", "udp", "quic"
	AttemptKey      contextKey = "taps_attempt_index"
)

func WithConnectionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ConnectionIDKey, id)
}

func ConnectionID(ctx context.Context) string {
	v, _ := ctx.Value(ConnectionIDKey).(string)
	return v
}

func WithGroupID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, GroupIDKey, id)
}

func GroupID(ctx context.Context) string {
	v, _ := ctx.Value(GroupIDKey).(string)
	return v
}

func WithProtocol(ctx context.Context, proto string) context.Context {
	return context.WithValue(ctx, ProtocolKey, proto)
}

func Protocol(ctx context.Context) string {
	if v, ok := ctx.Value(ProtocolKey).(string); ok {
		return v
	}
	return ""
}

func WithAttemptIndex(ctx context.Context, idx int) context.Context {
	return context.WithValue(ctx, AttemptKey, idx)
}

func AttemptIndex(ctx context.Context) (int, bool) {
	v, ok := ctx.Value(AttemptKey).(int)
	return v, ok
}
