// Package kit holds the request-scoped context keys shared by the gateway,
// its middleware and the admin tools, plus the Endpoint abstraction the MCP
// tools are built on.
package kit

import "context"

type contextKey string

const (
	UserIDKey     contextKey = "kit_user_id"
	TransportKey  contextKey = "kit_transport" // "http", "ws", "mcp"
	TraceIDKey    contextKey = "kit_trace_id"
	SessionIDKey  contextKey = "kit_session_id"
	RemoteAddrKey contextKey = "kit_remote_addr"
	DocumentKey   contextKey = "kit_document"
)

func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, UserIDKey, id)
}
func GetUserID(ctx context.Context) string {
	v, _ := ctx.Value(UserIDKey).(string)
	return v
}

func WithTransport(ctx context.Context, t string) context.Context {
	return context.WithValue(ctx, TransportKey, t)
}
func GetTransport(ctx context.Context) string {
	if v, ok := ctx.Value(TransportKey).(string); ok {
		return v
	}
	return "http"
}

func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, TraceIDKey, id)
}
func GetTraceID(ctx context.Context) string {
	v, _ := ctx.Value(TraceIDKey).(string)
	return v
}

func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, SessionIDKey, id)
}
func GetSessionID(ctx context.Context) string {
	v, _ := ctx.Value(SessionIDKey).(string)
	return v
}

func WithRemoteAddr(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, RemoteAddrKey, addr)
}
func GetRemoteAddr(ctx context.Context) string {
	v, _ := ctx.Value(RemoteAddrKey).(string)
	return v
}

// WithDocument records the canonical document id a request works on.
func WithDocument(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, DocumentKey, id)
}
func GetDocument(ctx context.Context) string {
	v, _ := ctx.Value(DocumentKey).(string)
	return v
}
