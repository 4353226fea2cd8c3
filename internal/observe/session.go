package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/zenc-ai/voicegate"

// Span and log attribute keys for the identifiers a voice session carries.
const (
	SocketIDKey  = attribute.Key("voicegate.socket_id")
	UserIDKey    = attribute.Key("voicegate.user_id")
	SessionIDKey = attribute.Key("voicegate.session_id")
)

type idsKey struct{}

// SessionIDs are the identifiers of one client connection as they become
// known: the socket id on upgrade, the user id after authentication and the
// provider-session id once a stream is open.
type SessionIDs struct {
	SocketID  string
	UserID    string
	SessionID string
}

// IDs returns the session identifiers stored in ctx.
func IDs(ctx context.Context) SessionIDs {
	ids, _ := ctx.Value(idsKey{}).(SessionIDs)
	return ids
}

func withIDs(ctx context.Context, update func(*SessionIDs)) context.Context {
	ids := IDs(ctx)
	update(&ids)
	return context.WithValue(ctx, idsKey{}, ids)
}

// WithSocket returns a copy of ctx carrying the connection's socket id.
func WithSocket(ctx context.Context, socketID string) context.Context {
	return withIDs(ctx, func(ids *SessionIDs) { ids.SocketID = socketID })
}

// WithUser returns a copy of ctx carrying the authenticated user id.
func WithUser(ctx context.Context, userID string) context.Context {
	return withIDs(ctx, func(ids *SessionIDs) { ids.UserID = userID })
}

// WithSession returns a copy of ctx carrying the current provider-session id.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return withIDs(ctx, func(ids *SessionIDs) { ids.SessionID = sessionID })
}

func (ids SessionIDs) attrs() []attribute.KeyValue {
	var kv []attribute.KeyValue
	if ids.SocketID != "" {
		kv = append(kv, SocketIDKey.String(ids.SocketID))
	}
	if ids.UserID != "" {
		kv = append(kv, UserIDKey.String(ids.UserID))
	}
	if ids.SessionID != "" {
		kv = append(kv, SessionIDKey.String(ids.SessionID))
	}
	return kv
}

// Logger returns the default logger annotated with the socket_id, user_id
// and session_id found in ctx, plus trace_id and span_id when ctx carries a
// recording span. Unknown identifiers are omitted.
func Logger(ctx context.Context) *slog.Logger {
	var args []any
	ids := IDs(ctx)
	if ids.SocketID != "" {
		args = append(args, slog.String("socket_id", ids.SocketID))
	}
	if ids.UserID != "" {
		args = append(args, slog.String("user_id", ids.UserID))
	}
	if ids.SessionID != "" {
		args = append(args, slog.String("session_id", ids.SessionID))
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		args = append(args,
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if len(args) == 0 {
		return slog.Default()
	}
	return slog.Default().With(args...)
}

// StartSpan starts a span on the global tracer provider, tagged with the
// session identifiers in ctx. The caller must end the span.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if kv := IDs(ctx).attrs(); len(kv) > 0 {
		opts = append(opts, trace.WithAttributes(kv...))
	}
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

func traceID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}
