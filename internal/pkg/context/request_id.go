package context

import "context"

type requestIDKey struct{}

const fallbackRequestID = "no-request-id"

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func GetRequestID(ctx context.Context) string {
	if s, ok := ctx.Value(requestIDKey{}).(string); ok {
		return s
	}
	return ""
}

// TraceID is the request id used to correlate audit lines and outbox rows.
func TraceID(ctx context.Context) string {
	if id := GetRequestID(ctx); id != "" {
		return id
	}
	return fallbackRequestID
}
