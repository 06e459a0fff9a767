package types

import "context"

type contextKey string

const requestIDKey contextKey = "request_id"

// WithRequestID attaches the request ID so handlers and outbound clients can
// correlate log lines and provider calls with the originating request.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// GetRequestID returns the request ID, or "" when none was set.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
