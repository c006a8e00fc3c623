// Package reqid carries the request correlation id and the calling user
// through a context.
package reqid

import (
	"context"
	"log/slog"
)

type key struct{}

type userKey struct{}

// With returns a new context with the provided request ID attached.
func With(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, key{}, id)
}

// From extracts the request ID from the context, if present.
func From(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	s, ok := ctx.Value(key{}).(string)
	return s, ok && s != ""
}

func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

// User returns the authenticated user id or "".
func User(ctx context.Context) string {
	s, _ := ctx.Value(userKey{}).(string)
	return s
}

// Logger returns l annotated with the request id and user found in ctx.
func Logger(ctx context.Context, l *slog.Logger) *slog.Logger {
	if id, ok := From(ctx); ok {
		l = l.With("request_id", id)
	}
	if u := User(ctx); u != "" {
		l = l.With("user_id", u)
	}
	return l
}
