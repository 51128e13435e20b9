package composables

import (
	"context"
	"io"

	"github.com/sirupsen/logrus"
)

// Params carries per-request values set by the logging middleware.
type Params struct {
	IP        string
	UserAgent string
	RequestID string
	// Actor is the submitting user as reported by the fronting proxy.
	Actor string
}

// UseParams returns the request parameters from the context.
// If the parameters are not found, the second return value will be false.
func UseParams(ctx context.Context) (*Params, bool) {
	params, ok := ctx.Value(paramsKey).(*Params)
	return params, ok
}

// WithParams returns a new context with the request parameters.
func WithParams(ctx context.Context, params *Params) context.Context {
	return context.WithValue(ctx, paramsKey, params)
}

// UseActor returns the request's actor, or "" when none was supplied.
func UseActor(ctx context.Context) string {
	params, ok := UseParams(ctx)
	if !ok {
		return ""
	}
	return params.Actor
}

func WithLogger(ctx context.Context, logger *logrus.Entry) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// UseLogger returns the request logger. Outside a request it returns a
// logger that discards everything.
func UseLogger(ctx context.Context) *logrus.Entry {
	if logger, ok := ctx.Value(loggerKey).(*logrus.Entry); ok && logger != nil {
		return logger
	}
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}
