package logcontext

import (
	"context"
	"log/slog"
)

type ctxKey string

// Fields is the context key under which slog attributes are carried.
const Fields ctxKey = "slog_fields"

// AppendCtx returns a copy of ctx with the given attribute appended to the
// attributes already carried by it. Handlers aware of Fields emit them with
// every record logged in that scope.
func AppendCtx(parent context.Context, attr slog.Attr) context.Context {
	if parent == nil {
		parent = context.Background()
	}

	if v, ok := parent.Value(Fields).([]slog.Attr); ok {
		v = append(v, attr)
		return context.WithValue(parent, Fields, v)
	}

	return context.WithValue(parent, Fields, []slog.Attr{attr})
}
