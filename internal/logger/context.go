package logger

import "context"

type contextKey int

const (
	traceIDKey contextKey = iota
	operationKey
)

// operation is the lock transition a context belongs to.
type operation struct {
	action string
	root   string
}

// WithTraceID returns ctx carrying the request trace ID.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// WithOperation returns ctx carrying the lock transition in progress, so
// that records logged below it (SQL included) name the action and root
// Subject they were made for.
func WithOperation(ctx context.Context, action, rootPath string) context.Context {
	return context.WithValue(ctx, operationKey, operation{action: action, root: rootPath})
}

// contextFields returns the fields WithContext adds for ctx.
func contextFields(ctx context.Context) []Field {
	if ctx == nil {
		return nil
	}
	var fields []Field
	if id, ok := ctx.Value(traceIDKey).(string); ok && id != "" {
		fields = append(fields, String("trace_id", id))
	}
	if op, ok := ctx.Value(operationKey).(operation); ok {
		fields = append(fields, String("lock_action", op.action), String("lock_root", op.root))
	}
	return fields
}
