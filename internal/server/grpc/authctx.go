package grpcserver

import (
	"context"
)

type ctxKey string

const operatorKey ctxKey = "cs.operator"

// WithOperator stores the authenticated operator name in context.
func WithOperator(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, operatorKey, name)
}

// OperatorFromCtx fetches the operator name from context.
func OperatorFromCtx(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(operatorKey).(string)
	return v, ok && v != ""
}
