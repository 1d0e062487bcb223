package transport

import (
	"context"

	"github.com/ashureev/hacienda-console/internal/policy"
)

type ctxKey int

const (
	operationKey ctxKey = iota
	surfaceKey
)

// WithOperation attaches the retry counter of the current user action.
// Calls made without one are treated as a first attempt.
func WithOperation(ctx context.Context, op *policy.Operation) context.Context {
	return context.WithValue(ctx, operationKey, op)
}

// OperationFromContext returns the operation attached by WithOperation.
func OperationFromContext(ctx context.Context) *policy.Operation {
	op, _ := ctx.Value(operationKey).(*policy.Operation)
	return op
}

// WithSurface records the route the user is currently on. When it equals
// the realm's login route, 401 responses bypass the policy.
func WithSurface(ctx context.Context, route string) context.Context {
	return context.WithValue(ctx, surfaceKey, route)
}

// SurfaceFromContext returns the route recorded by WithSurface.
func SurfaceFromContext(ctx context.Context) string {
	s, _ := ctx.Value(surfaceKey).(string)
	return s
}
