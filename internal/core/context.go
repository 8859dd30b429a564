package core

import "context"

type contextKey string

const ctxKeyActor contextKey = "actor"

// ContextWithActor records who drives the operations run with ctx. Service
// methods use it when their actor argument is empty.
func ContextWithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, ctxKeyActor, actor)
}

// ActorFromContext extracts the actor set by ContextWithActor.
func ActorFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyActor).(string); ok {
		return v
	}
	return ""
}

// resolveActor picks actor, then the context actor, then fallback.
func resolveActor(ctx context.Context, actor, fallback string) string {
	if actor != "" {
		return actor
	}
	if v := ActorFromContext(ctx); v != "" {
		return v
	}
	return fallback
}
