package server

import "context"

// Tenant and actor travel only in the request context, keyed by unexported
// types. There is no process-wide current tenant; a value set on one
// request's context cannot be observed by any other request.

type tenantCtxKey struct{}

func withTenant(ctx context.Context, tenant Tenant) context.Context {
	return context.WithValue(ctx, tenantCtxKey{}, tenant)
}

func currentTenant(ctx context.Context) (Tenant, bool) {
	t, ok := ctx.Value(tenantCtxKey{}).(Tenant)
	return t, ok
}

type actorCtxKey struct{}

func withActor(ctx context.Context, a ActorContext) context.Context {
	return context.WithValue(ctx, actorCtxKey{}, a)
}

func currentActor(ctx context.Context) (ActorContext, bool) {
	a, ok := ctx.Value(actorCtxKey{}).(ActorContext)
	return a, ok
}
