package server

import (
	"context"

	"github.com/nmcalba/clientdesk/internal/plan"
	"github.com/nmcalba/clientdesk/internal/scope"
)

type tenantStateCtxKey struct{}

func withTenantState(ctx context.Context, ts plan.TenantState) context.Context {
	return context.WithValue(ctx, tenantStateCtxKey{}, ts)
}

func currentTenantState(ctx context.Context) (plan.TenantState, bool) {
	ts, ok := ctx.Value(tenantStateCtxKey{}).(plan.TenantState)
	return ts, ok
}

type scopeCtxKey struct{}

// withScope threads the per-request tenant scope through the context. The
// scope is an immutable value; concurrent requests for different tenants
// never share it.
func withScope(ctx context.Context, sc scope.Scope) context.Context {
	return context.WithValue(ctx, scopeCtxKey{}, sc)
}

func currentScope(ctx context.Context) (scope.Scope, bool) {
	sc, ok := ctx.Value(scopeCtxKey{}).(scope.Scope)
	if !ok || sc.IsZero() {
		return scope.Scope{}, false
	}
	return sc, true
}
