package server

import "context"

// Principal is the authenticated identity acting within one request. It is
// built from a verified token plus a live account-state read and never
// outlives the request.
type Principal struct {
	ID       string
	TenantID string
	Role     string
	Email    string
	Status   string
}

type principalContextKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

func currentPrincipal(ctx context.Context) (Principal, bool) {
	v := ctx.Value(principalContextKey{})
	if v == nil {
		return Principal{}, false
	}
	p, ok := v.(Principal)
	return p, ok
}
