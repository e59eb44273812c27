package server

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/nmcalba/clientdesk/internal/plan"
	"github.com/nmcalba/clientdesk/internal/routing"
	"github.com/nmcalba/clientdesk/internal/scope"
	"github.com/nmcalba/clientdesk/pkg/authz"
)

const (
	codeInvalidToken    = "INVALID_TOKEN"
	codeTokenExpired    = "TOKEN_EXPIRED"
	codeAccountInactive = "ACCOUNT_INACTIVE"
	codeTenantNotFound  = "TENANT_NOT_FOUND"
	codeForbidden       = "FORBIDDEN"
)

// withAuth is the request pipeline head: bearer token -> principal ->
// tenant snapshot -> scope. Everything downstream reads these from context;
// the scope is the only tenant id any store call will honor.
func withAuth(resolver identityResolver, tenants TenantStore, classifier *routing.Classifier, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/healthz":
			next.ServeHTTP(w, r)
			return
		default:
		}
		rc := classifier.Classify(r.URL.Path)

		token, _ := bearerToken(r)
		p, err := resolver.Resolve(r.Context(), token)
		if err != nil {
			status, code := http.StatusUnauthorized, codeInvalidToken
			switch err {
			case errTokenExpired:
				code = codeTokenExpired
			case errAccountInactive:
				code = codeAccountInactive
			case errTokenMissing, errTokenInvalid:
			default:
				routing.WriteError(w, r, rc, http.StatusInternalServerError, "internal_error", "internal error")
				return
			}
			routing.WriteError(w, r, rc, status, code, "authentication required")
			return
		}

		ts, found, err := tenants.GetState(r.Context(), p.TenantID)
		if err != nil {
			routing.WriteError(w, r, rc, http.StatusInternalServerError, "internal_error", "internal error")
			return
		}
		if !found {
			routing.WriteError(w, r, rc, http.StatusNotFound, codeTenantNotFound, "tenant not found")
			return
		}

		sc, err := scope.For(p.TenantID)
		if err != nil {
			routing.WriteError(w, r, rc, http.StatusInternalServerError, "internal_error", "internal error")
			return
		}

		ctx := withPrincipal(r.Context(), p)
		ctx = withTenantState(ctx, ts)
		ctx = withScope(ctx, sc)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func writeDenial(w http.ResponseWriter, r *http.Request, rc routing.RouteClass, d *plan.Denial) {
	routing.WriteErrorDetails(w, r, rc, http.StatusForbidden, d.Code, d.Message, d.Details())
}

// requireModule gates a handler on module entitlement. Returns the tenant
// snapshot for follow-up checks; ok=false means the denial was written.
func requireModule(w http.ResponseWriter, r *http.Request, rc routing.RouteClass, m plan.Module) (plan.TenantState, bool) {
	ts, found := currentTenantState(r.Context())
	if !found {
		routing.WriteError(w, r, rc, http.StatusInternalServerError, "tenant_missing", "tenant missing")
		return plan.TenantState{}, false
	}
	if d := plan.CheckModuleAccess(ts, m, time.Now()); d != nil {
		writeDenial(w, r, rc, d)
		return plan.TenantState{}, false
	}
	return ts, true
}

func requireFeature(w http.ResponseWriter, r *http.Request, rc routing.RouteClass, f plan.Feature) bool {
	ts, found := currentTenantState(r.Context())
	if !found {
		routing.WriteError(w, r, rc, http.StatusInternalServerError, "tenant_missing", "tenant missing")
		return false
	}
	if d := plan.CheckFeatureFlag(ts, f, time.Now()); d != nil {
		writeDenial(w, r, rc, d)
		return false
	}
	return true
}

// authorize runs the casbin role check for the acting principal. In shadow
// mode a would-deny is logged and the request proceeds.
func authorize(w http.ResponseWriter, r *http.Request, rc routing.RouteClass, a *authz.Authorizer, log zerolog.Logger, object string, action string) bool {
	p, ok := currentPrincipal(r.Context())
	if !ok {
		routing.WriteError(w, r, rc, http.StatusInternalServerError, "principal_missing", "principal missing")
		return false
	}
	allowed, enforced, err := a.Authorize(authz.SubjectFromRole(p.Role), authz.DomainFromTenantID(p.TenantID), object, action)
	if err != nil {
		routing.WriteError(w, r, rc, http.StatusInternalServerError, "internal_error", "internal error")
		return false
	}
	if !allowed {
		if !enforced {
			log.Warn().
				Str("role", p.Role).
				Str("object", object).
				Str("action", action).
				Msg("authz shadow deny")
			return true
		}
		routing.WriteError(w, r, rc, http.StatusForbidden, codeForbidden, "role not permitted")
		return false
	}
	return true
}
