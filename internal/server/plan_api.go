package server

import (
	"net/http"
	"time"

	"github.com/nmcalba/clientdesk/internal/plan"
	"github.com/nmcalba/clientdesk/internal/routing"
	"github.com/nmcalba/clientdesk/pkg/authz"
)

// handlePlanAPI returns the tenant's current plan snapshot so clients can
// render entitlements without probing each module for denials.
func handlePlanAPI(w http.ResponseWriter, r *http.Request, deps *apiDeps) {
	const rc = routing.RouteClassPublicAPI
	if r.Method != http.MethodGet {
		routing.WriteError(w, r, rc, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	ts, ok := currentTenantState(r.Context())
	if !ok {
		routing.WriteError(w, r, rc, http.StatusInternalServerError, "tenant_missing", "tenant missing")
		return
	}
	if !authorize(w, r, rc, deps.authorizer, deps.log, authz.ObjectPlan, authz.ActionRead) {
		return
	}

	pol := plan.PolicyFor(ts.Tier)
	modules := make([]string, 0, len(pol.Modules))
	for _, m := range pol.Modules {
		modules = append(modules, string(m))
	}
	limits := make(map[string]int, len(pol.Limits))
	for res, n := range pol.Limits {
		limits[string(res)] = n
	}
	features := make(map[string]bool, len(pol.Features))
	for f, on := range pol.Features {
		features[string(f)] = on
	}

	body := map[string]any{
		"plan":     ts.Tier.String(),
		"active":   ts.Active,
		"modules":  modules,
		"limits":   limits,
		"features": features,
	}
	if ts.ExpiresAt != nil {
		body["expires_at"] = ts.ExpiresAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, body)
}
