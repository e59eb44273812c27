package server

import (
	"net/http"
	"testing"
	"time"

	"github.com/nmcalba/clientdesk/internal/plan"
)

func TestPlanSnapshotStarter(t *testing.T) {
	env := newTestEnv(t)
	env.seedTenant(plan.TenantState{ID: "t-1", Tier: plan.TierStarter, Active: true})
	token := env.seedPrincipal(t, "t-1", "u-1", "member")

	req := newRequest(t, "GET", "/api/v1/plan", "")
	req.Header.Set("Authorization", "Bearer "+token)
	rr := env.do(req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	if body["plan"] != "starter" || body["active"] != true {
		t.Fatalf("body = %v", body)
	}

	modules, _ := body["modules"].([]any)
	seen := map[any]bool{}
	for _, m := range modules {
		seen[m] = true
	}
	if !seen["clients"] || !seen["invoices"] || seen["projects"] {
		t.Fatalf("modules = %v", modules)
	}

	limits, _ := body["limits"].(map[string]any)
	if limits["clients"] != float64(50) {
		t.Fatalf("limits = %v", limits)
	}

	features, _ := body["features"].(map[string]any)
	if features["recurring_invoices"] != false {
		t.Fatalf("features = %v", features)
	}
	if _, ok := body["expires_at"]; ok {
		t.Fatal("expires_at must be absent for non-expiring tenants")
	}
}

func TestPlanSnapshotIncludesExpiry(t *testing.T) {
	env := newTestEnv(t)
	expires := time.Date(2027, 1, 15, 0, 0, 0, 0, time.UTC)
	env.seedTenant(plan.TenantState{ID: "t-1", Tier: plan.TierScale, Active: true, ExpiresAt: &expires})
	token := env.seedPrincipal(t, "t-1", "u-1", "member")

	req := newRequest(t, "GET", "/api/v1/plan", "")
	req.Header.Set("Authorization", "Bearer "+token)
	rr := env.do(req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["plan"] != "scale" {
		t.Fatalf("plan = %v", body["plan"])
	}
	if body["expires_at"] != "2027-01-15T00:00:00Z" {
		t.Fatalf("expires_at = %v", body["expires_at"])
	}
	limits, _ := body["limits"].(map[string]any)
	if limits["clients"] != float64(-1) {
		t.Fatalf("limits = %v", limits)
	}
}
