package server

import (
	"net/http"
	"testing"
	"time"

	"github.com/nmcalba/clientdesk/internal/plan"
)

func TestAuditAPIListsOwnTenantOnly(t *testing.T) {
	env := newTestEnv(t)
	env.seedTenant(plan.TenantState{ID: "t-a", Tier: plan.TierStarter, Active: true})
	env.seedTenant(plan.TenantState{ID: "t-b", Tier: plan.TierStarter, Active: true})
	token := env.seedPrincipal(t, "t-a", "u-a", "admin")

	at := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	env.auditLog.byTenant["t-a"] = []AuditRow{
		{ActorID: "u-a", Verb: "client.create", ResourceType: "client", ResourceID: "cl_1", OccurredAt: at},
	}
	env.auditLog.byTenant["t-b"] = []AuditRow{
		{ActorID: "u-b", Verb: "client.delete", ResourceType: "client", ResourceID: "cl_2", OccurredAt: at},
	}

	req := newRequest(t, "GET", "/api/v1/audit", "")
	req.Header.Set("Authorization", "Bearer "+token)
	rr := env.do(req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	entries, _ := body["entries"].([]any)
	if len(entries) != 1 {
		t.Fatalf("entries = %v", entries)
	}
	first, _ := entries[0].(map[string]any)
	if first["verb"] != "client.create" || first["actor_id"] != "u-a" {
		t.Fatalf("entry = %v", first)
	}
}

func TestAuditAPINeedsAdminRole(t *testing.T) {
	env := newTestEnv(t)
	env.seedTenant(plan.TenantState{ID: "t-1", Tier: plan.TierStarter, Active: true})
	token := env.seedPrincipal(t, "t-1", "u-1", "member")

	req := newRequest(t, "GET", "/api/v1/audit", "")
	req.Header.Set("Authorization", "Bearer "+token)
	if rr := env.do(req); rr.Code != http.StatusForbidden {
		t.Fatalf("status = %d", rr.Code)
	}
}
