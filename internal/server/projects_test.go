package server

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/nmcalba/clientdesk/internal/plan"
)

func TestProjectsDeniedOnStarter(t *testing.T) {
	env := newTestEnv(t)
	env.seedTenant(plan.TenantState{ID: "t-1", Name: "Starter Shop", Tier: plan.TierStarter, Active: true})
	token := env.seedPrincipal(t, "t-1", "u-1", "owner")

	req := newRequest(t, "POST", "/api/v1/projects", `{"name":"Website Redesign"}`)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := env.do(req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	if body["code"] != plan.CodePlanAccessDenied {
		t.Fatalf("code = %v", body["code"])
	}
	if body["currentPlan"] != "starter" || body["requiredModule"] != "projects" {
		t.Fatalf("details = %v", body)
	}
	suggested, _ := body["suggestedPlans"].([]any)
	if len(suggested) != 2 || suggested[0] != "growth" || suggested[1] != "scale" {
		t.Fatalf("suggestedPlans = %v", suggested)
	}
	if _, ok := body["allowedModules"]; !ok {
		t.Fatal("missing allowedModules detail")
	}
}

func TestProjectsAllowedOnGrowth(t *testing.T) {
	env := newTestEnv(t)
	env.seedTenant(plan.TenantState{ID: "t-1", Tier: plan.TierGrowth, Active: true})
	token := env.seedPrincipal(t, "t-1", "u-1", "admin")

	req := newRequest(t, "POST", "/api/v1/projects", `{"name":"Launch Plan","client_id":"cl_x"}`)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := env.do(req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	if body := decodeBody(t, rr); body["name"] != "Launch Plan" || body["status"] != "active" {
		t.Fatalf("body = %v", body)
	}

	req = newRequest(t, "GET", "/api/v1/projects", "")
	req.Header.Set("Authorization", "Bearer "+token)
	rr = env.do(req)
	if rr.Code != http.StatusOK {
		t.Fatalf("list status = %d", rr.Code)
	}
	projects, _ := decodeBody(t, rr)["projects"].([]any)
	if len(projects) != 1 {
		t.Fatalf("projects = %v", projects)
	}
}

func TestProjectLimitOnGrowth(t *testing.T) {
	env := newTestEnv(t)
	env.seedTenant(plan.TenantState{ID: "t-1", Tier: plan.TierGrowth, Active: true})
	token := env.seedPrincipal(t, "t-1", "u-1", "admin")

	sc := mustScope(t, "t-1")
	for i := range 40 {
		if _, err := env.projects.CreateProject(context.Background(), sc, fmt.Sprintf("Project %02d", i), ""); err != nil {
			t.Fatal(err)
		}
	}

	req := newRequest(t, "POST", "/api/v1/projects", `{"name":"One Too Many"}`)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := env.do(req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("status = %d", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["code"] != plan.CodePlanLimitExceeded {
		t.Fatalf("code = %v", body["code"])
	}
	if body["maxAllowed"] != float64(40) {
		t.Fatalf("maxAllowed = %v", body["maxAllowed"])
	}
}

func TestProjectsUnlimitedOnScale(t *testing.T) {
	env := newTestEnv(t)
	env.seedTenant(plan.TenantState{ID: "t-1", Tier: plan.TierScale, Active: true})
	token := env.seedPrincipal(t, "t-1", "u-1", "admin")

	sc := mustScope(t, "t-1")
	for i := range 41 {
		if _, err := env.projects.CreateProject(context.Background(), sc, fmt.Sprintf("Project %02d", i), ""); err != nil {
			t.Fatal(err)
		}
	}

	req := newRequest(t, "POST", "/api/v1/projects", `{"name":"Still Fine"}`)
	req.Header.Set("Authorization", "Bearer "+token)
	if rr := env.do(req); rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
}
