package plan

import (
	"reflect"
	"testing"
	"time"
)

func activeTenant(tier Tier) TenantState {
	return TenantState{ID: "t1", Name: "Acme", Tier: tier, Active: true}
}

func TestCheckModuleAccess_StarterProjectsDenied(t *testing.T) {
	now := time.Now()
	d := CheckModuleAccess(activeTenant(TierStarter), ModuleProjects, now)
	if d == nil {
		t.Fatal("expected denial")
	}
	if d.Code != CodePlanAccessDenied {
		t.Fatalf("code=%q", d.Code)
	}
	if d.CurrentPlan != TierStarter || d.RequiredModule != ModuleProjects {
		t.Fatalf("denial=%+v", d)
	}
	if !reflect.DeepEqual(d.SuggestedPlans, []Tier{TierGrowth, TierScale}) {
		t.Fatalf("suggested=%v", d.SuggestedPlans)
	}
	if !reflect.DeepEqual(d.AllowedModules, []Module{ModuleClients, ModuleInvoices}) {
		t.Fatalf("allowed=%v", d.AllowedModules)
	}
}

func TestCheckModuleAccess_GrowthProjectsAllowed(t *testing.T) {
	if d := CheckModuleAccess(activeTenant(TierGrowth), ModuleProjects, time.Now()); d != nil {
		t.Fatalf("denial=%+v", d)
	}
}

func TestCheckResourceLimit_Boundary(t *testing.T) {
	now := time.Now()
	ts := activeTenant(TierStarter)

	if d := CheckResourceLimit(ts, ResourceClients, 49, now); d != nil {
		t.Fatalf("count=49 denial=%+v", d)
	}
	d := CheckResourceLimit(ts, ResourceClients, 50, now)
	if d == nil || d.Code != CodePlanLimitExceeded {
		t.Fatalf("count=50 denial=%+v", d)
	}
	if d.CurrentCount != 50 || d.MaxAllowed != 50 {
		t.Fatalf("counts=%d/%d", d.CurrentCount, d.MaxAllowed)
	}
	if !reflect.DeepEqual(d.SuggestedPlans, []Tier{TierGrowth, TierScale}) {
		t.Fatalf("suggested=%v", d.SuggestedPlans)
	}
}

func TestCheckResourceLimit_UnlimitedAlwaysAllows(t *testing.T) {
	now := time.Now()
	ts := activeTenant(TierScale)
	for _, count := range []int{0, 1, 50, 1 << 20} {
		if d := CheckResourceLimit(ts, ResourceClients, count, now); d != nil {
			t.Fatalf("count=%d denial=%+v", count, d)
		}
	}
}

func TestCheckResourceLimit_ZeroCeilingIsFeatureNotAvailable(t *testing.T) {
	d := CheckResourceLimit(activeTenant(TierStarter), ResourceProjects, 0, time.Now())
	if d == nil || d.Code != CodeFeatureNotAvailable {
		t.Fatalf("denial=%+v", d)
	}
	if !reflect.DeepEqual(d.SuggestedPlans, []Tier{TierGrowth, TierScale}) {
		t.Fatalf("suggested=%v", d.SuggestedPlans)
	}
}

func TestCheckResourceLimit_UnknownResourceAllows(t *testing.T) {
	if d := CheckResourceLimit(activeTenant(TierStarter), Resource("widgets"), 10, time.Now()); d != nil {
		t.Fatalf("denial=%+v", d)
	}
}

func TestCheckFeatureFlag(t *testing.T) {
	now := time.Now()
	d := CheckFeatureFlag(activeTenant(TierStarter), FeatureRecurringInvoices, now)
	if d == nil || d.Code != CodeFeatureNotAvailable {
		t.Fatalf("denial=%+v", d)
	}
	if d.Feature != FeatureRecurringInvoices {
		t.Fatalf("feature=%q", d.Feature)
	}
	if !reflect.DeepEqual(d.SuggestedPlans, []Tier{TierGrowth, TierScale}) {
		t.Fatalf("suggested=%v", d.SuggestedPlans)
	}
	if d := CheckFeatureFlag(activeTenant(TierGrowth), FeatureRecurringInvoices, now); d != nil {
		t.Fatalf("denial=%+v", d)
	}
}

func TestLifecycle_ExpiredShortCircuitsEveryCheck(t *testing.T) {
	now := time.Now()
	exp := now.Add(-time.Second)
	ts := activeTenant(TierScale)
	ts.ExpiresAt = &exp

	for name, d := range map[string]*Denial{
		"module":  CheckModuleAccess(ts, ModuleClients, now),
		"limit":   CheckResourceLimit(ts, ResourceClients, 0, now),
		"feature": CheckFeatureFlag(ts, FeatureAuditAlerts, now),
	} {
		if d == nil || d.Code != CodePlanExpired {
			t.Fatalf("%s: denial=%+v", name, d)
		}
		if d.ExpiresAt == nil || !d.ExpiresAt.Equal(exp) {
			t.Fatalf("%s: expiresAt=%v", name, d.ExpiresAt)
		}
	}
}

func TestLifecycle_InactiveTakesPrecedence(t *testing.T) {
	now := time.Now()
	exp := now.Add(-time.Hour)
	ts := TenantState{ID: "t1", Tier: TierGrowth, Active: false, ExpiresAt: &exp}
	d := CheckModuleAccess(ts, ModuleProjects, now)
	if d == nil || d.Code != CodeTenantInactive {
		t.Fatalf("denial=%+v", d)
	}
}

func TestLifecycle_FutureExpiryAllows(t *testing.T) {
	now := time.Now()
	exp := now.Add(time.Second)
	ts := activeTenant(TierGrowth)
	ts.ExpiresAt = &exp
	if d := CheckModuleAccess(ts, ModuleProjects, now); d != nil {
		t.Fatalf("denial=%+v", d)
	}
}

func TestDenial_Idempotent(t *testing.T) {
	now := time.Now()
	ts := activeTenant(TierStarter)
	a := CheckResourceLimit(ts, ResourceClients, 50, now)
	b := CheckResourceLimit(ts, ResourceClients, 50, now)
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("a=%+v b=%+v", a, b)
	}
}

func TestDenial_Details(t *testing.T) {
	now := time.Now()
	d := CheckResourceLimit(activeTenant(TierStarter), ResourceClients, 50, now)
	got := d.Details()
	if got["currentPlan"] != "starter" || got["resourceType"] != "clients" {
		t.Fatalf("details=%v", got)
	}
	if got["currentCount"] != 50 || got["maxAllowed"] != 50 {
		t.Fatalf("details=%v", got)
	}
	if !reflect.DeepEqual(got["suggestedPlans"], []string{"growth", "scale"}) {
		t.Fatalf("details=%v", got)
	}

	d = CheckModuleAccess(activeTenant(TierStarter), ModuleProjects, now)
	got = d.Details()
	if got["requiredModule"] != "projects" {
		t.Fatalf("details=%v", got)
	}
	if !reflect.DeepEqual(got["allowedModules"], []string{"clients", "invoices"}) {
		t.Fatalf("details=%v", got)
	}
}
