package plan

import (
	"fmt"
	"time"
)

const (
	CodeTenantInactive      = "TENANT_INACTIVE"
	CodePlanExpired         = "PLAN_EXPIRED"
	CodePlanAccessDenied    = "PLAN_ACCESS_DENIED"
	CodePlanLimitExceeded   = "PLAN_LIMIT_EXCEEDED"
	CodeFeatureNotAvailable = "FEATURE_NOT_AVAILABLE"
)

// TenantState is the live tenant snapshot the evaluator reads. It is loaded
// once per request and treated as immutable afterwards.
type TenantState struct {
	ID        string
	Name      string
	Tier      Tier
	Active    bool
	ExpiresAt *time.Time
}

// Denial describes a refused entitlement with enough structure for a client
// to present an upgrade path. A nil *Denial means the check allowed.
type Denial struct {
	Code           string
	Message        string
	CurrentPlan    Tier
	RequiredModule Module
	AllowedModules []Module
	ResourceType   Resource
	CurrentCount   int
	MaxAllowed     int
	Feature        Feature
	ExpiresAt      *time.Time
	SuggestedPlans []Tier
}

// Details returns the flat payload fields for the HTTP denial body, keyed
// the way clients consume them.
func (d *Denial) Details() map[string]any {
	out := map[string]any{}
	switch d.Code {
	case CodePlanExpired:
		if d.ExpiresAt != nil {
			out["expiresAt"] = d.ExpiresAt.UTC().Format(time.RFC3339)
		}
	case CodePlanAccessDenied:
		out["currentPlan"] = d.CurrentPlan.String()
		out["requiredModule"] = string(d.RequiredModule)
		out["allowedModules"] = moduleNames(d.AllowedModules)
		out["suggestedPlans"] = tierNames(d.SuggestedPlans)
	case CodePlanLimitExceeded:
		out["currentPlan"] = d.CurrentPlan.String()
		out["resourceType"] = string(d.ResourceType)
		out["currentCount"] = d.CurrentCount
		out["maxAllowed"] = d.MaxAllowed
		out["suggestedPlans"] = tierNames(d.SuggestedPlans)
	case CodeFeatureNotAvailable:
		out["currentPlan"] = d.CurrentPlan.String()
		out["feature"] = string(d.Feature)
		out["suggestedPlans"] = tierNames(d.SuggestedPlans)
	}
	return out
}

// CheckModuleAccess allows when the tenant's tier includes the module.
func CheckModuleAccess(ts TenantState, m Module, now time.Time) *Denial {
	if d := checkLifecycle(ts, now); d != nil {
		return d
	}
	pol := PolicyFor(ts.Tier)
	if pol.HasModule(m) {
		return nil
	}
	return &Denial{
		Code:           CodePlanAccessDenied,
		Message:        fmt.Sprintf("module %q is not included in the %s plan", m, ts.Tier),
		CurrentPlan:    ts.Tier,
		RequiredModule: m,
		AllowedModules: pol.Modules,
		SuggestedPlans: tiersWithModule(m),
	}
}

// CheckResourceLimit allows when the ceiling is unlimited or the caller's
// current count is below it. The caller owns counting; the evaluator only
// compares. A ceiling of zero denies as an absent feature, not a reached
// quota.
func CheckResourceLimit(ts TenantState, r Resource, current int, now time.Time) *Denial {
	if d := checkLifecycle(ts, now); d != nil {
		return d
	}
	pol := PolicyFor(ts.Tier)
	ceiling, ok := pol.Limit(r)
	if !ok {
		return nil
	}
	if ceiling == 0 {
		return &Denial{
			Code:           CodeFeatureNotAvailable,
			Message:        fmt.Sprintf("%s are not available on the %s plan", r, ts.Tier),
			CurrentPlan:    ts.Tier,
			Feature:        Feature(r),
			SuggestedPlans: tiersWithCapacity(r),
		}
	}
	if allowsCount(ceiling, current) {
		return nil
	}
	return &Denial{
		Code:           CodePlanLimitExceeded,
		Message:        fmt.Sprintf("the %s plan allows at most %d %s", ts.Tier, ceiling, r),
		CurrentPlan:    ts.Tier,
		ResourceType:   r,
		CurrentCount:   current,
		MaxAllowed:     ceiling,
		SuggestedPlans: tiersAboveCeiling(r, ceiling),
	}
}

// CheckFeatureFlag allows when the tenant's tier enables the feature.
func CheckFeatureFlag(ts TenantState, f Feature, now time.Time) *Denial {
	if d := checkLifecycle(ts, now); d != nil {
		return d
	}
	pol := PolicyFor(ts.Tier)
	if pol.FeatureEnabled(f) {
		return nil
	}
	return &Denial{
		Code:           CodeFeatureNotAvailable,
		Message:        fmt.Sprintf("feature %q is not included in the %s plan", f, ts.Tier),
		CurrentPlan:    ts.Tier,
		Feature:        f,
		SuggestedPlans: tiersWithFeature(f),
	}
}

// checkLifecycle runs before every entitlement check. A deactivated or
// expired tenant is denied uniformly regardless of which check triggered.
func checkLifecycle(ts TenantState, now time.Time) *Denial {
	if !ts.Active {
		return &Denial{
			Code:        CodeTenantInactive,
			Message:     "tenant is deactivated",
			CurrentPlan: ts.Tier,
		}
	}
	if ts.ExpiresAt != nil && !ts.ExpiresAt.After(now) {
		exp := *ts.ExpiresAt
		return &Denial{
			Code:        CodePlanExpired,
			Message:     "subscription has expired",
			CurrentPlan: ts.Tier,
			ExpiresAt:   &exp,
		}
	}
	return nil
}

func tiersWithModule(m Module) []Tier {
	var out []Tier
	for _, t := range Tiers() {
		if PolicyFor(t).HasModule(m) {
			out = append(out, t)
		}
	}
	return out
}

func tiersWithFeature(f Feature) []Tier {
	var out []Tier
	for _, t := range Tiers() {
		if PolicyFor(t).FeatureEnabled(f) {
			out = append(out, t)
		}
	}
	return out
}

func tiersWithCapacity(r Resource) []Tier {
	var out []Tier
	for _, t := range Tiers() {
		if n, ok := PolicyFor(t).Limit(r); ok && (n == Unlimited || n > 0) {
			out = append(out, t)
		}
	}
	return out
}

func tiersAboveCeiling(r Resource, ceiling int) []Tier {
	var out []Tier
	for _, t := range Tiers() {
		n, ok := PolicyFor(t).Limit(r)
		if !ok {
			continue
		}
		if n == Unlimited || n > ceiling {
			out = append(out, t)
		}
	}
	return out
}

func tierNames(ts []Tier) []string {
	out := make([]string, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.String())
	}
	return out
}

func moduleNames(ms []Module) []string {
	out := make([]string, 0, len(ms))
	for _, m := range ms {
		out = append(out, string(m))
	}
	return out
}
