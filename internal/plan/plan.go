// Package plan holds the compiled-in subscription policy table and the
// entitlement evaluator. The table is read-only shared state; nothing in
// this package performs I/O.
package plan

import "strings"

type Tier int

const (
	TierStarter Tier = iota
	TierGrowth
	TierScale
)

func (t Tier) String() string {
	switch t {
	case TierStarter:
		return "starter"
	case TierGrowth:
		return "growth"
	case TierScale:
		return "scale"
	default:
		return "unknown"
	}
}

func ParseTier(raw string) (Tier, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "starter":
		return TierStarter, true
	case "growth":
		return TierGrowth, true
	case "scale":
		return TierScale, true
	default:
		return TierStarter, false
	}
}

// Tiers returns all tiers in ascending capability order.
func Tiers() []Tier {
	return []Tier{TierStarter, TierGrowth, TierScale}
}

type Module string

const (
	ModuleClients    Module = "clients"
	ModuleInvoices   Module = "invoices"
	ModuleProjects   Module = "projects"
	ModuleReports    Module = "reports"
	ModuleAutomation Module = "automation"
)

type Resource string

const (
	ResourceClients  Resource = "clients"
	ResourceProjects Resource = "projects"
	ResourceInvoices Resource = "invoices"
	ResourceMembers  Resource = "members"
)

type Feature string

const (
	FeatureRecurringInvoices Feature = "recurring_invoices"
	FeatureAPIAccess         Feature = "api_access"
	FeatureCustomBranding    Feature = "custom_branding"
	FeatureAuditAlerts       Feature = "audit_alerts"
)

// Unlimited marks a resource ceiling with no upper bound.
const Unlimited = -1

type Policy struct {
	Modules  []Module
	Limits   map[Resource]int
	Features map[Feature]bool
}

// policies is indexed by Tier. A ceiling of zero means the capability is
// absent from the plan, which denies differently from a reached ceiling.
var policies = [...]Policy{
	TierStarter: {
		Modules: []Module{ModuleClients, ModuleInvoices},
		Limits: map[Resource]int{
			ResourceClients:  50,
			ResourceProjects: 0,
			ResourceInvoices: 100,
			ResourceMembers:  3,
		},
		Features: map[Feature]bool{
			FeatureRecurringInvoices: false,
			FeatureAPIAccess:         false,
			FeatureCustomBranding:    false,
			FeatureAuditAlerts:       false,
		},
	},
	TierGrowth: {
		Modules: []Module{ModuleClients, ModuleInvoices, ModuleProjects, ModuleReports},
		Limits: map[Resource]int{
			ResourceClients:  500,
			ResourceProjects: 40,
			ResourceInvoices: 1000,
			ResourceMembers:  15,
		},
		Features: map[Feature]bool{
			FeatureRecurringInvoices: true,
			FeatureAPIAccess:         true,
			FeatureCustomBranding:    false,
			FeatureAuditAlerts:       false,
		},
	},
	TierScale: {
		Modules: []Module{ModuleClients, ModuleInvoices, ModuleProjects, ModuleReports, ModuleAutomation},
		Limits: map[Resource]int{
			ResourceClients:  Unlimited,
			ResourceProjects: Unlimited,
			ResourceInvoices: Unlimited,
			ResourceMembers:  Unlimited,
		},
		Features: map[Feature]bool{
			FeatureRecurringInvoices: true,
			FeatureAPIAccess:         true,
			FeatureCustomBranding:    true,
			FeatureAuditAlerts:       true,
		},
	},
}

func PolicyFor(t Tier) Policy {
	if t < TierStarter || int(t) >= len(policies) {
		return policies[TierStarter]
	}
	return policies[t]
}

func (p Policy) HasModule(m Module) bool {
	for _, have := range p.Modules {
		if have == m {
			return true
		}
	}
	return false
}

// Limit reports the ceiling for a resource kind. The second return is false
// when the resource kind is not part of the policy table at all.
func (p Policy) Limit(r Resource) (int, bool) {
	n, ok := p.Limits[r]
	return n, ok
}

func (p Policy) FeatureEnabled(f Feature) bool {
	return p.Features[f]
}

// allowsCount reports whether a ceiling admits one more item at the given
// current count.
func allowsCount(ceiling int, current int) bool {
	if ceiling == Unlimited {
		return true
	}
	return current < ceiling
}
