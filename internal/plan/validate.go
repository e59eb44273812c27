package plan

import "fmt"

// Validate checks that the policy table is monotonic in ascending tier
// order: every module, feature, and ceiling available at a tier is at least
// as available at the next tier. Suggestion logic depends on this holding.
func Validate() error {
	tiers := Tiers()
	for i := 1; i < len(tiers); i++ {
		lo, hi := PolicyFor(tiers[i-1]), PolicyFor(tiers[i])
		for _, m := range lo.Modules {
			if !hi.HasModule(m) {
				return fmt.Errorf("plan: module %q present in %s but missing in %s", m, tiers[i-1], tiers[i])
			}
		}
		for f, enabled := range lo.Features {
			if enabled && !hi.FeatureEnabled(f) {
				return fmt.Errorf("plan: feature %q enabled in %s but disabled in %s", f, tiers[i-1], tiers[i])
			}
		}
		for r, n := range lo.Limits {
			m, ok := hi.Limit(r)
			if !ok {
				return fmt.Errorf("plan: resource %q limited in %s but absent in %s", r, tiers[i-1], tiers[i])
			}
			if n == Unlimited && m != Unlimited {
				return fmt.Errorf("plan: resource %q unlimited in %s but capped in %s", r, tiers[i-1], tiers[i])
			}
			if n != Unlimited && m != Unlimited && m < n {
				return fmt.Errorf("plan: resource %q ceiling shrinks from %d (%s) to %d (%s)", r, n, tiers[i-1], m, tiers[i])
			}
		}
	}
	return nil
}
