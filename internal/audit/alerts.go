package audit

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
)

// AlertRule flags audit entries worth a closer look. Expressions see the
// entry as a string map named entry, e.g.
// `entry.verb == "tenant.disable" && entry.actor_role != "owner"`.
type AlertRule struct {
	Name string
	Expr string
}

type AlertSet struct {
	env   *cel.Env
	rules []AlertRule

	programs sync.Map // expr -> cel.Program
}

var newAlertCELEnv = func() (*cel.Env, error) {
	return cel.NewEnv(cel.Variable("entry", cel.MapType(cel.StringType, cel.StringType)))
}

func NewAlertSet(rules []AlertRule) (*AlertSet, error) {
	env, err := newAlertCELEnv()
	if err != nil {
		return nil, err
	}
	for _, r := range rules {
		if strings.TrimSpace(r.Name) == "" || strings.TrimSpace(r.Expr) == "" {
			return nil, errors.New("audit: alert rule needs name and expr")
		}
	}
	return &AlertSet{env: env, rules: rules}, nil
}

func (s *AlertSet) program(expr string) (cel.Program, error) {
	if cached, ok := s.programs.Load(expr); ok {
		return cached.(cel.Program), nil
	}
	ast, issues := s.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("audit: compile alert expr: %w", issues.Err())
	}
	prg, err := s.env.Program(ast)
	if err != nil {
		return nil, err
	}
	s.programs.Store(expr, prg)
	return prg, nil
}

// Evaluate returns the names of rules whose expression holds for the entry.
// A rule that fails to compile or evaluate simply does not match.
func (s *AlertSet) Evaluate(e Entry) []string {
	if s == nil || len(s.rules) == 0 {
		return nil
	}
	in := map[string]string{
		"actor_id":      e.ActorID,
		"tenant_id":     e.TenantID,
		"verb":          e.Verb,
		"resource_type": e.ResourceType,
		"resource_id":   e.ResourceID,
	}
	for k, v := range e.Detail {
		if sv, ok := v.(string); ok {
			in[k] = sv
		}
	}

	var matched []string
	for _, r := range s.rules {
		prg, err := s.program(r.Expr)
		if err != nil {
			continue
		}
		out, _, err := prg.Eval(map[string]any{"entry": in})
		if err != nil {
			continue
		}
		if b, ok := out.Value().(bool); ok && b {
			matched = append(matched, r.Name)
		}
	}
	return matched
}
