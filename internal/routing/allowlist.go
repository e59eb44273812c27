package routing

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// The two processes that consume the allowlist. Parsing tolerates other
// entrypoint names so config can stay ahead of a deploy, but each binary
// resolves exactly one of these.
const (
	EntrypointServer     = "server"
	EntrypointSuperadmin = "superadmin"
)

type Allowlist struct {
	Version     int                   `yaml:"version"`
	Entrypoints map[string]Entrypoint `yaml:"entrypoints"`
}

type Entrypoint struct {
	Routes []Route `yaml:"routes"`
}

type Route struct {
	Path       string   `yaml:"path"`
	Methods    []string `yaml:"methods"`
	RouteClass string   `yaml:"route_class"`
}

func ParseAllowlistYAML(b []byte) (Allowlist, error) {
	var a Allowlist
	if err := yaml.Unmarshal(b, &a); err != nil {
		return Allowlist{}, err
	}
	if a.Version != 1 {
		return Allowlist{}, fmt.Errorf("allowlist: unsupported version %d", a.Version)
	}
	if len(a.Entrypoints) == 0 {
		return Allowlist{}, fmt.Errorf("allowlist: missing entrypoints")
	}
	for name, ep := range a.Entrypoints {
		for _, route := range ep.Routes {
			if !strings.HasPrefix(route.Path, "/") {
				return Allowlist{}, fmt.Errorf("allowlist: entrypoint %s route %q: path must start with /", name, route.Path)
			}
			if len(route.Methods) == 0 {
				return Allowlist{}, fmt.Errorf("allowlist: entrypoint %s route %s: no methods", name, route.Path)
			}
		}
	}
	return a, nil
}

func LoadAllowlist(path string) (Allowlist, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Allowlist{}, err
	}
	return ParseAllowlistYAML(b)
}
