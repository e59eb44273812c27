package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nmcalba/clientdesk/internal/audit"
	"github.com/nmcalba/clientdesk/internal/plan"
	"github.com/nmcalba/clientdesk/pkg/authz"
)

const testAllowlistYAML = `
version: 1
entrypoints:
  server:
    routes:
      - path: /healthz
        methods: [GET]
        route_class: ops
      - path: /api/v1/clients
        methods: [GET, POST]
        route_class: public_api
      - path: /api/v1/clients/{client_id}
        methods: [GET, DELETE]
        route_class: public_api
      - path: /api/v1/projects
        methods: [GET, POST]
        route_class: public_api
      - path: /api/v1/invoices
        methods: [GET, POST]
        route_class: public_api
      - path: /api/v1/plan
        methods: [GET]
        route_class: public_api
      - path: /api/v1/audit
        methods: [GET]
        route_class: public_api
`

const testAccessModel = `
[request_definition]
r = sub, dom, obj, act

[policy_definition]
p = sub, dom, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && (r.dom == p.dom || p.dom == "*") && r.obj == p.obj && r.act == p.act
`

const testAccessPolicy = `
p, role:member, *, crm.clients, read
p, role:member, *, crm.projects, read
p, role:member, *, crm.invoices, read
p, role:member, *, crm.plan, read
p, role:admin, *, crm.clients, write
p, role:admin, *, crm.projects, write
p, role:admin, *, crm.invoices, write
p, role:admin, *, crm.audit, read
p, role:owner, *, crm.tenant-settings, admin
g, role:owner, role:admin
g, role:admin, role:member
`

type testEnv struct {
	handler    http.Handler
	tenants    *memoryTenantStore
	principals *memoryPrincipalStore
	clients    *memoryClientStore
	projects   *memoryProjectStore
	invoices   *memoryInvoiceStore
	auditLog   *memoryAuditLogStore
	sink       *audit.MemorySink
	recorder   *audit.Recorder
}

// memoryAuditLogStore backs the audit read API in tests.
type memoryAuditLogStore struct {
	byTenant map[string][]AuditRow
}

func (s *memoryAuditLogStore) ListRecent(_ context.Context, tenantID string, limit int) ([]AuditRow, error) {
	rows := s.byTenant[tenantID]
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	out := make([]AuditRow, len(rows))
	copy(out, rows)
	return out, nil
}

func writeTestAuthorizer(t *testing.T) *authz.Authorizer {
	t.Helper()
	dir := t.TempDir()
	modelPath := filepath.Join(dir, "model.conf")
	policyPath := filepath.Join(dir, "policy.csv")
	if err := os.WriteFile(modelPath, []byte(testAccessModel), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(policyPath, []byte(testAccessPolicy), 0o644); err != nil {
		t.Fatal(err)
	}
	a, err := authz.NewAuthorizer(modelPath, policyPath, authz.ModeEnforce)
	if err != nil {
		t.Fatalf("NewAuthorizer: %v", err)
	}
	return a
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	allowlistPath := filepath.Join(t.TempDir(), "allowlist.yaml")
	if err := os.WriteFile(allowlistPath, []byte(testAllowlistYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ALLOWLIST_PATH", allowlistPath)

	env := &testEnv{
		tenants:    newMemoryTenantStore(),
		principals: newMemoryPrincipalStore(),
		clients:    newMemoryClientStore(),
		projects:   newMemoryProjectStore(),
		invoices:   newMemoryInvoiceStore(),
		auditLog:   &memoryAuditLogStore{byTenant: map[string][]AuditRow{}},
		sink:       audit.NewMemorySink(),
	}

	log := zerolog.Nop()
	env.recorder = audit.NewRecorder(env.sink, log, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = env.recorder.Close(ctx)
	})

	h, err := NewHandlerWithOptions(HandlerOptions{
		Identity:   newTestResolver(env.principals),
		Principals: env.principals,
		Tenants:    env.tenants,
		Clients:    env.clients,
		Projects:   env.projects,
		Invoices:   env.invoices,
		AuditLog:   env.auditLog,
		Recorder:   env.recorder,
		Authorizer: writeTestAuthorizer(t),
		Logger:     &log,
	})
	if err != nil {
		t.Fatalf("NewHandlerWithOptions: %v", err)
	}
	env.handler = h
	return env
}

func (e *testEnv) seedTenant(ts plan.TenantState) { e.tenants.Put(ts) }

func (e *testEnv) seedPrincipal(t *testing.T, tenantID, id, role string) string {
	t.Helper()
	e.principals.Put(Principal{ID: id, TenantID: tenantID, Role: role, Email: id + "@test", Status: "active"})
	return testToken(t, tenantID, id, time.Minute)
}

func newRequest(t *testing.T, method, path, body string) *http.Request {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	return req
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode body %q: %v", rr.Body.String(), err)
	}
	return m
}

func TestHealthzNeedsNoToken(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(newRequest(t, "GET", "/healthz", ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
}

func TestMissingTokenIsUnauthorized(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(newRequest(t, "GET", "/api/v1/clients", ""))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rr.Code)
	}
	if body := decodeBody(t, rr); body["code"] != "INVALID_TOKEN" {
		t.Fatalf("code = %v", body["code"])
	}
}

func TestExpiredTokenCode(t *testing.T) {
	env := newTestEnv(t)
	env.seedTenant(plan.TenantState{ID: "t-1", Tier: plan.TierStarter, Active: true})
	env.principals.Put(Principal{ID: "u-1", TenantID: "t-1", Role: "admin", Status: "active"})

	req := newRequest(t, "GET", "/api/v1/clients", "")
	req.Header.Set("Authorization", "Bearer "+testToken(t, "t-1", "u-1", -time.Minute))
	rr := env.do(req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rr.Code)
	}
	if body := decodeBody(t, rr); body["code"] != "TOKEN_EXPIRED" {
		t.Fatalf("code = %v", body["code"])
	}
}

func TestInactiveAccountCode(t *testing.T) {
	env := newTestEnv(t)
	env.seedTenant(plan.TenantState{ID: "t-1", Tier: plan.TierStarter, Active: true})
	env.principals.Put(Principal{ID: "u-1", TenantID: "t-1", Role: "admin", Status: "suspended"})

	req := newRequest(t, "GET", "/api/v1/clients", "")
	req.Header.Set("Authorization", "Bearer "+testToken(t, "t-1", "u-1", time.Minute))
	rr := env.do(req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rr.Code)
	}
	if body := decodeBody(t, rr); body["code"] != "ACCOUNT_INACTIVE" {
		t.Fatalf("code = %v", body["code"])
	}
}

func TestUnknownTenantIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	token := env.seedPrincipal(t, "t-ghost", "u-1", "admin")

	req := newRequest(t, "GET", "/api/v1/clients", "")
	req.Header.Set("Authorization", "Bearer "+token)
	rr := env.do(req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rr.Code)
	}
	if body := decodeBody(t, rr); body["code"] != "TENANT_NOT_FOUND" {
		t.Fatalf("code = %v", body["code"])
	}
}

func TestInactiveTenantIsForbidden(t *testing.T) {
	env := newTestEnv(t)
	env.seedTenant(plan.TenantState{ID: "t-1", Tier: plan.TierScale, Active: false})
	token := env.seedPrincipal(t, "t-1", "u-1", "admin")

	req := newRequest(t, "GET", "/api/v1/clients", "")
	req.Header.Set("Authorization", "Bearer "+token)
	rr := env.do(req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("status = %d", rr.Code)
	}
	if body := decodeBody(t, rr); body["code"] != plan.CodeTenantInactive {
		t.Fatalf("code = %v", body["code"])
	}
}

func TestExpiredPlanBlocksEveryModule(t *testing.T) {
	env := newTestEnv(t)
	past := time.Now().Add(-time.Second)
	env.seedTenant(plan.TenantState{ID: "t-1", Tier: plan.TierScale, Active: true, ExpiresAt: &past})
	token := env.seedPrincipal(t, "t-1", "u-1", "owner")

	for _, path := range []string{"/api/v1/clients", "/api/v1/projects", "/api/v1/invoices"} {
		req := newRequest(t, "GET", path, "")
		req.Header.Set("Authorization", "Bearer "+token)
		rr := env.do(req)
		if rr.Code != http.StatusForbidden {
			t.Fatalf("%s: status = %d", path, rr.Code)
		}
		body := decodeBody(t, rr)
		if body["code"] != plan.CodePlanExpired {
			t.Fatalf("%s: code = %v", path, body["code"])
		}
		if _, ok := body["expiresAt"]; !ok {
			t.Fatalf("%s: missing expiresAt detail", path)
		}
	}
}

func TestUnknownRouteIs404(t *testing.T) {
	env := newTestEnv(t)
	env.seedTenant(plan.TenantState{ID: "t-1", Tier: plan.TierStarter, Active: true})
	token := env.seedPrincipal(t, "t-1", "u-1", "admin")

	req := newRequest(t, "GET", "/api/v1/nonsense", "")
	req.Header.Set("Authorization", "Bearer "+token)
	if rr := env.do(req); rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)
	env.seedTenant(plan.TenantState{ID: "t-1", Tier: plan.TierStarter, Active: true})
	token := env.seedPrincipal(t, "t-1", "u-1", "admin")

	req := newRequest(t, "PUT", "/api/v1/clients", `{}`)
	req.Header.Set("Authorization", "Bearer "+token)
	if rr := env.do(req); rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", rr.Code)
	}
}
