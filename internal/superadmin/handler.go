package superadmin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nmcalba/clientdesk/internal/plan"
	"github.com/nmcalba/clientdesk/internal/routing"
	"github.com/nmcalba/clientdesk/pkg/authz"
)

func NewHandler() (http.Handler, error) {
	return NewHandlerWithOptions(HandlerOptions{})
}

type HandlerOptions struct {
	Pool      pgBeginner
	Operators operatorStore
	Sessions  sessionStore
}

type pgBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func NewHandlerWithOptions(opts HandlerOptions) (http.Handler, error) {
	allowlistPath := os.Getenv("ALLOWLIST_PATH")
	if allowlistPath == "" {
		p, err := defaultAllowlistPath()
		if err != nil {
			return nil, err
		}
		allowlistPath = p
	}
	a, err := routing.LoadAllowlist(allowlistPath)
	if err != nil {
		return nil, err
	}
	classifier, err := routing.NewClassifier(a, routing.EntrypointSuperadmin)
	if err != nil {
		return nil, err
	}
	router := routing.NewRouter(classifier)

	pool := opts.Pool
	if pool == nil {
		dsn, err := dbDSNFromEnv()
		if err != nil {
			return nil, err
		}
		p, err := pgxpool.New(context.Background(), dsn)
		if err != nil {
			return nil, err
		}
		pool = p
	}

	authorizer, err := loadAuthorizer()
	if err != nil {
		return nil, err
	}

	var db queryExecer
	if q, ok := pool.(queryExecer); ok {
		db = q
	}
	operators := opts.Operators
	if operators == nil {
		operators = newOperatorStoreFromDB(db)
	}
	sessions := opts.Sessions
	if sessions == nil {
		sessions = newSessionStoreFromDB(db)
	}

	guarded := withBasicAuth(withOperatorSession(sessions, operators, withAuthz(classifier, authorizer, router)))

	router.Handle(routing.RouteClassUI, http.MethodGet, "/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/superadmin/tenants", http.StatusFound)
	}))

	router.Handle(routing.RouteClassUI, http.MethodGet, "/superadmin/login", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeLoginPage(w, http.StatusOK, "")
	}))
	router.Handle(routing.RouteClassUI, http.MethodPost, "/superadmin/login", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			writeLoginPage(w, http.StatusBadRequest, "bad request")
			return
		}
		email := strings.TrimSpace(r.FormValue("email"))
		pass := r.FormValue("password")
		if email == "" || pass == "" {
			writeLoginPage(w, http.StatusUnprocessableEntity, "email/password required")
			return
		}

		op, err := operators.Authenticate(r.Context(), email, pass)
		if err != nil {
			if errors.Is(err, errInvalidCredentials) {
				writeLoginPage(w, http.StatusUnprocessableEntity, "invalid credentials")
				return
			}
			routing.WriteError(w, r, routing.RouteClassUI, http.StatusInternalServerError, "auth_error", "auth error")
			return
		}

		expiresAt := time.Now().Add(opsSidTTLFromEnv())
		sid, err := sessions.Create(r.Context(), op.ID, expiresAt, r.RemoteAddr, r.UserAgent())
		if err != nil {
			routing.WriteError(w, r, routing.RouteClassUI, http.StatusInternalServerError, "session_error", "session error")
			return
		}
		setOpsSidCookie(w, sid)
		http.Redirect(w, r, "/superadmin/tenants", http.StatusFound)
	}))
	router.Handle(routing.RouteClassUI, http.MethodPost, "/superadmin/logout", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if sid, ok := readOpsSid(r); ok {
			_ = sessions.Revoke(r.Context(), sid)
		}
		clearOpsSidCookie(w)
		http.Redirect(w, r, "/superadmin/login", http.StatusFound)
	}))

	for _, path := range []string{"/health", "/healthz"} {
		router.Handle(routing.RouteClassOps, http.MethodGet, path, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok\n"))
		}))
	}

	router.Handle(routing.RouteClassUI, http.MethodGet, "/superadmin/tenants", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleTenantsIndex(w, r, pool)
	}))
	router.Handle(routing.RouteClassUI, http.MethodPost, "/superadmin/tenants", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleTenantsCreate(w, r, pool)
	}))
	router.Handle(routing.RouteClassUI, http.MethodPost, "/superadmin/tenants/{tenant_id}/enable", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleTenantToggle(w, r, pool, true)
	}))
	router.Handle(routing.RouteClassUI, http.MethodPost, "/superadmin/tenants/{tenant_id}/disable", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleTenantToggle(w, r, pool, false)
	}))
	router.Handle(routing.RouteClassUI, http.MethodPost, "/superadmin/tenants/{tenant_id}/plan", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleTenantSetPlan(w, r, pool)
	}))

	mux := http.NewServeMux()
	mux.Handle("/", guarded)
	return mux, nil
}

func MustNewHandler() http.Handler {
	h, err := NewHandler()
	if err != nil {
		panic(errors.New("superadmin: failed to build handler: " + err.Error()))
	}
	return h
}

func defaultAllowlistPath() (string, error) {
	path := "config/allowlist.yaml"
	for range 8 {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		path = filepath.Join("..", path)
	}
	return "", errors.New("superadmin: allowlist not found")
}

func loadAuthorizer() (*authz.Authorizer, error) {
	modelPath := os.Getenv("AUTHZ_MODEL_PATH")
	if modelPath == "" {
		p, err := findConfigFile("config/access/model.conf")
		if err != nil {
			return nil, err
		}
		modelPath = p
	}
	policyPath := os.Getenv("AUTHZ_POLICY_PATH")
	if policyPath == "" {
		p, err := findConfigFile("config/access/policy.csv")
		if err != nil {
			return nil, err
		}
		policyPath = p
	}
	mode, err := authz.ModeFromEnv()
	if err != nil {
		return nil, err
	}
	return authz.NewAuthorizer(modelPath, policyPath, mode)
}

func findConfigFile(rel string) (string, error) {
	path := rel
	for range 8 {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		path = filepath.Join("..", path)
	}
	return "", errors.New("superadmin: config file not found: " + rel)
}

type authorizer interface {
	Authorize(subject string, domain string, object string, action string) (allowed bool, enforced bool, err error)
}

func withAuthz(classifier *routing.Classifier, a authorizer, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		rc := routing.RouteClassUI
		if classifier != nil {
			rc = classifier.Classify(path)
		}

		switch path {
		case "/health", "/healthz":
			next.ServeHTTP(w, r)
			return
		default:
		}

		object, action, shouldCheck := authzRequirementForRoute(r.Method, path)
		if !shouldCheck {
			next.ServeHTTP(w, r)
			return
		}

		allowed, enforced, err := a.Authorize(authz.SubjectFromRole(authz.RoleOperator), authz.DomainGlobal, object, action)
		if err != nil {
			routing.WriteError(w, r, rc, http.StatusInternalServerError, "authz_error", "authz error")
			return
		}
		if enforced && !allowed {
			routing.WriteError(w, r, rc, http.StatusForbidden, "forbidden", "forbidden")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func authzRequirementForRoute(method string, path string) (object string, action string, ok bool) {
	switch path {
	case "/superadmin/login":
		if method == http.MethodGet {
			return authz.ObjectOpsSession, authz.ActionRead, true
		}
		if method == http.MethodPost {
			return authz.ObjectOpsSession, authz.ActionAdmin, true
		}
		return "", "", false
	case "/superadmin/logout":
		if method == http.MethodPost {
			return authz.ObjectOpsSession, authz.ActionAdmin, true
		}
		return "", "", false
	case "/superadmin/tenants":
		if method == http.MethodGet {
			return authz.ObjectOpsTenants, authz.ActionRead, true
		}
		if method == http.MethodPost {
			return authz.ObjectOpsTenants, authz.ActionAdmin, true
		}
		return "", "", false
	default:
		if strings.HasPrefix(path, "/superadmin/tenants/") && method == http.MethodPost {
			return authz.ObjectOpsTenants, authz.ActionAdmin, true
		}
		return "", "", false
	}
}

func writeHTML(w http.ResponseWriter, title string, body string) {
	writeHTMLWithStatus(w, http.StatusOK, title, body)
}

func writeHTMLWithStatus(w http.ResponseWriter, statusCode int, title string, body string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(statusCode)
	_, _ = fmt.Fprintf(w, "<!doctype html><html><head><title>%s</title></head><body>%s</body></html>", html.EscapeString(title), body)
}

func writeLoginPage(w http.ResponseWriter, statusCode int, errMsg string) {
	body := `<h1>ClientDesk Ops Login</h1>` +
		`<form method="POST" action="/superadmin/login">` +
		`<label>Email <input name="email" type="email" autocomplete="username" /></label><br/>` +
		`<label>Password <input name="password" type="password" autocomplete="current-password" /></label><br/>` +
		`<button type="submit">Login</button>` +
		`</form>`
	if errMsg != "" {
		body = `<p style="color:#b00020">` + html.EscapeString(errMsg) + `</p>` + body
	}
	writeHTMLWithStatus(w, statusCode, "Ops Login", body)
}

func requestID(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("X-Request-Id")); v != "" {
		return v
	}
	return fmt.Sprintf("ops-%d", time.Now().UnixNano())
}

func superadminWritesEnabled() bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv("SUPERADMIN_WRITE_MODE")))
	if v == "" {
		return true
	}
	return v == "enabled"
}

type tenantRow struct {
	ID        string
	Name      string
	Tier      string
	IsActive  bool
	ExpiresAt *time.Time
}

func handleTenantsIndex(w http.ResponseWriter, r *http.Request, pool pgBeginner) {
	rows, err := pool.Query(r.Context(), `
SELECT id::text, name, plan_tier, is_active, expires_at
FROM iam.tenants
ORDER BY created_at ASC, id ASC
`)
	if err != nil {
		routing.WriteError(w, r, routing.RouteClassUI, http.StatusInternalServerError, "db_error", "db error")
		return
	}
	defer rows.Close()

	tenants := make([]tenantRow, 0, 8)
	for rows.Next() {
		var tr tenantRow
		if err := rows.Scan(&tr.ID, &tr.Name, &tr.Tier, &tr.IsActive, &tr.ExpiresAt); err != nil {
			routing.WriteError(w, r, routing.RouteClassUI, http.StatusInternalServerError, "db_error", "db error")
			return
		}
		tenants = append(tenants, tr)
	}
	if err := rows.Err(); err != nil {
		routing.WriteError(w, r, routing.RouteClassUI, http.StatusInternalServerError, "db_error", "db error")
		return
	}

	var b strings.Builder
	b.WriteString("<h1>ClientDesk Ops / Tenants</h1>")
	b.WriteString("<h2>Create tenant</h2>")
	b.WriteString(`<form method="POST" action="/superadmin/tenants">`)
	b.WriteString(`<div><label>Name <input name="name" /></label></div>`)
	b.WriteString(`<div><label>Plan ` + tierSelect("") + `</label></div>`)
	b.WriteString(`<div><button type="submit">Create</button></div>`)
	b.WriteString(`</form>`)

	b.WriteString("<h2>Existing tenants</h2>")
	if len(tenants) == 0 {
		b.WriteString("<p>(none)</p>")
		writeHTML(w, "Tenants", b.String())
		return
	}

	b.WriteString(`<table border="1" cellpadding="6" cellspacing="0">`)
	b.WriteString("<thead><tr><th>ID</th><th>Name</th><th>Plan</th><th>Active</th><th>Expires</th><th>Actions</th></tr></thead><tbody>")
	for _, t := range tenants {
		b.WriteString("<tr>")
		b.WriteString("<td><code>" + html.EscapeString(t.ID) + "</code></td>")
		b.WriteString("<td>" + html.EscapeString(t.Name) + "</td>")
		b.WriteString("<td>" + html.EscapeString(t.Tier) + "</td>")
		if t.IsActive {
			b.WriteString("<td>yes</td>")
		} else {
			b.WriteString("<td>no</td>")
		}
		if t.ExpiresAt != nil {
			b.WriteString("<td>" + html.EscapeString(t.ExpiresAt.UTC().Format("2006-01-02")) + "</td>")
		} else {
			b.WriteString("<td>&mdash;</td>")
		}
		b.WriteString("<td>")
		if t.IsActive {
			b.WriteString(fmt.Sprintf(`<form method="POST" action="/superadmin/tenants/%s/disable"><button type="submit">Disable</button></form>`, html.EscapeString(t.ID)))
		} else {
			b.WriteString(fmt.Sprintf(`<form method="POST" action="/superadmin/tenants/%s/enable"><button type="submit">Enable</button></form>`, html.EscapeString(t.ID)))
		}
		b.WriteString(fmt.Sprintf(`<form method="POST" action="/superadmin/tenants/%s/plan">`, html.EscapeString(t.ID)))
		b.WriteString(tierSelect(t.Tier))
		b.WriteString(` <input name="expires_at" placeholder="2027-01-31 (optional)" size="18" />`)
		b.WriteString(` <button type="submit">Set Plan</button></form>`)
		b.WriteString("</td>")
		b.WriteString("</tr>")
	}
	b.WriteString("</tbody></table>")

	writeHTML(w, "Tenants", b.String())
}

func tierSelect(selected string) string {
	var b strings.Builder
	b.WriteString(`<select name="plan_tier">`)
	for _, tier := range plan.Tiers() {
		name := tier.String()
		if name == selected {
			b.WriteString(`<option value="` + name + `" selected>` + name + `</option>`)
		} else {
			b.WriteString(`<option value="` + name + `">` + name + `</option>`)
		}
	}
	b.WriteString(`</select>`)
	return b.String()
}

func handleTenantsCreate(w http.ResponseWriter, r *http.Request, pool pgBeginner) {
	if !superadminWritesEnabled() {
		routing.WriteError(w, r, routing.RouteClassUI, http.StatusForbidden, "write_disabled", "write disabled")
		return
	}
	op, ok := operatorFromContext(r.Context())
	if !ok || op.ID == "" {
		routing.WriteError(w, r, routing.RouteClassUI, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return
	}
	if err := r.ParseForm(); err != nil {
		routing.WriteError(w, r, routing.RouteClassUI, http.StatusBadRequest, "bad_request", "bad request")
		return
	}
	name := strings.TrimSpace(r.FormValue("name"))
	tier, tierOK := plan.ParseTier(r.FormValue("plan_tier"))
	if name == "" || !tierOK {
		routing.WriteError(w, r, routing.RouteClassUI, http.StatusBadRequest, "invalid_input", "invalid input")
		return
	}

	ctx := r.Context()
	tx, err := pool.Begin(ctx)
	if err != nil {
		routing.WriteError(w, r, routing.RouteClassUI, http.StatusInternalServerError, "db_error", "db error")
		return
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	var tenantID string
	if err := tx.QueryRow(ctx, `
INSERT INTO iam.tenants(name, plan_tier, is_active)
VALUES ($1, $2, true)
RETURNING id::text
`, name, tier.String()).Scan(&tenantID); err != nil {
		routing.WriteError(w, r, routing.RouteClassUI, http.StatusInternalServerError, "db_error", "db error")
		return
	}

	payload, _ := json.Marshal(map[string]any{"name": name, "plan_tier": tier.String()})
	if err := insertAudit(ctx, tx, op.ID, "tenant.create", tenantID, payload, requestID(r)); err != nil {
		routing.WriteError(w, r, routing.RouteClassUI, http.StatusInternalServerError, "audit_error", "audit error")
		return
	}

	if err := tx.Commit(ctx); err != nil {
		routing.WriteError(w, r, routing.RouteClassUI, http.StatusInternalServerError, "db_error", "db error")
		return
	}
	http.Redirect(w, r, "/superadmin/tenants", http.StatusFound)
}

func handleTenantToggle(w http.ResponseWriter, r *http.Request, pool pgBeginner, enable bool) {
	if !superadminWritesEnabled() {
		routing.WriteError(w, r, routing.RouteClassUI, http.StatusForbidden, "write_disabled", "write disabled")
		return
	}
	op, ok := operatorFromContext(r.Context())
	if !ok || op.ID == "" {
		routing.WriteError(w, r, routing.RouteClassUI, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return
	}
	tenantID, ok := tenantIDFromPath(r.URL.Path)
	if !ok {
		routing.WriteError(w, r, routing.RouteClassUI, http.StatusBadRequest, "bad_request", "bad request")
		return
	}

	ctx := r.Context()
	tx, err := pool.Begin(ctx)
	if err != nil {
		routing.WriteError(w, r, routing.RouteClassUI, http.StatusInternalServerError, "db_error", "db error")
		return
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `
UPDATE iam.tenants
SET is_active = $2, updated_at = now()
WHERE id = $1::uuid
`, tenantID, enable); err != nil {
		routing.WriteError(w, r, routing.RouteClassUI, http.StatusInternalServerError, "db_error", "db error")
		return
	}

	action := "tenant.disable"
	if enable {
		action = "tenant.enable"
	}
	payload, _ := json.Marshal(map[string]any{"enable": enable})
	if err := insertAudit(ctx, tx, op.ID, action, tenantID, payload, requestID(r)); err != nil {
		routing.WriteError(w, r, routing.RouteClassUI, http.StatusInternalServerError, "audit_error", "audit error")
		return
	}

	if err := tx.Commit(ctx); err != nil {
		routing.WriteError(w, r, routing.RouteClassUI, http.StatusInternalServerError, "db_error", "db error")
		return
	}
	http.Redirect(w, r, "/superadmin/tenants", http.StatusFound)
}

// handleTenantSetPlan changes a tenant's tier and optional expiry date. The
// new entitlements take effect on the tenant's next request; no restart or
// re-login is involved.
func handleTenantSetPlan(w http.ResponseWriter, r *http.Request, pool pgBeginner) {
	if !superadminWritesEnabled() {
		routing.WriteError(w, r, routing.RouteClassUI, http.StatusForbidden, "write_disabled", "write disabled")
		return
	}
	op, ok := operatorFromContext(r.Context())
	if !ok || op.ID == "" {
		routing.WriteError(w, r, routing.RouteClassUI, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return
	}
	tenantID, ok := tenantIDFromPath(r.URL.Path)
	if !ok {
		routing.WriteError(w, r, routing.RouteClassUI, http.StatusBadRequest, "bad_request", "bad request")
		return
	}
	if err := r.ParseForm(); err != nil {
		routing.WriteError(w, r, routing.RouteClassUI, http.StatusBadRequest, "bad_request", "bad request")
		return
	}
	tier, tierOK := plan.ParseTier(r.FormValue("plan_tier"))
	if !tierOK {
		routing.WriteError(w, r, routing.RouteClassUI, http.StatusBadRequest, "invalid_plan", "invalid plan")
		return
	}
	var expiresAt *time.Time
	if raw := strings.TrimSpace(r.FormValue("expires_at")); raw != "" {
		t, err := time.Parse("2006-01-02", raw)
		if err != nil {
			routing.WriteError(w, r, routing.RouteClassUI, http.StatusBadRequest, "invalid_expiry", "invalid expiry")
			return
		}
		expiresAt = &t
	}

	ctx := r.Context()
	tx, err := pool.Begin(ctx)
	if err != nil {
		routing.WriteError(w, r, routing.RouteClassUI, http.StatusInternalServerError, "db_error", "db error")
		return
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `
UPDATE iam.tenants
SET plan_tier = $2, expires_at = $3, updated_at = now()
WHERE id = $1::uuid
`, tenantID, tier.String(), expiresAt); err != nil {
		routing.WriteError(w, r, routing.RouteClassUI, http.StatusInternalServerError, "db_error", "db error")
		return
	}

	detail := map[string]any{"plan_tier": tier.String()}
	if expiresAt != nil {
		detail["expires_at"] = expiresAt.UTC().Format("2006-01-02")
	}
	payload, _ := json.Marshal(detail)
	if err := insertAudit(ctx, tx, op.ID, "tenant.set_plan", tenantID, payload, requestID(r)); err != nil {
		routing.WriteError(w, r, routing.RouteClassUI, http.StatusInternalServerError, "audit_error", "audit error")
		return
	}

	if err := tx.Commit(ctx); err != nil {
		routing.WriteError(w, r, routing.RouteClassUI, http.StatusInternalServerError, "db_error", "db error")
		return
	}
	http.Redirect(w, r, "/superadmin/tenants", http.StatusFound)
}

func tenantIDFromPath(path string) (string, bool) {
	// /superadmin/tenants/{tenant_id}/...
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 4 {
		return "", false
	}
	if parts[0] != "superadmin" || parts[1] != "tenants" {
		return "", false
	}
	return parts[2], true
}

func insertAudit(ctx context.Context, tx pgx.Tx, actor string, action string, tenantID string, payload []byte, reqID string) error {
	if actor == "" {
		return errors.New("superadmin: missing actor")
	}
	if payload == nil {
		payload = []byte(`{}`)
	}
	_, err := tx.Exec(ctx, `
INSERT INTO ops.audit_logs(actor_id, action, target_tenant_id, payload, request_id)
VALUES ($1::uuid, $2, $3::uuid, $4::jsonb, $5)
`, actor, action, tenantID, payload, reqID)
	return err
}
