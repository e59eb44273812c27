package superadmin

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const testConsoleAllowlist = `
version: 1
entrypoints:
  superadmin:
    routes:
      - path: /
        methods: [GET]
        route_class: ui
      - path: /health
        methods: [GET]
        route_class: ops
      - path: /healthz
        methods: [GET]
        route_class: ops
      - path: /superadmin/login
        methods: [GET, POST]
        route_class: ui
      - path: /superadmin/logout
        methods: [POST]
        route_class: ui
      - path: /superadmin/tenants
        methods: [GET, POST]
        route_class: ui
      - path: /superadmin/tenants/{tenant_id}/enable
        methods: [POST]
        route_class: ui
      - path: /superadmin/tenants/{tenant_id}/disable
        methods: [POST]
        route_class: ui
      - path: /superadmin/tenants/{tenant_id}/plan
        methods: [POST]
        route_class: ui
`

const testConsoleModel = `
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

const testConsolePolicy = `
p, role:operator, global, ops.session, read
p, role:operator, global, ops.session, admin
p, role:operator, global, ops.tenants, read
p, role:operator, global, ops.tenants, admin
`

func setConsoleEnv(t *testing.T) {
	t.Helper()
	dir := t.TempDir()

	allowlistPath := filepath.Join(dir, "allowlist.yaml")
	modelPath := filepath.Join(dir, "model.conf")
	policyPath := filepath.Join(dir, "policy.csv")
	for path, content := range map[string]string{
		allowlistPath: testConsoleAllowlist,
		modelPath:     testConsoleModel,
		policyPath:    testConsolePolicy,
	} {
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	t.Setenv("ALLOWLIST_PATH", allowlistPath)
	t.Setenv("AUTHZ_MODEL_PATH", modelPath)
	t.Setenv("AUTHZ_POLICY_PATH", policyPath)
	t.Setenv("AUTHZ_MODE", "enforce")
	t.Setenv("SUPERADMIN_BASIC_AUTH_USER", "")
	t.Setenv("SUPERADMIN_BASIC_AUTH_PASS", "")
	t.Setenv("SUPERADMIN_WRITE_MODE", "")
}

type stubPool struct {
	beginFn func(ctx context.Context) (pgx.Tx, error)
	queryFn func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (p stubPool) Begin(ctx context.Context) (pgx.Tx, error) { return p.beginFn(ctx) }
func (p stubPool) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return p.queryFn(ctx, sql, args...)
}

type consoleTx struct {
	execSQLs  []string
	execArgs  [][]any
	rowVals   []any
	commitN   int
	commitErr error
}

func (t *consoleTx) Begin(context.Context) (pgx.Tx, error) { return t, nil }
func (t *consoleTx) Commit(context.Context) error {
	t.commitN++
	return t.commitErr
}
func (t *consoleTx) Rollback(context.Context) error { return nil }
func (t *consoleTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (t *consoleTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (t *consoleTx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (t *consoleTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (t *consoleTx) Conn() *pgx.Conn { return nil }

func (t *consoleTx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	t.execSQLs = append(t.execSQLs, sql)
	t.execArgs = append(t.execArgs, args)
	return pgconn.CommandTag{}, nil
}

func (t *consoleTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return &consoleRows{}, nil
}

func (t *consoleTx) QueryRow(context.Context, string, ...any) pgx.Row {
	return consoleRow{vals: t.rowVals}
}

type consoleRow struct {
	vals []any
	err  error
}

func (r consoleRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i := range dest {
		switch d := dest[i].(type) {
		case *string:
			*d = r.vals[i].(string)
		case *bool:
			*d = r.vals[i].(bool)
		case *time.Time:
			*d = r.vals[i].(time.Time)
		default:
			return errors.New("unsupported dest")
		}
	}
	return nil
}

type consoleRows struct {
	vals [][]any
	idx  int
	err  error
}

func (r *consoleRows) Close()                                       {}
func (r *consoleRows) Err() error                                   { return r.err }
func (r *consoleRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *consoleRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *consoleRows) Next() bool {
	if r.idx >= len(r.vals) {
		return false
	}
	r.idx++
	return true
}
func (r *consoleRows) Scan(dest ...any) error {
	row := r.vals[r.idx-1]
	for i := range dest {
		switch d := dest[i].(type) {
		case *string:
			*d = row[i].(string)
		case *bool:
			*d = row[i].(bool)
		case **time.Time:
			if row[i] == nil {
				*d = nil
			} else {
				*d = row[i].(*time.Time)
			}
		default:
			return errors.New("unsupported dest")
		}
	}
	return nil
}
func (r *consoleRows) Values() ([]any, error) { return nil, nil }
func (r *consoleRows) RawValues() [][]byte    { return nil }
func (r *consoleRows) Conn() *pgx.Conn        { return nil }

type consoleHarness struct {
	h         http.Handler
	operators *memoryOperatorStore
	sessions  *memorySessionStore
	operator  operator
	sid       string
}

func newConsoleHarness(t *testing.T, pool pgBeginner) consoleHarness {
	t.Helper()
	setConsoleEnv(t)

	operators := newMemoryOperatorStore()
	sessions := newMemorySessionStore()
	op := operator{ID: "00000000-0000-0000-0000-0000000000aa", Email: "ops@clientdesk.test", Status: "active"}
	operators.Put(op, "secret-pw")

	sid, err := sessions.Create(context.Background(), op.ID, time.Now().Add(time.Hour), "ip", "ua")
	if err != nil {
		t.Fatal(err)
	}

	h, err := NewHandlerWithOptions(HandlerOptions{
		Pool:      pool,
		Operators: operators,
		Sessions:  sessions,
	})
	if err != nil {
		t.Fatal(err)
	}

	return consoleHarness{h: h, operators: operators, sessions: sessions, operator: op, sid: sid}
}

func (c consoleHarness) newRequest(method string, path string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, path, body)
	req.AddCookie(&http.Cookie{Name: opsSidCookieName, Value: c.sid})
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	return req
}

func (c consoleHarness) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	c.h.ServeHTTP(rr, req)
	return rr
}
