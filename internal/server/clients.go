package server

import (
	"context"
	"net/http"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/nmcalba/clientdesk/internal/audit"
	"github.com/nmcalba/clientdesk/internal/plan"
	"github.com/nmcalba/clientdesk/internal/routing"
	"github.com/nmcalba/clientdesk/internal/scope"
	"github.com/nmcalba/clientdesk/pkg/authz"
	"github.com/nmcalba/clientdesk/pkg/ident"
)

type Client struct {
	ID        string
	Name      string
	Email     string
	Phone     string
	CreatedAt time.Time
}

// Every store method takes the request's scope; the store builds a scoped
// operation and only ever queries with the tenant id the scope injected.
type ClientStore interface {
	ListClients(ctx context.Context, sc scope.Scope) ([]Client, error)
	GetClient(ctx context.Context, sc scope.Scope, id string) (Client, bool, error)
	CreateClient(ctx context.Context, sc scope.Scope, name string, email string, phone string) (Client, error)
	DeleteClient(ctx context.Context, sc scope.Scope, id string) (bool, error)
	CountClients(ctx context.Context, sc scope.Scope) (int, error)
}

func normalizeClientInput(name string, email string) (string, string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", "", newBadRequestError("name is required")
	}
	email = strings.ToLower(strings.TrimSpace(email))
	if email != "" {
		if _, err := mail.ParseAddress(email); err != nil {
			return "", "", newBadRequestError("email is invalid")
		}
	}
	return name, email, nil
}

type clientPGStore struct {
	pool pgBeginner
}

func newClientPGStore(pool pgBeginner) ClientStore {
	return &clientPGStore{pool: pool}
}

func (s *clientPGStore) ListClients(ctx context.Context, sc scope.Scope) ([]Client, error) {
	op, err := sc.Apply(scope.Operation{Kind: scope.OpReadMany, Entity: scope.EntityClient})
	if err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, op.TenantID()); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `
SELECT id::text, name, email, phone, created_at
FROM crm.clients
WHERE tenant_id = $1::uuid
ORDER BY created_at DESC, id DESC
LIMIT 200
`, op.TenantID())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Client
	for rows.Next() {
		var c Client
		if err := rows.Scan(&c.ID, &c.Name, &c.Email, &c.Phone, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *clientPGStore) GetClient(ctx context.Context, sc scope.Scope, id string) (Client, bool, error) {
	op, err := sc.Apply(scope.Operation{Kind: scope.OpReadOne, Entity: scope.EntityClient, Filter: map[string]any{"id": id}})
	if err != nil {
		return Client{}, false, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Client{}, false, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, op.TenantID()); err != nil {
		return Client{}, false, err
	}

	var c Client
	if err := tx.QueryRow(ctx, `
SELECT id::text, name, email, phone, created_at
FROM crm.clients
WHERE tenant_id = $1::uuid AND id = $2::uuid
`, op.TenantID(), op.Filter["id"]).Scan(&c.ID, &c.Name, &c.Email, &c.Phone, &c.CreatedAt); err != nil {
		if isNoRows(err) || isPgInvalidInput(err) {
			return Client{}, false, nil
		}
		return Client{}, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Client{}, false, err
	}
	return c, true, nil
}

func (s *clientPGStore) CreateClient(ctx context.Context, sc scope.Scope, name string, email string, phone string) (Client, error) {
	name, email, err := normalizeClientInput(name, email)
	if err != nil {
		return Client{}, err
	}
	phone = strings.TrimSpace(phone)

	id, err := ident.NewString()
	if err != nil {
		return Client{}, err
	}
	op, err := sc.Apply(scope.Operation{
		Kind:   scope.OpWrite,
		Entity: scope.EntityClient,
		Record: map[string]any{"id": id, "name": name, "email": email, "phone": phone},
	})
	if err != nil {
		return Client{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Client{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, op.TenantID()); err != nil {
		return Client{}, err
	}

	c := Client{ID: id, Name: name, Email: email, Phone: phone}
	if err := tx.QueryRow(ctx, `
INSERT INTO crm.clients (id, tenant_id, name, email, phone)
VALUES ($1::uuid, $2::uuid, $3, $4, $5)
RETURNING created_at
`, op.Record["id"], op.TenantID(), op.Record["name"], op.Record["email"], op.Record["phone"]).Scan(&c.CreatedAt); err != nil {
		return Client{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Client{}, err
	}
	return c, nil
}

func (s *clientPGStore) DeleteClient(ctx context.Context, sc scope.Scope, id string) (bool, error) {
	op, err := sc.Apply(scope.Operation{Kind: scope.OpDelete, Entity: scope.EntityClient, Filter: map[string]any{"id": id}})
	if err != nil {
		return false, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, op.TenantID()); err != nil {
		return false, err
	}

	tag, err := tx.Exec(ctx, `
DELETE FROM crm.clients
WHERE tenant_id = $1::uuid AND id = $2::uuid
`, op.TenantID(), op.Filter["id"])
	if err != nil {
		if isPgInvalidInput(err) {
			return false, nil
		}
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *clientPGStore) CountClients(ctx context.Context, sc scope.Scope) (int, error) {
	op, err := sc.Apply(scope.Operation{Kind: scope.OpReadMany, Entity: scope.EntityClient})
	if err != nil {
		return 0, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, op.TenantID()); err != nil {
		return 0, err
	}

	var n int
	if err := tx.QueryRow(ctx, `
SELECT count(*) FROM crm.clients WHERE tenant_id = $1::uuid
`, op.TenantID()).Scan(&n); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return n, nil
}

type memoryClientStore struct {
	mu       sync.Mutex
	byTenant map[string][]Client
}

func newMemoryClientStore() *memoryClientStore {
	return &memoryClientStore{byTenant: map[string][]Client{}}
}

func (s *memoryClientStore) ListClients(_ context.Context, sc scope.Scope) ([]Client, error) {
	op, err := sc.Apply(scope.Operation{Kind: scope.OpReadMany, Entity: scope.EntityClient})
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.byTenant[op.TenantID()]
	out := make([]Client, len(rows))
	copy(out, rows)
	return out, nil
}

func (s *memoryClientStore) GetClient(_ context.Context, sc scope.Scope, id string) (Client, bool, error) {
	op, err := sc.Apply(scope.Operation{Kind: scope.OpReadOne, Entity: scope.EntityClient, Filter: map[string]any{"id": id}})
	if err != nil {
		return Client{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.byTenant[op.TenantID()] {
		if c.ID == op.Filter["id"] {
			return c, true, nil
		}
	}
	return Client{}, false, nil
}

func (s *memoryClientStore) CreateClient(_ context.Context, sc scope.Scope, name string, email string, phone string) (Client, error) {
	name, email, err := normalizeClientInput(name, email)
	if err != nil {
		return Client{}, err
	}
	id, err := ident.NewString()
	if err != nil {
		return Client{}, err
	}
	op, err := sc.Apply(scope.Operation{
		Kind:   scope.OpWrite,
		Entity: scope.EntityClient,
		Record: map[string]any{"id": id, "name": name, "email": email, "phone": strings.TrimSpace(phone)},
	})
	if err != nil {
		return Client{}, err
	}
	c := Client{
		ID:        id,
		Name:      op.Record["name"].(string),
		Email:     op.Record["email"].(string),
		Phone:     op.Record["phone"].(string),
		CreatedAt: time.Now().UTC(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byTenant[op.TenantID()] = append([]Client{c}, s.byTenant[op.TenantID()]...)
	return c, nil
}

func (s *memoryClientStore) DeleteClient(_ context.Context, sc scope.Scope, id string) (bool, error) {
	op, err := sc.Apply(scope.Operation{Kind: scope.OpDelete, Entity: scope.EntityClient, Filter: map[string]any{"id": id}})
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.byTenant[op.TenantID()]
	for i, c := range rows {
		if c.ID == op.Filter["id"] {
			s.byTenant[op.TenantID()] = append(rows[:i:i], rows[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (s *memoryClientStore) CountClients(_ context.Context, sc scope.Scope) (int, error) {
	op, err := sc.Apply(scope.Operation{Kind: scope.OpReadMany, Entity: scope.EntityClient})
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byTenant[op.TenantID()]), nil
}

type clientJSON struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
	CreatedAt string `json:"created_at"`
}

func clientToJSON(c Client) clientJSON {
	return clientJSON{
		ID:        c.ID,
		Name:      c.Name,
		Email:     c.Email,
		Phone:     c.Phone,
		CreatedAt: c.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func handleClientsAPI(w http.ResponseWriter, r *http.Request, deps *apiDeps) {
	const rc = routing.RouteClassPublicAPI
	ts, ok := requireModule(w, r, rc, plan.ModuleClients)
	if !ok {
		return
	}
	sc, ok := currentScope(r.Context())
	if !ok {
		routing.WriteError(w, r, rc, http.StatusInternalServerError, "scope_missing", "scope missing")
		return
	}

	switch r.Method {
	case http.MethodGet:
		if !authorize(w, r, rc, deps.authorizer, deps.log, authz.ObjectClients, authz.ActionRead) {
			return
		}
		clients, err := deps.clients.ListClients(r.Context(), sc)
		if err != nil {
			routing.WriteError(w, r, rc, http.StatusInternalServerError, "internal_error", "internal error")
			return
		}
		out := make([]clientJSON, 0, len(clients))
		for _, c := range clients {
			out = append(out, clientToJSON(c))
		}
		writeJSON(w, http.StatusOK, map[string]any{"clients": out})

	case http.MethodPost:
		if !authorize(w, r, rc, deps.authorizer, deps.log, authz.ObjectClients, authz.ActionWrite) {
			return
		}
		var req struct {
			Name  string `json:"name"`
			Email string `json:"email"`
			Phone string `json:"phone"`
			// A tenant id in the payload is ignored by scoping; accept it so
			// the request does not fail decoding.
			TenantID string `json:"tenant_id"`
		}
		if err := decodeJSONBody(r, &req); err != nil {
			routing.WriteError(w, r, rc, http.StatusBadRequest, "bad_json", "bad json")
			return
		}

		count, err := deps.clients.CountClients(r.Context(), sc)
		if err != nil {
			routing.WriteError(w, r, rc, http.StatusInternalServerError, "internal_error", "internal error")
			return
		}
		if d := plan.CheckResourceLimit(ts, plan.ResourceClients, count, time.Now()); d != nil {
			writeDenial(w, r, rc, d)
			return
		}

		c, err := deps.clients.CreateClient(r.Context(), sc, req.Name, req.Email, req.Phone)
		if err != nil {
			writeStoreError(w, r, rc, err)
			return
		}
		deps.recordAudit(r.Context(), "client.create", "client", c.ID, map[string]any{"name": c.Name})
		writeJSON(w, http.StatusCreated, clientToJSON(c))

	default:
		routing.WriteError(w, r, rc, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

func handleClientItemAPI(w http.ResponseWriter, r *http.Request, deps *apiDeps) {
	const rc = routing.RouteClassPublicAPI
	if _, ok := requireModule(w, r, rc, plan.ModuleClients); !ok {
		return
	}
	sc, ok := currentScope(r.Context())
	if !ok {
		routing.WriteError(w, r, rc, http.StatusInternalServerError, "scope_missing", "scope missing")
		return
	}
	id := pathTail(r.URL.Path, "/api/v1/clients")
	if id == "" {
		routing.WriteError(w, r, rc, http.StatusBadRequest, "invalid_id", "invalid client id")
		return
	}

	switch r.Method {
	case http.MethodGet:
		if !authorize(w, r, rc, deps.authorizer, deps.log, authz.ObjectClients, authz.ActionRead) {
			return
		}
		c, found, err := deps.clients.GetClient(r.Context(), sc, id)
		if err != nil {
			routing.WriteError(w, r, rc, http.StatusInternalServerError, "internal_error", "internal error")
			return
		}
		if !found {
			routing.WriteError(w, r, rc, http.StatusNotFound, "not_found", "client not found")
			return
		}
		writeJSON(w, http.StatusOK, clientToJSON(c))

	case http.MethodDelete:
		if !authorize(w, r, rc, deps.authorizer, deps.log, authz.ObjectClients, authz.ActionWrite) {
			return
		}
		deleted, err := deps.clients.DeleteClient(r.Context(), sc, id)
		if err != nil {
			routing.WriteError(w, r, rc, http.StatusInternalServerError, "internal_error", "internal error")
			return
		}
		if !deleted {
			routing.WriteError(w, r, rc, http.StatusNotFound, "not_found", "client not found")
			return
		}
		deps.recordAudit(r.Context(), "client.delete", "client", id, nil)
		writeJSON(w, http.StatusOK, map[string]any{"deleted": true})

	default:
		routing.WriteError(w, r, rc, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

// writeStoreError maps store failures onto the response without leaking
// internals: validation errors are 400, unique violations are 409, anything
// else is a generic 500.
func writeStoreError(w http.ResponseWriter, r *http.Request, rc routing.RouteClass, err error) {
	switch {
	case isBadRequestError(err):
		routing.WriteError(w, r, rc, http.StatusBadRequest, "invalid_request", err.Error())
	case isPgUniqueViolation(err):
		routing.WriteError(w, r, rc, http.StatusConflict, stableConflictCode(err), "already exists")
	default:
		routing.WriteError(w, r, rc, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func (d *apiDeps) recordAudit(ctx context.Context, verb string, resourceType string, resourceID string, detail map[string]any) {
	if d.recorder == nil {
		return
	}
	p, _ := currentPrincipal(ctx)
	d.recorder.Record(audit.Entry{
		ActorID:      p.ID,
		TenantID:     p.TenantID,
		Verb:         verb,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Detail:       detail,
	})
}
