package server

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nmcalba/clientdesk/internal/plan"
	"github.com/nmcalba/clientdesk/internal/routing"
	"github.com/nmcalba/clientdesk/internal/scope"
	"github.com/nmcalba/clientdesk/pkg/authz"
	"github.com/nmcalba/clientdesk/pkg/ident"
)

type Project struct {
	ID        string
	Name      string
	ClientID  string
	Status    string
	CreatedAt time.Time
}

type ProjectStore interface {
	ListProjects(ctx context.Context, sc scope.Scope) ([]Project, error)
	CreateProject(ctx context.Context, sc scope.Scope, name string, clientID string) (Project, error)
	CountProjects(ctx context.Context, sc scope.Scope) (int, error)
}

type projectPGStore struct {
	pool pgBeginner
}

func newProjectPGStore(pool pgBeginner) ProjectStore {
	return &projectPGStore{pool: pool}
}

func (s *projectPGStore) ListProjects(ctx context.Context, sc scope.Scope) ([]Project, error) {
	op, err := sc.Apply(scope.Operation{Kind: scope.OpReadMany, Entity: scope.EntityProject})
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
SELECT id::text, name, COALESCE(client_id::text, ''), status, created_at
FROM crm.projects
WHERE tenant_id = $1::uuid
ORDER BY created_at DESC, id DESC
LIMIT 200
`, op.TenantID())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Project
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.Name, &p.ClientID, &p.Status, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *projectPGStore) CreateProject(ctx context.Context, sc scope.Scope, name string, clientID string) (Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Project{}, newBadRequestError("name is required")
	}
	clientID = strings.TrimSpace(clientID)

	id, err := ident.NewString()
	if err != nil {
		return Project{}, err
	}
	op, err := sc.Apply(scope.Operation{
		Kind:   scope.OpWrite,
		Entity: scope.EntityProject,
		Record: map[string]any{"id": id, "name": name, "client_id": clientID},
	})
	if err != nil {
		return Project{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Project{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, op.TenantID()); err != nil {
		return Project{}, err
	}

	p := Project{ID: id, Name: name, ClientID: clientID, Status: "active"}
	if err := tx.QueryRow(ctx, `
INSERT INTO crm.projects (id, tenant_id, name, client_id, status)
VALUES ($1::uuid, $2::uuid, $3, NULLIF($4, '')::uuid, 'active')
RETURNING created_at
`, op.Record["id"], op.TenantID(), op.Record["name"], op.Record["client_id"]).Scan(&p.CreatedAt); err != nil {
		return Project{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Project{}, err
	}
	return p, nil
}

func (s *projectPGStore) CountProjects(ctx context.Context, sc scope.Scope) (int, error) {
	op, err := sc.Apply(scope.Operation{Kind: scope.OpReadMany, Entity: scope.EntityProject})
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
SELECT count(*) FROM crm.projects WHERE tenant_id = $1::uuid
`, op.TenantID()).Scan(&n); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return n, nil
}

type memoryProjectStore struct {
	mu       sync.Mutex
	byTenant map[string][]Project
}

func newMemoryProjectStore() *memoryProjectStore {
	return &memoryProjectStore{byTenant: map[string][]Project{}}
}

func (s *memoryProjectStore) ListProjects(_ context.Context, sc scope.Scope) ([]Project, error) {
	op, err := sc.Apply(scope.Operation{Kind: scope.OpReadMany, Entity: scope.EntityProject})
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.byTenant[op.TenantID()]
	out := make([]Project, len(rows))
	copy(out, rows)
	return out, nil
}

func (s *memoryProjectStore) CreateProject(_ context.Context, sc scope.Scope, name string, clientID string) (Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Project{}, newBadRequestError("name is required")
	}
	id, err := ident.NewString()
	if err != nil {
		return Project{}, err
	}
	op, err := sc.Apply(scope.Operation{
		Kind:   scope.OpWrite,
		Entity: scope.EntityProject,
		Record: map[string]any{"id": id, "name": name, "client_id": strings.TrimSpace(clientID)},
	})
	if err != nil {
		return Project{}, err
	}
	p := Project{
		ID:        id,
		Name:      name,
		ClientID:  op.Record["client_id"].(string),
		Status:    "active",
		CreatedAt: time.Now().UTC(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byTenant[op.TenantID()] = append([]Project{p}, s.byTenant[op.TenantID()]...)
	return p, nil
}

func (s *memoryProjectStore) CountProjects(_ context.Context, sc scope.Scope) (int, error) {
	op, err := sc.Apply(scope.Operation{Kind: scope.OpReadMany, Entity: scope.EntityProject})
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byTenant[op.TenantID()]), nil
}

type projectJSON struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	ClientID  string `json:"client_id,omitempty"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

func handleProjectsAPI(w http.ResponseWriter, r *http.Request, deps *apiDeps) {
	const rc = routing.RouteClassPublicAPI
	ts, ok := requireModule(w, r, rc, plan.ModuleProjects)
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
		if !authorize(w, r, rc, deps.authorizer, deps.log, authz.ObjectProjects, authz.ActionRead) {
			return
		}
		projects, err := deps.projects.ListProjects(r.Context(), sc)
		if err != nil {
			routing.WriteError(w, r, rc, http.StatusInternalServerError, "internal_error", "internal error")
			return
		}
		out := make([]projectJSON, 0, len(projects))
		for _, p := range projects {
			out = append(out, projectJSON{
				ID: p.ID, Name: p.Name, ClientID: p.ClientID, Status: p.Status,
				CreatedAt: p.CreatedAt.UTC().Format(time.RFC3339),
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"projects": out})

	case http.MethodPost:
		if !authorize(w, r, rc, deps.authorizer, deps.log, authz.ObjectProjects, authz.ActionWrite) {
			return
		}
		var req struct {
			Name     string `json:"name"`
			ClientID string `json:"client_id"`
			TenantID string `json:"tenant_id"`
		}
		if err := decodeJSONBody(r, &req); err != nil {
			routing.WriteError(w, r, rc, http.StatusBadRequest, "bad_json", "bad json")
			return
		}

		count, err := deps.projects.CountProjects(r.Context(), sc)
		if err != nil {
			routing.WriteError(w, r, rc, http.StatusInternalServerError, "internal_error", "internal error")
			return
		}
		if d := plan.CheckResourceLimit(ts, plan.ResourceProjects, count, time.Now()); d != nil {
			writeDenial(w, r, rc, d)
			return
		}

		p, err := deps.projects.CreateProject(r.Context(), sc, req.Name, req.ClientID)
		if err != nil {
			writeStoreError(w, r, rc, err)
			return
		}
		deps.recordAudit(r.Context(), "project.create", "project", p.ID, map[string]any{"name": p.Name})
		writeJSON(w, http.StatusCreated, projectJSON{
			ID: p.ID, Name: p.Name, ClientID: p.ClientID, Status: p.Status,
			CreatedAt: p.CreatedAt.UTC().Format(time.RFC3339),
		})

	default:
		routing.WriteError(w, r, rc, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}
