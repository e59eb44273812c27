package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/nmcalba/clientdesk/internal/routing"
	"github.com/nmcalba/clientdesk/pkg/authz"
)

type AuditRow struct {
	ActorID      string
	Verb         string
	ResourceType string
	ResourceID   string
	OccurredAt   time.Time
}

// AuditLogStore reads back the tenant's slice of the append-only log. The
// tenant id comes from the request scope like every other store call; audit
// entries themselves are written through the recorder, not here.
type AuditLogStore interface {
	ListRecent(ctx context.Context, tenantID string, limit int) ([]AuditRow, error)
}

type pgAuditLogStore struct {
	pool pgBeginner
}

func newAuditLogPGStore(pool pgBeginner) AuditLogStore {
	return &pgAuditLogStore{pool: pool}
}

func (s *pgAuditLogStore) ListRecent(ctx context.Context, tenantID string, limit int) ([]AuditRow, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	rows, err := tx.Query(ctx, `
SELECT actor_id, verb, resource_type, resource_id, occurred_at
FROM audit.entries
WHERE tenant_id = $1
ORDER BY occurred_at DESC
LIMIT $2
`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditRow
	for rows.Next() {
		var a AuditRow
		if err := rows.Scan(&a.ActorID, &a.Verb, &a.ResourceType, &a.ResourceID, &a.OccurredAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

func handleAuditAPI(w http.ResponseWriter, r *http.Request, deps *apiDeps) {
	const rc = routing.RouteClassPublicAPI
	if r.Method != http.MethodGet {
		routing.WriteError(w, r, rc, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	if !authorize(w, r, rc, deps.authorizer, deps.log, authz.ObjectAudit, authz.ActionRead) {
		return
	}
	sc, ok := currentScope(r.Context())
	if !ok {
		routing.WriteError(w, r, rc, http.StatusInternalServerError, "scope_missing", "scope missing")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	rows, err := deps.auditLog.ListRecent(r.Context(), sc.TenantID(), limit)
	if err != nil {
		routing.WriteError(w, r, rc, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}

	type rowJSON struct {
		ActorID      string `json:"actor_id"`
		Verb         string `json:"verb"`
		ResourceType string `json:"resource_type"`
		ResourceID   string `json:"resource_id"`
		OccurredAt   string `json:"occurred_at"`
	}
	out := make([]rowJSON, 0, len(rows))
	for _, a := range rows {
		out = append(out, rowJSON{
			ActorID:      a.ActorID,
			Verb:         a.Verb,
			ResourceType: a.ResourceType,
			ResourceID:   a.ResourceID,
			OccurredAt:   a.OccurredAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}
