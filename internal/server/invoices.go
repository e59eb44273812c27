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

type Invoice struct {
	ID         string
	Number     string
	ClientID   string
	AmountCent int64
	Recurring  bool
	Status     string
	CreatedAt  time.Time
}

type InvoiceStore interface {
	ListInvoices(ctx context.Context, sc scope.Scope) ([]Invoice, error)
	CreateInvoice(ctx context.Context, sc scope.Scope, number string, clientID string, amountCent int64, recurring bool) (Invoice, error)
	CountInvoices(ctx context.Context, sc scope.Scope) (int, error)
}

func normalizeInvoiceInput(number string, amountCent int64) (string, error) {
	number = strings.ToUpper(strings.TrimSpace(number))
	if number == "" {
		return "", newBadRequestError("number is required")
	}
	if amountCent < 0 {
		return "", newBadRequestError("amount_cents must not be negative")
	}
	return number, nil
}

type invoicePGStore struct {
	pool pgBeginner
}

func newInvoicePGStore(pool pgBeginner) InvoiceStore {
	return &invoicePGStore{pool: pool}
}

func (s *invoicePGStore) ListInvoices(ctx context.Context, sc scope.Scope) ([]Invoice, error) {
	op, err := sc.Apply(scope.Operation{Kind: scope.OpReadMany, Entity: scope.EntityInvoice})
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
SELECT id::text, number, COALESCE(client_id::text, ''), amount_cents, recurring, status, created_at
FROM crm.invoices
WHERE tenant_id = $1::uuid
ORDER BY created_at DESC, id DESC
LIMIT 200
`, op.TenantID())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Invoice
	for rows.Next() {
		var inv Invoice
		if err := rows.Scan(&inv.ID, &inv.Number, &inv.ClientID, &inv.AmountCent, &inv.Recurring, &inv.Status, &inv.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *invoicePGStore) CreateInvoice(ctx context.Context, sc scope.Scope, number string, clientID string, amountCent int64, recurring bool) (Invoice, error) {
	number, err := normalizeInvoiceInput(number, amountCent)
	if err != nil {
		return Invoice{}, err
	}

	id, err := ident.NewString()
	if err != nil {
		return Invoice{}, err
	}
	op, err := sc.Apply(scope.Operation{
		Kind:   scope.OpWrite,
		Entity: scope.EntityInvoice,
		Record: map[string]any{
			"id": id, "number": number, "client_id": strings.TrimSpace(clientID),
			"amount_cents": amountCent, "recurring": recurring,
		},
	})
	if err != nil {
		return Invoice{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Invoice{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, op.TenantID()); err != nil {
		return Invoice{}, err
	}

	inv := Invoice{ID: id, Number: number, ClientID: strings.TrimSpace(clientID), AmountCent: amountCent, Recurring: recurring, Status: "draft"}
	if err := tx.QueryRow(ctx, `
INSERT INTO crm.invoices (id, tenant_id, number, client_id, amount_cents, recurring, status)
VALUES ($1::uuid, $2::uuid, $3, NULLIF($4, '')::uuid, $5, $6, 'draft')
RETURNING created_at
`, op.Record["id"], op.TenantID(), op.Record["number"], op.Record["client_id"], op.Record["amount_cents"], op.Record["recurring"]).Scan(&inv.CreatedAt); err != nil {
		return Invoice{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Invoice{}, err
	}
	return inv, nil
}

func (s *invoicePGStore) CountInvoices(ctx context.Context, sc scope.Scope) (int, error) {
	op, err := sc.Apply(scope.Operation{Kind: scope.OpReadMany, Entity: scope.EntityInvoice})
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
SELECT count(*) FROM crm.invoices WHERE tenant_id = $1::uuid
`, op.TenantID()).Scan(&n); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return n, nil
}

type memoryInvoiceStore struct {
	mu       sync.Mutex
	byTenant map[string][]Invoice
}

func newMemoryInvoiceStore() *memoryInvoiceStore {
	return &memoryInvoiceStore{byTenant: map[string][]Invoice{}}
}

func (s *memoryInvoiceStore) ListInvoices(_ context.Context, sc scope.Scope) ([]Invoice, error) {
	op, err := sc.Apply(scope.Operation{Kind: scope.OpReadMany, Entity: scope.EntityInvoice})
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.byTenant[op.TenantID()]
	out := make([]Invoice, len(rows))
	copy(out, rows)
	return out, nil
}

func (s *memoryInvoiceStore) CreateInvoice(_ context.Context, sc scope.Scope, number string, clientID string, amountCent int64, recurring bool) (Invoice, error) {
	number, err := normalizeInvoiceInput(number, amountCent)
	if err != nil {
		return Invoice{}, err
	}
	id, err := ident.NewString()
	if err != nil {
		return Invoice{}, err
	}
	op, err := sc.Apply(scope.Operation{
		Kind:   scope.OpWrite,
		Entity: scope.EntityInvoice,
		Record: map[string]any{"id": id, "number": number},
	})
	if err != nil {
		return Invoice{}, err
	}
	inv := Invoice{
		ID:         id,
		Number:     number,
		ClientID:   strings.TrimSpace(clientID),
		AmountCent: amountCent,
		Recurring:  recurring,
		Status:     "draft",
		CreatedAt:  time.Now().UTC(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byTenant[op.TenantID()] = append([]Invoice{inv}, s.byTenant[op.TenantID()]...)
	return inv, nil
}

func (s *memoryInvoiceStore) CountInvoices(_ context.Context, sc scope.Scope) (int, error) {
	op, err := sc.Apply(scope.Operation{Kind: scope.OpReadMany, Entity: scope.EntityInvoice})
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byTenant[op.TenantID()]), nil
}

type invoiceJSON struct {
	ID         string `json:"id"`
	Number     string `json:"number"`
	ClientID   string `json:"client_id,omitempty"`
	AmountCent int64  `json:"amount_cents"`
	Recurring  bool   `json:"recurring"`
	Status     string `json:"status"`
	CreatedAt  string `json:"created_at"`
}

func invoiceToJSON(inv Invoice) invoiceJSON {
	return invoiceJSON{
		ID:         inv.ID,
		Number:     inv.Number,
		ClientID:   inv.ClientID,
		AmountCent: inv.AmountCent,
		Recurring:  inv.Recurring,
		Status:     inv.Status,
		CreatedAt:  inv.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func handleInvoicesAPI(w http.ResponseWriter, r *http.Request, deps *apiDeps) {
	const rc = routing.RouteClassPublicAPI
	ts, ok := requireModule(w, r, rc, plan.ModuleInvoices)
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
		if !authorize(w, r, rc, deps.authorizer, deps.log, authz.ObjectInvoices, authz.ActionRead) {
			return
		}
		invoices, err := deps.invoices.ListInvoices(r.Context(), sc)
		if err != nil {
			routing.WriteError(w, r, rc, http.StatusInternalServerError, "internal_error", "internal error")
			return
		}
		out := make([]invoiceJSON, 0, len(invoices))
		for _, inv := range invoices {
			out = append(out, invoiceToJSON(inv))
		}
		writeJSON(w, http.StatusOK, map[string]any{"invoices": out})

	case http.MethodPost:
		if !authorize(w, r, rc, deps.authorizer, deps.log, authz.ObjectInvoices, authz.ActionWrite) {
			return
		}
		var req struct {
			Number     string `json:"number"`
			ClientID   string `json:"client_id"`
			AmountCent int64  `json:"amount_cents"`
			Recurring  bool   `json:"recurring"`
			TenantID   string `json:"tenant_id"`
		}
		if err := decodeJSONBody(r, &req); err != nil {
			routing.WriteError(w, r, rc, http.StatusBadRequest, "bad_json", "bad json")
			return
		}

		// Recurring billing is a plan feature on top of the invoices module.
		if req.Recurring && !requireFeature(w, r, rc, plan.FeatureRecurringInvoices) {
			return
		}

		count, err := deps.invoices.CountInvoices(r.Context(), sc)
		if err != nil {
			routing.WriteError(w, r, rc, http.StatusInternalServerError, "internal_error", "internal error")
			return
		}
		if d := plan.CheckResourceLimit(ts, plan.ResourceInvoices, count, time.Now()); d != nil {
			writeDenial(w, r, rc, d)
			return
		}

		inv, err := deps.invoices.CreateInvoice(r.Context(), sc, req.Number, req.ClientID, req.AmountCent, req.Recurring)
		if err != nil {
			writeStoreError(w, r, rc, err)
			return
		}
		deps.recordAudit(r.Context(), "invoice.create", "invoice", inv.ID, map[string]any{"number": inv.Number})
		writeJSON(w, http.StatusCreated, invoiceToJSON(inv))

	default:
		routing.WriteError(w, r, rc, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}
