package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nmcalba/clientdesk/internal/plan"
)

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// TenantStore loads the live tenant snapshot read on every request.
type TenantStore interface {
	GetState(ctx context.Context, tenantID string) (plan.TenantState, bool, error)
}

type pgTenantStore struct {
	q queryRower
}

func newTenantPGStore(q queryRower) TenantStore {
	return &pgTenantStore{q: q}
}

func (s *pgTenantStore) GetState(ctx context.Context, tenantID string) (plan.TenantState, bool, error) {
	var (
		ts      plan.TenantState
		rawTier string
		expires *time.Time
	)
	err := s.q.QueryRow(ctx, `
SELECT id::text, name, plan_tier, is_active, expires_at
FROM iam.tenants
WHERE id = $1::uuid
`, tenantID).Scan(&ts.ID, &ts.Name, &rawTier, &ts.Active, &expires)
	if err != nil {
		if isNoRows(err) {
			return plan.TenantState{}, false, nil
		}
		return plan.TenantState{}, false, err
	}

	tier, ok := plan.ParseTier(rawTier)
	if !ok {
		// Unknown tier rows fail closed to the smallest plan.
		tier = plan.TierStarter
	}
	ts.Tier = tier
	ts.ExpiresAt = expires
	return ts, true, nil
}

type memoryTenantStore struct {
	mu   sync.Mutex
	byID map[string]plan.TenantState
}

func newMemoryTenantStore() *memoryTenantStore {
	return &memoryTenantStore{byID: map[string]plan.TenantState{}}
}

func (s *memoryTenantStore) Put(ts plan.TenantState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[ts.ID] = ts
}

func (s *memoryTenantStore) GetState(_ context.Context, tenantID string) (plan.TenantState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.byID[tenantID]
	return ts, ok, nil
}
