package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"
)

var (
	errTokenMissing    = errors.New("server: missing bearer token")
	errTokenInvalid    = errors.New("server: invalid token")
	errTokenExpired    = errors.New("server: token expired")
	errAccountInactive = errors.New("server: account inactive")
)

type accessClaims struct {
	TenantID string `json:"tid"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

type identityResolver interface {
	Resolve(ctx context.Context, bearer string) (Principal, error)
}

type principalStore interface {
	GetByID(ctx context.Context, tenantID string, principalID string) (Principal, bool, error)
}

type jwtIdentityResolver struct {
	secret     []byte
	principals principalStore
}

func newJWTIdentityResolverFromEnv(principals principalStore) (identityResolver, error) {
	secret := strings.TrimSpace(os.Getenv("AUTH_JWT_SECRET"))
	if secret == "" {
		return nil, errors.New("server: AUTH_JWT_SECRET is required")
	}
	if principals == nil {
		return nil, errors.New("server: principal store is required")
	}
	return &jwtIdentityResolver{secret: []byte(secret), principals: principals}, nil
}

// Resolve verifies the bearer token and re-reads the account's live state,
// so a validly signed token for a since-disabled account is still rejected.
func (r *jwtIdentityResolver) Resolve(ctx context.Context, bearer string) (Principal, error) {
	bearer = strings.TrimSpace(bearer)
	if bearer == "" {
		return Principal{}, errTokenMissing
	}

	var claims accessClaims
	_, err := jwt.ParseWithClaims(bearer, &claims, func(*jwt.Token) (any, error) {
		return r.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Principal{}, errTokenExpired
		}
		return Principal{}, errTokenInvalid
	}
	if claims.Subject == "" || claims.TenantID == "" {
		return Principal{}, errTokenInvalid
	}

	p, ok, err := r.principals.GetByID(ctx, claims.TenantID, claims.Subject)
	if err != nil {
		return Principal{}, err
	}
	if !ok {
		return Principal{}, errTokenInvalid
	}
	if p.Status != "active" {
		return Principal{}, errAccountInactive
	}
	// Role comes from live account state, not the token claim.
	return p, nil
}

func bearerToken(r *http.Request) (string, bool) {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if h == "" {
		return "", false
	}
	scheme, rest, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return "", false
	}
	return rest, true
}

type pgPrincipalStore struct {
	q queryRower
}

func newPrincipalPGStore(q queryRower) principalStore {
	return &pgPrincipalStore{q: q}
}

func (s *pgPrincipalStore) GetByID(ctx context.Context, tenantID string, principalID string) (Principal, bool, error) {
	var p Principal
	err := s.q.QueryRow(ctx, `
SELECT id::text, tenant_id::text, role, email, status
FROM iam.principals
WHERE tenant_id = $1::uuid AND id = $2::uuid
`, tenantID, principalID).Scan(&p.ID, &p.TenantID, &p.Role, &p.Email, &p.Status)
	if err != nil {
		if isNoRows(err) {
			return Principal{}, false, nil
		}
		return Principal{}, false, err
	}
	return p, true, nil
}

type memoryPrincipalStore struct {
	mu   sync.Mutex
	byID map[string]Principal
}

func newMemoryPrincipalStore() *memoryPrincipalStore {
	return &memoryPrincipalStore{byID: map[string]Principal{}}
}

func (s *memoryPrincipalStore) Put(p Principal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[p.TenantID+"|"+p.ID] = p
}

func (s *memoryPrincipalStore) GetByID(_ context.Context, tenantID string, principalID string) (Principal, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[tenantID+"|"+principalID]
	return p, ok, nil
}
