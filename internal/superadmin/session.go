package superadmin

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const opsSidCookieName = "ops_sid"

var opsSidRandReader io.Reader = rand.Reader

type opsSession struct {
	OperatorID string
	ExpiresAt  time.Time
	RevokedAt  *time.Time
}

type sessionStore interface {
	Create(ctx context.Context, operatorID string, expiresAt time.Time, ip string, userAgent string) (sid string, err error)
	Lookup(ctx context.Context, sid string) (opsSession, bool, error)
	Revoke(ctx context.Context, sid string) error
}

type queryExecer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func opsSidTTLFromEnv() time.Duration {
	const defaultHours = 8

	v := os.Getenv("OPS_SID_TTL_HOURS")
	if v == "" {
		return time.Hour * defaultHours
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return time.Hour * defaultHours
	}
	return time.Hour * time.Duration(n)
}

// Sessions are stored by token digest; the raw sid only ever lives in the
// cookie.
func newOpsSid() (sid string, tokenSha256 []byte, err error) {
	var b [32]byte
	if _, err := opsSidRandReader.Read(b[:]); err != nil {
		return "", nil, err
	}
	sid = base64.RawURLEncoding.EncodeToString(b[:])
	sum := sha256.Sum256([]byte(sid))
	return sid, sum[:], nil
}

func readOpsSid(r *http.Request) (string, bool) {
	c, err := r.Cookie(opsSidCookieName)
	if err != nil || c.Value == "" {
		return "", false
	}
	return c.Value, true
}

func setOpsSidCookie(w http.ResponseWriter, sid string) {
	http.SetCookie(w, &http.Cookie{
		Name:     opsSidCookieName,
		Value:    sid,
		Path:     "/superadmin",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func clearOpsSidCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     opsSidCookieName,
		Value:    "",
		Path:     "/superadmin",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

type memorySessionStore struct {
	mu    sync.Mutex
	bySid map[string]opsSession
}

func newMemorySessionStore() *memorySessionStore {
	return &memorySessionStore{bySid: map[string]opsSession{}}
}

func (s *memorySessionStore) Create(_ context.Context, operatorID string, expiresAt time.Time, _ string, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sid, _, err := newOpsSid()
	if err != nil {
		return "", err
	}
	s.bySid[sid] = opsSession{OperatorID: operatorID, ExpiresAt: expiresAt}
	return sid, nil
}

func (s *memorySessionStore) Lookup(_ context.Context, sid string) (opsSession, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.bySid[sid]
	if !ok || v.RevokedAt != nil || time.Now().After(v.ExpiresAt) {
		return opsSession{}, false, nil
	}
	return v, true, nil
}

func (s *memorySessionStore) Revoke(_ context.Context, sid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bySid, sid)
	return nil
}

type pgSessionStore struct {
	q queryExecer
}

func newSessionStoreFromDB(db queryExecer) sessionStore {
	if db == nil {
		return newMemorySessionStore()
	}
	return &pgSessionStore{q: db}
}

func (s *pgSessionStore) Create(ctx context.Context, operatorID string, expiresAt time.Time, ip string, userAgent string) (string, error) {
	sid, tokenSha256, err := newOpsSid()
	if err != nil {
		return "", err
	}
	_, err = s.q.Exec(ctx, `
INSERT INTO ops.sessions (token_sha256, operator_id, expires_at, ip, user_agent)
VALUES ($1, $2::uuid, $3, $4, $5);
`, tokenSha256, operatorID, expiresAt, ip, userAgent)
	if err != nil {
		return "", err
	}
	return sid, nil
}

func (s *pgSessionStore) Lookup(ctx context.Context, sid string) (opsSession, bool, error) {
	sum := sha256.Sum256([]byte(sid))
	var (
		out       opsSession
		revokedAt *time.Time
	)
	err := s.q.QueryRow(ctx, `
SELECT operator_id::text, expires_at, revoked_at
FROM ops.sessions
WHERE token_sha256 = $1;
`, sum[:]).Scan(&out.OperatorID, &out.ExpiresAt, &revokedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return opsSession{}, false, nil
		}
		return opsSession{}, false, err
	}
	out.RevokedAt = revokedAt
	if out.RevokedAt != nil || time.Now().After(out.ExpiresAt) {
		return opsSession{}, false, nil
	}
	return out, true, nil
}

func (s *pgSessionStore) Revoke(ctx context.Context, sid string) error {
	if sid == "" {
		return nil
	}
	sum := sha256.Sum256([]byte(sid))
	_, err := s.q.Exec(ctx, `DELETE FROM ops.sessions WHERE token_sha256 = $1;`, sum[:])
	return err
}

type operatorCtxKey struct{}

func operatorFromContext(ctx context.Context) (operator, bool) {
	v, ok := ctx.Value(operatorCtxKey{}).(operator)
	return v, ok
}

func withOperatorSession(store sessionStore, operators operatorStore, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health", "/healthz", "/superadmin/login", "/superadmin/logout":
			next.ServeHTTP(w, r)
			return
		default:
		}

		sid, ok := readOpsSid(r)
		if !ok {
			http.Redirect(w, r, "/superadmin/login", http.StatusFound)
			return
		}

		sess, found, err := store.Lookup(r.Context(), sid)
		if err != nil {
			http.Error(w, "internal error\n", http.StatusInternalServerError)
			return
		}
		if !found {
			clearOpsSidCookie(w)
			http.Redirect(w, r, "/superadmin/login", http.StatusFound)
			return
		}

		op, ok, err := operators.GetByID(r.Context(), sess.OperatorID)
		if err != nil {
			http.Error(w, "internal error\n", http.StatusInternalServerError)
			return
		}
		if !ok || op.Status != "active" {
			_ = store.Revoke(r.Context(), sid)
			clearOpsSidCookie(w)
			http.Redirect(w, r, "/superadmin/login", http.StatusFound)
			return
		}

		r = r.WithContext(context.WithValue(r.Context(), operatorCtxKey{}, op))
		next.ServeHTTP(w, r)
	})
}
