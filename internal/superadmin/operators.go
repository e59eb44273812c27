package superadmin

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
)

var errInvalidCredentials = errors.New("superadmin: invalid credentials")

// operator is a platform staff account. Operators live outside any tenant
// and never appear in iam.principals.
type operator struct {
	ID     string
	Email  string
	Status string
}

type operatorStore interface {
	Authenticate(ctx context.Context, email string, password string) (operator, error)
	GetByID(ctx context.Context, operatorID string) (operator, bool, error)
}

func hashPassword(password string) []byte {
	sum := sha256.Sum256([]byte(password))
	return sum[:]
}

type pgOperatorStore struct {
	q queryExecer
}

func newOperatorStoreFromDB(db queryExecer) operatorStore {
	if db == nil {
		return newMemoryOperatorStore()
	}
	return &pgOperatorStore{q: db}
}

func (s *pgOperatorStore) Authenticate(ctx context.Context, email string, password string) (operator, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	var (
		op   operator
		hash []byte
	)
	err := s.q.QueryRow(ctx, `
SELECT id::text, email, status, password_sha256
FROM ops.operators
WHERE email = $1
`, email).Scan(&op.ID, &op.Email, &op.Status, &hash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return operator{}, errInvalidCredentials
		}
		return operator{}, err
	}
	if subtle.ConstantTimeCompare(hash, hashPassword(password)) != 1 {
		return operator{}, errInvalidCredentials
	}
	if op.Status != "active" {
		return operator{}, errInvalidCredentials
	}
	return op, nil
}

func (s *pgOperatorStore) GetByID(ctx context.Context, operatorID string) (operator, bool, error) {
	var op operator
	err := s.q.QueryRow(ctx, `
SELECT id::text, email, status
FROM ops.operators
WHERE id = $1::uuid
`, operatorID).Scan(&op.ID, &op.Email, &op.Status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return operator{}, false, nil
		}
		return operator{}, false, err
	}
	return op, true, nil
}

type memoryOperatorStore struct {
	mu      sync.Mutex
	byID    map[string]operator
	byEmail map[string]string
	hashes  map[string][]byte
}

func newMemoryOperatorStore() *memoryOperatorStore {
	return &memoryOperatorStore{
		byID:    map[string]operator{},
		byEmail: map[string]string{},
		hashes:  map[string][]byte{},
	}
}

func (s *memoryOperatorStore) Put(op operator, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op.Email = strings.ToLower(strings.TrimSpace(op.Email))
	s.byID[op.ID] = op
	s.byEmail[op.Email] = op.ID
	s.hashes[op.ID] = hashPassword(password)
}

func (s *memoryOperatorStore) Authenticate(_ context.Context, email string, password string) (operator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byEmail[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return operator{}, errInvalidCredentials
	}
	op := s.byID[id]
	if subtle.ConstantTimeCompare(s.hashes[id], hashPassword(password)) != 1 {
		return operator{}, errInvalidCredentials
	}
	if op.Status != "active" {
		return operator{}, errInvalidCredentials
	}
	return op, nil
}

func (s *memoryOperatorStore) GetByID(_ context.Context, operatorID string) (operator, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.byID[operatorID]
	return op, ok, nil
}
