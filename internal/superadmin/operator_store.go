package superadmin

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/crypto/bcrypt"

	"github.com/harperlane7/Thorn-And-Thistle/pkg/uuidv7"
)

// Operator is a platform-level identity. Operators live outside every
// tenant: their rows carry no tenant_id and they never appear in
// tenant-facing surfaces.
type Operator struct {
	ID           string
	Email        string
	PasswordHash string
	Status       string
}

func (o Operator) Active() bool { return o.Status == "active" }

type operatorStore interface {
	Ensure(ctx context.Context, email string, passwordHash string) (Operator, error)
	GetByEmail(ctx context.Context, email string) (Operator, bool, error)
	GetByID(ctx context.Context, operatorID string) (Operator, bool, error)
}

type queryExecer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// dummyOperatorHash keeps login timing flat when the email is unknown.
const dummyOperatorHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

func hashOperatorPassword(plain string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func verifyOperatorPassword(hash string, plain string) bool {
	if hash == "" {
		hash = dummyOperatorHash
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}

type memoryOperatorStore struct {
	mu      sync.Mutex
	byEmail map[string]Operator
	byID    map[string]Operator
}

func newMemoryOperatorStore() *memoryOperatorStore {
	return &memoryOperatorStore{
		byEmail: map[string]Operator{},
		byID:    map[string]Operator{},
	}
}

func (s *memoryOperatorStore) Ensure(_ context.Context, email string, passwordHash string) (Operator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	email = normalizeEmail(email)
	if o, ok := s.byEmail[email]; ok {
		if !o.Active() {
			return Operator{}, errors.New("superadmin: operator is not active")
		}
		return o, nil
	}
	id, err := uuidv7.NewString()
	if err != nil {
		return Operator{}, err
	}
	o := Operator{ID: id, Email: email, PasswordHash: passwordHash, Status: "active"}
	s.byEmail[email] = o
	s.byID[id] = o
	return o, nil
}

func (s *memoryOperatorStore) GetByEmail(_ context.Context, email string) (Operator, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.byEmail[normalizeEmail(email)]
	if !ok {
		return Operator{}, false, nil
	}
	return o, true, nil
}

func (s *memoryOperatorStore) GetByID(_ context.Context, operatorID string) (Operator, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.byID[operatorID]
	if !ok {
		return Operator{}, false, nil
	}
	return o, true, nil
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

func (s *pgOperatorStore) Ensure(ctx context.Context, email string, passwordHash string) (Operator, error) {
	id, err := uuidv7.NewString()
	if err != nil {
		return Operator{}, err
	}
	var o Operator
	err = s.q.QueryRow(ctx, `
INSERT INTO superadmin.operators (id, email, password_hash, status)
VALUES ($1::uuid, $2, $3, 'active')
ON CONFLICT (email) DO UPDATE SET updated_at = now()
RETURNING id::text, email, password_hash, status;
`, id, normalizeEmail(email), passwordHash).Scan(&o.ID, &o.Email, &o.PasswordHash, &o.Status)
	if err != nil {
		return Operator{}, err
	}
	if !o.Active() {
		return Operator{}, errors.New("superadmin: operator is not active")
	}
	return o, nil
}

func (s *pgOperatorStore) GetByEmail(ctx context.Context, email string) (Operator, bool, error) {
	var o Operator
	err := s.q.QueryRow(ctx, `
SELECT id::text, email, password_hash, status
FROM superadmin.operators
WHERE email = $1;
`, normalizeEmail(email)).Scan(&o.ID, &o.Email, &o.PasswordHash, &o.Status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Operator{}, false, nil
		}
		return Operator{}, false, err
	}
	return o, true, nil
}

func (s *pgOperatorStore) GetByID(ctx context.Context, operatorID string) (Operator, bool, error) {
	var o Operator
	err := s.q.QueryRow(ctx, `
SELECT id::text, email, password_hash, status
FROM superadmin.operators
WHERE id = $1::uuid;
`, operatorID).Scan(&o.ID, &o.Email, &o.PasswordHash, &o.Status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Operator{}, false, nil
		}
		return Operator{}, false, err
	}
	return o, true, nil
}
