package server

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/harperlane7/Thorn-And-Thistle/pkg/authz"
	"github.com/harperlane7/Thorn-And-Thistle/pkg/httperr"
	"github.com/harperlane7/Thorn-And-Thistle/pkg/uuidv7"
)

// principalStore keeps login identities and their branch assignments.
// All lookups are tenant-bound; there is no cross-tenant principal search.
type principalStore interface {
	Create(ctx context.Context, tenantID string, email string, passwordHash string, roleSlug string) (Principal, error)
	GetByEmail(ctx context.Context, tenantID string, email string) (Principal, bool, error)
	GetByID(ctx context.Context, tenantID string, principalID string) (Principal, bool, error)
	List(ctx context.Context, tenantID string) ([]Principal, error)
	BranchIDs(ctx context.Context, tenantID string, principalID string) ([]string, error)
	UpdateAccess(ctx context.Context, tenantID string, principalID string, roleSlug string, branchIDs []string) (Principal, bool, error)
}

type memoryPrincipalStore struct {
	mu       sync.Mutex
	byKey    map[string]Principal
	byID     map[string]Principal
	branches map[string][]string
}

func newMemoryPrincipalStore() *memoryPrincipalStore {
	return &memoryPrincipalStore{
		byKey:    map[string]Principal{},
		byID:     map[string]Principal{},
		branches: map[string][]string{},
	}
}

func principalKey(tenantID, email string) string {
	return tenantID + "|" + normalizeEmail(email)
}

func (s *memoryPrincipalStore) Create(_ context.Context, tenantID string, email string, passwordHash string, roleSlug string) (Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := principalKey(tenantID, email)
	if _, ok := s.byKey[key]; ok {
		return Principal{}, httperr.NewConflict("principal email already in use")
	}
	id, err := uuidv7.NewString()
	if err != nil {
		return Principal{}, err
	}
	p := Principal{
		ID:           id,
		TenantID:     tenantID,
		Email:        normalizeEmail(email),
		PasswordHash: passwordHash,
		RoleSlug:     roleSlug,
		Status:       principalStatusActive,
		TenantAdmin:  roleSlug == authz.RoleTenantAdmin,
	}
	s.byKey[key] = p
	s.byID[p.ID] = p
	return p, nil
}

func (s *memoryPrincipalStore) GetByEmail(_ context.Context, tenantID string, email string) (Principal, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.byKey[principalKey(tenantID, email)]
	if !ok {
		return Principal{}, false, nil
	}
	return p, true, nil
}

func (s *memoryPrincipalStore) GetByID(_ context.Context, tenantID string, principalID string) (Principal, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.byID[principalID]
	if !ok || p.TenantID != tenantID {
		return Principal{}, false, nil
	}
	return p, true, nil
}

func (s *memoryPrincipalStore) List(_ context.Context, tenantID string) ([]Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Principal
	for _, p := range s.byID {
		if p.TenantID == tenantID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}

func (s *memoryPrincipalStore) BranchIDs(_ context.Context, tenantID string, principalID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.byID[principalID]
	if !ok || p.TenantID != tenantID {
		return nil, nil
	}
	ids := append([]string(nil), s.branches[principalID]...)
	sort.Strings(ids)
	return ids, nil
}

func (s *memoryPrincipalStore) UpdateAccess(_ context.Context, tenantID string, principalID string, roleSlug string, branchIDs []string) (Principal, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.byID[principalID]
	if !ok || p.TenantID != tenantID {
		return Principal{}, false, nil
	}
	p.RoleSlug = roleSlug
	p.TenantAdmin = roleSlug == authz.RoleTenantAdmin
	s.byID[principalID] = p
	s.byKey[principalKey(tenantID, p.Email)] = p
	s.branches[principalID] = append([]string(nil), branchIDs...)
	return p, true, nil
}

type pgPrincipalStore struct {
	db pgBeginner
}

func newPrincipalStore(pool *pgxpool.Pool) principalStore {
	if pool == nil {
		return newMemoryPrincipalStore()
	}
	return &pgPrincipalStore{db: pool}
}

func (s *pgPrincipalStore) Create(ctx context.Context, tenantID string, email string, passwordHash string, roleSlug string) (Principal, error) {
	id, err := uuidv7.NewString()
	if err != nil {
		return Principal{}, err
	}
	var p Principal
	p.ID = id
	p.TenantID = tenantID
	p.Email = normalizeEmail(email)
	p.PasswordHash = passwordHash
	p.RoleSlug = roleSlug
	p.TenantAdmin = roleSlug == authz.RoleTenantAdmin
	err = tenantTx(ctx, s.db, scopeFilter{Tenant: tenantID}, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
INSERT INTO iam.principals (id, tenant_id, email, password_hash, role_slug, status, is_superuser, is_tenant_admin)
VALUES ($1, $2, $3, $4, $5, 'active', false, $6)
RETURNING status;
`, p.ID, tenantID, p.Email, passwordHash, roleSlug, p.TenantAdmin).Scan(&p.Status)
	})
	if err != nil {
		return Principal{}, err
	}
	return p, nil
}

func (s *pgPrincipalStore) GetByEmail(ctx context.Context, tenantID string, email string) (Principal, bool, error) {
	p, found, err := s.getOne(ctx, tenantID, `
SELECT id::text, tenant_id::text, email, password_hash, role_slug, status, is_superuser, is_tenant_admin
FROM iam.principals
WHERE tenant_id = $1 AND email = $2;
`, tenantID, normalizeEmail(email))
	return p, found, err
}

func (s *pgPrincipalStore) GetByID(ctx context.Context, tenantID string, principalID string) (Principal, bool, error) {
	p, found, err := s.getOne(ctx, tenantID, `
SELECT id::text, tenant_id::text, email, password_hash, role_slug, status, is_superuser, is_tenant_admin
FROM iam.principals
WHERE tenant_id = $1 AND id = $2;
`, tenantID, principalID)
	return p, found, err
}

func (s *pgPrincipalStore) getOne(ctx context.Context, tenantID string, sql string, args ...any) (Principal, bool, error) {
	var p Principal
	err := tenantTx(ctx, s.db, scopeFilter{Tenant: tenantID}, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, sql, args...).Scan(
			&p.ID, &p.TenantID, &p.Email, &p.PasswordHash, &p.RoleSlug, &p.Status, &p.Superuser, &p.TenantAdmin)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Principal{}, false, nil
		}
		return Principal{}, false, err
	}
	return p, true, nil
}

func (s *pgPrincipalStore) List(ctx context.Context, tenantID string) ([]Principal, error) {
	var out []Principal
	err := tenantTx(ctx, s.db, scopeFilter{Tenant: tenantID}, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
SELECT id::text, tenant_id::text, email, role_slug, status, is_superuser, is_tenant_admin
FROM iam.principals
WHERE tenant_id = $1
ORDER BY email;
`, tenantID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var p Principal
			if err := rows.Scan(&p.ID, &p.TenantID, &p.Email, &p.RoleSlug, &p.Status, &p.Superuser, &p.TenantAdmin); err != nil {
				return err
			}
			out = append(out, p)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *pgPrincipalStore) BranchIDs(ctx context.Context, tenantID string, principalID string) ([]string, error) {
	var out []string
	err := tenantTx(ctx, s.db, scopeFilter{Tenant: tenantID}, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
SELECT branch_id::text
FROM iam.principal_branches
WHERE tenant_id = $1 AND principal_id = $2
ORDER BY branch_id;
`, tenantID, principalID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			out = append(out, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *pgPrincipalStore) UpdateAccess(ctx context.Context, tenantID string, principalID string, roleSlug string, branchIDs []string) (Principal, bool, error) {
	var p Principal
	found := false
	tenantAdmin := roleSlug == authz.RoleTenantAdmin
	err := tenantTx(ctx, s.db, scopeFilter{Tenant: tenantID}, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
UPDATE iam.principals
SET role_slug = $3, is_tenant_admin = $4, updated_at = now()
WHERE tenant_id = $1 AND id = $2
RETURNING id::text, tenant_id::text, email, role_slug, status, is_superuser, is_tenant_admin;
`, tenantID, principalID, roleSlug, tenantAdmin).Scan(
			&p.ID, &p.TenantID, &p.Email, &p.RoleSlug, &p.Status, &p.Superuser, &p.TenantAdmin)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		if _, err := tx.Exec(ctx, `DELETE FROM iam.principal_branches WHERE tenant_id = $1 AND principal_id = $2;`, tenantID, principalID); err != nil {
			return err
		}
		for _, branchID := range branchIDs {
			if _, err := tx.Exec(ctx, `
INSERT INTO iam.principal_branches (tenant_id, principal_id, branch_id)
VALUES ($1, $2, $3);
`, tenantID, principalID, branchID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Principal{}, false, err
	}
	return p, found, nil
}
