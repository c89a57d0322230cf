package server

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/harperlane7/Thorn-And-Thistle/pkg/uuidv7"
)

// Branch is the sub-scope inside a tenant. Employees and punches may be
// pinned to a branch; a row without one is visible tenant-wide.
type Branch struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Name      string    `json:"name"`
	Code      string    `json:"code"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// branchUpdate carries the mutable branch attributes; nil means unchanged.
// Deactivation keeps the row and its references; it only stops the branch
// from taking new assignments.
type branchUpdate struct {
	Name   *string
	Active *bool
}

type branchStore interface {
	Create(ctx context.Context, actor ActorContext, name, code string) (Branch, error)
	List(ctx context.Context, actor ActorContext) ([]Branch, error)
	Get(ctx context.Context, actor ActorContext, id string) (Branch, bool, error)
	Update(ctx context.Context, actor ActorContext, id string, upd branchUpdate) (Branch, bool, error)
}

func newBranchStore(pool pgBeginner) branchStore {
	if pool == nil {
		return newMemoryBranchStore()
	}
	return &pgBranchStore{db: pool}
}

type memoryBranchStore struct {
	mu       sync.RWMutex
	branches []Branch
}

func newMemoryBranchStore() *memoryBranchStore {
	return &memoryBranchStore{}
}

func (s *memoryBranchStore) Create(ctx context.Context, actor ActorContext, name, code string) (Branch, error) {
	if _, err := creationFilter(actor); err != nil {
		return Branch{}, err
	}
	id, err := uuidv7.NewString()
	if err != nil {
		return Branch{}, err
	}
	b := Branch{
		ID:        id,
		TenantID:  actor.Tenant.ID,
		Name:      name,
		Code:      code,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.branches = append(s.branches, b)
	return b, nil
}

func (s *memoryBranchStore) List(ctx context.Context, actor ActorContext) ([]Branch, error) {
	f, err := filterFor(actor, ScopeTenantOnly)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Branch, 0)
	for _, b := range s.branches {
		if f.visible(b.TenantID, nil) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *memoryBranchStore) Get(ctx context.Context, actor ActorContext, id string) (Branch, bool, error) {
	f, err := filterFor(actor, ScopeTenantOnly)
	if err != nil {
		return Branch{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.branches {
		if b.ID == id && f.visible(b.TenantID, nil) {
			return b, true, nil
		}
	}
	return Branch{}, false, nil
}

func (s *memoryBranchStore) Update(ctx context.Context, actor ActorContext, id string, upd branchUpdate) (Branch, bool, error) {
	f, err := filterFor(actor, ScopeTenantOnly)
	if err != nil {
		return Branch{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, b := range s.branches {
		if b.ID != id || !f.visible(b.TenantID, nil) {
			continue
		}
		if upd.Name != nil {
			b.Name = *upd.Name
		}
		if upd.Active != nil {
			b.Active = *upd.Active
		}
		s.branches[i] = b
		return b, true, nil
	}
	return Branch{}, false, nil
}

type pgBranchStore struct {
	db pgBeginner
}

func (s *pgBranchStore) Create(ctx context.Context, actor ActorContext, name, code string) (Branch, error) {
	f, err := creationFilter(actor)
	if err != nil {
		return Branch{}, err
	}
	id, err := uuidv7.NewString()
	if err != nil {
		return Branch{}, err
	}
	b := Branch{ID: id, TenantID: actor.Tenant.ID, Name: name, Code: code, Active: true}
	err = tenantTx(ctx, s.db, f, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
INSERT INTO hr.branches (id, tenant_id, name, code)
VALUES ($1::uuid, $2::uuid, $3, $4)
RETURNING created_at
`, b.ID, b.TenantID, b.Name, b.Code).Scan(&b.CreatedAt)
	})
	if err != nil {
		return Branch{}, err
	}
	return b, nil
}

func (s *pgBranchStore) List(ctx context.Context, actor ActorContext) ([]Branch, error) {
	f, err := filterFor(actor, ScopeTenantOnly)
	if err != nil {
		return nil, err
	}
	out := make([]Branch, 0)
	err = tenantTx(ctx, s.db, f, func(tx pgx.Tx) error {
		var rows pgx.Rows
		var qerr error
		if f.Superuser {
			rows, qerr = tx.Query(ctx, `
SELECT id::text, tenant_id::text, name, code, is_active, created_at
FROM hr.branches
ORDER BY name ASC
`)
		} else {
			rows, qerr = tx.Query(ctx, `
SELECT id::text, tenant_id::text, name, code, is_active, created_at
FROM hr.branches
WHERE tenant_id = $1::uuid
ORDER BY name ASC
`, f.Tenant)
		}
		if qerr != nil {
			return qerr
		}
		defer rows.Close()
		for rows.Next() {
			var b Branch
			if err := rows.Scan(&b.ID, &b.TenantID, &b.Name, &b.Code, &b.Active, &b.CreatedAt); err != nil {
				return err
			}
			out = append(out, b)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *pgBranchStore) Get(ctx context.Context, actor ActorContext, id string) (Branch, bool, error) {
	f, err := filterFor(actor, ScopeTenantOnly)
	if err != nil {
		return Branch{}, false, err
	}
	var b Branch
	found := false
	err = tenantTx(ctx, s.db, f, func(tx pgx.Tx) error {
		var serr error
		if f.Superuser {
			serr = tx.QueryRow(ctx, `
SELECT id::text, tenant_id::text, name, code, is_active, created_at
FROM hr.branches
WHERE id = $1::uuid
`, id).Scan(&b.ID, &b.TenantID, &b.Name, &b.Code, &b.Active, &b.CreatedAt)
		} else {
			serr = tx.QueryRow(ctx, `
SELECT id::text, tenant_id::text, name, code, is_active, created_at
FROM hr.branches
WHERE tenant_id = $1::uuid AND id = $2::uuid
`, f.Tenant, id).Scan(&b.ID, &b.TenantID, &b.Name, &b.Code, &b.Active, &b.CreatedAt)
		}
		if errors.Is(serr, pgx.ErrNoRows) {
			return nil
		}
		if serr != nil {
			return serr
		}
		found = true
		return nil
	})
	if err != nil {
		return Branch{}, false, err
	}
	return b, found, nil
}

func (s *pgBranchStore) Update(ctx context.Context, actor ActorContext, id string, upd branchUpdate) (Branch, bool, error) {
	f, err := filterFor(actor, ScopeTenantOnly)
	if err != nil {
		return Branch{}, false, err
	}
	var b Branch
	found := false
	err = tenantTx(ctx, s.db, f, func(tx pgx.Tx) error {
		var serr error
		if f.Superuser {
			serr = tx.QueryRow(ctx, `
UPDATE hr.branches
SET name = COALESCE($2, name),
    is_active = COALESCE($3, is_active)
WHERE id = $1::uuid
RETURNING id::text, tenant_id::text, name, code, is_active, created_at
`, id, upd.Name, upd.Active).Scan(&b.ID, &b.TenantID, &b.Name, &b.Code, &b.Active, &b.CreatedAt)
		} else {
			serr = tx.QueryRow(ctx, `
UPDATE hr.branches
SET name = COALESCE($3, name),
    is_active = COALESCE($4, is_active)
WHERE tenant_id = $1::uuid AND id = $2::uuid
RETURNING id::text, tenant_id::text, name, code, is_active, created_at
`, f.Tenant, id, upd.Name, upd.Active).Scan(&b.ID, &b.TenantID, &b.Name, &b.Code, &b.Active, &b.CreatedAt)
		}
		if errors.Is(serr, pgx.ErrNoRows) {
			return nil
		}
		if serr != nil {
			return serr
		}
		found = true
		return nil
	})
	if err != nil {
		return Branch{}, false, err
	}
	return b, found, nil
}
