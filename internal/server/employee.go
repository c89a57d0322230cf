package server

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/harperlane7/Thorn-And-Thistle/pkg/httperr"
	"github.com/harperlane7/Thorn-And-Thistle/pkg/uuidv7"
)

const (
	employeeStatusActive   = "active"
	employeeStatusInactive = "inactive"
)

// Employee is a tenant-scoped person record, optionally pinned to a branch.
// TenantID is stamped from the actor at creation and never taken from input.
type Employee struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	BranchID  *string   `json:"branch_id"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Email     string    `json:"email"`
	Title     string    `json:"title"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type employeeInput struct {
	FirstName string  `json:"first_name"`
	LastName  string  `json:"last_name"`
	Email     string  `json:"email"`
	Title     string  `json:"title"`
	BranchID  *string `json:"branch_id"`
	Status    string  `json:"status"`
}

func (in *employeeInput) normalize() error {
	in.FirstName = strings.TrimSpace(in.FirstName)
	in.LastName = strings.TrimSpace(in.LastName)
	in.Email = normalizeEmail(in.Email)
	in.Title = strings.TrimSpace(in.Title)
	if in.Status == "" {
		in.Status = employeeStatusActive
	}
	if in.FirstName == "" || in.LastName == "" {
		return httperr.NewBadRequest("first_name and last_name are required")
	}
	if in.Email == "" {
		return httperr.NewBadRequest("email is required")
	}
	if in.Status != employeeStatusActive && in.Status != employeeStatusInactive {
		return httperr.NewBadRequest("status must be active or inactive")
	}
	if in.BranchID != nil && *in.BranchID == "" {
		in.BranchID = nil
	}
	return nil
}

// employeeStore reads run through the branch-aware filter; Locate is the
// privileged tenant-wide lookup used by mutation handlers so a denial can be
// reported as such instead of as absence.
type employeeStore interface {
	Create(ctx context.Context, actor ActorContext, in employeeInput) (Employee, error)
	List(ctx context.Context, actor ActorContext) ([]Employee, error)
	Get(ctx context.Context, actor ActorContext, id string) (Employee, bool, error)
	Locate(ctx context.Context, actor ActorContext, id string) (Employee, bool, error)
	Update(ctx context.Context, actor ActorContext, id string, in employeeInput) (Employee, bool, error)
}

func newEmployeeStore(pool pgBeginner) employeeStore {
	if pool == nil {
		return newMemoryEmployeeStore()
	}
	return &pgEmployeeStore{db: pool}
}

type memoryEmployeeStore struct {
	mu        sync.RWMutex
	employees []Employee
}

func newMemoryEmployeeStore() *memoryEmployeeStore {
	return &memoryEmployeeStore{}
}

func (s *memoryEmployeeStore) Create(ctx context.Context, actor ActorContext, in employeeInput) (Employee, error) {
	if _, err := creationFilter(actor); err != nil {
		return Employee{}, err
	}
	id, err := uuidv7.NewString()
	if err != nil {
		return Employee{}, err
	}
	now := time.Now().UTC()
	e := Employee{
		ID:        id,
		TenantID:  actor.Tenant.ID,
		BranchID:  in.BranchID,
		FirstName: in.FirstName,
		LastName:  in.LastName,
		Email:     in.Email,
		Title:     in.Title,
		Status:    in.Status,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, other := range s.employees {
		if other.TenantID == e.TenantID && other.Email == e.Email {
			return Employee{}, httperr.NewConflict("employee email already in use")
		}
	}
	s.employees = append(s.employees, e)
	return e, nil
}

func (s *memoryEmployeeStore) List(ctx context.Context, actor ActorContext) ([]Employee, error) {
	f, err := filterFor(actor, ScopeTenantAndBranch)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Employee, 0)
	for _, e := range s.employees {
		if f.visible(e.TenantID, e.BranchID) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastName != out[j].LastName {
			return out[i].LastName < out[j].LastName
		}
		return out[i].FirstName < out[j].FirstName
	})
	return out, nil
}

func (s *memoryEmployeeStore) Get(ctx context.Context, actor ActorContext, id string) (Employee, bool, error) {
	f, err := filterFor(actor, ScopeTenantAndBranch)
	if err != nil {
		return Employee{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.employees {
		if e.ID == id && f.visible(e.TenantID, e.BranchID) {
			return e, true, nil
		}
	}
	return Employee{}, false, nil
}

func (s *memoryEmployeeStore) Locate(ctx context.Context, actor ActorContext, id string) (Employee, bool, error) {
	f, err := filterFor(actor, ScopeTenantOnly)
	if err != nil {
		return Employee{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.employees {
		if e.ID == id && f.visible(e.TenantID, nil) {
			return e, true, nil
		}
	}
	return Employee{}, false, nil
}

func (s *memoryEmployeeStore) Update(ctx context.Context, actor ActorContext, id string, in employeeInput) (Employee, bool, error) {
	f, err := filterFor(actor, ScopeTenantOnly)
	if err != nil {
		return Employee{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.employees {
		if e.ID != id || !f.visible(e.TenantID, nil) {
			continue
		}
		for _, other := range s.employees {
			if other.ID != e.ID && other.TenantID == e.TenantID && other.Email == in.Email {
				return Employee{}, false, httperr.NewConflict("employee email already in use")
			}
		}
		e.FirstName = in.FirstName
		e.LastName = in.LastName
		e.Email = in.Email
		e.Title = in.Title
		e.Status = in.Status
		e.BranchID = in.BranchID
		e.UpdatedAt = time.Now().UTC()
		s.employees[i] = e
		return e, true, nil
	}
	return Employee{}, false, nil
}

type pgEmployeeStore struct {
	db pgBeginner
}

const employeeColumns = `id::text, tenant_id::text, branch_id::text, first_name, last_name, email, title, status, created_at, updated_at`

func scanEmployee(row pgx.Row) (Employee, error) {
	var e Employee
	err := row.Scan(&e.ID, &e.TenantID, &e.BranchID, &e.FirstName, &e.LastName, &e.Email, &e.Title, &e.Status, &e.CreatedAt, &e.UpdatedAt)
	return e, err
}

func (s *pgEmployeeStore) Create(ctx context.Context, actor ActorContext, in employeeInput) (Employee, error) {
	f, err := creationFilter(actor)
	if err != nil {
		return Employee{}, err
	}
	id, err := uuidv7.NewString()
	if err != nil {
		return Employee{}, err
	}
	var e Employee
	err = tenantTx(ctx, s.db, f, func(tx pgx.Tx) error {
		var serr error
		e, serr = scanEmployee(tx.QueryRow(ctx, `
INSERT INTO hr.employees (id, tenant_id, branch_id, first_name, last_name, email, title, status)
VALUES ($1::uuid, $2::uuid, $3::uuid, $4, $5, $6, $7, $8)
RETURNING `+employeeColumns+`
`, id, actor.Tenant.ID, in.BranchID, in.FirstName, in.LastName, in.Email, in.Title, in.Status))
		return serr
	})
	if err != nil {
		return Employee{}, err
	}
	return e, nil
}

func (s *pgEmployeeStore) List(ctx context.Context, actor ActorContext) ([]Employee, error) {
	f, err := filterFor(actor, ScopeTenantAndBranch)
	if err != nil {
		return nil, err
	}
	out := make([]Employee, 0)
	err = tenantTx(ctx, s.db, f, func(tx pgx.Tx) error {
		var rows pgx.Rows
		var qerr error
		switch {
		case f.Superuser:
			rows, qerr = tx.Query(ctx, `
SELECT `+employeeColumns+`
FROM hr.employees
ORDER BY last_name ASC, first_name ASC
`)
		case f.AllBranches:
			rows, qerr = tx.Query(ctx, `
SELECT `+employeeColumns+`
FROM hr.employees
WHERE tenant_id = $1::uuid
ORDER BY last_name ASC, first_name ASC
`, f.Tenant)
		default:
			rows, qerr = tx.Query(ctx, `
SELECT `+employeeColumns+`
FROM hr.employees
WHERE tenant_id = $1::uuid
  AND (branch_id IS NULL OR branch_id::text = ANY($2::text[]))
ORDER BY last_name ASC, first_name ASC
`, f.Tenant, f.BranchIDs)
		}
		if qerr != nil {
			return qerr
		}
		defer rows.Close()
		for rows.Next() {
			var e Employee
			if err := rows.Scan(&e.ID, &e.TenantID, &e.BranchID, &e.FirstName, &e.LastName, &e.Email, &e.Title, &e.Status, &e.CreatedAt, &e.UpdatedAt); err != nil {
				return err
			}
			out = append(out, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *pgEmployeeStore) Get(ctx context.Context, actor ActorContext, id string) (Employee, bool, error) {
	f, err := filterFor(actor, ScopeTenantAndBranch)
	if err != nil {
		return Employee{}, false, err
	}
	return s.getOne(ctx, f, id, !f.AllBranches)
}

func (s *pgEmployeeStore) Locate(ctx context.Context, actor ActorContext, id string) (Employee, bool, error) {
	f, err := filterFor(actor, ScopeTenantOnly)
	if err != nil {
		return Employee{}, false, err
	}
	return s.getOne(ctx, f, id, false)
}

func (s *pgEmployeeStore) getOne(ctx context.Context, f scopeFilter, id string, branchScoped bool) (Employee, bool, error) {
	var e Employee
	found := false
	err := tenantTx(ctx, s.db, f, func(tx pgx.Tx) error {
		var serr error
		switch {
		case f.Superuser:
			e, serr = scanEmployee(tx.QueryRow(ctx, `
SELECT `+employeeColumns+`
FROM hr.employees
WHERE id = $1::uuid
`, id))
		case branchScoped:
			e, serr = scanEmployee(tx.QueryRow(ctx, `
SELECT `+employeeColumns+`
FROM hr.employees
WHERE tenant_id = $1::uuid AND id = $2::uuid
  AND (branch_id IS NULL OR branch_id::text = ANY($3::text[]))
`, f.Tenant, id, f.BranchIDs))
		default:
			e, serr = scanEmployee(tx.QueryRow(ctx, `
SELECT `+employeeColumns+`
FROM hr.employees
WHERE tenant_id = $1::uuid AND id = $2::uuid
`, f.Tenant, id))
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
		return Employee{}, false, err
	}
	return e, found, nil
}

func (s *pgEmployeeStore) Update(ctx context.Context, actor ActorContext, id string, in employeeInput) (Employee, bool, error) {
	f, err := filterFor(actor, ScopeTenantOnly)
	if err != nil {
		return Employee{}, false, err
	}
	var e Employee
	found := false
	err = tenantTx(ctx, s.db, f, func(tx pgx.Tx) error {
		var serr error
		if f.Superuser {
			e, serr = scanEmployee(tx.QueryRow(ctx, `
UPDATE hr.employees
SET branch_id = $2::uuid, first_name = $3, last_name = $4, email = $5, title = $6, status = $7, updated_at = now()
WHERE id = $1::uuid
RETURNING `+employeeColumns+`
`, id, in.BranchID, in.FirstName, in.LastName, in.Email, in.Title, in.Status))
		} else {
			e, serr = scanEmployee(tx.QueryRow(ctx, `
UPDATE hr.employees
SET branch_id = $3::uuid, first_name = $4, last_name = $5, email = $6, title = $7, status = $8, updated_at = now()
WHERE tenant_id = $1::uuid AND id = $2::uuid
RETURNING `+employeeColumns+`
`, f.Tenant, id, in.BranchID, in.FirstName, in.LastName, in.Email, in.Title, in.Status))
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
		return Employee{}, false, err
	}
	return e, found, nil
}
