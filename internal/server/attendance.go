package server

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/harperlane7/Thorn-And-Thistle/pkg/httperr"
	"github.com/harperlane7/Thorn-And-Thistle/pkg/uuidv7"
)

const (
	punchKindIn  = "in"
	punchKindOut = "out"
)

// AttendancePunch records one clock event. Tenant and branch come from the
// employee row the punch is filed against, so a punch can never land outside
// the employee's scope.
type AttendancePunch struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	BranchID   *string   `json:"branch_id"`
	EmployeeID string    `json:"employee_id"`
	Kind       string    `json:"kind"`
	PunchedAt  time.Time `json:"punched_at"`
}

func validPunchKind(kind string) bool {
	return kind == punchKindIn || kind == punchKindOut
}

type punchStore interface {
	Create(ctx context.Context, actor ActorContext, emp Employee, kind string) (AttendancePunch, error)
	ListForEmployee(ctx context.Context, actor ActorContext, employeeID string) ([]AttendancePunch, error)
}

func newPunchStore(pool pgBeginner) punchStore {
	if pool == nil {
		return newMemoryPunchStore()
	}
	return &pgPunchStore{db: pool}
}

type memoryPunchStore struct {
	mu      sync.RWMutex
	punches []AttendancePunch
}

func newMemoryPunchStore() *memoryPunchStore {
	return &memoryPunchStore{}
}

func (s *memoryPunchStore) Create(ctx context.Context, actor ActorContext, emp Employee, kind string) (AttendancePunch, error) {
	if _, err := creationFilter(actor); err != nil {
		return AttendancePunch{}, err
	}
	if !validPunchKind(kind) {
		return AttendancePunch{}, httperr.NewBadRequest("kind must be in or out")
	}
	id, err := uuidv7.NewString()
	if err != nil {
		return AttendancePunch{}, err
	}
	p := AttendancePunch{
		ID:         id,
		TenantID:   emp.TenantID,
		BranchID:   emp.BranchID,
		EmployeeID: emp.ID,
		Kind:       kind,
		PunchedAt:  time.Now().UTC(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.punches = append(s.punches, p)
	return p, nil
}

func (s *memoryPunchStore) ListForEmployee(ctx context.Context, actor ActorContext, employeeID string) ([]AttendancePunch, error) {
	f, err := filterFor(actor, ScopeTenantAndBranch)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AttendancePunch, 0)
	for _, p := range s.punches {
		if p.EmployeeID == employeeID && f.visible(p.TenantID, p.BranchID) {
			out = append(out, p)
		}
	}
	return out, nil
}

type pgPunchStore struct {
	db pgBeginner
}

func (s *pgPunchStore) Create(ctx context.Context, actor ActorContext, emp Employee, kind string) (AttendancePunch, error) {
	f, err := creationFilter(actor)
	if err != nil {
		return AttendancePunch{}, err
	}
	if !validPunchKind(kind) {
		return AttendancePunch{}, httperr.NewBadRequest("kind must be in or out")
	}
	id, err := uuidv7.NewString()
	if err != nil {
		return AttendancePunch{}, err
	}
	p := AttendancePunch{
		ID:         id,
		TenantID:   emp.TenantID,
		BranchID:   emp.BranchID,
		EmployeeID: emp.ID,
		Kind:       kind,
	}
	err = tenantTx(ctx, s.db, f, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
INSERT INTO hr.attendance_punches (id, tenant_id, branch_id, employee_id, kind)
VALUES ($1::uuid, $2::uuid, $3::uuid, $4::uuid, $5)
RETURNING punched_at
`, p.ID, p.TenantID, p.BranchID, p.EmployeeID, p.Kind).Scan(&p.PunchedAt)
	})
	if err != nil {
		return AttendancePunch{}, err
	}
	return p, nil
}

func (s *pgPunchStore) ListForEmployee(ctx context.Context, actor ActorContext, employeeID string) ([]AttendancePunch, error) {
	f, err := filterFor(actor, ScopeTenantAndBranch)
	if err != nil {
		return nil, err
	}
	out := make([]AttendancePunch, 0)
	err = tenantTx(ctx, s.db, f, func(tx pgx.Tx) error {
		var rows pgx.Rows
		var qerr error
		switch {
		case f.Superuser:
			rows, qerr = tx.Query(ctx, `
SELECT id::text, tenant_id::text, branch_id::text, employee_id::text, kind, punched_at
FROM hr.attendance_punches
WHERE employee_id = $1::uuid
ORDER BY punched_at DESC
`, employeeID)
		case f.AllBranches:
			rows, qerr = tx.Query(ctx, `
SELECT id::text, tenant_id::text, branch_id::text, employee_id::text, kind, punched_at
FROM hr.attendance_punches
WHERE tenant_id = $1::uuid AND employee_id = $2::uuid
ORDER BY punched_at DESC
`, f.Tenant, employeeID)
		default:
			rows, qerr = tx.Query(ctx, `
SELECT id::text, tenant_id::text, branch_id::text, employee_id::text, kind, punched_at
FROM hr.attendance_punches
WHERE tenant_id = $1::uuid AND employee_id = $2::uuid
  AND (branch_id IS NULL OR branch_id::text = ANY($3::text[]))
ORDER BY punched_at DESC
`, f.Tenant, employeeID, f.BranchIDs)
		}
		if qerr != nil {
			return qerr
		}
		defer rows.Close()
		for rows.Next() {
			var p AttendancePunch
			if err := rows.Scan(&p.ID, &p.TenantID, &p.BranchID, &p.EmployeeID, &p.Kind, &p.PunchedAt); err != nil {
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
