package server

import (
	"context"
	"testing"

	"github.com/harperlane7/Thorn-And-Thistle/pkg/authz"
	"github.com/harperlane7/Thorn-And-Thistle/pkg/httperr"
)

func TestMemoryPrincipalStore_EmailUniquePerTenant(t *testing.T) {
	t.Parallel()

	s := newMemoryPrincipalStore()
	ctx := context.Background()

	if _, err := s.Create(ctx, "t-a", "Lee@Example.COM", "hash", authz.RoleStaff); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.Create(ctx, "t-a", "lee@example.com", "hash", authz.RoleStaff); !httperr.IsConflict(err) {
		t.Fatalf("duplicate in same tenant: got err=%v, want conflict", err)
	}
	// The same address belongs to a different person in another tenant.
	if _, err := s.Create(ctx, "t-b", "lee@example.com", "hash", authz.RoleStaff); err != nil {
		t.Fatalf("same email, other tenant: %v", err)
	}
}

func TestMemoryPrincipalStore_LookupsAreTenantBound(t *testing.T) {
	t.Parallel()

	s := newMemoryPrincipalStore()
	ctx := context.Background()

	p, err := s.Create(ctx, "t-a", "casey@example.com", "hash", authz.RoleManager)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, found, _ := s.GetByID(ctx, "t-a", p.ID); !found {
		t.Fatal("own tenant lookup missed")
	}
	if _, found, _ := s.GetByID(ctx, "t-b", p.ID); found {
		t.Fatal("foreign tenant resolved a leaked principal id")
	}
	if _, found, _ := s.GetByEmail(ctx, "t-b", "casey@example.com"); found {
		t.Fatal("foreign tenant resolved a principal by email")
	}
}

func TestMemoryPrincipalStore_UpdateAccess(t *testing.T) {
	t.Parallel()

	s := newMemoryPrincipalStore()
	ctx := context.Background()

	p, err := s.Create(ctx, "t-a", "rowan@example.com", "hash", authz.RoleStaff)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if p.TenantAdmin {
		t.Fatal("staff principal created as tenant admin")
	}

	got, found, err := s.UpdateAccess(ctx, "t-a", p.ID, authz.RoleTenantAdmin, []string{"b-2", "b-1"})
	if err != nil || !found {
		t.Fatalf("update access: found=%v err=%v", found, err)
	}
	if got.RoleSlug != authz.RoleTenantAdmin || !got.TenantAdmin {
		t.Fatalf("role not applied: role=%q admin=%v", got.RoleSlug, got.TenantAdmin)
	}

	ids, err := s.BranchIDs(ctx, "t-a", p.ID)
	if err != nil {
		t.Fatalf("branch ids: %v", err)
	}
	if len(ids) != 2 || ids[0] != "b-1" || ids[1] != "b-2" {
		t.Fatalf("branch ids = %v, want [b-1 b-2]", ids)
	}

	// Assignment replaces, never appends.
	if _, _, err := s.UpdateAccess(ctx, "t-a", p.ID, authz.RoleStaff, []string{"b-3"}); err != nil {
		t.Fatalf("second update: %v", err)
	}
	ids, _ = s.BranchIDs(ctx, "t-a", p.ID)
	if len(ids) != 1 || ids[0] != "b-3" {
		t.Fatalf("branch ids after replace = %v, want [b-3]", ids)
	}

	if _, found, _ := s.UpdateAccess(ctx, "t-b", p.ID, authz.RoleStaff, nil); found {
		t.Fatal("foreign tenant updated a principal")
	}
	if ids, _ := s.BranchIDs(ctx, "t-b", p.ID); ids != nil {
		t.Fatalf("foreign tenant read branch ids: %v", ids)
	}
}
