package server

import (
	"testing"

	"github.com/harperlane7/Thorn-And-Thistle/pkg/httperr"
)

func TestCanView(t *testing.T) {
	t.Parallel()

	tenant := Tenant{ID: "t1", Active: true}
	staff := ActorContext{Tenant: tenant, PrincipalID: "p1", BranchIDs: []string{"b1"}}
	admin := ActorContext{Tenant: tenant, PrincipalID: "p2", TenantAdmin: true}
	su := ActorContext{PrincipalID: "op", Superuser: true}
	anon := anonymousActor(tenant)

	cases := []struct {
		name      string
		actor     ActorContext
		objTenant string
		objBranch *string
		want      bool
	}{
		{name: "staff same tenant tenant-wide", actor: staff, objTenant: "t1", want: true},
		{name: "staff assigned branch", actor: staff, objTenant: "t1", objBranch: strptr("b1"), want: true},
		{name: "staff other branch", actor: staff, objTenant: "t1", objBranch: strptr("b2"), want: false},
		{name: "staff cross tenant", actor: staff, objTenant: "t2", want: false},
		{name: "admin any branch", actor: admin, objTenant: "t1", objBranch: strptr("b9"), want: true},
		{name: "admin cross tenant", actor: admin, objTenant: "t2", want: false},
		{name: "superuser cross tenant", actor: su, objTenant: "t2", objBranch: strptr("b2"), want: true},
		{name: "anonymous", actor: anon, objTenant: "t1", want: false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if got := canView(tc.actor, tc.objTenant, tc.objBranch); got != tc.want {
				t.Fatalf("got=%v want=%v", got, tc.want)
			}
		})
	}
}

func TestAdmitMutation(t *testing.T) {
	t.Parallel()

	staff := ActorContext{Tenant: Tenant{ID: "t1"}, PrincipalID: "p1", BranchIDs: []string{"b1"}}

	if err := admitMutation(staff, "t1", strptr("b1"), "employee"); err != nil {
		t.Fatalf("err=%v", err)
	}
	err := admitMutation(staff, "t2", nil, "employee")
	if !httperr.IsPermissionDenied(err) {
		t.Fatalf("err=%v", err)
	}
}

func TestAllowedRelationTargets(t *testing.T) {
	t.Parallel()

	staff := ActorContext{Tenant: Tenant{ID: "t1"}, PrincipalID: "p1", BranchIDs: []string{"b1"}}
	candidates := []relationTarget{
		{ID: "1", TenantID: "t1"},
		{ID: "2", TenantID: "t1", BranchID: strptr("b1")},
		{ID: "3", TenantID: "t1", BranchID: strptr("b2")},
		{ID: "4", TenantID: "t2"},
	}

	got := allowedRelationTargets(staff, candidates)
	if len(got) != 2 {
		t.Fatalf("got %d targets", len(got))
	}
	if got[0].ID != "1" || got[1].ID != "2" {
		t.Fatalf("got=%v", got)
	}
}
