package server

import (
	"errors"
	"testing"
)

func strptr(s string) *string { return &s }

func TestFilterFor_NoTenantFailsClosed(t *testing.T) {
	t.Parallel()

	_, err := filterFor(ActorContext{}, ScopeTenantOnly)
	if !errors.Is(err, errNoTenantContext) {
		t.Fatalf("err=%v", err)
	}
	_, err = creationFilter(ActorContext{})
	if !errors.Is(err, errNoTenantContext) {
		t.Fatalf("err=%v", err)
	}
}

func TestFilterFor_SuperuserNeedsTenantToCreate(t *testing.T) {
	t.Parallel()

	su := ActorContext{Superuser: true}
	f, err := filterFor(su, ScopeTenantAndBranch)
	if err != nil {
		t.Fatal(err)
	}
	if !f.Superuser || !f.AllBranches {
		t.Fatalf("filter=%+v", f)
	}

	if _, err := creationFilter(su); !errors.Is(err, errNoTenantContext) {
		t.Fatalf("err=%v", err)
	}
}

func TestFilterFor_BranchScoping(t *testing.T) {
	t.Parallel()

	tenant := Tenant{ID: "t1", Active: true}
	staff := ActorContext{Tenant: tenant, PrincipalID: "p1", BranchIDs: []string{"b1"}}
	admin := ActorContext{Tenant: tenant, PrincipalID: "p2", TenantAdmin: true}

	f, err := filterFor(staff, ScopeTenantAndBranch)
	if err != nil {
		t.Fatal(err)
	}
	if f.AllBranches {
		t.Fatal("staff must not see all branches")
	}

	f, err = filterFor(staff, ScopeTenantOnly)
	if err != nil {
		t.Fatal(err)
	}
	if !f.AllBranches {
		t.Fatal("tenant-only relations have no branch dimension")
	}

	f, err = filterFor(admin, ScopeTenantAndBranch)
	if err != nil {
		t.Fatal(err)
	}
	if !f.AllBranches {
		t.Fatal("tenant admin sees every branch")
	}
}

func TestScopeFilter_Visible(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		f         scopeFilter
		rowTenant string
		rowBranch *string
		want      bool
	}{
		{name: "same tenant", f: scopeFilter{Tenant: "t1", AllBranches: true}, rowTenant: "t1", want: true},
		{name: "cross tenant", f: scopeFilter{Tenant: "t1", AllBranches: true}, rowTenant: "t2", want: false},
		{name: "cross tenant superuser", f: scopeFilter{Superuser: true}, rowTenant: "t2", want: true},
		{name: "assigned branch", f: scopeFilter{Tenant: "t1", BranchIDs: []string{"b1"}}, rowTenant: "t1", rowBranch: strptr("b1"), want: true},
		{name: "other branch", f: scopeFilter{Tenant: "t1", BranchIDs: []string{"b1"}}, rowTenant: "t1", rowBranch: strptr("b2"), want: false},
		{name: "null branch is tenant wide", f: scopeFilter{Tenant: "t1", BranchIDs: []string{"b1"}}, rowTenant: "t1", rowBranch: nil, want: true},
		{name: "empty filter hides everything", f: scopeFilter{}, rowTenant: "t1", want: false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.f.visible(tc.rowTenant, tc.rowBranch); got != tc.want {
				t.Fatalf("got=%v want=%v", got, tc.want)
			}
		})
	}
}

func TestScopedRelations_Registry(t *testing.T) {
	t.Parallel()

	caps := map[string]ScopeCapability{}
	for _, rel := range scopedRelations() {
		caps[rel.Qualified()] = rel.Capability
	}

	for q, want := range map[string]ScopeCapability{
		"iam.principals":        ScopeTenantOnly,
		"iam.sessions":          ScopeTenantOnly,
		"hr.branches":           ScopeTenantOnly,
		"hr.employees":          ScopeTenantAndBranch,
		"hr.attendance_punches": ScopeTenantAndBranch,
	} {
		got, ok := caps[q]
		if !ok {
			t.Fatalf("relation %s not registered", q)
		}
		if got != want {
			t.Fatalf("%s capability=%v want=%v", q, got, want)
		}
	}

	if _, ok := relationCapability("hr.unknown"); ok {
		t.Fatal("unregistered relation must not resolve")
	}
}
