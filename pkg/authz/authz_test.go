package authz

import (
	"os"
	"path/filepath"
	"testing"
)

const testModel = `
[request_definition]
r = sub, dom, obj, act

[policy_definition]
p = sub, dom, obj, act

[role_definition]
g = _, _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = (r.sub == p.sub || g(r.sub, p.sub, r.dom) || g(r.sub, p.sub, "*")) && (r.dom == p.dom || p.dom == "*") && r.obj == p.obj && (r.act == p.act || p.act == "*")
`

func writeAuthzFixture(t *testing.T, policy string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	modelPath := filepath.Join(dir, "model.conf")
	policyPath := filepath.Join(dir, "policy.csv")
	if err := os.WriteFile(modelPath, []byte(testModel), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(policyPath, []byte(policy), 0o644); err != nil {
		t.Fatal(err)
	}
	return modelPath, policyPath
}

func TestModeFromEnv_Default(t *testing.T) {
	t.Setenv("AUTHZ_MODE", "")
	m, err := ModeFromEnv()
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if m != ModeEnforce {
		t.Fatalf("mode=%q", m)
	}
}

func TestModeFromEnv_DisabledRequiresUnsafe(t *testing.T) {
	t.Setenv("AUTHZ_MODE", "disabled")
	t.Setenv("AUTHZ_UNSAFE_ALLOW_DISABLED", "")
	if _, err := ModeFromEnv(); err == nil {
		t.Fatal("expected error")
	}
	t.Setenv("AUTHZ_UNSAFE_ALLOW_DISABLED", "1")
	m, err := ModeFromEnv()
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if m != ModeDisabled {
		t.Fatalf("mode=%q", m)
	}
}

func TestModeFromEnv_Invalid(t *testing.T) {
	t.Setenv("AUTHZ_MODE", "nope")
	if _, err := ModeFromEnv(); err == nil {
		t.Fatal("expected error")
	}
}

func TestAuthorize_EnforceShadowDisabled(t *testing.T) {
	modelPath, policyPath := writeAuthzFixture(t,
		"p, role:staff, *, tenancy.employees, read\n")

	a, err := NewAuthorizer(modelPath, policyPath, ModeEnforce)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	allowed, enforced, err := a.Authorize("role:staff", "t1", ObjectTenancyEmployees, ActionRead)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if !allowed || !enforced {
		t.Fatalf("allowed=%v enforced=%v", allowed, enforced)
	}

	allowed, enforced, err = a.Authorize("role:staff", "t1", ObjectTenancyEmployees, ActionAdmin)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if allowed || !enforced {
		t.Fatalf("allowed=%v enforced=%v", allowed, enforced)
	}

	aShadow, err := NewAuthorizer(modelPath, policyPath, ModeShadow)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	allowed, enforced, err = aShadow.Authorize("role:staff", "t1", ObjectTenancyEmployees, ActionAdmin)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if allowed || enforced {
		t.Fatalf("allowed=%v enforced=%v", allowed, enforced)
	}

	aDisabled, err := NewAuthorizer(modelPath, policyPath, ModeDisabled)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	allowed, enforced, err = aDisabled.Authorize("role:staff", "t1", ObjectTenancyEmployees, ActionAdmin)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if !allowed || enforced {
		t.Fatalf("allowed=%v enforced=%v", allowed, enforced)
	}
}

func TestAuthorize_RoleInheritanceAcrossDomains(t *testing.T) {
	modelPath, policyPath := writeAuthzFixture(t,
		"p, role:staff, *, tenancy.employees, read\n"+
			"p, role:manager, *, tenancy.employees, write\n"+
			"g, role:tenant-admin, role:manager, *\n"+
			"g, role:manager, role:staff, *\n")

	a, err := NewAuthorizer(modelPath, policyPath, ModeEnforce)
	if err != nil {
		t.Fatalf("err=%v", err)
	}

	// tenant-admin inherits manager, which inherits staff, in every tenant.
	for _, tenant := range []string{"t1", "t2"} {
		allowed, _, err := a.Authorize("role:tenant-admin", tenant, ObjectTenancyEmployees, ActionRead)
		if err != nil {
			t.Fatalf("err=%v", err)
		}
		if !allowed {
			t.Fatalf("tenant=%s not allowed", tenant)
		}
	}

	allowed, _, err := a.Authorize("role:staff", "t1", ObjectTenancyEmployees, ActionWrite)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if allowed {
		t.Fatal("staff should not inherit manager write")
	}
}

func TestNewAuthorizer_Errors(t *testing.T) {
	dir := t.TempDir()
	invalidModel := filepath.Join(dir, "invalid.conf")
	if err := os.WriteFile(invalidModel, []byte("nope"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewAuthorizer(invalidModel, "nope-policy.csv", ModeEnforce); err == nil {
		t.Fatal("expected error")
	}

	modelPath, _ := writeAuthzFixture(t, "")
	if _, err := NewAuthorizer(modelPath, filepath.Join(dir, "missing.csv"), ModeEnforce); err == nil {
		t.Fatal("expected load policy error")
	}
}

func TestSubjectFromRoleSlug(t *testing.T) {
	if got := SubjectFromRoleSlug(""); got != "role:anonymous" {
		t.Fatalf("got=%q", got)
	}
	if got := SubjectFromRoleSlug("Tenant-Admin"); got != "role:tenant-admin" {
		t.Fatalf("got=%q", got)
	}
}

func TestDomainFromTenantID(t *testing.T) {
	if got := DomainFromTenantID(" ABC "); got != "abc" {
		t.Fatalf("got=%q", got)
	}
}

func TestAuthorize_UnknownMode(t *testing.T) {
	a := &Authorizer{mode: Mode("nope")}
	if _, _, err := a.Authorize("role:x", "d", "o", "a"); err == nil {
		t.Fatal("expected error")
	}
}
