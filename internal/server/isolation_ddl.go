package server

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Storage-level isolation is generated from scopedRelations so the policy
// layer, the scoping engine, and the auditor cannot drift apart. Every
// statement is idempotent; rls-apply can run on every deploy.

// tenantPredicateSQL is the row-security predicate shared by the read policy
// and the insert check. An unset session variable yields NULL and therefore
// no rows; only the explicit superuser flag widens visibility.
const tenantPredicateSQL = `current_setting('app.current_is_superuser', true) = 'true'
  OR tenant_id = nullif(current_setting('app.current_tenant', true), '')::uuid`

// PreventTenantChangeSQL installs the immutability trigger function. dbtool's
// smoke check also applies it to a scratch table to provoke the rejection.
const PreventTenantChangeSQL = `
CREATE OR REPLACE FUNCTION public.prevent_tenant_change() RETURNS trigger AS $$
BEGIN
  IF NEW.tenant_id IS DISTINCT FROM OLD.tenant_id THEN
    RAISE EXCEPTION 'tenant_id is immutable'
      USING ERRCODE = '` + SQLStateTenantReassignment + `';
  END IF;
  RETURN NEW;
END;
$$ LANGUAGE plpgsql;
`

// schemaStatements creates the schemas and tables. Kept separate from the
// safeguard statements so the auditor can flag a table that exists without
// its safeguards.
func schemaStatements() []string {
	return []string{
		`CREATE SCHEMA IF NOT EXISTS iam;`,
		`CREATE SCHEMA IF NOT EXISTS hr;`,
		`CREATE SCHEMA IF NOT EXISTS superadmin;`,
		`
CREATE TABLE IF NOT EXISTS iam.tenants (
  id uuid PRIMARY KEY,
  name text NOT NULL,
  subscription_status text NOT NULL DEFAULT 'trial',
  is_active boolean NOT NULL DEFAULT true,
  created_at timestamptz NOT NULL DEFAULT now()
);`,
		`
CREATE TABLE IF NOT EXISTS iam.tenant_domains (
  hostname text PRIMARY KEY,
  tenant_id uuid NOT NULL REFERENCES iam.tenants(id) ON DELETE CASCADE,
  is_primary boolean NOT NULL DEFAULT false,
  is_active boolean NOT NULL DEFAULT true,
  created_at timestamptz NOT NULL DEFAULT now()
);`,
		`
CREATE TABLE IF NOT EXISTS iam.principals (
  id uuid PRIMARY KEY,
  tenant_id uuid NOT NULL REFERENCES iam.tenants(id) ON DELETE CASCADE,
  email text NOT NULL,
  password_hash text NOT NULL,
  role_slug text NOT NULL DEFAULT 'staff',
  status text NOT NULL DEFAULT 'active',
  is_superuser boolean NOT NULL DEFAULT false,
  is_tenant_admin boolean NOT NULL DEFAULT false,
  created_at timestamptz NOT NULL DEFAULT now(),
  updated_at timestamptz NOT NULL DEFAULT now()
);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_principals_tenant_email ON iam.principals (tenant_id, email);`,
		`
CREATE TABLE IF NOT EXISTS iam.principal_branches (
  tenant_id uuid NOT NULL REFERENCES iam.tenants(id) ON DELETE CASCADE,
  principal_id uuid NOT NULL REFERENCES iam.principals(id) ON DELETE CASCADE,
  branch_id uuid NOT NULL,
  PRIMARY KEY (principal_id, branch_id)
);`,
		`
CREATE TABLE IF NOT EXISTS iam.sessions (
  token_sha256 bytea PRIMARY KEY,
  tenant_id uuid NOT NULL REFERENCES iam.tenants(id) ON DELETE CASCADE,
  principal_id uuid NOT NULL REFERENCES iam.principals(id) ON DELETE CASCADE,
  expires_at timestamptz NOT NULL,
  ip text NOT NULL DEFAULT '',
  user_agent text NOT NULL DEFAULT '',
  revoked_at timestamptz,
  created_at timestamptz NOT NULL DEFAULT now()
);`,
		`
CREATE TABLE IF NOT EXISTS hr.branches (
  id uuid PRIMARY KEY,
  tenant_id uuid NOT NULL REFERENCES iam.tenants(id) ON DELETE CASCADE,
  name text NOT NULL,
  code text NOT NULL DEFAULT '',
  is_active boolean NOT NULL DEFAULT true,
  created_at timestamptz NOT NULL DEFAULT now()
);`,
		`
CREATE TABLE IF NOT EXISTS hr.employees (
  id uuid PRIMARY KEY,
  tenant_id uuid NOT NULL REFERENCES iam.tenants(id) ON DELETE CASCADE,
  branch_id uuid REFERENCES hr.branches(id),
  first_name text NOT NULL,
  last_name text NOT NULL,
  email text NOT NULL,
  title text NOT NULL DEFAULT '',
  status text NOT NULL DEFAULT 'active',
  created_at timestamptz NOT NULL DEFAULT now(),
  updated_at timestamptz NOT NULL DEFAULT now()
);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_employees_tenant_email ON hr.employees (tenant_id, email);`,
		`
CREATE TABLE IF NOT EXISTS hr.attendance_punches (
  id uuid PRIMARY KEY,
  tenant_id uuid NOT NULL REFERENCES iam.tenants(id) ON DELETE CASCADE,
  branch_id uuid REFERENCES hr.branches(id),
  employee_id uuid NOT NULL REFERENCES hr.employees(id) ON DELETE CASCADE,
  kind text NOT NULL,
  punched_at timestamptz NOT NULL DEFAULT now()
);`,
		`CREATE INDEX IF NOT EXISTS idx_attendance_punches_employee ON hr.attendance_punches (employee_id, punched_at DESC);`,
		// Operator console identities. Platform scope: no tenant_id, so
		// deliberately outside the scoped-relation registry.
		`
CREATE TABLE IF NOT EXISTS superadmin.operators (
  id uuid PRIMARY KEY,
  email text NOT NULL UNIQUE,
  password_hash text NOT NULL,
  status text NOT NULL DEFAULT 'active',
  created_at timestamptz NOT NULL DEFAULT now(),
  updated_at timestamptz NOT NULL DEFAULT now()
);`,
		`
CREATE TABLE IF NOT EXISTS superadmin.sessions (
  token_sha256 bytea PRIMARY KEY,
  operator_id uuid NOT NULL REFERENCES superadmin.operators(id) ON DELETE CASCADE,
  expires_at timestamptz NOT NULL,
  ip text NOT NULL DEFAULT '',
  user_agent text NOT NULL DEFAULT '',
  revoked_at timestamptz,
  created_at timestamptz NOT NULL DEFAULT now()
);`,
	}
}

// isolationStatements returns the safeguard DDL for one registered relation:
// the NOT NULL column, the tenant index, row security enabled and forced,
// both policies, and the immutability trigger.
func isolationStatements(rel scopedRelation) []string {
	q := rel.Qualified()
	return []string{
		fmt.Sprintf(`ALTER TABLE %s ALTER COLUMN tenant_id SET NOT NULL;`, q),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_tenant_id ON %s (tenant_id);`, rel.Table, q),
		fmt.Sprintf(`ALTER TABLE %s ENABLE ROW LEVEL SECURITY;`, q),
		fmt.Sprintf(`ALTER TABLE %s FORCE ROW LEVEL SECURITY;`, q),
		fmt.Sprintf(`DROP POLICY IF EXISTS tenant_isolation_policy ON %s;`, q),
		fmt.Sprintf(`
CREATE POLICY tenant_isolation_policy ON %s
FOR ALL
USING (
  %s
);`, q, tenantPredicateSQL),
		fmt.Sprintf(`DROP POLICY IF EXISTS tenant_insert_policy ON %s;`, q),
		fmt.Sprintf(`
CREATE POLICY tenant_insert_policy ON %s
FOR INSERT
WITH CHECK (
  %s
);`, q, tenantPredicateSQL),
		fmt.Sprintf(`DROP TRIGGER IF EXISTS no_tenant_update_%s ON %s;`, rel.Table, q),
		fmt.Sprintf(`
CREATE TRIGGER no_tenant_update_%s
BEFORE UPDATE ON %s
FOR EACH ROW
EXECUTE FUNCTION public.prevent_tenant_change();`, rel.Table, q),
	}
}

func allIsolationStatements() []string {
	out := []string{PreventTenantChangeSQL}
	for _, rel := range scopedRelations() {
		out = append(out, isolationStatements(rel)...)
	}
	return out
}

type sqlExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// ApplyIsolation creates the schema and installs every safeguard. Statements
// run one at a time so a failure report names the exact statement.
func ApplyIsolation(ctx context.Context, db sqlExecer) error {
	stmts := append(schemaStatements(), allIsolationStatements()...)
	for _, stmt := range stmts {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply isolation: %w (statement: %.80s)", err, stmt)
		}
	}
	return nil
}
