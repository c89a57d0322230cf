package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/harperlane7/Thorn-And-Thistle/internal/server"
)

func main() {
	if len(os.Args) < 2 {
		fatalf("usage: dbtool <rls-apply|rls-audit|rls-smoke> [args]")
	}

	switch os.Args[1] {
	case "rls-apply":
		rlsApply(os.Args[2:])
	case "rls-audit":
		rlsAudit(os.Args[2:])
	case "rls-smoke":
		rlsSmoke(os.Args[2:])
	default:
		fatalf("unknown subcommand: %s", os.Args[1])
	}
}

func connectFlag(name string, args []string) *pgx.Conn {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var url string
	fs.StringVar(&url, "url", "", "postgres connection string (default: DATABASE_URL)")
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}
	if url == "" {
		url = os.Getenv("DATABASE_URL")
	}
	if url == "" {
		fatalf("missing --url (or DATABASE_URL)")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := pgx.Connect(ctx, url)
	if err != nil {
		fatal(err)
	}
	return conn
}

// rlsApply installs the schema plus every isolation safeguard: row security
// enabled and forced, both tenant policies, the immutability trigger, the
// NOT NULL column and its index. Idempotent; run it on every deploy.
func rlsApply(args []string) {
	conn := connectFlag("rls-apply", args)
	defer conn.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if err := server.ApplyIsolation(ctx, conn); err != nil {
		fatal(err)
	}
	fmt.Println("isolation applied")
}

// rlsAudit verifies that every registered tenant-scoped relation still
// carries its full safeguard set. Exits non-zero on any failure so CI and
// release pipelines can gate on it.
func rlsAudit(args []string) {
	conn := connectFlag("rls-audit", args)
	defer conn.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	report, err := server.AuditIsolation(ctx, conn)
	if err != nil {
		fatal(err)
	}
	fmt.Print(server.FormatAuditReport(report))
	if !report.OK() {
		os.Exit(1)
	}
}

// rlsSmoke proves the storage layer enforces isolation on its own: with the
// application predicate out of the picture, a session pinned to tenant A
// must not read or write tenant B's rows, a session with no tenant variable
// must see nothing at all, and no session, superuser included, may move a
// row between tenants.
func rlsSmoke(args []string) {
	conn := connectFlag("rls-smoke", args)
	defer conn.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = tryEnsureRole(ctx, conn, "app_nobypassrls")

	// Install the trigger function as the connecting role; the smoke table
	// attaches it below to provoke the rejection.
	if _, err := conn.Exec(ctx, server.PreventTenantChangeSQL); err != nil {
		fatal(err)
	}

	tx, err := conn.Begin(ctx)
	if err != nil {
		fatal(err)
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	_ = trySetRole(ctx, tx, "app_nobypassrls")
	if _, err := tx.Exec(ctx, `CREATE TEMP TABLE rls_smoke (tenant_id uuid NOT NULL, val text NOT NULL);`); err != nil {
		fatal(err)
	}
	if _, err := tx.Exec(ctx, `ALTER TABLE rls_smoke ENABLE ROW LEVEL SECURITY;`); err != nil {
		fatal(err)
	}
	if _, err := tx.Exec(ctx, `ALTER TABLE rls_smoke FORCE ROW LEVEL SECURITY;`); err != nil {
		fatal(err)
	}
	if _, err := tx.Exec(ctx, `
CREATE POLICY tenant_isolation_policy ON rls_smoke
USING (current_setting('app.current_is_superuser', true) = 'true'
  OR tenant_id = nullif(current_setting('app.current_tenant', true), '')::uuid)
WITH CHECK (current_setting('app.current_is_superuser', true) = 'true'
  OR tenant_id = nullif(current_setting('app.current_tenant', true), '')::uuid);`); err != nil {
		fatal(err)
	}
	if _, err := tx.Exec(ctx, `
CREATE TRIGGER no_tenant_update BEFORE UPDATE ON rls_smoke
FOR EACH ROW EXECUTE FUNCTION public.prevent_tenant_change();`); err != nil {
		fatal(err)
	}

	tenantA := "00000000-0000-0000-0000-00000000000a"
	tenantB := "00000000-0000-0000-0000-00000000000b"

	// No tenant variable set: the predicate is NULL for every row, so the
	// count must be zero and an insert must be rejected.
	var count int
	if err := tx.QueryRow(ctx, `SELECT count(*) FROM rls_smoke;`).Scan(&count); err != nil {
		fatal(err)
	}
	if count != 0 {
		fatalf("expected zero rows with no tenant variable, got %d", count)
	}
	if _, err := tx.Exec(ctx, `SAVEPOINT sp_failclosed;`); err != nil {
		fatal(err)
	}
	_, err = tx.Exec(ctx, `INSERT INTO rls_smoke (tenant_id, val) VALUES ($1, 'x');`, tenantA)
	if _, rbErr := tx.Exec(ctx, `ROLLBACK TO SAVEPOINT sp_failclosed;`); rbErr != nil {
		fatal(rbErr)
	}
	if err == nil {
		fatalf("expected fail-closed rejection when app.current_tenant is missing")
	}

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantA); err != nil {
		fatal(err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO rls_smoke (tenant_id, val) VALUES ($1, 'a');`, tenantA); err != nil {
		fatal(err)
	}

	if _, err := tx.Exec(ctx, `SAVEPOINT sp_cross_insert;`); err != nil {
		fatal(err)
	}
	_, err = tx.Exec(ctx, `INSERT INTO rls_smoke (tenant_id, val) VALUES ($1, 'b');`, tenantB)
	if _, rbErr := tx.Exec(ctx, `ROLLBACK TO SAVEPOINT sp_cross_insert;`); rbErr != nil {
		fatal(rbErr)
	}
	if err == nil {
		fatalf("expected RLS rejection on cross-tenant insert")
	}

	if err := tx.QueryRow(ctx, `SELECT count(*) FROM rls_smoke;`).Scan(&count); err != nil {
		fatal(err)
	}
	if count != 1 {
		fatalf("expected count=1 under tenant A, got %d", count)
	}

	// Switching the session to tenant B must hide tenant A's row.
	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantB); err != nil {
		fatal(err)
	}
	if err := tx.QueryRow(ctx, `SELECT count(*) FROM rls_smoke;`).Scan(&count); err != nil {
		fatal(err)
	}
	if count != 0 {
		fatalf("expected tenant B to see zero rows, got %d", count)
	}

	// The explicit superuser flag is the only widening path.
	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_is_superuser', 'true', true);`); err != nil {
		fatal(err)
	}
	if err := tx.QueryRow(ctx, `SELECT count(*) FROM rls_smoke;`).Scan(&count); err != nil {
		fatal(err)
	}
	if count != 1 {
		fatalf("expected superuser session to see 1 row, got %d", count)
	}

	// Even a session that can see the row must not move it between tenants:
	// the update has to die in the trigger with the immutability SQLSTATE.
	if _, err := tx.Exec(ctx, `SAVEPOINT sp_reassign;`); err != nil {
		fatal(err)
	}
	_, err = tx.Exec(ctx, `UPDATE rls_smoke SET tenant_id = $1 WHERE tenant_id = $2;`, tenantB, tenantA)
	var code string
	if pgErr, ok := errors.AsType[*pgconn.PgError](err); ok && pgErr != nil {
		code = pgErr.Code
	}
	if _, rbErr := tx.Exec(ctx, `ROLLBACK TO SAVEPOINT sp_reassign;`); rbErr != nil {
		fatal(rbErr)
	}
	if err == nil {
		fatalf("expected trigger rejection on tenant_id update")
	}
	if code != server.SQLStateTenantReassignment {
		fatalf("expected SQLSTATE %s on tenant_id update, got %q (%v)", server.SQLStateTenantReassignment, code, err)
	}
	if err := tx.QueryRow(ctx, `SELECT count(*) FROM rls_smoke WHERE tenant_id = $1;`, tenantA).Scan(&count); err != nil {
		fatal(err)
	}
	if count != 1 {
		fatalf("expected the row to stay under tenant A, got %d", count)
	}

	fmt.Println("rls smoke passed")
}

func tryEnsureRole(ctx context.Context, conn *pgx.Conn, role string) error {
	if !validSQLIdent(role) {
		return fmt.Errorf("invalid role: %s", role)
	}

	stmt := fmt.Sprintf(`DO $$
BEGIN
  IF NOT EXISTS (SELECT 1 FROM pg_roles WHERE rolname = '%s') THEN
    EXECUTE 'CREATE ROLE %s NOBYPASSRLS';
  END IF;
END
$$;`, role, role)
	if _, err := conn.Exec(ctx, stmt); err != nil {
		return err
	}
	for _, schema := range []string{"public", "iam", "hr", "superadmin"} {
		_, _ = conn.Exec(ctx, `GRANT USAGE ON SCHEMA `+schema+` TO `+role+`;`)
		_, _ = conn.Exec(ctx, `GRANT SELECT, INSERT, UPDATE, DELETE ON ALL TABLES IN SCHEMA `+schema+` TO `+role+`;`)
		_, _ = conn.Exec(ctx, `GRANT USAGE, SELECT ON ALL SEQUENCES IN SCHEMA `+schema+` TO `+role+`;`)
		_, _ = conn.Exec(ctx, `GRANT EXECUTE ON ALL FUNCTIONS IN SCHEMA `+schema+` TO `+role+`;`)
	}
	return nil
}

func trySetRole(ctx context.Context, tx pgx.Tx, role string) bool {
	if _, err := tx.Exec(ctx, `SET ROLE `+role+`;`); err != nil {
		return false
	}
	return true
}

var reSQLIdent = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func validSQLIdent(s string) bool {
	return reSQLIdent.MatchString(s)
}

func fatal(err error) {
	if err == nil {
		os.Exit(1)
	}
	fatalf("%v", err)
}

func fatalf(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
