package server

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Live-Postgres coverage for the storage safeguards. Opt in by pointing
// TEST_DATABASE_URL at a scratch database; without it these skip.

func liveConn(t *testing.T) (*pgx.Conn, context.Context) {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(context.Background()) })
	return conn, ctx
}

func TestTenantChangeTrigger_Live(t *testing.T) {
	conn, ctx := liveConn(t)

	if _, err := conn.Exec(ctx, PreventTenantChangeSQL); err != nil {
		t.Fatalf("install trigger function: %v", err)
	}

	tx, err := conn.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `CREATE TEMP TABLE trigger_probe (tenant_id uuid NOT NULL, val text NOT NULL);`); err != nil {
		t.Fatal(err)
	}
	if _, err := tx.Exec(ctx, `
CREATE TRIGGER no_tenant_update BEFORE UPDATE ON trigger_probe
FOR EACH ROW EXECUTE FUNCTION public.prevent_tenant_change();`); err != nil {
		t.Fatal(err)
	}

	tenantA := "00000000-0000-0000-0000-00000000000a"
	tenantB := "00000000-0000-0000-0000-00000000000b"
	if _, err := tx.Exec(ctx, `INSERT INTO trigger_probe (tenant_id, val) VALUES ($1, 'x');`, tenantA); err != nil {
		t.Fatal(err)
	}

	// Non-tenant columns stay writable.
	if _, err := tx.Exec(ctx, `UPDATE trigger_probe SET val = 'y';`); err != nil {
		t.Fatalf("plain update: %v", err)
	}

	if _, err := tx.Exec(ctx, `SAVEPOINT sp_reassign;`); err != nil {
		t.Fatal(err)
	}
	_, err = tx.Exec(ctx, `UPDATE trigger_probe SET tenant_id = $1;`, tenantB)
	if err == nil {
		t.Fatal("tenant_id update must be rejected")
	}
	pgErr, ok := errors.AsType[*pgconn.PgError](err)
	if !ok || pgErr.Code != SQLStateTenantReassignment {
		t.Fatalf("err=%v", err)
	}
	if !isTenantReassignment(err) {
		t.Fatalf("mapper missed the SQLSTATE: %v", err)
	}
	if _, err := tx.Exec(ctx, `ROLLBACK TO SAVEPOINT sp_reassign;`); err != nil {
		t.Fatal(err)
	}

	var count int
	if err := tx.QueryRow(ctx, `SELECT count(*) FROM trigger_probe WHERE tenant_id = $1;`, tenantA).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("row left tenant A: count=%d", count)
	}
}

func TestApplyAndAuditIsolation_Live(t *testing.T) {
	conn, ctx := liveConn(t)

	if err := ApplyIsolation(ctx, conn); err != nil {
		t.Fatalf("apply: %v", err)
	}
	report, err := AuditIsolation(ctx, conn)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if report.Verdict() != "PASS" {
		t.Fatalf("report:\n%s", FormatAuditReport(report))
	}
	if err := requireIsolation(ctx, conn); err != nil {
		t.Fatalf("requireIsolation: %v", err)
	}
}
