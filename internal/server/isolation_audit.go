package server

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// The auditor re-derives what rls-apply should have installed and checks the
// live catalogs against it. It never mutates anything; running it twice
// yields the same report.

type AuditCheck struct {
	Name   string
	Passed bool
}

type RelationAudit struct {
	Relation string
	Missing  bool
	Checks   []AuditCheck
}

// Failed reports a relation that exists but lacks a safeguard. A missing
// relation is a warning, not a failure: environments migrate in steps and
// an absent table cannot leak rows.
func (ra RelationAudit) Failed() bool {
	if ra.Missing {
		return false
	}
	for _, c := range ra.Checks {
		if !c.Passed {
			return true
		}
	}
	return false
}

func (ra RelationAudit) FailedChecks() []string {
	var names []string
	for _, c := range ra.Checks {
		if !c.Passed {
			names = append(names, c.Name)
		}
	}
	return names
}

type AuditReport struct {
	Relations []RelationAudit
	Passed    int
	Failed    int
	Warnings  int
}

// OK is the aggregate verdict. One missing safeguard on one relation fails
// the whole audit.
func (r AuditReport) OK() bool { return r.Failed == 0 }

func (r AuditReport) Verdict() string {
	if r.OK() {
		return "PASS"
	}
	return "FAIL"
}

type auditQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// AuditIsolation checks every registered relation for the full safeguard
// set. A query failure aborts the audit; a partial report could hide a gap.
func AuditIsolation(ctx context.Context, db auditQuerier) (AuditReport, error) {
	var report AuditReport
	for _, rel := range scopedRelations() {
		ra, err := auditRelation(ctx, db, rel)
		if err != nil {
			return AuditReport{}, fmt.Errorf("audit %s: %w", rel.Qualified(), err)
		}
		report.Relations = append(report.Relations, ra)
		switch {
		case ra.Missing:
			report.Warnings++
		case ra.Failed():
			report.Failed++
		default:
			report.Passed++
		}
	}
	return report, nil
}

// requireIsolation turns a FAIL verdict into an error naming every gap.
// Startup calls it under RLS_REQUIRED=1 so a Postgres environment missing a
// safeguard refuses to serve instead of running on application scoping alone.
// Missing relations stay warnings here too; an absent table cannot leak rows.
func requireIsolation(ctx context.Context, db auditQuerier) error {
	report, err := AuditIsolation(ctx, db)
	if err != nil {
		return err
	}
	if report.OK() {
		return nil
	}
	var gaps []string
	for _, ra := range report.Relations {
		if ra.Failed() {
			gaps = append(gaps, ra.Relation+" ("+strings.Join(ra.FailedChecks(), ", ")+")")
		}
	}
	return fmt.Errorf("isolation audit verdict %s: %s", report.Verdict(), strings.Join(gaps, "; "))
}

func auditRelation(ctx context.Context, db auditQuerier, rel scopedRelation) (RelationAudit, error) {
	ra := RelationAudit{Relation: rel.Qualified()}

	var exists bool
	if err := db.QueryRow(ctx, `
SELECT EXISTS (
  SELECT 1
  FROM pg_class c
  JOIN pg_namespace n ON n.oid = c.relnamespace
  WHERE n.nspname = $1 AND c.relname = $2 AND c.relkind = 'r'
)
`, rel.Schema, rel.Table).Scan(&exists); err != nil {
		return RelationAudit{}, err
	}
	if !exists {
		ra.Missing = true
		return ra, nil
	}

	var rlsEnabled, rlsForced bool
	if err := db.QueryRow(ctx, `
SELECT c.relrowsecurity, c.relforcerowsecurity
FROM pg_class c
JOIN pg_namespace n ON n.oid = c.relnamespace
WHERE n.nspname = $1 AND c.relname = $2
`, rel.Schema, rel.Table).Scan(&rlsEnabled, &rlsForced); err != nil {
		return RelationAudit{}, err
	}
	ra.Checks = append(ra.Checks,
		AuditCheck{Name: "rls_enabled", Passed: rlsEnabled},
		AuditCheck{Name: "rls_forced", Passed: rlsForced},
	)

	var isolationPolicy bool
	if err := db.QueryRow(ctx, `
SELECT EXISTS (
  SELECT 1
  FROM pg_policies
  WHERE schemaname = $1 AND tablename = $2
    AND policyname = 'tenant_isolation_policy'
    AND qual LIKE '%app.current_tenant%'
)
`, rel.Schema, rel.Table).Scan(&isolationPolicy); err != nil {
		return RelationAudit{}, err
	}
	ra.Checks = append(ra.Checks, AuditCheck{Name: "isolation_policy", Passed: isolationPolicy})

	var insertPolicy bool
	if err := db.QueryRow(ctx, `
SELECT EXISTS (
  SELECT 1
  FROM pg_policies
  WHERE schemaname = $1 AND tablename = $2
    AND policyname = 'tenant_insert_policy'
    AND with_check LIKE '%app.current_tenant%'
)
`, rel.Schema, rel.Table).Scan(&insertPolicy); err != nil {
		return RelationAudit{}, err
	}
	ra.Checks = append(ra.Checks, AuditCheck{Name: "insert_policy", Passed: insertPolicy})

	var trigger bool
	if err := db.QueryRow(ctx, `
SELECT EXISTS (
  SELECT 1
  FROM pg_trigger t
  JOIN pg_class c ON c.oid = t.tgrelid
  JOIN pg_namespace n ON n.oid = c.relnamespace
  WHERE n.nspname = $1 AND c.relname = $2
    AND t.tgname LIKE 'no_tenant_update_%' AND NOT t.tgisinternal
)
`, rel.Schema, rel.Table).Scan(&trigger); err != nil {
		return RelationAudit{}, err
	}
	ra.Checks = append(ra.Checks, AuditCheck{Name: "immutability_trigger", Passed: trigger})

	var notNull bool
	if err := db.QueryRow(ctx, `
SELECT EXISTS (
  SELECT 1
  FROM information_schema.columns
  WHERE table_schema = $1 AND table_name = $2
    AND column_name = 'tenant_id' AND is_nullable = 'NO'
)
`, rel.Schema, rel.Table).Scan(&notNull); err != nil {
		return RelationAudit{}, err
	}
	ra.Checks = append(ra.Checks, AuditCheck{Name: "tenant_id_not_null", Passed: notNull})

	var indexed bool
	if err := db.QueryRow(ctx, `
SELECT EXISTS (
  SELECT 1
  FROM pg_indexes
  WHERE schemaname = $1 AND tablename = $2 AND indexdef LIKE '%tenant_id%'
)
`, rel.Schema, rel.Table).Scan(&indexed); err != nil {
		return RelationAudit{}, err
	}
	ra.Checks = append(ra.Checks, AuditCheck{Name: "tenant_id_index", Passed: indexed})

	return ra, nil
}

// FormatAuditReport renders the per-relation lines plus the aggregate the
// way the operator tooling prints them.
func FormatAuditReport(r AuditReport) string {
	var b strings.Builder
	for _, ra := range r.Relations {
		switch {
		case ra.Missing:
			fmt.Fprintf(&b, "%s: WARNING relation missing\n", ra.Relation)
		case ra.Failed():
			fmt.Fprintf(&b, "%s: FAIL (%s)\n", ra.Relation, strings.Join(ra.FailedChecks(), ", "))
		default:
			fmt.Fprintf(&b, "%s: OK\n", ra.Relation)
		}
	}
	fmt.Fprintf(&b, "passed=%d failed=%d warnings=%d\n", r.Passed, r.Failed, r.Warnings)
	fmt.Fprintf(&b, "VERDICT: %s\n", r.Verdict())
	return b.String()
}
