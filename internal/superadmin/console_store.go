package superadmin

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/harperlane7/Thorn-And-Thistle/internal/server"
	"github.com/harperlane7/Thorn-And-Thistle/pkg/httperr"
	"github.com/harperlane7/Thorn-And-Thistle/pkg/uuidv7"
)

// The tenant directory is the only place tenants and their domains are
// created or changed. Tenant-facing surfaces read it; only operators write
// it. Tenant ids are immutable once assigned, so there is no update path
// for them here or anywhere else.

type TenantRecord struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	SubscriptionStatus string    `json:"subscription_status"`
	Active             bool      `json:"active"`
	CreatedAt          time.Time `json:"created_at"`
}

type TenantDomain struct {
	Hostname  string `json:"hostname"`
	TenantID  string `json:"tenant_id"`
	IsPrimary bool   `json:"is_primary"`
	IsActive  bool   `json:"is_active"`
}

// TenantUpdate carries the mutable tenant attributes; nil means unchanged.
type TenantUpdate struct {
	Name               *string
	SubscriptionStatus *string
	Active             *bool
}

type directoryStore interface {
	CreateTenant(ctx context.Context, name string, subscription string) (TenantRecord, error)
	ListTenants(ctx context.Context) ([]TenantRecord, error)
	GetTenant(ctx context.Context, id string) (TenantRecord, bool, error)
	UpdateTenant(ctx context.Context, id string, upd TenantUpdate) (TenantRecord, bool, error)
	AttachDomain(ctx context.Context, tenantID string, hostname string, primary bool) (TenantDomain, error)
	DeactivateDomain(ctx context.Context, hostname string) (bool, error)
	ListDomains(ctx context.Context, tenantID string) ([]TenantDomain, error)
}

func validSubscription(s string) bool {
	switch s {
	case server.SubscriptionTrial, server.SubscriptionActive, server.SubscriptionPastDue,
		server.SubscriptionCancelled, server.SubscriptionSuspended:
		return true
	}
	return false
}

func normalizeHostname(h string) string {
	return strings.ToLower(strings.TrimSpace(h))
}

type memoryDirectoryStore struct {
	mu      sync.Mutex
	tenants map[string]TenantRecord
	domains map[string]TenantDomain
}

func newMemoryDirectoryStore() *memoryDirectoryStore {
	return &memoryDirectoryStore{
		tenants: map[string]TenantRecord{},
		domains: map[string]TenantDomain{},
	}
}

func (s *memoryDirectoryStore) CreateTenant(_ context.Context, name string, subscription string) (TenantRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := uuidv7.NewString()
	if err != nil {
		return TenantRecord{}, err
	}
	t := TenantRecord{
		ID:                 id,
		Name:               name,
		SubscriptionStatus: subscription,
		Active:             true,
		CreatedAt:          time.Now().UTC(),
	}
	s.tenants[id] = t
	return t, nil
}

func (s *memoryDirectoryStore) ListTenants(_ context.Context) ([]TenantRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TenantRecord, 0, len(s.tenants))
	for _, t := range s.tenants {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *memoryDirectoryStore) GetTenant(_ context.Context, id string) (TenantRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tenants[id]
	return t, ok, nil
}

func (s *memoryDirectoryStore) UpdateTenant(_ context.Context, id string, upd TenantUpdate) (TenantRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tenants[id]
	if !ok {
		return TenantRecord{}, false, nil
	}
	if upd.Name != nil {
		t.Name = *upd.Name
	}
	if upd.SubscriptionStatus != nil {
		t.SubscriptionStatus = *upd.SubscriptionStatus
	}
	if upd.Active != nil {
		t.Active = *upd.Active
	}
	s.tenants[id] = t
	return t, true, nil
}

func (s *memoryDirectoryStore) AttachDomain(_ context.Context, tenantID string, hostname string, primary bool) (TenantDomain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tenants[tenantID]; !ok {
		return TenantDomain{}, httperr.NewNotFound("unknown tenant")
	}
	hostname = normalizeHostname(hostname)
	if existing, ok := s.domains[hostname]; ok && existing.TenantID != tenantID {
		return TenantDomain{}, httperr.NewConflict("hostname already bound to another tenant")
	}
	if primary {
		for h, d := range s.domains {
			if d.TenantID == tenantID && d.IsPrimary {
				d.IsPrimary = false
				s.domains[h] = d
			}
		}
	}
	d := TenantDomain{Hostname: hostname, TenantID: tenantID, IsPrimary: primary, IsActive: true}
	s.domains[hostname] = d
	return d, nil
}

func (s *memoryDirectoryStore) DeactivateDomain(_ context.Context, hostname string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.domains[normalizeHostname(hostname)]
	if !ok {
		return false, nil
	}
	d.IsActive = false
	s.domains[d.Hostname] = d
	return true, nil
}

func (s *memoryDirectoryStore) ListDomains(_ context.Context, tenantID string) ([]TenantDomain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []TenantDomain
	for _, d := range s.domains {
		if tenantID == "" || d.TenantID == tenantID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hostname < out[j].Hostname })
	return out, nil
}

type pgDirectoryStore struct {
	q queryExecer
}

func newDirectoryStoreFromDB(db queryExecer) directoryStore {
	if db == nil {
		return newMemoryDirectoryStore()
	}
	return &pgDirectoryStore{q: db}
}

func (s *pgDirectoryStore) CreateTenant(ctx context.Context, name string, subscription string) (TenantRecord, error) {
	id, err := uuidv7.NewString()
	if err != nil {
		return TenantRecord{}, err
	}
	var t TenantRecord
	err = s.q.QueryRow(ctx, `
INSERT INTO iam.tenants (id, name, subscription_status, is_active)
VALUES ($1::uuid, $2, $3, true)
RETURNING id::text, name, subscription_status, is_active, created_at;
`, id, name, subscription).Scan(&t.ID, &t.Name, &t.SubscriptionStatus, &t.Active, &t.CreatedAt)
	if err != nil {
		return TenantRecord{}, err
	}
	return t, nil
}

func (s *pgDirectoryStore) ListTenants(ctx context.Context) ([]TenantRecord, error) {
	type rowsQuerier interface {
		Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	}
	q, ok := s.q.(rowsQuerier)
	if !ok {
		return nil, errors.New("superadmin: store does not support listing")
	}
	rows, err := q.Query(ctx, `
SELECT id::text, name, subscription_status, is_active, created_at
FROM iam.tenants
ORDER BY name;
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TenantRecord
	for rows.Next() {
		var t TenantRecord
		if err := rows.Scan(&t.ID, &t.Name, &t.SubscriptionStatus, &t.Active, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *pgDirectoryStore) GetTenant(ctx context.Context, id string) (TenantRecord, bool, error) {
	var t TenantRecord
	err := s.q.QueryRow(ctx, `
SELECT id::text, name, subscription_status, is_active, created_at
FROM iam.tenants
WHERE id::text = $1;
`, id).Scan(&t.ID, &t.Name, &t.SubscriptionStatus, &t.Active, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return TenantRecord{}, false, nil
		}
		return TenantRecord{}, false, err
	}
	return t, true, nil
}

func (s *pgDirectoryStore) UpdateTenant(ctx context.Context, id string, upd TenantUpdate) (TenantRecord, bool, error) {
	var t TenantRecord
	err := s.q.QueryRow(ctx, `
UPDATE iam.tenants
SET name = COALESCE($2, name),
    subscription_status = COALESCE($3, subscription_status),
    is_active = COALESCE($4, is_active)
WHERE id::text = $1
RETURNING id::text, name, subscription_status, is_active, created_at;
`, id, upd.Name, upd.SubscriptionStatus, upd.Active).Scan(
		&t.ID, &t.Name, &t.SubscriptionStatus, &t.Active, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return TenantRecord{}, false, nil
		}
		return TenantRecord{}, false, err
	}
	return t, true, nil
}

func (s *pgDirectoryStore) AttachDomain(ctx context.Context, tenantID string, hostname string, primary bool) (TenantDomain, error) {
	hostname = normalizeHostname(hostname)
	if primary {
		if _, err := s.q.Exec(ctx, `
UPDATE iam.tenant_domains SET is_primary = false WHERE tenant_id::text = $1 AND is_primary;
`, tenantID); err != nil {
			return TenantDomain{}, err
		}
	}
	var d TenantDomain
	err := s.q.QueryRow(ctx, `
INSERT INTO iam.tenant_domains (hostname, tenant_id, is_primary, is_active)
VALUES ($1, $2::uuid, $3, true)
ON CONFLICT (hostname) DO UPDATE SET
  is_primary = EXCLUDED.is_primary,
  is_active = true
WHERE iam.tenant_domains.tenant_id = EXCLUDED.tenant_id
RETURNING hostname, tenant_id::text, is_primary, is_active;
`, hostname, tenantID, primary).Scan(&d.Hostname, &d.TenantID, &d.IsPrimary, &d.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Conflict row belongs to another tenant; the WHERE clause
			// suppressed the update.
			return TenantDomain{}, httperr.NewConflict("hostname already bound to another tenant")
		}
		return TenantDomain{}, err
	}
	return d, nil
}

func (s *pgDirectoryStore) DeactivateDomain(ctx context.Context, hostname string) (bool, error) {
	tag, err := s.q.Exec(ctx, `
UPDATE iam.tenant_domains SET is_active = false WHERE hostname = $1;
`, normalizeHostname(hostname))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *pgDirectoryStore) ListDomains(ctx context.Context, tenantID string) ([]TenantDomain, error) {
	type rowsQuerier interface {
		Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	}
	q, ok := s.q.(rowsQuerier)
	if !ok {
		return nil, errors.New("superadmin: store does not support listing")
	}
	rows, err := q.Query(ctx, `
SELECT hostname, tenant_id::text, is_primary, is_active
FROM iam.tenant_domains
WHERE $1 = '' OR tenant_id::text = $1
ORDER BY hostname;
`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TenantDomain
	for rows.Next() {
		var d TenantDomain
		if err := rows.Scan(&d.Hostname, &d.TenantID, &d.IsPrimary, &d.IsActive); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
