package superadmin

import (
	"context"
	"testing"

	"github.com/harperlane7/Thorn-And-Thistle/internal/server"
	"github.com/harperlane7/Thorn-And-Thistle/pkg/httperr"
)

func TestValidSubscription(t *testing.T) {
	t.Parallel()

	for _, s := range []string{
		server.SubscriptionTrial,
		server.SubscriptionActive,
		server.SubscriptionPastDue,
		server.SubscriptionCancelled,
		server.SubscriptionSuspended,
	} {
		if !validSubscription(s) {
			t.Errorf("validSubscription(%q) = false", s)
		}
	}
	for _, s := range []string{"", "frozen", "ACTIVE"} {
		if validSubscription(s) {
			t.Errorf("validSubscription(%q) = true", s)
		}
	}
}

func TestMemoryDirectoryStore_TenantLifecycle(t *testing.T) {
	t.Parallel()

	s := newMemoryDirectoryStore()
	ctx := context.Background()

	created, err := s.CreateTenant(ctx, "Bramble Hollow", server.SubscriptionTrial)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID == "" || !created.Active {
		t.Fatalf("created = %+v", created)
	}

	name := "Bramble Hollow Ltd"
	active := false
	got, found, err := s.UpdateTenant(ctx, created.ID, TenantUpdate{Name: &name, Active: &active})
	if err != nil || !found {
		t.Fatalf("update: found=%v err=%v", found, err)
	}
	if got.Name != name || got.Active {
		t.Fatalf("update not applied: %+v", got)
	}
	// Fields left nil stay untouched.
	if got.SubscriptionStatus != server.SubscriptionTrial {
		t.Fatalf("subscription changed to %q", got.SubscriptionStatus)
	}

	if _, found, _ := s.UpdateTenant(ctx, "no-such-id", TenantUpdate{Name: &name}); found {
		t.Fatal("update of unknown tenant reported found")
	}
}

func TestMemoryDirectoryStore_DomainBinding(t *testing.T) {
	t.Parallel()

	s := newMemoryDirectoryStore()
	ctx := context.Background()

	a, err := s.CreateTenant(ctx, "Tenant A", server.SubscriptionActive)
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.CreateTenant(ctx, "Tenant B", server.SubscriptionActive)
	if err != nil {
		t.Fatal(err)
	}

	d, err := s.AttachDomain(ctx, a.ID, "  App.Example.COM ", true)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if d.Hostname != "app.example.com" || !d.IsPrimary || !d.IsActive {
		t.Fatalf("domain = %+v", d)
	}

	// A hostname is bound to exactly one tenant; a second tenant cannot
	// take it over, silently or otherwise.
	if _, err := s.AttachDomain(ctx, b.ID, "app.example.com", false); !httperr.IsConflict(err) {
		t.Fatalf("cross-tenant attach: got err=%v, want conflict", err)
	}
	// Re-attaching under the owning tenant is idempotent.
	if _, err := s.AttachDomain(ctx, a.ID, "app.example.com", false); err != nil {
		t.Fatalf("re-attach: %v", err)
	}

	if _, err := s.AttachDomain(ctx, "no-such-id", "other.example.com", false); !httperr.IsNotFound(err) {
		t.Fatalf("attach to unknown tenant: got err=%v, want not found", err)
	}

	// A new primary demotes the previous one.
	if _, err := s.AttachDomain(ctx, a.ID, "www.example.com", true); err != nil {
		t.Fatal(err)
	}
	domains, err := s.ListDomains(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	primaries := 0
	for _, d := range domains {
		if d.IsPrimary {
			primaries++
			if d.Hostname != "www.example.com" {
				t.Fatalf("primary = %q", d.Hostname)
			}
		}
	}
	if primaries != 1 {
		t.Fatalf("primaries = %d, want 1", primaries)
	}

	found, err := s.DeactivateDomain(ctx, "APP.example.com")
	if err != nil || !found {
		t.Fatalf("deactivate: found=%v err=%v", found, err)
	}
	domains, _ = s.ListDomains(ctx, a.ID)
	for _, d := range domains {
		if d.Hostname == "app.example.com" && d.IsActive {
			t.Fatal("deactivated domain still active")
		}
	}
	if found, _ := s.DeactivateDomain(ctx, "never.example.com"); found {
		t.Fatal("deactivate of unknown hostname reported found")
	}
}
