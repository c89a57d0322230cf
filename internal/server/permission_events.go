package server

import (
	"context"
	"strconv"
	"sync"
)

// PermissionChanged is emitted whenever a principal's role or branch
// assignments change. Subscribers run synchronously so the caller observes
// invalidation before the mutating request completes.
type PermissionChanged struct {
	TenantID    string
	PrincipalID string
}

type permissionBus struct {
	mu   sync.Mutex
	subs []func(context.Context, PermissionChanged)
}

func newPermissionBus() *permissionBus {
	return &permissionBus{}
}

func (b *permissionBus) Subscribe(fn func(context.Context, PermissionChanged)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, fn)
}

func (b *permissionBus) Publish(ctx context.Context, ev PermissionChanged) {
	b.mu.Lock()
	subs := append(([]func(context.Context, PermissionChanged))(nil), b.subs...)
	b.mu.Unlock()
	for _, fn := range subs {
		fn(ctx, ev)
	}
}

// sessionInvalidator revokes every live session of the changed principal so
// stale role or branch grants cannot outlive the change.
func sessionInvalidator(sessions sessionStore) func(context.Context, PermissionChanged) {
	return func(ctx context.Context, ev PermissionChanged) {
		n, err := sessions.RevokeForPrincipal(ctx, ev.TenantID, ev.PrincipalID)
		if err != nil {
			securityEvent("session_invalidation_failed",
				"tenant", ev.TenantID,
				"principal", ev.PrincipalID,
				"error", err.Error())
			return
		}
		securityEvent("sessions_revoked_on_permission_change",
			"tenant", ev.TenantID,
			"principal", ev.PrincipalID,
			"count", strconv.FormatInt(n, 10))
	}
}
