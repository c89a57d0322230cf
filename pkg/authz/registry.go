package authz

const (
	RoleSuperadmin  = "superadmin"
	RoleTenantAdmin = "tenant-admin"
	RoleManager     = "manager"
	RoleStaff       = "staff"
	RoleAnonymous   = "anonymous"
)

const (
	ActionRead  = "read"
	ActionWrite = "write"
	ActionAdmin = "admin"
)

const (
	ObjectIAMSession       = "iam.session"
	ObjectIAMPrincipals    = "iam.principals"
	ObjectTenancyBranches  = "tenancy.branches"
	ObjectTenancyEmployees = "tenancy.employees"
	ObjectAttendancePunch  = "attendance.punch"

	ObjectSuperadminTenants  = "superadmin.tenants"
	ObjectSuperadminThrottle = "superadmin.throttle"
	ObjectSuperadminAudit    = "superadmin.audit"
	ObjectSuperadminSession  = "superadmin.session"
)

// KnownRole reports whether slug is one of the assignable tenant roles.
// The superadmin role is platform-level and never assignable through
// tenant-facing surfaces.
func KnownRole(slug string) bool {
	switch slug {
	case RoleTenantAdmin, RoleManager, RoleStaff:
		return true
	}
	return false
}
