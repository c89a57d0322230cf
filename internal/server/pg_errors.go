package server

import (
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/harperlane7/Thorn-And-Thistle/internal/routing"
	"github.com/harperlane7/Thorn-And-Thistle/pkg/httperr"
)

// SQLSTATE raised by prevent_tenant_change() when an update tries to move a
// row between tenants.
const SQLStateTenantReassignment = "TN001"

func pgErrorCode(err error) string {
	if pgErr, ok := errors.AsType[*pgconn.PgError](err); ok && pgErr != nil {
		return strings.TrimSpace(pgErr.Code)
	}
	return ""
}

func pgErrorMessage(err error) string {
	if pgErr, ok := errors.AsType[*pgconn.PgError](err); ok && pgErr != nil {
		msg := strings.TrimSpace(pgErr.Message)
		if msg != "" {
			return msg
		}
	}
	return "UNKNOWN"
}

func isTenantReassignment(err error) bool {
	return pgErrorCode(err) == SQLStateTenantReassignment
}

func isUniqueViolation(err error) bool {
	return pgErrorCode(err) == "23505"
}

func isForeignKeyViolation(err error) bool {
	return pgErrorCode(err) == "23503"
}

func isPgInvalidInput(err error) bool {
	switch pgErrorCode(err) {
	case "22P02", "22003", "22007", "22008":
		return true
	default:
		return false
	}
}

// isRLSDenied reports an insert or update rejected by a row security policy.
// Reads never raise this; rows outside the policy are simply absent.
func isRLSDenied(err error) bool {
	return pgErrorCode(err) == "42501"
}

// writeStoreError maps a raw store or service failure onto the error
// envelope. Order matters: the immutability SQLSTATE must win over the
// generic conflict mapping, and absence checks run before input checks so a
// scoped-out row reads as missing rather than invalid.
func writeStoreError(w http.ResponseWriter, r *http.Request, rc routing.RouteClass, err error) {
	switch {
	case isTenantReassignment(err):
		routing.WriteError(w, r, rc, http.StatusConflict, "TENANT_REASSIGNMENT_REJECTED", "tenant assignment is immutable")
	case errors.Is(err, pgx.ErrNoRows) || httperr.IsNotFound(err):
		routing.WriteError(w, r, rc, http.StatusNotFound, "NOT_FOUND", "not found")
	case errors.Is(err, errNoTenantContext):
		routing.WriteError(w, r, rc, http.StatusNotFound, "NO_TENANT", "unknown tenant")
	case httperr.IsPermissionDenied(err) || isRLSDenied(err):
		routing.WriteError(w, r, rc, http.StatusForbidden, "PERMISSION_DENIED", "permission denied")
	case isUniqueViolation(err) || httperr.IsConflict(err):
		routing.WriteError(w, r, rc, http.StatusConflict, "CONFLICT", "conflicting state")
	case isForeignKeyViolation(err) || isPgInvalidInput(err) || httperr.IsBadRequest(err):
		routing.WriteError(w, r, rc, http.StatusBadRequest, "INVALID_INPUT", err.Error())
	default:
		log.Printf("store error path=%s method=%s err=%v", r.URL.Path, r.Method, err)
		routing.WriteError(w, r, rc, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}
