package superadmin

import (
	"context"
	"net/http"

	"github.com/harperlane7/Thorn-And-Thistle/internal/routing"
)

type operatorCtxKey struct{}

func operatorFromContext(ctx context.Context) (Operator, bool) {
	v, ok := ctx.Value(operatorCtxKey{}).(Operator)
	return v, ok
}

// withOperatorSession resolves the console session cookie into the acting
// operator. The console is API-only: an unauthenticated request gets a 401
// envelope, never a redirect.
func withOperatorSession(store sessionStore, operators operatorStore, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/health" || r.URL.Path == "/healthz":
			next.ServeHTTP(w, r)
			return
		case r.URL.Path == "/admin/session" && r.Method == http.MethodPost:
			next.ServeHTTP(w, r)
			return
		}

		unauthorized := func() {
			routing.WriteError(w, r, routing.RouteClassAdmin, http.StatusUnauthorized,
				"UNAUTHENTICATED", "operator session required")
		}

		saSid, ok := readSASID(r)
		if !ok {
			unauthorized()
			return
		}

		sess, found, err := store.Lookup(r.Context(), saSid)
		if err != nil {
			routing.WriteError(w, r, routing.RouteClassAdmin, http.StatusInternalServerError,
				"INTERNAL", "internal error")
			return
		}
		if !found {
			clearSASIDCookie(w)
			unauthorized()
			return
		}

		o, ok, err := operators.GetByID(r.Context(), sess.OperatorID)
		if err != nil {
			routing.WriteError(w, r, routing.RouteClassAdmin, http.StatusInternalServerError,
				"INTERNAL", "internal error")
			return
		}
		if !ok || !o.Active() {
			_ = store.Revoke(r.Context(), saSid)
			clearSASIDCookie(w)
			unauthorized()
			return
		}

		r = r.WithContext(context.WithValue(r.Context(), operatorCtxKey{}, o))
		next.ServeHTTP(w, r)
	})
}
