package httpapi

import (
	"net/http"
	"strings"

	"authgrid.org/internal/authn"
)

// publicPaths never require a bearer token.
var publicPaths = map[string]bool{
	"/":              true,
	"/healthz":       true,
	"/readyz":        true,
	"/metrics":       true,
	"/v1/info":       true,
	"/v1/auth/token": true,
}

// withAuth validates the bearer token and stores the principal in the request
// context. Disabled instances pass every request through unauthenticated.
func (a *API) withAuth(next http.Handler) http.Handler {
	if !a.cfg.RequireAuth {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if publicPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}
		token := extractBearerToken(r)
		if token == "" {
			writeError(w, r, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := authn.ParseAndValidate(token)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}
		pid, err := claims.PrincipalID()
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "invalid token subject")
			return
		}
		ctx := authn.ContextWithPrincipal(r.Context(), authn.Principal{
			ID:       pid,
			TenantID: claims.TenantID,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func extractBearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
