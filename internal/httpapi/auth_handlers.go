package httpapi

import (
	"net/http"
	"strings"
	"time"

	"authgrid.org/internal/authn"
	"authgrid.org/internal/graph"
)

const tokenTTL = 1 * time.Hour

type tokenRequest struct {
	TenantID string `json:"tenant_id"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
	Principal int64  `json:"principal_id"`
}

// handleToken exchanges tenant credentials for a bearer token. Lookup failures
// and bad passwords return the same response so the endpoint does not leak
// which accounts exist.
func (a *API) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	req.TenantID = strings.TrimSpace(req.TenantID)
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.TenantID == "" || req.Email == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "tenant_id, email and password are required")
		return
	}

	user, ok := a.findUser(req.TenantID, req.Email)
	if !ok || user.Status != graph.UserStatusActive {
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err := authn.VerifyPassword(user.PasswordHash, req.Password); err != nil {
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := authn.GenerateToken(user.ID, req.TenantID, tokenTTL)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token generation failed")
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     token,
		ExpiresIn: int64(tokenTTL.Seconds()),
		Principal: user.ID,
	})
}

func (a *API) findUser(tenantID, email string) (graph.User, bool) {
	for _, u := range a.svc.Graph().ListUsers(tenantID) {
		if strings.EqualFold(u.Email, email) {
			return u, true
		}
	}
	return graph.User{}, false
}
