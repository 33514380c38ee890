package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"authgrid.org/internal/audit"
	"authgrid.org/internal/authn"
	"authgrid.org/internal/obs"
)

type commandRequest struct {
	Type    string          `json:"type"`
	ActorID int64           `json:"actor_id,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

type queryRequest struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// handleCommands accepts one mutating command and blocks until the engine has
// applied or rejected it.
func (a *API) handleCommands(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req commandRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	kind := strings.TrimSpace(req.Type)
	if kind == "" {
		writeError(w, r, http.StatusBadRequest, "type is required")
		return
	}

	actorID := req.ActorID
	if p, ok := authn.PrincipalFromContext(r.Context()); ok {
		actorID = p.ID
	}

	ctx := audit.WithRequestID(r.Context(), RequestIDFromContext(r.Context()))
	res, err := a.svc.SubmitCommand(ctx, actorID, kind, req.Payload)
	if err != nil {
		obs.ObserveCommand(kind, "rejected")
		writeError(w, r, statusFor(err), err.Error())
		return
	}
	obs.ObserveCommand(kind, "applied")
	writeJSON(w, http.StatusOK, res)
}

// handleQueries runs one read-only query against the current graph.
func (a *API) handleQueries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req queryRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	kind := strings.TrimSpace(req.Type)
	if kind == "" {
		writeError(w, r, http.StatusBadRequest, "type is required")
		return
	}

	out, err := a.svc.RunQuery(r.Context(), kind, req.Payload)
	if err != nil {
		obs.ObserveQuery(kind, "rejected")
		writeError(w, r, statusFor(err), err.Error())
		return
	}
	obs.ObserveQuery(kind, "ok")
	writeJSON(w, http.StatusOK, map[string]any{"result": out})
}
