package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"authgrid.org/internal/authn"
	"authgrid.org/internal/health"
	"authgrid.org/internal/service"
	"authgrid.org/internal/stream"
)

func newTestAPI(t *testing.T, requireAuth bool) (*API, *service.Service) {
	t.Helper()
	svc, err := service.New(context.Background(), service.Config{QueueCapacity: 64})
	if err != nil {
		t.Fatalf("service.New: %v", err)
	}
	t.Cleanup(svc.Close)

	sup := health.NewSupervisor()
	sup.RegisterProbe("engine", func(ctx context.Context) error { return nil })

	return New(Config{
		Service:     svc,
		Supervisor:  sup,
		Stream:      stream.New(),
		Version:     "test",
		RequireAuth: requireAuth,
	}), svc
}

func postJSON(t *testing.T, h http.Handler, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func submitCommand(t *testing.T, h http.Handler, kind string, payload any) map[string]any {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	rec := postJSON(t, h, "/v1/commands", commandRequest{Type: kind, Payload: raw}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("%s: status %d, body %s", kind, rec.Code, rec.Body.String())
	}
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestHealthAndReady(t *testing.T) {
	api, _ := newTestAPI(t, false)
	h := api.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("readyz status = %d, body %s", rec.Code, rec.Body.String())
	}
	var st health.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode readyz: %v", err)
	}
	if !st.Healthy {
		t.Fatalf("expected healthy status")
	}
}

func TestReadyFailsWhenProbeFails(t *testing.T) {
	api, _ := newTestAPI(t, false)
	api.sup.RegisterProbe("store", func(ctx context.Context) error {
		return fmt.Errorf("connection refused")
	})
	h := api.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz status = %d, want 503", rec.Code)
	}
}

func TestCommandThenQueryRoundTrip(t *testing.T) {
	api, _ := newTestAPI(t, false)
	h := api.Handler()

	res := submitCommand(t, h, "user.create", map[string]any{
		"tenant_id": "acme",
		"email":     "ada@example.com",
	})
	if res["entity_id"] == nil {
		t.Fatalf("expected entity_id in result, got %v", res)
	}

	raw, _ := json.Marshal(map[string]any{"tenant_id": "acme"})
	rec := postJSON(t, h, "/v1/queries", queryRequest{Type: "users.list", Payload: raw}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("query status = %d, body %s", rec.Code, rec.Body.String())
	}
	var out struct {
		Result []map[string]any `json:"result"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode query response: %v", err)
	}
	if len(out.Result) != 1 || out.Result[0]["email"] != "ada@example.com" {
		t.Fatalf("unexpected users list: %v", out.Result)
	}
}

func TestErrorMapping(t *testing.T) {
	api, _ := newTestAPI(t, false)
	h := api.Handler()

	rec := postJSON(t, h, "/v1/commands", commandRequest{Type: "no.such.command", Payload: json.RawMessage(`{}`)}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown command status = %d, want 400", rec.Code)
	}

	raw, _ := json.Marshal(map[string]any{"id": 9999})
	rec = postJSON(t, h, "/v1/queries", queryRequest{Type: "entity.get", Payload: raw}, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing entity status = %d, want 404: %s", rec.Code, rec.Body.String())
	}
}

func TestMethodNotAllowed(t *testing.T) {
	api, _ := newTestAPI(t, false)
	h := api.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/commands", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
	if rec.Header().Get("Allow") != http.MethodPost {
		t.Fatalf("Allow header = %q", rec.Header().Get("Allow"))
	}
}

func TestSecurityHeadersAndRequestID(t *testing.T) {
	api, _ := newTestAPI(t, false)
	h := api.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("missing nosniff header")
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatalf("missing request id header")
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "abc-123")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-Id"); got != "abc-123" {
		t.Fatalf("request id not propagated, got %q", got)
	}
}

func TestAuthRequired(t *testing.T) {
	t.Setenv("AUTHGRID_AUTH_SECRET", "0123456789abcdef0123456789abcdef")
	authn.ResetSecretForTests()
	t.Cleanup(authn.ResetSecretForTests)

	api, _ := newTestAPI(t, true)
	h := api.Handler()

	rec := postJSON(t, h, "/v1/commands", commandRequest{Type: "user.create", Payload: json.RawMessage(`{}`)}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated command status = %d, want 401", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("public path status = %d, want 200", rec.Code)
	}

	token, err := authn.GenerateToken(7, "acme", tokenTTL)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	raw, _ := json.Marshal(map[string]any{"tenant_id": "acme", "email": "bob@example.com"})
	rec = postJSON(t, h, "/v1/commands", commandRequest{Type: "user.create", Payload: raw}, map[string]string{
		"Authorization": "Bearer " + token,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("authenticated command status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestTokenEndpoint(t *testing.T) {
	t.Setenv("AUTHGRID_AUTH_SECRET", "0123456789abcdef0123456789abcdef")
	authn.ResetSecretForTests()
	t.Cleanup(authn.ResetSecretForTests)

	api, _ := newTestAPI(t, false)
	h := api.Handler()

	hash, err := authn.HashPassword("hunter2-but-longer")
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	submitCommand(t, h, "user.create", map[string]any{
		"tenant_id":     "acme",
		"email":         "ada@example.com",
		"password_hash": hash,
	})

	rec := postJSON(t, h, "/v1/auth/token", tokenRequest{
		TenantID: "acme",
		Email:    "ada@example.com",
		Password: "hunter2-but-longer",
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("token status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp tokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode token response: %v", err)
	}
	if resp.Token == "" || resp.Principal == 0 {
		t.Fatalf("incomplete token response: %+v", resp)
	}
	claims, err := authn.ParseAndValidate(resp.Token)
	if err != nil {
		t.Fatalf("issued token does not validate: %v", err)
	}
	if claims.TenantID != "acme" {
		t.Fatalf("tenant claim = %q", claims.TenantID)
	}

	rec = postJSON(t, h, "/v1/auth/token", tokenRequest{
		TenantID: "acme",
		Email:    "ada@example.com",
		Password: "wrong",
	}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad password status = %d, want 401", rec.Code)
	}
}

func TestUnknownPath(t *testing.T) {
	api, _ := newTestAPI(t, false)
	h := api.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}
