package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                        "/",
		"/metrics":                "/metrics",
		"/healthz":                "/healthz",
		"/v1/commands":            "/v1/commands",
		"/v1/queries?debug=1":     "/v1/queries",
		"/v1/auth/token":          "/v1/auth/token",
		"/v1/stream":              "/v1/stream",
		"/v1/entities/42":         "/other",
		"/totally/unknown/route":  "/other",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
