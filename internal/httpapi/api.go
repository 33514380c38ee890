// Package httpapi is the thin transport adapter over the service façade:
// one endpoint to submit commands, one to run queries, plus probes, the
// change-event stream and token issuance. All authorization semantics live
// below; this layer only decodes, authenticates and maps errors.
package httpapi

import (
	"net/http"

	"authgrid.org/internal/health"
	"authgrid.org/internal/obs"
	"authgrid.org/internal/service"
	"authgrid.org/internal/stream"
)

// Config carries the API's collaborators and tuning.
type Config struct {
	Service    *service.Service
	Supervisor *health.Supervisor
	Stream     *stream.Stream
	Version    string
	// RequireAuth gates /v1/commands and /v1/queries behind bearer tokens.
	RequireAuth  bool
	MaxBodyBytes int64
	RateBurst    int
	RatePerSec   int
}

// API is the HTTP layer.
type API struct {
	mux     *http.ServeMux
	svc     *service.Service
	sup     *health.Supervisor
	stream  *stream.Stream
	version string
	cfg     Config
}

func New(cfg Config) *API {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 50
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 25
	}
	a := &API{
		mux:     http.NewServeMux(),
		svc:     cfg.Service,
		sup:     cfg.Supervisor,
		stream:  cfg.Stream,
		version: cfg.Version,
		cfg:     cfg,
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	a.mux.HandleFunc("/v1/commands", a.handleCommands)
	a.mux.HandleFunc("/v1/queries", a.handleQueries)
	a.mux.HandleFunc("/v1/auth/token", a.handleToken)
	a.mux.HandleFunc("/v1/stream", a.Stream)

	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler assembles the middleware chain around the mux.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, a.cfg.MaxBodyBytes)
	h = RateLimit(h, a.cfg.RateBurst, a.cfg.RatePerSec)
	h = SecurityHeaders(h)
	h = Logging(h)
	h = RequestID(h)
	return obs.Instrument(h)
}
