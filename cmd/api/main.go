package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"authgrid.org/internal/bridge"
	"authgrid.org/internal/engine"
	"authgrid.org/internal/health"
	"authgrid.org/internal/httpapi"
	"authgrid.org/internal/obs"
	"authgrid.org/internal/service"
	"authgrid.org/internal/store/pg"
	"authgrid.org/internal/stream"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Durable store is optional: without a DSN the engine runs in-memory only.
	var (
		store *pg.Store
		br    *bridge.Bridge
	)
	if dsn := os.Getenv("AUTHGRID_PG_DSN"); dsn != "" {
		var err error
		store, err = pg.Open(dsn)
		if err != nil {
			log.Fatalf("open store: %v", err)
		}
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		if err := store.Ping(pingCtx); err != nil {
			pingCancel()
			log.Fatalf("ping store: %v", err)
		}
		pingCancel()
	}

	feed := stream.New()

	var cfg service.Config
	cfg.QueueCapacity = envInt("AUTHGRID_QUEUE_CAP", 1024)
	cfg.Audit = os.Getenv("AUTHGRID_AUDIT") != "off"
	cfg.OnChange = func(ch engine.Change) {
		feed.Publish(stream.ChangeEvent{
			ChangeID:  ch.ChangeID,
			Seq:       ch.Seq,
			Kind:      ch.Kind,
			EntityID:  ch.Result.EntityID,
			ActorID:   ch.ActorID,
			AppliedAt: ch.AppliedAt,
		})
	}
	if store != nil {
		cfg.Loader = store
		br = bridge.New(store, store.DeadLetters(), bridge.Config{
			QueueCapacity:  envInt("AUTHGRID_BRIDGE_CAP", 4096),
			Workers:        envInt("AUTHGRID_BRIDGE_WORKERS", 4),
			MaxAttempts:    envInt("AUTHGRID_BRIDGE_ATTEMPTS", 5),
			AttemptTimeout: 5 * time.Second,
			OnDeadLetter: func(ch engine.Change, cause error) {
				obs.DeadLetter()
				log.Printf("dead letter: change %s (%s): %v", ch.ChangeID, ch.Kind, cause)
			},
		})
		cfg.Sink = br
	}

	svc, err := service.New(ctx, cfg)
	if err != nil {
		log.Fatalf("start service: %v", err)
	}

	sup := health.NewSupervisor()
	sup.RegisterStats("service", func() any { return svc.Stats() })
	sup.RegisterStats("stream", func() any {
		return map[string]int{"subscribers": feed.Subscribers()}
	})
	if store != nil {
		sup.RegisterProbe("store", store.Ping)
		sup.RegisterStats("bridge", func() any { return br.Stats() })
		sup.SetDegraded(br.Degraded)
	}

	go publishGauges(ctx, svc, br)

	api := httpapi.New(httpapi.Config{
		Service:     svc,
		Supervisor:  sup,
		Stream:      feed,
		Version:     version,
		RequireAuth: os.Getenv("AUTHGRID_AUTH_SECRET") != "",
	})

	srv := &http.Server{
		Addr:              envStr("AUTHGRID_ADDR", ":8080"),
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("starting authgrid-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Println("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)

	// Order matters: stop accepting commands, then drain the bridge so every
	// accepted change reaches the store before the process exits.
	svc.Close()
	if br != nil {
		br.Close()
	}
	cancel()
	log.Println("stopped")
}

// publishGauges folds polled engine and bridge counters into Prometheus.
func publishGauges(ctx context.Context, svc *service.Service, br *bridge.Bridge) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	var lastHits, lastMisses, lastRetries uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := svc.Stats()
			obs.SetQueueDepth(st.Engine.QueueDepth)
			obs.AddCacheHits(float64(st.CacheHits - lastHits))
			obs.AddCacheMisses(float64(st.CacheMisses - lastMisses))
			lastHits, lastMisses = st.CacheHits, st.CacheMisses

			if br != nil {
				bst := br.Stats()
				obs.AddPersistRetries(float64(bst.Retried - lastRetries))
				lastRetries = bst.Retried
				obs.SetBreakerState("store", breakerStateValue(bst.StoreBreaker))
				obs.SetBreakerState("timeout", breakerStateValue(bst.TimeoutBreaker))
			}
		}
	}
}

func breakerStateValue(state string) int {
	switch state {
	case "open":
		return 1
	case "half-open":
		return 2
	default:
		return 0
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Fatalf("%s: invalid value %q", key, v)
	}
	return n
}
