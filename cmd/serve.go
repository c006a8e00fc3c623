package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/juju/clock"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tinoosan/folio/internal/config"
	"github.com/tinoosan/folio/internal/discovery"
	"github.com/tinoosan/folio/internal/engine"
	"github.com/tinoosan/folio/internal/engine/aria2"
	"github.com/tinoosan/folio/internal/engine/qbittorrent"
	"github.com/tinoosan/folio/internal/logging"
	"github.com/tinoosan/folio/internal/metadata"
	"github.com/tinoosan/folio/internal/metrics"
	"github.com/tinoosan/folio/internal/reconciler"
	"github.com/tinoosan/folio/internal/repo"
	"github.com/tinoosan/folio/internal/resilient"
	"github.com/tinoosan/folio/internal/router"
	"github.com/tinoosan/folio/internal/service"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and the job reconciler",
	Long: `Start the folio HTTP API together with the background reconciler.

Endpoints:
  /healthz  liveness
  /readyz   readiness (store and download engine)
  /metrics  Prometheus metrics
  /v1/...   acquisition API (bearer token and X-User-ID required)

Examples:
  folio serve
  folio serve --listen :8081
  FOLIO_ENGINE_KIND=qbittorrent folio serve --config folio.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(v)
		if err != nil {
			return err
		}
		logger, closer, err := logging.New(cfg.Log)
		if err != nil {
			return err
		}
		defer closer.Close()
		return serve(cmd.Context(), cfg, logger)
	},
}

func init() {
	serveCmd.Flags().String("listen", ":9090", "address to listen on")
	serveCmd.Flags().Duration("sweep_interval", reconciler.DefaultSweepInterval, "interval between reconciliation sweeps")
}

func openStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (*repo.Store, error) {
	dsn := cfg.DB.DSN
	if dsn == "" {
		dsn = repo.DSNFromEnv()
	}
	if dsn == "" {
		log.Warn("no database configured, using in-memory store")
		return repo.NewInMemory(), nil
	}
	store, err := repo.NewPostgres(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	log.Info("using postgres store")
	return store, nil
}

// openEngine returns the configured engine and, for engines that push
// notifications, its event source.
func openEngine(cfg *config.Config, hc *http.Client, log *slog.Logger) (engine.Client, engine.EventSource, error) {
	rc := resilient.New(cfg.Engine.Resilience, log)
	switch cfg.Engine.Kind {
	case config.EngineAria2:
		c, err := aria2.NewClient(cfg.Engine.Aria2, rc, hc, log)
		if err != nil {
			return nil, nil, err
		}
		return c, c, nil
	case config.EngineQBittorrent:
		c, err := qbittorrent.NewClient(cfg.Engine.QBittorrent, rc, hc, log)
		if err != nil {
			return nil, nil, err
		}
		return c, nil, nil
	}
	return engine.NewNoop(log), nil, nil
}

func serve(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	metrics.Register()
	hc := &http.Client{}

	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	meta := metadata.NewService(cfg.Metadata.Cache, log)
	for _, p := range cfg.Metadata.Providers() {
		hp, err := metadata.NewHTTPProvider(p.Code, p.BaseURL, p.APIKey, hc)
		if err != nil {
			return err
		}
		s := cfg.Metadata.Resilience
		s.Provider = "metadata:" + p.Code
		meta.Register(p.Code, hp, resilient.New(s, log))
	}
	if len(cfg.Metadata.Providers()) == 0 {
		log.Warn("no metadata provider configured; searches will fail")
	}

	tz := cfg.Candidates.Torznab
	src, err := discovery.NewTorznabSource(tz.BaseURL, tz.APIKey, tz.Categories, hc)
	if err != nil {
		return err
	}
	cands := discovery.NewEngine(meta, src, resilient.New(cfg.Candidates.Resilience, log), log)

	eng, events, err := openEngine(cfg, hc, log)
	if err != nil {
		return err
	}

	opts := []reconciler.Option{
		reconciler.WithInterval(cfg.SweepInterval),
		reconciler.WithSubmitTimeout(cfg.SubmitTimeout),
	}
	var ch chan engine.Event
	if events != nil {
		ch = make(chan engine.Event, 64)
		opts = append(opts, reconciler.WithEvents(ch))
	}
	rec := reconciler.New(log, store, eng, opts...)
	svc := service.NewJobs(store, meta, cands, eng, rec, clock.WallClock, "torznab", log)

	handler := router.New(log, svc, cfg.APIToken,
		router.Check{Name: "store", Ping: store.Ping},
		router.Check{Name: "engine", Ping: eng.Ping},
	)
	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	rec.Run()
	defer rec.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting folio", "addr", server.Addr, "engine", cfg.Engine.Kind)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return server.Shutdown(sctx)
	})
	if events != nil {
		g.Go(func() error {
			events.Run(gctx, engine.NewChanReporter(ch))
			return nil
		})
	}
	return g.Wait()
}
