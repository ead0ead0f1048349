package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/wizdata/scraperd/internal/adapter"
	"github.com/wizdata/scraperd/internal/adapter/coingecko"
	"github.com/wizdata/scraperd/internal/adapter/economic"
	"github.com/wizdata/scraperd/internal/adapter/forex"
	"github.com/wizdata/scraperd/internal/adapter/news"
	"github.com/wizdata/scraperd/internal/adapter/jse"
	"github.com/wizdata/scraperd/internal/api"
	"github.com/wizdata/scraperd/internal/config"
	"github.com/wizdata/scraperd/internal/logger"
	"github.com/wizdata/scraperd/internal/metrics"
	"github.com/wizdata/scraperd/internal/orchestrator"
	"github.com/wizdata/scraperd/internal/proxy"
	"github.com/wizdata/scraperd/internal/quality"
	"github.com/wizdata/scraperd/internal/queue"
	"github.com/wizdata/scraperd/internal/queue/memq"
	"github.com/wizdata/scraperd/internal/queue/redisq"
	"github.com/wizdata/scraperd/internal/worker"
)

const shutdownTimeout = 30 * time.Second

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scraper daemon",
		Long: `Run the scheduler, worker pool and admin HTTP server until
interrupted. Jobs come from the configuration file; a job with an
unknown source or unusable cadence aborts startup.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(parent context.Context, cfg *config.Config) error {
	log, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	registry := newSourceRegistry()

	proxies, err := proxy.NewManager(cfg.Proxy, log)
	if err != nil {
		return fmt.Errorf("create proxy manager: %w", err)
	}

	gate := quality.NewGate(cfg.Quality, log)

	q, err := newQueue(cfg.Queue, log)
	if err != nil {
		return fmt.Errorf("create queue: %w", err)
	}

	pool, err := worker.NewPool(cfg.Worker, log)
	if err != nil {
		return fmt.Errorf("create worker pool: %w", err)
	}

	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)

	orch := orchestrator.New(registry, proxies, gate, q, pool, m, log)
	for _, job := range cfg.Jobs {
		if regErr := orch.Register(job); regErr != nil {
			// A bad job definition is fatal: fail loudly at startup
			// instead of silently skipping the job.
			return fmt.Errorf("register job: %w", regErr)
		}
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if startErr := orch.Start(ctx); startErr != nil {
		return fmt.Errorf("start orchestrator: %w", startErr)
	}

	go proxies.RunHealthChecks(ctx, proxy.NewHTTPProber(cfg.Proxy.ProbeURL, cfg.Proxy.ProbeTimeout))

	srv := api.NewServer(api.Config{
		Address: cfg.Server.Address,
		Debug:   cfg.App.Debug,
	}, orch, promReg, log)

	errChan := make(chan error, 1)
	go func() {
		if serveErr := srv.Start(); serveErr != nil {
			errChan <- serveErr
		}
	}()

	log.Info("scraperd started",
		logger.Int("jobs", len(cfg.Jobs)),
		logger.String("queue_backend", cfg.Queue.Backend),
		logger.String("address", cfg.Server.Address),
	)

	select {
	case serveErr := <-errChan:
		return fmt.Errorf("admin server: %w", serveErr)
	case <-ctx.Done():
	}

	return shutdown(srv, orch, q, log)
}

// shutdown drains the server, the orchestrator and the queue in order.
func shutdown(srv *api.Server, orch *orchestrator.Orchestrator, q queue.Queue, log logger.Logger) error {
	log.Info("shutdown signal received")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := srv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop admin server: %w", err))
	}
	if err := orch.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop orchestrator: %w", err))
	}
	if err := q.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close queue: %w", err))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	log.Info("scraperd stopped")
	return nil
}

// newSourceRegistry registers every built-in source adapter.
func newSourceRegistry() *adapter.Registry {
	registry := adapter.NewRegistry()
	for name, factory := range map[string]adapter.Factory{
		coingecko.SourceName: coingecko.New,
		jse.SourceName:       jse.New,
		forex.SourceName:     forex.New,
		economic.SourceName:  economic.New,
		news.SourceName:      news.New,
	} {
		// Registration of built-ins only fails on a programming error.
		if err := registry.Register(name, factory); err != nil {
			panic(err)
		}
	}
	return registry
}

// newQueue selects the configured broker backend.
func newQueue(cfg queue.Config, log logger.Logger) (queue.Queue, error) {
	switch cfg.Backend {
	case queue.BackendRedis:
		return redisq.New(cfg, log)
	case queue.BackendMemory:
		return memq.New(cfg, log), nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Backend)
	}
}
