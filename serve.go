package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/webrequestd/webrequestd/internal/api"
	"github.com/webrequestd/webrequestd/internal/engine"
	"github.com/webrequestd/webrequestd/internal/fetch"
	"github.com/webrequestd/webrequestd/internal/proxy"
)

// shutdownGrace bounds how long a stopping daemon drains in-flight API
// requests.
const shutdownGrace = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the request daemon",
		Long: `Run the daemon: the HTTP API for registering requests and retrieving
responses, and the scheduler loop that fetches queued requests under the
per-domain policies. Stops gracefully on SIGINT/SIGTERM; a second signal
forces exit.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger := buildLogger()
	ctx := shutdownContext(cmd.Context(), logger)

	cleanup, err := writePIDFile(pidFilePath())
	if err != nil {
		return err
	}
	defer cleanup()

	st, err := openStore(logger)
	if err != nil {
		return err
	}
	defer st.Close()

	if resolvedCfg.Tick.Backfill {
		n, err := st.FillMissingRequestStatuses(ctx)
		if err != nil {
			return fmt.Errorf("backfilling request statuses: %w", err)
		}

		if n > 0 {
			logger.Info("backfilled request statuses", slog.Int("rows", n))
		}
	}

	pool, watcher, err := buildProxyPool(logger)
	if err != nil {
		return err
	}

	orch := engine.NewOrchestrator(st, buildRequester(pool, logger), logger,
		engine.OrchestratorOptions{BPSWindow: resolvedCfg.Tick.BPSWindow})
	handler := engine.NewHandler(st, orch, logger,
		engine.HandlerOptions{PerDomainCap: resolvedCfg.Tick.PerDomainCap})
	runner := engine.NewRunner(handler, logger,
		engine.RunnerOptions{IdleWaits: resolvedCfg.Tick.IdleWaits})

	srv := api.NewServer(api.Config{
		Addr:    resolvedCfg.ListenAddr,
		Service: handler,
		Logger:  logger,
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(srv.Start)

	g.Go(func() error {
		return runner.Run(gctx)
	})

	if watcher != nil {
		g.Go(func() error {
			return watcher.Watch(gctx)
		})
	}

	// Shutting down the server unblocks srv.Start, which ends the group.
	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()

		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()

	logger.Info("daemon stopped")

	return err
}

// buildProxyPool assembles the proxy pool and its optional file watcher from
// the resolved proxy configuration. Returns nils when proxying is disabled.
func buildProxyPool(logger *slog.Logger) (*proxy.Pool, *proxy.FileWatcher, error) {
	p := resolvedCfg.Proxy
	if !p.Enabled {
		return nil, nil, nil
	}

	var sources proxy.MultiSource

	if len(p.Endpoints) > 0 {
		static := make(proxy.StaticSource, 0, len(p.Endpoints))

		for _, raw := range p.Endpoints {
			ep, err := proxy.ParseEndpoint(raw)
			if err != nil {
				return nil, nil, err
			}

			static = append(static, ep)
		}

		sources = append(sources, static)
	}

	if p.File != "" {
		sources = append(sources, proxy.FileSource{Path: p.File})
	}

	var source proxy.Source = sources
	if len(sources) == 1 {
		source = sources[0]
	}

	pool := proxy.New(source, proxy.Options{MaxAge: p.RefreshInterval, Logger: logger})

	var watcher *proxy.FileWatcher
	if p.File != "" {
		watcher = proxy.NewFileWatcher(pool, p.File, logger)
	}

	return pool, watcher, nil
}

// buildRequester assembles the shared requester from the fetch
// configuration.
func buildRequester(pool *proxy.Pool, logger *slog.Logger) *fetch.Requester {
	cfg := fetch.Config{
		Limiter:   fetch.NewPacingLimiter(resolvedCfg.Fetch.RateLimit, resolvedCfg.Fetch.RateBurst),
		UserAgent: resolvedCfg.Fetch.UserAgent,
		Logger:    logger,
	}

	// Keep a nil pool out of the interface field.
	if pool != nil {
		cfg.Proxies = pool
	}

	return fetch.New(cfg)
}
