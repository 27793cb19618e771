package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"diagramflow/internal/backend"
	"diagramflow/internal/cache"
	"diagramflow/internal/catalog"
	"diagramflow/internal/config"
	"diagramflow/internal/dispatch"
	"diagramflow/internal/lifecycle"
	"diagramflow/internal/llm"
	"diagramflow/internal/logging"
	"diagramflow/internal/metrics"
	"diagramflow/internal/realtime"
	"diagramflow/internal/routing"
	"diagramflow/internal/session"
	"diagramflow/internal/status"
	"diagramflow/internal/storage"
	"diagramflow/internal/watcher"
)

const shutdownTimeout = 10 * time.Second

var (
	configPath string
	envFile    string
	port       int
	logLevel   string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "diagramflow",
		Short: "Diagram generation service over WebSocket",
		Long: `diagramflow accepts diagram requests over a WebSocket connection, picks a
generation method per request and streams progress until the diagram is
delivered.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before environment overrides")
	root.Flags().IntVar(&port, "port", 0, "listen port (overrides config)")
	root.Flags().StringVar(&logLevel, "log-level", "", "log level (overrides config)")

	root.AddCommand(newCatalogCmd())
	return root
}

func newCatalogCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "catalog",
		Short: "Print the strategy catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return printCatalog(cmd.OutOrStdout(), catalog.Default())
		},
	}
}

func printCatalog(out io.Writer, cat *catalog.Catalog) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tMETHODS")
	for _, kind := range cat.Kinds() {
		cands, _ := cat.Candidates(kind)
		parts := make([]string, 0, len(cands))
		for _, c := range cands {
			parts = append(parts, fmt.Sprintf("%s(p%d,%s)", c.Method, c.Priority, c.Quality))
		}
		fmt.Fprintf(tw, "%s\t%s\n", kind, strings.Join(parts, " > "))
	}
	return tw.Flush()
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath, envFile)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = port
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	return cfg, cfg.Validate()
}

func serve(parent context.Context, cfg *config.Config) error {
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	recorder := metrics.NewPrometheusRecorder()
	cat := catalog.Default()

	var client llm.Client
	if cfg.LLM.Provider != "" {
		client, err = llm.New(llm.Config{
			Provider: cfg.LLM.Provider,
			Model:    cfg.LLM.Model,
			APIKey:   cfg.LLM.APIKey,
			BaseURL:  cfg.LLM.BaseURL,
		})
		if err != nil {
			return fmt.Errorf("failed to create LLM client: %w", err)
		}
		logger.Info("language model configured", zap.String("provider", cfg.LLM.Provider), zap.String("model", client.Model()))
	}

	templates, err := backend.NewTemplateBackend(cfg.Templates.Dir, logger)
	if err != nil {
		return err
	}
	registry := backend.NewRegistry(templates, backend.NewChartBackend())
	if client != nil {
		var renderer backend.Renderer
		if cfg.Renderer.KrokiURL != "" {
			renderer = backend.NewKrokiRenderer(cfg.Renderer.KrokiURL, &http.Client{Timeout: cfg.Renderer.Timeout})
		}
		if err := registry.Register(backend.NewMermaidBackend(client, renderer, cfg.LLM.MaxConcurrent, logger)); err != nil {
			return err
		}
	}

	var resultCache cache.Cache
	switch cfg.Cache.Backend {
	case config.CacheMemory:
		mc := cache.NewMemoryCache(cfg.Cache.TTL)
		defer mc.Close()
		resultCache = mc
	case config.CacheRedis:
		rc, err := cache.NewRedisCache(ctx, cfg.Cache.RedisAddr, cfg.Cache.RedisPassword, cfg.Cache.RedisDB, cfg.Cache.TTL)
		if err != nil {
			return err
		}
		defer rc.Close()
		resultCache = rc
	}

	var store *storage.SQLiteStore
	if cfg.Storage.Path != "" {
		store, err = storage.Open(cfg.Storage.Path, cfg.Storage.BaseURL, logger)
		if err != nil {
			return err
		}
		defer store.Close()
	}

	var routingOpts []routing.Option
	if cfg.AdvisorActive() {
		routingOpts = append(routingOpts,
			routing.WithAdvisor(routing.NewLLMAdvisor(client), cfg.Routing.AdvisorTimeout),
			routing.WithBreaker(routing.NewBreaker(cfg.Routing.BreakerThreshold, cfg.Routing.BreakerCooldown)))
		summarizer, err := routing.NewSummarizer(cfg.Routing.SummaryTokens)
		if err != nil {
			logger.Warn("tokenizer unavailable, truncating by characters", zap.Error(err))
		} else {
			routingOpts = append(routingOpts, routing.WithSummarizer(summarizer))
		}
	}
	engine := routing.NewEngine(cat, logger, routingOpts...)

	timeouts := make(map[catalog.Method]time.Duration, len(cfg.Dispatch.Timeouts))
	for method, d := range cfg.Dispatch.Timeouts {
		timeouts[catalog.Method(method)] = d
	}
	dispatchOpts := []dispatch.Option{
		dispatch.WithTimeouts(timeouts, cfg.Dispatch.DefaultTimeout),
		dispatch.WithMetrics(recorder),
	}
	if resultCache != nil {
		dispatchOpts = append(dispatchOpts, dispatch.WithCache(resultCache))
	}
	dispatcher := dispatch.New(registry, logger, dispatchOpts...)

	sessions := session.NewManager(logger,
		session.WithHistorySize(cfg.Server.HistorySize),
		session.WithMetrics(recorder))
	reporter := status.NewReporter(sessions, logger)

	lifecycleOpts := []lifecycle.Option{lifecycle.WithMetrics(recorder)}
	if store != nil {
		lifecycleOpts = append(lifecycleOpts, lifecycle.WithArtifactStore(store))
	}
	requests := lifecycle.NewManager(engine, dispatcher, reporter, logger, lifecycleOpts...)
	sessions.SetCanceller(requests.CancelSession)

	deps := realtime.Deps{
		Sessions:  sessions,
		Lifecycle: requests,
		Rejecter:  reporter,
		Catalog:   cat,
		Backends:  registry,
		Metrics:   recorder.Handler(),
	}
	if store != nil {
		deps.Artifacts = store
	}
	rtServer := realtime.New(deps, realtime.Options{
		PingInterval:    cfg.Server.PingInterval,
		ReadDeadline:    cfg.Server.ReadDeadline,
		WriteDeadline:   cfg.Server.WriteDeadline,
		SendBuffer:      cfg.Server.SendBuffer,
		MaxMessageBytes: cfg.Server.MaxMessageBytes,
		StaticDir:       cfg.Server.StaticDir,
	}, logger)
	rtServer.OnTemplatesReloaded(templates.Templates())

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           rtServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("diagramflow server running", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := requests.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tasks still running at shutdown", zap.Error(err))
		}
		return httpServer.Shutdown(shutdownCtx)
	})
	if cfg.Templates.Watch && cfg.Templates.Dir != "" {
		w := watcher.New(templates, cfg.Templates.Debounce, rtServer.OnTemplatesReloaded, logger)
		g.Go(func() error { return w.Run(gctx) })
	}

	return g.Wait()
}
