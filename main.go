package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"chatgate/internal/api"
	"chatgate/internal/config"
	"chatgate/internal/metrics"
	"chatgate/internal/redis"
	"chatgate/internal/service/ai"
	"chatgate/internal/service/gateway"
	"chatgate/internal/service/stream"
	"chatgate/internal/storage"
	"chatgate/internal/worker"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:          "chatgate",
		Short:        "Streaming chat gateway with a persistent conversation log",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", os.Getenv("CHATGATE_CONFIG"), "path to config file (.json, .yaml or .toml)")

	load := func() (*config.Config, error) {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		setupLogger(cfg.Log)
		return cfg, nil
	}

	root.AddCommand(newServeCmd(load), newHistoryCmd(load))
	root.RunE = newServeCmd(load).RunE
	return root
}

func newServeCmd(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	m := metrics.New(nil)

	store, err := openStore(ctx, cfg, m)
	if err != nil {
		return err
	}

	var discoveryOpts []ai.DiscoveryOption
	discoveryOpts = append(discoveryOpts, ai.WithDiscoveryMetrics(m))
	if cfg.Redis.Enabled {
		rdb, err := redis.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			slog.Warn("redis unavailable, model listings will not be cached", "err", err)
		} else {
			defer rdb.Close()
			discoveryOpts = append(discoveryOpts, ai.WithCache(rdb, time.Duration(cfg.Redis.ModelCacheTTLSeconds)*time.Second))
		}
	}
	discovery := ai.NewDiscovery(cfg, discoveryOpts...)

	registry, err := ai.NewRegistry(ctx, cfg, discovery)
	if err != nil {
		store.Close()
		return fmt.Errorf("init models: %w", err)
	}
	coord := stream.NewCoordinator(registry.Resolve, store, stream.Config{
		Debounce:       time.Duration(cfg.Stream.DebounceMS) * time.Millisecond,
		MaxBufferBytes: cfg.Stream.MaxBufferBytes,
	}, stream.WithMetrics(m))
	gw := gateway.New(store, coord, discovery, gateway.Config{
		DefaultModel:   cfg.BasicConfig.DefaultModel,
		MaxUploadBytes: cfg.BasicConfig.MaxUploadBytes,
	})
	defer func() {
		if err := gw.Close(); err != nil {
			slog.Error("close store", "err", err)
		}
	}()

	if !strings.EqualFold(cfg.Log.Level, "debug") {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	api.NewHandler(gw, cfg.BasicConfig.MaxUploadBytes, promhttp.Handler()).RegisterRoutes(router)

	srv := &http.Server{
		Addr:              cfg.BasicConfig.ServerAddress,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", srv.Addr, "default_model", cfg.BasicConfig.DefaultModel)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server stopped: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (*storage.MessageStore, error) {
	store, err := storage.OpenMessageStore(ctx, cfg.Database, worker.DispatcherConfig{
		MinWorkers:        cfg.Worker.MinWorkers,
		MaxWorkers:        cfg.Worker.MaxWorkers,
		QueueSize:         cfg.Worker.QueueSize,
		WorkerIdleTimeout: time.Duration(cfg.Worker.WorkerIdleTimeout) * time.Second,
	}, storage.WithMetrics(m))
	if err != nil {
		return nil, fmt.Errorf("open message store: %w", err)
	}
	return store, nil
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
