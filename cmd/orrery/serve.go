package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/star/orrery/internal/api"
	"github.com/star/orrery/internal/auth"
	"github.com/star/orrery/internal/cache"
	"github.com/star/orrery/internal/catalog"
	"github.com/star/orrery/internal/config"
	"github.com/star/orrery/internal/metrics"
	"github.com/star/orrery/internal/propagation"
	"github.com/star/orrery/internal/stream"
)

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, keyframe cache and SSE stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(os.Stdout)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.HTTP.Addr = addr
			}
			logger.Info("configuration loaded", "config", cfg, "version", version)
			return serve(cmd.Context(), cfg, logger)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides http.addr)")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	cat, err := catalog.Load()
	if err != nil {
		return err
	}

	propCfg := propagation.PropConfig{
		Workers:   cfg.Propagation.Workers,
		Step:      cfg.Cache.Step,
		Horizon:   cfg.Cache.Horizon,
		Scale:     cfg.Propagation.Scale,
		MaxFrames: cfg.Propagation.MaxFrames,
	}
	prop := propagation.NewPropagator(propCfg, logger)
	metrics.SetScaleFactor(prop.Scale())

	kfCache := cache.NewKeyframeCache(cache.Config{
		Step:    cfg.Cache.Step,
		Horizon: cfg.Cache.Horizon,
		Buffer:  cfg.Cache.Buffer,
	}, prop, logger)

	streamHandler := stream.NewHandler(kfCache, prop, stream.Config{
		MaxConcurrentPerIP: cfg.Stream.MaxPerIP,
		MaxConcurrentTotal: cfg.Stream.MaxTotal,
		KeepaliveInterval:  cfg.Stream.Keepalive,
		TrustProxy:         cfg.HTTP.TrustProxy,
	}, logger)

	srv := api.NewServer(api.Config{
		Addr:       cfg.HTTP.Addr,
		Auth:       auth.Config{Enabled: cfg.Auth.Enabled, Token: cfg.Auth.Token},
		TrustProxy: cfg.HTTP.TrustProxy,
		Version:    version,
	}, api.Deps{
		Catalog: cat,
		Prop:    prop,
		Cache:   kfCache,
		Stream:  streamHandler,
	}, logger)

	// Open streams end when the process is told to stop.
	srv.HTTPServer().BaseContext = func(net.Listener) context.Context { return ctx }

	// Start cache background worker.
	go kfCache.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", cfg.HTTP.Addr, "auth_enabled", cfg.Auth.Enabled)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		logger.Error("server listen error", "error", err)
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
		return err
	}

	logger.Info("server stopped")
	return nil
}
