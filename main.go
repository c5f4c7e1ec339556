package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"chtbx/cache"
	"chtbx/config"
	"chtbx/db"
	"chtbx/logger"
	"chtbx/server"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		bootLog := logger.Init(logger.Options{})
		bootLog.Fatal().Err(err).Msg("failed to load configuration")
	}
	log := logger.Init(logger.Options{
		Level:  cfg.LogLevel,
		Pretty: cfg.LogPretty,
	})

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("failed to initialize database")
	}
	defer database.Close()

	// nobody is connected before the listener opens
	cleared, err := database.ClearAllPresence(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to reset presence")
	}
	if cleared > 0 {
		log.Warn().Int64("accounts", cleared).Msg("cleared stale presence")
	}

	opts := []server.Option{server.WithLogger(log)}
	if cfg.Redis.Addr != "" {
		rdb, err := cache.Connect(ctx, cache.Config{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
		if err != nil {
			log.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("failed to connect to redis")
		}
		defer rdb.Close()

		presence := cache.NewPresenceCache(rdb)
		if err := presence.Reset(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to reset cached presence")
		}
		opts = append(opts, server.WithPresenceListener(presence))
		log.Info().Str("addr", cfg.Redis.Addr).Msg("presence mirrored to redis")
	}

	srv := server.New(database, &server.ServerConfig{
		Port:         cfg.Port,
		IdleTimeout:  cfg.IdleTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}, opts...)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(ctx)
	})

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics endpoint started")
			if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metrics.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server stopped with error")
	}
	// Serve can return before every session has released its presence
	srv.Shutdown()

	stats := srv.GetStats()
	log.Info().
		Int("connections", stats.Connections).
		Str("users", strings.Join(stats.Users, ",")).
		Msg("shutdown complete")
}
