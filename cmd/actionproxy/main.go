package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/whookdev/actionproxy/internal/config"
	"github.com/whookdev/actionproxy/internal/lifecycle"
	"github.com/whookdev/actionproxy/internal/redis"
	"github.com/whookdev/actionproxy/internal/runner"
	"github.com/whookdev/actionproxy/internal/server"
	"golang.org/x/sync/errgroup"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := initiateApp(logger); err != nil {
		logger.Error("error in app lifecycle", "error", err)
		os.Exit(1)
	}
}

func initiateApp(logger *slog.Logger) error {
	cfg, err := config.NewConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := runner.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating runner: %w", err)
	}

	srv, err := server.New(cfg, svc, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	var lc *lifecycle.Lifecycle
	if cfg.RedisURL != "" {
		rdb, err := redis.New(cfg, logger)
		if err != nil {
			return fmt.Errorf("creating redis client: %w", err)
		}

		if err := rdb.Start(ctx); err != nil {
			return fmt.Errorf("connecting to redis server: %w", err)
		}
		defer func() {
			if err := rdb.Stop(); err != nil {
				logger.Error("error stopping redis", "error", err)
			}
		}()

		lc, err = lifecycle.New(cfg, rdb.Client, svc.Status, logger)
		if err != nil {
			return fmt.Errorf("creating lifecycle: %w", err)
		}
	}

	if err := svc.Start(srv.HTTPServer()); err != nil {
		return fmt.Errorf("starting runner: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Start(ctx)
	})

	if lc != nil {
		g.Go(func() error {
			return lc.Run(ctx)
		})
	}

	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}
